package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storyround/pkg/domain"
)

// GormStore implements Store using GORM + Postgres. All check-then-write
// sequences run inside a transaction holding a row lock on the thread, so
// concurrent joins and posts against the same thread serialize in the
// database rather than racing in client code.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&ThreadModel{}, &ParticipantModel{}, &PostModel{}, &UserBlockModel{}, &UserRoleModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateThread inserts a new thread record.
func (s *GormStore) CreateThread(ctx context.Context, t domain.Thread) error {
	model := threadToModel(t)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *GormStore) GetThread(ctx context.Context, id string) (domain.Thread, bool, error) {
	var model ThreadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return threadFromModel(model), true, nil
}

// ListThreads returns all threads newest-first with participant counts.
func (s *GormStore) ListThreads(ctx context.Context) ([]domain.ThreadSummary, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	type countRow struct {
		ThreadID string
		N        int
	}
	var counts []countRow
	if err := s.db.WithContext(ctx).Model(&ParticipantModel{}).
		Select("thread_id, count(*) as n").
		Group("thread_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	byThread := make(map[string]int, len(counts))
	for _, c := range counts {
		byThread[c.ThreadID] = c.N
	}
	res := make([]domain.ThreadSummary, 0, len(models))
	for _, m := range models {
		res = append(res, domain.ThreadSummary{
			Thread:           threadFromModel(m),
			ParticipantCount: byThread[m.ID],
		})
	}
	return res, nil
}

// CompareAndSetStatus performs the conditional status transition. The
// WHERE clause carries the expected status, so two concurrent triggers
// both observing the old status cannot both win.
func (s *GormStore) CompareAndSetStatus(ctx context.Context, threadID string, expected, next domain.ThreadStatus, at time.Time) (bool, error) {
	fields := map[string]any{"status": string(next)}
	switch next {
	case domain.StatusActive:
		fields["opened_at"] = at
	case domain.StatusCompleted:
		fields["completed_at"] = at
	}
	res := s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ? AND status = ?", threadID, string(expected)).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AddParticipant admits a user into a thread. The capacity check, the
// turn_order computation, and the insert share one transaction; a second
// joiner blocks on the thread row lock until the first commits and then
// sees the updated count.
func (s *GormStore) AddParticipant(ctx context.Context, threadID, userID string) (JoinResult, error) {
	var result JoinResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread ThreadModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&thread, "id = ?", threadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if thread.Status == string(domain.StatusCompleted) {
			return domain.ErrInvalidState
		}

		var count int64
		if err := tx.Model(&ParticipantModel{}).Where("thread_id = ?", threadID).Count(&count).Error; err != nil {
			return err
		}

		var existing ParticipantModel
		err := tx.First(&existing, "thread_id = ? AND user_id = ?", threadID, userID).Error
		if err == nil {
			result = JoinResult{
				Participant:      participantFromModel(existing),
				ParticipantCount: int(count),
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if int(count) >= thread.MaxParticipants {
			return domain.ErrThreadFull
		}
		slot := int(count)
		model := ParticipantModel{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			UserID:    userID,
			TurnOrder: &slot,
			JoinedAt:  time.Now().UTC(),
		}
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrConflict
			}
			return err
		}
		result = JoinResult{
			Participant:      participantFromModel(model),
			ParticipantCount: int(count) + 1,
			Created:          true,
		}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	return result, nil
}

// GetParticipant returns a thread membership row.
func (s *GormStore) GetParticipant(ctx context.Context, threadID, userID string) (domain.Participant, bool, error) {
	var model ParticipantModel
	if err := s.db.WithContext(ctx).First(&model, "thread_id = ? AND user_id = ?", threadID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Participant{}, false, nil
		}
		return domain.Participant{}, false, err
	}
	return participantFromModel(model), true, nil
}

// ListParticipants returns participants in join order.
func (s *GormStore) ListParticipants(ctx context.Context, threadID string) ([]domain.Participant, error) {
	var models []ParticipantModel
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("joined_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Participant, 0, len(models))
	for _, m := range models {
		res = append(res, participantFromModel(m))
	}
	return res, nil
}

// AssignTurnOrders repairs participants missing a turn_order: unassigned
// rows receive the smallest unused slot following joined_at order. With
// every join assigning its slot transactionally this is a no-op; it exists
// to recover rows written by older, non-atomic assignment paths.
func (s *GormStore) AssignTurnOrders(ctx context.Context, threadID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread ThreadModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&thread, "id = ?", threadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		var models []ParticipantModel
		if err := tx.Where("thread_id = ?", threadID).Order("joined_at ASC").Find(&models).Error; err != nil {
			return err
		}
		used := make(map[int]bool, len(models))
		for _, m := range models {
			if m.TurnOrder != nil {
				used[*m.TurnOrder] = true
			}
		}
		next := 0
		for _, m := range models {
			if m.TurnOrder != nil {
				continue
			}
			for used[next] {
				next++
			}
			slot := next
			used[slot] = true
			if err := tx.Model(&ParticipantModel{}).
				Where("id = ?", m.ID).
				Update("turn_order", slot).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CreatePost inserts a post after re-validating, under the thread row
// lock, that the thread is active and the rotation slot belongs to the
// caller. Losers of a race see the refreshed state and get a typed error
// instead of landing out of order.
func (s *GormStore) CreatePost(ctx context.Context, threadID, userID, content string, sources []string, plagiarismConfirmed bool) (domain.Post, error) {
	var created domain.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread ThreadModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&thread, "id = ?", threadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if thread.Status != string(domain.StatusActive) {
			return domain.ErrInvalidState
		}

		var participant ParticipantModel
		if err := tx.First(&participant, "thread_id = ? AND user_id = ?", threadID, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrForbidden
			}
			return err
		}
		if participant.TurnOrder == nil {
			// Slot not assigned yet; caller should reconcile and retry.
			return domain.ErrConflict
		}

		var participants int64
		if err := tx.Model(&ParticipantModel{}).Where("thread_id = ?", threadID).Count(&participants).Error; err != nil {
			return err
		}
		var active int64
		if err := tx.Model(&PostModel{}).Where("thread_id = ? AND is_removed = ?", threadID, false).Count(&active).Error; err != nil {
			return err
		}
		if *participant.TurnOrder != domain.NextTurnSlot(int(active), int(participants)) {
			return domain.ErrNotYourTurn
		}

		// post_order counts every post ever written, so a removed post
		// keeps its index and orders never collide.
		var total int64
		if err := tx.Model(&PostModel{}).Where("thread_id = ?", threadID).Count(&total).Error; err != nil {
			return err
		}
		post := domain.Post{
			ID:                  uuid.NewString(),
			ThreadID:            threadID,
			UserID:              userID,
			Content:             content,
			PostOrder:           int(total),
			Sources:             sources,
			PlagiarismConfirmed: plagiarismConfirmed,
			CreatedAt:           time.Now().UTC(),
		}
		model := postToModel(post)
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrConflict
			}
			return err
		}
		created = post
		return nil
	})
	if err != nil {
		return domain.Post{}, err
	}
	return created, nil
}

// GetPost retrieves a post by ID.
func (s *GormStore) GetPost(ctx context.Context, postID string) (domain.Post, bool, error) {
	var model PostModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	return postFromModel(model), true, nil
}

// ListPosts returns posts in post order, excluding removed ones unless asked.
func (s *GormStore) ListPosts(ctx context.Context, threadID string, includeRemoved bool) ([]domain.Post, error) {
	q := s.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if !includeRemoved {
		q = q.Where("is_removed = ?", false)
	}
	var models []PostModel
	if err := q.Order("post_order ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Post, 0, len(models))
	for _, m := range models {
		res = append(res, postFromModel(m))
	}
	return res, nil
}

// CountPosts counts posts for a thread.
func (s *GormStore) CountPosts(ctx context.Context, threadID string, includeRemoved bool) (int, error) {
	q := s.db.WithContext(ctx).Model(&PostModel{}).Where("thread_id = ?", threadID)
	if !includeRemoved {
		q = q.Where("is_removed = ?", false)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// RemovePost soft-deletes a post. The row keeps its post_order for audit;
// only the non-removed count feeding the rotation changes.
func (s *GormStore) RemovePost(ctx context.Context, postID string) error {
	res := s.db.WithContext(ctx).Model(&PostModel{}).
		Where("id = ?", postID).
		Update("is_removed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IsUserBlocked reports whether the user has an active block row.
func (s *GormStore) IsUserBlocked(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserBlockModel{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetUserBlocked activates or lifts a block for a user.
func (s *GormStore) SetUserBlocked(ctx context.Context, userID string, blocked bool, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&UserBlockModel{}).
			Where("user_id = ? AND is_active = ?", userID, true).
			Updates(map[string]any{"is_active": false, "unblocked_at": now}).Error; err != nil {
			return err
		}
		if !blocked {
			return nil
		}
		model := UserBlockModel{
			ID:        uuid.NewString(),
			UserID:    userID,
			IsActive:  true,
			Reason:    reason,
			BlockedAt: now,
		}
		return tx.Create(&model).Error
	})
}

// GetUserRole returns the user's role, defaulting to the plain user role
// when no row exists.
func (s *GormStore) GetUserRole(ctx context.Context, userID string) (domain.UserRole, error) {
	var model UserRoleModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.RoleUser, nil
		}
		return domain.RoleUser, err
	}
	return domain.UserRole(model.Role), nil
}

// SetUserRole upserts the user's role row.
func (s *GormStore) SetUserRole(ctx context.Context, userID string, role domain.UserRole) error {
	model := UserRoleModel{UserID: userID, Role: string(role)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&model).Error
}
