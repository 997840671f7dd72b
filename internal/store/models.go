package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"storyround/pkg/domain"
)

// GORM models used for persistence.
type ThreadModel struct {
	ID              string `gorm:"primaryKey"`
	Theme           string `gorm:"not null"`
	Status          string `gorm:"not null;index"`
	MinParticipants int    `gorm:"not null"`
	MaxParticipants int    `gorm:"not null"`
	CreatedBy       string `gorm:"not null;index"`
	CreatedAt       time.Time `gorm:"not null"`
	OpenedAt        *time.Time
	CompletedAt     *time.Time
}

func (ThreadModel) TableName() string { return "writing_threads" }

type ParticipantModel struct {
	ID       string `gorm:"primaryKey"`
	ThreadID string `gorm:"not null;uniqueIndex:idx_participant_thread_user"`
	UserID   string `gorm:"not null;uniqueIndex:idx_participant_thread_user"`
	// Nullable so that reconciliation can find rows a failed historical
	// assignment left behind.
	TurnOrder *int
	JoinedAt  time.Time `gorm:"not null;index"`
}

func (ParticipantModel) TableName() string { return "thread_participants" }

type PostModel struct {
	ID                  string `gorm:"primaryKey"`
	ThreadID            string `gorm:"not null;uniqueIndex:idx_post_thread_order"`
	UserID              string `gorm:"not null;index"`
	Content             string `gorm:"not null"`
	PostOrder           int    `gorm:"not null;uniqueIndex:idx_post_thread_order"`
	Sources             datatypes.JSON
	PlagiarismConfirmed bool      `gorm:"not null"`
	IsRemoved           bool      `gorm:"not null;index"`
	CreatedAt           time.Time `gorm:"not null;index"`
}

func (PostModel) TableName() string { return "thread_posts" }

type UserBlockModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	IsActive    bool   `gorm:"not null;index"`
	Reason      string
	BlockedAt   time.Time `gorm:"not null"`
	UnblockedAt *time.Time
}

func (UserBlockModel) TableName() string { return "user_blocks" }

type UserRoleModel struct {
	UserID string `gorm:"primaryKey"`
	Role   string `gorm:"not null"`
}

func (UserRoleModel) TableName() string { return "user_roles" }

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ID:              t.ID,
		Theme:           t.Theme,
		Status:          string(t.Status),
		MinParticipants: t.MinParticipants,
		MaxParticipants: t.MaxParticipants,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		OpenedAt:        t.OpenedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:              m.ID,
		Theme:           m.Theme,
		Status:          domain.ThreadStatus(m.Status),
		MinParticipants: m.MinParticipants,
		MaxParticipants: m.MaxParticipants,
		CreatedBy:       m.CreatedBy,
		CreatedAt:       m.CreatedAt,
		OpenedAt:        m.OpenedAt,
		CompletedAt:     m.CompletedAt,
	}
}

func participantFromModel(m ParticipantModel) domain.Participant {
	return domain.Participant{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		UserID:    m.UserID,
		TurnOrder: m.TurnOrder,
		JoinedAt:  m.JoinedAt,
	}
}

func postToModel(p domain.Post) PostModel {
	sources := datatypes.JSON("[]")
	if len(p.Sources) > 0 {
		if raw, err := json.Marshal(p.Sources); err == nil {
			sources = datatypes.JSON(raw)
		}
	}
	return PostModel{
		ID:                  p.ID,
		ThreadID:            p.ThreadID,
		UserID:              p.UserID,
		Content:             p.Content,
		PostOrder:           p.PostOrder,
		Sources:             sources,
		PlagiarismConfirmed: p.PlagiarismConfirmed,
		IsRemoved:           p.IsRemoved,
		CreatedAt:           p.CreatedAt,
	}
}

func postFromModel(m PostModel) domain.Post {
	var sources []string
	if len(m.Sources) > 0 {
		_ = json.Unmarshal(m.Sources, &sources)
	}
	return domain.Post{
		ID:                  m.ID,
		ThreadID:            m.ThreadID,
		UserID:              m.UserID,
		Content:             m.Content,
		PostOrder:           m.PostOrder,
		Sources:             sources,
		PlagiarismConfirmed: m.PlagiarismConfirmed,
		IsRemoved:           m.IsRemoved,
		CreatedAt:           m.CreatedAt,
	}
}
