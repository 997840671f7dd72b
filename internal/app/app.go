package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyround/internal/moderation"
	"storyround/internal/queue"
	"storyround/internal/store"
	"storyround/internal/util"
	"storyround/pkg/domain"
)

// Config holds the collaborators the coordination core is wired with.
type Config struct {
	Store      store.Store
	Gate       moderation.Gate
	Publisher  queue.Publisher
	Completion CompletionPolicy
	// DefaultMinParticipants and DefaultMaxParticipants fill in thread
	// limits the creator left at zero. Zero here falls back to the
	// domain defaults.
	DefaultMinParticipants int
	DefaultMaxParticipants int
}

// App is the coordination core: it admits participants, drives the thread
// lifecycle, and gates every post attempt against the current rotation
// slot. All correctness-critical check-then-write sequences are delegated
// to the store, which runs them as single transactions.
type App struct {
	store      store.Store
	gate       moderation.Gate
	publisher  queue.Publisher
	completion CompletionPolicy
	defaultMin int
	defaultMax int
}

// New constructs the core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("moderation gate required")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = queue.NoopPublisher{}
	}
	completion := cfg.Completion
	if completion == nil {
		completion = neverComplete{}
	}
	defaultMin := cfg.DefaultMinParticipants
	if defaultMin == 0 {
		defaultMin = domain.DefaultMinParticipants
	}
	defaultMax := cfg.DefaultMaxParticipants
	if defaultMax == 0 {
		defaultMax = domain.DefaultMaxParticipants
	}
	return &App{
		store:      cfg.Store,
		gate:       cfg.Gate,
		publisher:  publisher,
		completion: completion,
		defaultMin: defaultMin,
		defaultMax: defaultMax,
	}, nil
}

// TurnDecision answers a canPost query.
type TurnDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// NextTurnOrder is the turn_order slot that may post next.
	NextTurnOrder int `json:"nextTurnOrder"`
}

// ThreadState is the full read model of one thread.
type ThreadState struct {
	Thread       domain.Thread        `json:"thread"`
	Participants []domain.Participant `json:"participants"`
	Posts        []domain.Post        `json:"posts"`
	// NextTurnOrder is -1 unless the thread is active.
	NextTurnOrder int `json:"nextTurnOrder"`
}

// CreateThread validates limits and records a new thread in waiting state.
// The creator still joins like everyone else.
func (a *App) CreateThread(ctx context.Context, theme string, minParticipants, maxParticipants int, createdBy string) (domain.Thread, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return domain.Thread{}, fmt.Errorf("theme required")
	}
	if len(theme) > domain.MaxThemeLength {
		return domain.Thread{}, fmt.Errorf("theme exceeds %d characters", domain.MaxThemeLength)
	}
	if createdBy == "" {
		return domain.Thread{}, fmt.Errorf("creator required")
	}
	if minParticipants == 0 {
		minParticipants = a.defaultMin
	}
	if maxParticipants == 0 {
		maxParticipants = a.defaultMax
	}
	if minParticipants < domain.MinParticipantsFloor ||
		maxParticipants > domain.MaxParticipantsCeiling ||
		minParticipants > maxParticipants {
		return domain.Thread{}, fmt.Errorf("participant limits must satisfy %d <= min <= max <= %d",
			domain.MinParticipantsFloor, domain.MaxParticipantsCeiling)
	}
	thread := domain.Thread{
		ID:              uuid.NewString(),
		Theme:           theme,
		Status:          domain.StatusWaiting,
		MinParticipants: minParticipants,
		MaxParticipants: maxParticipants,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := a.store.CreateThread(ctx, thread); err != nil {
		return domain.Thread{}, err
	}
	return thread, nil
}

// Join admits a user into a thread. Joining twice returns the existing
// membership unchanged. When the join brings the thread to its minimum,
// the open transition is attempted as part of the same logical operation;
// its failure is logged but never fails the join, because the next join
// (or an explicit reconciliation) retries it.
func (a *App) Join(ctx context.Context, threadID, userID string) (domain.Participant, error) {
	if threadID == "" || userID == "" {
		return domain.Participant{}, fmt.Errorf("thread id and user id required")
	}
	res, err := a.store.AddParticipant(ctx, threadID, userID)
	if err != nil {
		return domain.Participant{}, err
	}
	if res.Created {
		turnOrder := -1
		if res.Participant.TurnOrder != nil {
			turnOrder = *res.Participant.TurnOrder
		}
		a.publish(ctx, queue.KeyParticipantJoined, queue.ParticipantJoined{
			ThreadID:  threadID,
			UserID:    userID,
			TurnOrder: turnOrder,
		})
	}
	a.maybeOpen(ctx, threadID, res.ParticipantCount)
	return res.Participant, nil
}

// maybeOpen fires the waiting -> active transition when the participant
// count has reached the minimum. The conditional status update makes the
// transition exactly-once no matter how many joins race here.
func (a *App) maybeOpen(ctx context.Context, threadID string, participantCount int) {
	logger := util.LoggerFromContext(ctx)
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil || !ok {
		logger.Warn("open check failed", "thread_id", threadID, "err", err)
		return
	}
	if thread.Status != domain.StatusWaiting || participantCount < thread.MinParticipants {
		return
	}
	won, err := a.store.CompareAndSetStatus(ctx, threadID, domain.StatusWaiting, domain.StatusActive, time.Now().UTC())
	if err != nil {
		logger.Warn("thread open failed, will retry on next join", "thread_id", threadID, "err", err)
		return
	}
	if !won {
		return
	}
	if err := a.store.AssignTurnOrders(ctx, threadID); err != nil {
		logger.Warn("turn order reconciliation on open failed", "thread_id", threadID, "err", err)
	}
	logger.Info("thread opened", "thread_id", threadID, "participants", participantCount)
	a.publish(ctx, queue.KeyThreadOpened, queue.ThreadOpened{
		ThreadID: threadID,
		OpenedAt: time.Now().UTC(),
	})
}

// ReconcileTurnOrders repairs missing turn_order values by join time.
// A correct atomic join makes this a no-op; it exists for recovery.
func (a *App) ReconcileTurnOrders(ctx context.Context, threadID string) error {
	return a.store.AssignTurnOrders(ctx, threadID)
}

// CanPost reports whether the user may post right now. This is the
// advisory read path; RecordPost re-validates everything inside the
// insert transaction, so a stale yes here can still lose the race.
func (a *App) CanPost(ctx context.Context, threadID, userID string) (TurnDecision, error) {
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return TurnDecision{}, err
	}
	if !ok {
		return TurnDecision{}, domain.ErrNotFound
	}
	if thread.Status != domain.StatusActive {
		return TurnDecision{Reason: "thread is not active", NextTurnOrder: -1}, nil
	}
	if a.gate.IsBlocked(ctx, userID) {
		return TurnDecision{Reason: "blocked by moderation", NextTurnOrder: -1}, nil
	}
	participant, ok, err := a.store.GetParticipant(ctx, threadID, userID)
	if err != nil {
		return TurnDecision{}, err
	}
	if !ok {
		return TurnDecision{Reason: "not a participant", NextTurnOrder: -1}, nil
	}
	if participant.TurnOrder == nil {
		// Self-heal rows an old non-atomic join left unassigned.
		if err := a.store.AssignTurnOrders(ctx, threadID); err != nil {
			return TurnDecision{}, err
		}
		participant, ok, err = a.store.GetParticipant(ctx, threadID, userID)
		if err != nil || !ok || participant.TurnOrder == nil {
			return TurnDecision{Reason: "turn order unassigned", NextTurnOrder: -1}, err
		}
	}
	participants, err := a.store.ListParticipants(ctx, threadID)
	if err != nil {
		return TurnDecision{}, err
	}
	active, err := a.store.CountPosts(ctx, threadID, false)
	if err != nil {
		return TurnDecision{}, err
	}
	slot := domain.NextTurnSlot(active, len(participants))
	if *participant.TurnOrder != slot {
		return TurnDecision{Reason: "not your turn", NextTurnOrder: slot}, nil
	}
	return TurnDecision{Allowed: true, NextTurnOrder: slot}, nil
}

// RecordPost commits a post after the moderation gate clears the actor
// and the store re-validates the turn inside the insert transaction.
// A Conflict from the store (slot unassigned or precondition moved) gets
// one reconcile-and-retry before surfacing.
func (a *App) RecordPost(ctx context.Context, threadID, userID, content string, sources []string, plagiarismConfirmed bool) (domain.Post, error) {
	if err := validateContent(content); err != nil {
		return domain.Post{}, err
	}
	if a.gate.IsBlocked(ctx, userID) {
		return domain.Post{}, domain.ErrForbidden
	}
	post, err := a.store.CreatePost(ctx, threadID, userID, strings.TrimSpace(content), sources, plagiarismConfirmed)
	if errors.Is(err, domain.ErrConflict) {
		if rerr := a.store.AssignTurnOrders(ctx, threadID); rerr != nil {
			return domain.Post{}, err
		}
		post, err = a.store.CreatePost(ctx, threadID, userID, strings.TrimSpace(content), sources, plagiarismConfirmed)
	}
	if err != nil {
		return domain.Post{}, err
	}
	a.publish(ctx, queue.KeyPostRecorded, queue.PostRecorded{
		ThreadID:  threadID,
		PostID:    post.ID,
		UserID:    userID,
		PostOrder: post.PostOrder,
	})
	a.maybeComplete(ctx, threadID, post.PostOrder+1)
	return post, nil
}

// maybeComplete applies the completion policy after a post lands.
func (a *App) maybeComplete(ctx context.Context, threadID string, totalPosts int) {
	logger := util.LoggerFromContext(ctx)
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil || !ok {
		logger.Warn("completion check failed", "thread_id", threadID, "err", err)
		return
	}
	if thread.Status != domain.StatusActive || !a.completion.ShouldComplete(thread, totalPosts) {
		return
	}
	won, err := a.store.CompareAndSetStatus(ctx, threadID, domain.StatusActive, domain.StatusCompleted, time.Now().UTC())
	if err != nil {
		logger.Warn("thread completion failed", "thread_id", threadID, "err", err)
		return
	}
	if won {
		logger.Info("thread completed", "thread_id", threadID, "posts", totalPosts)
		a.publish(ctx, queue.KeyThreadCompleted, queue.ThreadCompleted{
			ThreadID:    threadID,
			CompletedAt: time.Now().UTC(),
		})
	}
}

// CompleteThread closes a thread explicitly. Only the creator or a
// moderator may do this, and only while the thread is active.
func (a *App) CompleteThread(ctx context.Context, threadID, userID string) error {
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	if userID != thread.CreatedBy && !a.gate.Role(ctx, userID).IsModerator() {
		return domain.ErrForbidden
	}
	won, err := a.store.CompareAndSetStatus(ctx, threadID, domain.StatusActive, domain.StatusCompleted, time.Now().UTC())
	if err != nil {
		return err
	}
	if !won {
		return domain.ErrInvalidState
	}
	a.publish(ctx, queue.KeyThreadCompleted, queue.ThreadCompleted{
		ThreadID:    threadID,
		CompletedAt: time.Now().UTC(),
	})
	return nil
}

// RemovePost soft-deletes a post. Moderators only. The post keeps its
// post_order; only the rotation count changes.
func (a *App) RemovePost(ctx context.Context, postID, userID string) error {
	if !a.gate.Role(ctx, userID).IsModerator() {
		return domain.ErrForbidden
	}
	return a.store.RemovePost(ctx, postID)
}

// GetThreadState returns the thread, its participants in join order, its
// non-removed posts in post order, and whose slot is next.
func (a *App) GetThreadState(ctx context.Context, threadID string) (ThreadState, error) {
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return ThreadState{}, err
	}
	if !ok {
		return ThreadState{}, domain.ErrNotFound
	}
	participants, err := a.store.ListParticipants(ctx, threadID)
	if err != nil {
		return ThreadState{}, err
	}
	posts, err := a.store.ListPosts(ctx, threadID, false)
	if err != nil {
		return ThreadState{}, err
	}
	next := -1
	if thread.Status == domain.StatusActive && len(participants) > 0 {
		next = domain.NextTurnSlot(len(posts), len(participants))
	}
	return ThreadState{
		Thread:        thread,
		Participants:  participants,
		Posts:         posts,
		NextTurnOrder: next,
	}, nil
}

// ListThreads returns all threads newest-first with participant counts.
func (a *App) ListThreads(ctx context.Context) ([]domain.ThreadSummary, error) {
	return a.store.ListThreads(ctx)
}

// ListPosts returns a thread's posts; removed posts only on request.
func (a *App) ListPosts(ctx context.Context, threadID string, includeRemoved bool) ([]domain.Post, error) {
	if _, ok, err := a.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	} else if !ok {
		return nil, domain.ErrNotFound
	}
	return a.store.ListPosts(ctx, threadID, includeRemoved)
}

func (a *App) publish(ctx context.Context, key string, event any) {
	if err := a.publisher.Publish(ctx, key, event, util.RequestIDFromContext(ctx)); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "key", key, "err", err)
	}
}

func validateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return fmt.Errorf("content required")
	}
	if len(trimmed) > domain.MaxPostContentLength {
		return fmt.Errorf("content exceeds %d characters", domain.MaxPostContentLength)
	}
	if words := len(strings.Fields(trimmed)); words > domain.MaxPostWords {
		return fmt.Errorf("content exceeds %d words", domain.MaxPostWords)
	}
	return nil
}
