package store

import (
	"context"
	"time"

	"storyround/pkg/domain"
)

// JoinResult reports the outcome of an atomic join.
type JoinResult struct {
	Participant      domain.Participant
	ParticipantCount int
	// Created is false when the user was already a participant and the
	// existing row was returned unchanged.
	Created bool
}

// Store defines persistence for threads, participants, posts, and the
// moderation rows the gate reads. Every method that checks state before
// writing performs the check and the write inside one transaction; callers
// never see partial effects.
type Store interface {
	// threads
	CreateThread(ctx context.Context, t domain.Thread) error
	GetThread(ctx context.Context, id string) (domain.Thread, bool, error)
	ListThreads(ctx context.Context) ([]domain.ThreadSummary, error)
	// CompareAndSetStatus advances the thread status only when it currently
	// equals expected, stamping opened_at/completed_at as appropriate.
	// Returns false without error when the precondition did not hold.
	CompareAndSetStatus(ctx context.Context, threadID string, expected, next domain.ThreadStatus, at time.Time) (bool, error)

	// participants
	// AddParticipant admits a user into a thread: the capacity check, the
	// turn_order computation, and the insert are one transaction. Returns
	// domain.ErrThreadFull when the thread is at max_participants and the
	// existing row when the user already joined.
	AddParticipant(ctx context.Context, threadID, userID string) (JoinResult, error)
	GetParticipant(ctx context.Context, threadID, userID string) (domain.Participant, bool, error)
	ListParticipants(ctx context.Context, threadID string) ([]domain.Participant, error)
	// AssignTurnOrders fills in missing turn_order values following
	// joined_at order, skipping values already taken, in one transaction.
	AssignTurnOrders(ctx context.Context, threadID string) error

	// posts
	// CreatePost re-validates thread status and the caller's turn slot in
	// the same transaction that inserts the post.
	CreatePost(ctx context.Context, threadID, userID, content string, sources []string, plagiarismConfirmed bool) (domain.Post, error)
	GetPost(ctx context.Context, postID string) (domain.Post, bool, error)
	ListPosts(ctx context.Context, threadID string, includeRemoved bool) ([]domain.Post, error)
	CountPosts(ctx context.Context, threadID string, includeRemoved bool) (int, error)
	RemovePost(ctx context.Context, postID string) error

	// moderation rows consumed by the gate
	IsUserBlocked(ctx context.Context, userID string) (bool, error)
	SetUserBlocked(ctx context.Context, userID string, blocked bool, reason string) error
	GetUserRole(ctx context.Context, userID string) (domain.UserRole, error)
	SetUserRole(ctx context.Context, userID string, role domain.UserRole) error
}
