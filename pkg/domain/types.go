package domain

import "time"

type ThreadStatus string

const (
	StatusWaiting   ThreadStatus = "waiting"
	StatusActive    ThreadStatus = "active"
	StatusCompleted ThreadStatus = "completed"
)

type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleModerator  UserRole = "moderator"
	RoleSuperAdmin UserRole = "super_admin"
)

// IsModerator reports whether the role carries moderation privileges.
func (r UserRole) IsModerator() bool {
	return r == RoleModerator || r == RoleSuperAdmin
}

// Thread limits. A thread must admit at least two writers; the hard cap
// keeps rotation rounds short enough to be usable.
const (
	MinParticipantsFloor   = 2
	MaxParticipantsCeiling = 50
	DefaultMinParticipants = 2
	DefaultMaxParticipants = 5
	MaxThemeLength         = 200
	MaxPostWords           = 500
	MaxPostContentLength   = 5000
)

type Thread struct {
	ID              string       `json:"id"`
	Theme           string       `json:"theme"`
	Status          ThreadStatus `json:"status"`
	MinParticipants int          `json:"minParticipants"`
	MaxParticipants int          `json:"maxParticipants"`
	CreatedBy       string       `json:"createdBy"`
	CreatedAt       time.Time    `json:"createdAt"`
	OpenedAt        *time.Time   `json:"openedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// Participant is one user's membership in one thread. TurnOrder is nil
// only for rows written before turn assignment became part of the join
// transaction; reconciliation fills those in.
type Participant struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"userId"`
	TurnOrder *int      `json:"turnOrder"`
	JoinedAt  time.Time `json:"joinedAt"`
}

type Post struct {
	ID                  string    `json:"id"`
	ThreadID            string    `json:"threadId"`
	UserID              string    `json:"userId"`
	Content             string    `json:"content"`
	PostOrder           int       `json:"postOrder"`
	Sources             []string  `json:"sources,omitempty"`
	PlagiarismConfirmed bool      `json:"plagiarismConfirmed"`
	IsRemoved           bool      `json:"isRemoved"`
	CreatedAt           time.Time `json:"createdAt"`
}

// ThreadSummary is a thread plus its current participant count, used by
// listing endpoints.
type ThreadSummary struct {
	Thread
	ParticipantCount int `json:"participantCount"`
}
