package queue

import "time"

// Routing keys for the topic exchange.
const (
	KeyThreadOpened      = "thread.opened"
	KeyThreadCompleted   = "thread.completed"
	KeyPostRecorded      = "thread.post.recorded"
	KeyParticipantJoined = "thread.participant.joined"
)

type ThreadOpened struct {
	ThreadID string    `json:"thread_id"`
	OpenedAt time.Time `json:"opened_at"`
}

type ThreadCompleted struct {
	ThreadID    string    `json:"thread_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type PostRecorded struct {
	ThreadID  string `json:"thread_id"`
	PostID    string `json:"post_id"`
	UserID    string `json:"user_id"`
	PostOrder int    `json:"post_order"`
}

type ParticipantJoined struct {
	ThreadID  string `json:"thread_id"`
	UserID    string `json:"user_id"`
	TurnOrder int    `json:"turn_order"`
}
