package domain

import "errors"

// Error kinds shared by the store and the coordination core. All are
// expected, recoverable conditions; callers branch on them with errors.Is.
var (
	// ErrThreadFull means the thread already holds max_participants.
	ErrThreadFull = errors.New("thread full")
	// ErrInvalidState means the thread is not in the status the action requires.
	ErrInvalidState = errors.New("invalid thread state")
	// ErrNotYourTurn means the rotation slot does not belong to the caller.
	// Not transient: retrying without new input yields the same answer.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrForbidden means the actor is blocked or not a participant.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means an atomic precondition changed underneath the caller;
	// re-read state and retry.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)
