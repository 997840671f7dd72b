package app

import "storyround/pkg/domain"

// CompletionPolicy decides when an active thread has reached its natural
// end. Evaluated after each recorded post; an explicit close by the
// creator works regardless of policy.
type CompletionPolicy interface {
	ShouldComplete(t domain.Thread, totalPosts int) bool
}

// PostCapPolicy completes a thread once it holds Cap posts. Cap <= 0
// disables automatic completion.
type PostCapPolicy struct {
	Cap int
}

func (p PostCapPolicy) ShouldComplete(_ domain.Thread, totalPosts int) bool {
	return p.Cap > 0 && totalPosts >= p.Cap
}

type neverComplete struct{}

func (neverComplete) ShouldComplete(domain.Thread, int) bool { return false }
