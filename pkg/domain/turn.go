package domain

// NextTurnSlot computes which turn_order may post next, given the number
// of non-removed posts and the participant count. Removed posts are
// excluded from the count, so removing a post hands its rotation slot to
// whichever participant the lower count now points at.
func NextTurnSlot(activePosts, participants int) int {
	if participants <= 0 {
		return 0
	}
	return activePosts % participants
}
