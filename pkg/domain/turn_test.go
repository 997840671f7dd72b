package domain

import "testing"

func TestNextTurnSlot(t *testing.T) {
	cases := []struct {
		name         string
		activePosts  int
		participants int
		want         int
	}{
		{"empty thread first slot", 0, 2, 0},
		{"second slot", 1, 2, 1},
		{"wraps around", 2, 2, 0},
		{"mid rotation", 7, 5, 2},
		{"no participants", 3, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextTurnSlot(tc.activePosts, tc.participants); got != tc.want {
				t.Fatalf("NextTurnSlot(%d, %d) = %d, want %d", tc.activePosts, tc.participants, got, tc.want)
			}
		})
	}
}

func TestNextTurnSlotRemovalReopensSlot(t *testing.T) {
	// Three posts landed in a 3-writer thread; slot would be 0 again.
	if got := NextTurnSlot(3, 3); got != 0 {
		t.Fatalf("expected slot 0, got %d", got)
	}
	// One of them is removed: the count drops to 2 and the rotation
	// points back at writer 2, not writer 0.
	if got := NextTurnSlot(2, 3); got != 2 {
		t.Fatalf("expected slot 2 after removal, got %d", got)
	}
}
