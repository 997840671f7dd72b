package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"storyround/internal/moderation"
	"storyround/internal/store"
	"storyround/pkg/domain"
)

type capturedEvent struct {
	key   string
	event any
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturePublisher) Publish(_ context.Context, key string, event any, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{key: key, event: event})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.key == key {
			n++
		}
	}
	return n
}

type fixture struct {
	app    *App
	store  *store.MemoryStore
	gate   moderation.Static
	events *capturePublisher
}

func newFixture(t *testing.T, completion CompletionPolicy) fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	gate := moderation.Static{
		Blocked: map[string]bool{},
		Roles:   map[string]domain.UserRole{},
	}
	events := &capturePublisher{}
	a, err := New(Config{Store: mem, Gate: gate, Publisher: events, Completion: completion})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return fixture{app: a, store: mem, gate: gate, events: events}
}

func (f fixture) createThread(t *testing.T, min, max int, createdBy string) domain.Thread {
	t.Helper()
	thread, err := f.app.CreateThread(context.Background(), "a story in turns", min, max, createdBy)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

func (f fixture) join(t *testing.T, threadID, userID string) domain.Participant {
	t.Helper()
	p, err := f.app.Join(context.Background(), threadID, userID)
	if err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return p
}

func turnOrder(t *testing.T, p domain.Participant) int {
	t.Helper()
	if p.TurnOrder == nil {
		t.Fatalf("participant %s has no turn order", p.UserID)
	}
	return *p.TurnOrder
}

func TestJoinAssignsSequentialSlotsAndOpensAtMinimum(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")

	pa := f.join(t, thread.ID, "alice")
	if got := turnOrder(t, pa); got != 0 {
		t.Fatalf("first joiner turn order = %d, want 0", got)
	}
	current, _, _ := f.store.GetThread(ctx, thread.ID)
	if current.Status != domain.StatusWaiting {
		t.Fatalf("status after one join = %q, want waiting", current.Status)
	}

	pb := f.join(t, thread.ID, "bob")
	if got := turnOrder(t, pb); got != 1 {
		t.Fatalf("second joiner turn order = %d, want 1", got)
	}
	current, _, _ = f.store.GetThread(ctx, thread.ID)
	if current.Status != domain.StatusActive {
		t.Fatalf("status after reaching minimum = %q, want active", current.Status)
	}
	if current.OpenedAt == nil {
		t.Fatal("opened_at not set on open transition")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.createThread(t, 2, 5, "alice")

	first := f.join(t, thread.ID, "alice")
	second := f.join(t, thread.ID, "alice")
	if first.ID != second.ID {
		t.Fatalf("repeat join returned a different participant: %s vs %s", first.ID, second.ID)
	}
	if turnOrder(t, first) != turnOrder(t, second) {
		t.Fatal("repeat join changed the turn order")
	}
	participants, _ := f.store.ListParticipants(context.Background(), thread.ID)
	if len(participants) != 1 {
		t.Fatalf("expected a single participant row, got %d", len(participants))
	}
}

func TestJoinRejectsFullThread(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.createThread(t, 2, 2, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	_, err := f.app.Join(context.Background(), thread.ID, "carol")
	if !errors.Is(err, domain.ErrThreadFull) {
		t.Fatalf("expected ErrThreadFull, got %v", err)
	}
}

func TestJoinUnknownThread(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.app.Join(context.Background(), "no-such-thread", "alice")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTurnRotation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	// Bob is slot 1; the empty thread points at slot 0.
	if _, err := f.app.RecordPost(ctx, thread.ID, "bob", "me first", nil, false); !errors.Is(err, domain.ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for bob, got %v", err)
	}

	post, err := f.app.RecordPost(ctx, thread.ID, "alice", "once upon a time", nil, false)
	if err != nil {
		t.Fatalf("alice post: %v", err)
	}
	if post.PostOrder != 0 {
		t.Fatalf("first post order = %d, want 0", post.PostOrder)
	}

	decision, err := f.app.CanPost(ctx, thread.ID, "bob")
	if err != nil {
		t.Fatalf("can post: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("bob should be allowed after alice's post, reason: %s", decision.Reason)
	}

	post, err = f.app.RecordPost(ctx, thread.ID, "bob", "and then", nil, false)
	if err != nil {
		t.Fatalf("bob post: %v", err)
	}
	if post.PostOrder != 1 {
		t.Fatalf("second post order = %d, want 1", post.PostOrder)
	}
}

func TestPostBeforeThreadOpensIsInvalidState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 3, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", "too early", nil, false); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on waiting thread, got %v", err)
	}
	decision, err := f.app.CanPost(ctx, thread.ID, "alice")
	if err != nil {
		t.Fatalf("can post: %v", err)
	}
	if decision.Allowed {
		t.Fatal("canPost must deny on a waiting thread")
	}
}

func TestCompletedThreadRejectsAllPosts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")
	if err := f.app.CompleteThread(ctx, thread.ID, "alice"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	for _, user := range []string{"alice", "bob"} {
		if _, err := f.app.RecordPost(ctx, thread.ID, user, "late entry", nil, false); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState for %s on completed thread, got %v", user, err)
		}
	}
	current, _, _ := f.store.GetThread(ctx, thread.ID)
	if current.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestBlockedUserIsForbidden(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")
	f.gate.Blocked["alice"] = true

	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", "hello", nil, false); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for blocked user, got %v", err)
	}
	decision, err := f.app.CanPost(ctx, thread.ID, "alice")
	if err != nil {
		t.Fatalf("can post: %v", err)
	}
	if decision.Allowed {
		t.Fatal("canPost must deny a blocked user")
	}
}

func TestNonParticipantIsForbidden(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	if _, err := f.app.RecordPost(ctx, thread.ID, "mallory", "let me in", nil, false); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-participant, got %v", err)
	}
}

func TestRemovedPostReopensRotationSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gate.Roles["mod"] = domain.RoleModerator
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", "chapter one", nil, false); err != nil {
		t.Fatalf("alice post: %v", err)
	}
	bobPost, err := f.app.RecordPost(ctx, thread.ID, "bob", "chapter two", nil, false)
	if err != nil {
		t.Fatalf("bob post: %v", err)
	}

	if err := f.app.RemovePost(ctx, bobPost.ID, "mod"); err != nil {
		t.Fatalf("remove post: %v", err)
	}

	// One non-removed post remains, so the rotation points at slot 1
	// again: bob, not alice.
	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", "chapter three", nil, false); !errors.Is(err, domain.ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for alice after removal, got %v", err)
	}
	replacement, err := f.app.RecordPost(ctx, thread.ID, "bob", "chapter two, rewritten", nil, false)
	if err != nil {
		t.Fatalf("bob replacement post: %v", err)
	}
	// The removed post keeps its index; the replacement gets a fresh one.
	if replacement.PostOrder != 2 {
		t.Fatalf("replacement post order = %d, want 2", replacement.PostOrder)
	}
	posts, _ := f.store.ListPosts(ctx, thread.ID, true)
	seen := map[int]bool{}
	for _, p := range posts {
		if seen[p.PostOrder] {
			t.Fatalf("duplicate post order %d", p.PostOrder)
		}
		seen[p.PostOrder] = true
	}
}

func TestRemovePostRequiresModerator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")
	post, err := f.app.RecordPost(ctx, thread.ID, "alice", "mine", nil, false)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := f.app.RemovePost(ctx, post.ID, "bob"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for plain user, got %v", err)
	}
	f.gate.Roles["admin"] = domain.RoleSuperAdmin
	if err := f.app.RemovePost(ctx, post.ID, "admin"); err != nil {
		t.Fatalf("super admin remove: %v", err)
	}
}

func TestReconcileAssignsMissingTurnOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")
	f.join(t, thread.ID, "carol")

	// Simulate rows a historical non-atomic assignment left behind.
	f.store.SetParticipantTurnOrder(thread.ID, "alice", nil)
	f.store.SetParticipantTurnOrder(thread.ID, "carol", nil)

	if err := f.app.ReconcileTurnOrders(ctx, thread.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	participants, _ := f.store.ListParticipants(ctx, thread.ID)
	seen := map[int]bool{}
	for _, p := range participants {
		if p.TurnOrder == nil {
			t.Fatalf("participant %s still unassigned", p.UserID)
		}
		if seen[*p.TurnOrder] {
			t.Fatalf("duplicate turn order %d", *p.TurnOrder)
		}
		seen[*p.TurnOrder] = true
	}
	for slot := 0; slot < len(participants); slot++ {
		if !seen[slot] {
			t.Fatalf("turn orders not densely packed, missing %d", slot)
		}
	}
	// bob kept his original slot; alice, joining first, took the lowest free one.
	alice, _, _ := f.store.GetParticipant(ctx, thread.ID, "alice")
	bob, _, _ := f.store.GetParticipant(ctx, thread.ID, "bob")
	if *bob.TurnOrder != 1 {
		t.Fatalf("bob's assigned slot changed to %d", *bob.TurnOrder)
	}
	if *alice.TurnOrder != 0 {
		t.Fatalf("alice reassigned to %d, want 0", *alice.TurnOrder)
	}
}

func TestCanPostSelfHealsMissingTurnOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")
	f.store.SetParticipantTurnOrder(thread.ID, "alice", nil)

	decision, err := f.app.CanPost(ctx, thread.ID, "alice")
	if err != nil {
		t.Fatalf("can post: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed after self-heal, reason: %s", decision.Reason)
	}
	alice, _, _ := f.store.GetParticipant(ctx, thread.ID, "alice")
	if alice.TurnOrder == nil {
		t.Fatal("turn order not repaired")
	}
}

func TestCompleteThreadAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	if err := f.app.CompleteThread(ctx, thread.ID, "bob"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-creator, got %v", err)
	}
	f.gate.Roles["mod"] = domain.RoleModerator
	if err := f.app.CompleteThread(ctx, thread.ID, "mod"); err != nil {
		t.Fatalf("moderator complete: %v", err)
	}
	// Second completion finds the thread no longer active.
	if err := f.app.CompleteThread(ctx, thread.ID, "alice"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat completion, got %v", err)
	}
}

func TestCompleteWaitingThreadIsInvalidState(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.createThread(t, 2, 5, "alice")
	if err := f.app.CompleteThread(context.Background(), thread.ID, "alice"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for waiting thread, got %v", err)
	}
}

func TestPostCapPolicyCompletesThread(t *testing.T) {
	f := newFixture(t, PostCapPolicy{Cap: 4})
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	writers := []string{"alice", "bob", "alice", "bob"}
	for i, user := range writers {
		if _, err := f.app.RecordPost(ctx, thread.ID, user, "round", nil, false); err != nil {
			t.Fatalf("post %d by %s: %v", i, user, err)
		}
	}
	current, _, _ := f.store.GetThread(ctx, thread.ID)
	if current.Status != domain.StatusCompleted {
		t.Fatalf("status after cap = %q, want completed", current.Status)
	}
	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", "encore", nil, false); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after completion, got %v", err)
	}
	if got := f.events.count("thread.completed"); got != 1 {
		t.Fatalf("thread.completed published %d times, want 1", got)
	}
	if got := f.events.count("thread.post.recorded"); got != len(writers) {
		t.Fatalf("post.recorded published %d times, want %d", got, len(writers))
	}
}

func TestCreateThreadValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cases := []struct {
		name      string
		theme     string
		min, max  int
		createdBy string
	}{
		{"empty theme", "", 2, 5, "alice"},
		{"missing creator", "a theme", 2, 5, ""},
		{"min below floor", "a theme", 1, 5, "alice"},
		{"min above max", "a theme", 4, 3, "alice"},
		{"max above ceiling", "a theme", 2, 51, "alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.app.CreateThread(ctx, tc.theme, tc.min, tc.max, tc.createdBy); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateThreadUsesConfiguredDefaults(t *testing.T) {
	mem := store.NewMemoryStore()
	a, err := New(Config{
		Store:                  mem,
		Gate:                   moderation.Static{},
		DefaultMinParticipants: 3,
		DefaultMaxParticipants: 4,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	thread, err := a.CreateThread(context.Background(), "a story in turns", 0, 0, "alice")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if thread.MinParticipants != 3 || thread.MaxParticipants != 4 {
		t.Fatalf("limits = %d/%d, want configured defaults 3/4",
			thread.MinParticipants, thread.MaxParticipants)
	}

	// Explicit limits still win over the configured defaults.
	thread, err = a.CreateThread(context.Background(), "a story in turns", 2, 5, "alice")
	if err != nil {
		t.Fatalf("create thread with explicit limits: %v", err)
	}
	if thread.MinParticipants != 2 || thread.MaxParticipants != 5 {
		t.Fatalf("limits = %d/%d, want explicit 2/5",
			thread.MinParticipants, thread.MaxParticipants)
	}
}

func TestRecordPostContentLimits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")

	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", "   ", nil, false); err == nil {
		t.Fatal("expected error for blank content")
	}
	long := make([]byte, domain.MaxPostContentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := f.app.RecordPost(ctx, thread.ID, "alice", string(long), nil, false); err == nil {
		t.Fatal("expected error for over-length content")
	}
}

func TestJoinPublishesEvents(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.createThread(t, 2, 5, "alice")
	f.join(t, thread.ID, "alice")
	f.join(t, thread.ID, "bob")
	f.join(t, thread.ID, "bob") // idempotent repeat must not publish again

	if got := f.events.count("thread.participant.joined"); got != 2 {
		t.Fatalf("participant.joined published %d times, want 2", got)
	}
	if got := f.events.count("thread.opened"); got != 1 {
		t.Fatalf("thread.opened published %d times, want 1", got)
	}
}
