package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyround/pkg/domain"
)

// MemoryStore keeps all state in-process behind one mutex, which gives it
// the same all-or-nothing semantics per operation as the Postgres store.
// Used in tests and for local development without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	threads      map[string]domain.Thread
	threadOrder  []string
	participants map[string][]domain.Participant // keyed by thread ID, in join order
	posts        map[string][]domain.Post        // keyed by thread ID, in post order
	blocked      map[string]bool
	roles        map[string]domain.UserRole
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:      make(map[string]domain.Thread),
		participants: make(map[string][]domain.Participant),
		posts:        make(map[string][]domain.Post),
		blocked:      make(map[string]bool),
		roles:        make(map[string]domain.UserRole),
	}
}

func (m *MemoryStore) CreateThread(_ context.Context, t domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[t.ID]; exists {
		return domain.ErrConflict
	}
	m.threads[t.ID] = t
	m.threadOrder = append(m.threadOrder, t.ID)
	return nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (domain.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	return t, ok, nil
}

func (m *MemoryStore) ListThreads(_ context.Context) ([]domain.ThreadSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ThreadSummary, 0, len(m.threadOrder))
	for _, id := range m.threadOrder {
		t, ok := m.threads[id]
		if !ok {
			continue
		}
		res = append(res, domain.ThreadSummary{
			Thread:           t,
			ParticipantCount: len(m.participants[id]),
		})
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, threadID string, expected, next domain.ThreadStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.Status != expected {
		return false, nil
	}
	t.Status = next
	switch next {
	case domain.StatusActive:
		openedAt := at
		t.OpenedAt = &openedAt
	case domain.StatusCompleted:
		completedAt := at
		t.CompletedAt = &completedAt
	}
	m.threads[threadID] = t
	return true, nil
}

func (m *MemoryStore) AddParticipant(_ context.Context, threadID, userID string) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return JoinResult{}, domain.ErrNotFound
	}
	if thread.Status == domain.StatusCompleted {
		return JoinResult{}, domain.ErrInvalidState
	}
	existing := m.participants[threadID]
	for _, p := range existing {
		if p.UserID == userID {
			return JoinResult{Participant: p, ParticipantCount: len(existing)}, nil
		}
	}
	if len(existing) >= thread.MaxParticipants {
		return JoinResult{}, domain.ErrThreadFull
	}
	slot := len(existing)
	p := domain.Participant{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		UserID:    userID,
		TurnOrder: &slot,
		JoinedAt:  time.Now().UTC(),
	}
	m.participants[threadID] = append(existing, p)
	return JoinResult{Participant: p, ParticipantCount: slot + 1, Created: true}, nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, threadID, userID string) (domain.Participant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.participants[threadID] {
		if p.UserID == userID {
			return p, true, nil
		}
	}
	return domain.Participant{}, false, nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, threadID string) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Participant, len(m.participants[threadID]))
	copy(res, m.participants[threadID])
	return res, nil
}

func (m *MemoryStore) AssignTurnOrders(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return domain.ErrNotFound
	}
	ps := m.participants[threadID]
	used := make(map[int]bool, len(ps))
	for _, p := range ps {
		if p.TurnOrder != nil {
			used[*p.TurnOrder] = true
		}
	}
	next := 0
	for i := range ps {
		if ps[i].TurnOrder != nil {
			continue
		}
		for used[next] {
			next++
		}
		slot := next
		used[slot] = true
		ps[i].TurnOrder = &slot
	}
	return nil
}

func (m *MemoryStore) CreatePost(_ context.Context, threadID, userID, content string, sources []string, plagiarismConfirmed bool) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	if thread.Status != domain.StatusActive {
		return domain.Post{}, domain.ErrInvalidState
	}
	var caller *domain.Participant
	for i := range m.participants[threadID] {
		if m.participants[threadID][i].UserID == userID {
			caller = &m.participants[threadID][i]
			break
		}
	}
	if caller == nil {
		return domain.Post{}, domain.ErrForbidden
	}
	if caller.TurnOrder == nil {
		return domain.Post{}, domain.ErrConflict
	}
	active := 0
	for _, p := range m.posts[threadID] {
		if !p.IsRemoved {
			active++
		}
	}
	if *caller.TurnOrder != domain.NextTurnSlot(active, len(m.participants[threadID])) {
		return domain.Post{}, domain.ErrNotYourTurn
	}
	post := domain.Post{
		ID:                  uuid.NewString(),
		ThreadID:            threadID,
		UserID:              userID,
		Content:             content,
		PostOrder:           len(m.posts[threadID]),
		Sources:             sources,
		PlagiarismConfirmed: plagiarismConfirmed,
		CreatedAt:           time.Now().UTC(),
	}
	m.posts[threadID] = append(m.posts[threadID], post)
	return post, nil
}

func (m *MemoryStore) GetPost(_ context.Context, postID string) (domain.Post, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, posts := range m.posts {
		for _, p := range posts {
			if p.ID == postID {
				return p, true, nil
			}
		}
	}
	return domain.Post{}, false, nil
}

func (m *MemoryStore) ListPosts(_ context.Context, threadID string, includeRemoved bool) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Post, 0, len(m.posts[threadID]))
	for _, p := range m.posts[threadID] {
		if p.IsRemoved && !includeRemoved {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}

func (m *MemoryStore) CountPosts(_ context.Context, threadID string, includeRemoved bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if includeRemoved {
		return len(m.posts[threadID]), nil
	}
	count := 0
	for _, p := range m.posts[threadID] {
		if !p.IsRemoved {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RemovePost(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for threadID, posts := range m.posts {
		for i := range posts {
			if posts[i].ID == postID {
				m.posts[threadID][i].IsRemoved = true
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (m *MemoryStore) IsUserBlocked(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocked[userID], nil
}

func (m *MemoryStore) SetUserBlocked(_ context.Context, userID string, blocked bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blocked {
		m.blocked[userID] = true
	} else {
		delete(m.blocked, userID)
	}
	return nil
}

func (m *MemoryStore) GetUserRole(_ context.Context, userID string) (domain.UserRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if role, ok := m.roles[userID]; ok {
		return role, nil
	}
	return domain.RoleUser, nil
}

func (m *MemoryStore) SetUserRole(_ context.Context, userID string, role domain.UserRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[userID] = role
	return nil
}

// SetParticipantTurnOrder overwrites (or clears) a participant's slot.
// Test hook for simulating rows left behind by failed assignments.
func (m *MemoryStore) SetParticipantTurnOrder(threadID, userID string, turnOrder *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.participants[threadID] {
		if m.participants[threadID][i].UserID == userID {
			m.participants[threadID][i].TurnOrder = turnOrder
			return
		}
	}
}
