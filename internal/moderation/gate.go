package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"storyround/pkg/domain"
)

// Gate answers whether an actor may act right now. The turn gate consults
// it before admitting any post.
type Gate interface {
	// IsBlocked reports whether the user is currently blocked. Any failure
	// to get an answer counts as blocked, so an outage never bypasses
	// moderation.
	IsBlocked(ctx context.Context, userID string) bool
	// Role returns the user's role, falling back to the unprivileged role
	// when the lookup fails.
	Role(ctx context.Context, userID string) domain.UserRole
	// Invalidate drops cached state for a user after a block or role change.
	Invalidate(ctx context.Context, userID string)
}

// Source is the persistent moderation state the gate caches.
type Source interface {
	IsUserBlocked(ctx context.Context, userID string) (bool, error)
	GetUserRole(ctx context.Context, userID string) (domain.UserRole, error)
}

// RedisGate caches block and role lookups in Redis with a short TTL.
// Entries expire on their own; Invalidate drops them eagerly when a
// moderation action lands.
type RedisGate struct {
	client *redis.Client
	source Source
	ttl    time.Duration
}

// NewRedisGate creates the gate. TTL defaults to 30 seconds when unset.
func NewRedisGate(addr, password string, source Source, ttl time.Duration) (*RedisGate, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("moderation gate redis addr required")
	}
	if source == nil {
		return nil, fmt.Errorf("moderation gate source required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGate{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		source: source,
		ttl:    ttl,
	}, nil
}

func blockKey(userID string) string { return "modgate:block:" + userID }
func roleKey(userID string) string  { return "modgate:role:" + userID }

func (g *RedisGate) IsBlocked(ctx context.Context, userID string) bool {
	if cached, err := g.client.Get(ctx, blockKey(userID)).Result(); err == nil {
		return cached == "1"
	}
	blocked, err := g.source.IsUserBlocked(ctx, userID)
	if err != nil {
		slog.Warn("moderation lookup failed, failing closed", "user_id", userID, "err", err)
		return true
	}
	value := "0"
	if blocked {
		value = "1"
	}
	if err := g.client.Set(ctx, blockKey(userID), value, g.ttl).Err(); err != nil {
		slog.Debug("moderation cache write failed", "user_id", userID, "err", err)
	}
	return blocked
}

func (g *RedisGate) Role(ctx context.Context, userID string) domain.UserRole {
	if cached, err := g.client.Get(ctx, roleKey(userID)).Result(); err == nil && cached != "" {
		return domain.UserRole(cached)
	}
	role, err := g.source.GetUserRole(ctx, userID)
	if err != nil {
		slog.Warn("role lookup failed, treating as unprivileged", "user_id", userID, "err", err)
		return domain.RoleUser
	}
	if err := g.client.Set(ctx, roleKey(userID), string(role), g.ttl).Err(); err != nil {
		slog.Debug("moderation cache write failed", "user_id", userID, "err", err)
	}
	return role
}

func (g *RedisGate) Invalidate(ctx context.Context, userID string) {
	if err := g.client.Del(ctx, blockKey(userID), roleKey(userID)).Err(); err != nil {
		slog.Debug("moderation cache invalidate failed", "user_id", userID, "err", err)
	}
}

// Static is a fixed in-memory gate for tests and single-process setups.
type Static struct {
	Blocked map[string]bool
	Roles   map[string]domain.UserRole
}

func (s Static) IsBlocked(_ context.Context, userID string) bool {
	return s.Blocked[userID]
}

func (s Static) Role(_ context.Context, userID string) domain.UserRole {
	if role, ok := s.Roles[userID]; ok {
		return role
	}
	return domain.RoleUser
}

func (s Static) Invalidate(context.Context, string) {}
