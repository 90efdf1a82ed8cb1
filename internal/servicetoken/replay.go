package servicetoken

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplayed is returned when a token ID has already been presented.
var ErrReplayed = errors.New("service token replayed")

// ReplayGuard remembers token IDs until the token expires.
type ReplayGuard interface {
	// Claim records jti and reports false if it was already recorded.
	Claim(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard keeps token IDs in-memory (single instance only).
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, expiry := range g.seen {
		if now.After(expiry) {
			delete(g.seen, id)
		}
	}
	if _, ok := g.seen[jti]; ok {
		return false, nil
	}
	g.seen[jti] = now.Add(max(ttl, time.Second))
	return true, nil
}

// RedisReplayGuard shares claimed token IDs across replicas.
type RedisReplayGuard struct {
	client redis.Cmdable
	prefix string
}

func NewRedisReplayGuard(client redis.Cmdable, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "servicetoken:jti"
	}
	return &RedisReplayGuard{client: client, prefix: prefix}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return g.client.SetNX(ctx, g.prefix+":"+jti, "1", max(ttl, time.Second)).Result()
}

// VerifyOnce verifies token and claims its ID so the same token is accepted
// only once.
func VerifyOnce(ctx context.Context, v *Verifier, guard ReplayGuard, token string) (Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if guard == nil {
		return claims, nil
	}
	ttl := time.Second
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time) + v.leeway
	}
	ok, err := guard.Claim(ctx, claims.ID, ttl)
	if err != nil {
		return Claims{}, err
	}
	if !ok {
		return Claims{}, ErrReplayed
	}
	return claims, nil
}
