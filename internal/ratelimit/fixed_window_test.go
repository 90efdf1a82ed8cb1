package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, srv *miniredis.Miniredis, limit int) *FixedWindowLimiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", "chat", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	limiter.now = func() time.Time { return time.Unix(1_700_000_010, 0) }
	return limiter
}

func TestFixedWindowLimiterBlocksOverLimit(t *testing.T) {
	limiter := newLimiter(t, miniredis.RunT(t), 2)
	ctx := context.Background()

	first := limiter.Allow(ctx, "user-1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first decision = %+v", first)
	}
	if !limiter.Allow(ctx, "user-1").Allowed {
		t.Fatalf("second request should pass")
	}
	third := limiter.Allow(ctx, "user-1")
	if third.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", third.RetryAfter)
	}
	if !limiter.Allow(ctx, "user-2").Allowed {
		t.Fatalf("other keys have their own window")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter := newLimiter(t, srv, 1)
	srv.Close()
	if limiter.Allow(context.Background(), "user-1").Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestNewFixedWindowLimiterValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	tests := []struct {
		name   string
		client redis.Cmdable
		limit  int
		label  string
	}{
		{name: "nil client", client: nil, limit: 1, label: "chat"},
		{name: "zero limit", client: client, limit: 0, label: "chat"},
		{name: "blank name", client: client, limit: 1, label: " "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFixedWindowLimiter(tc.client, "", tc.label, tc.limit, time.Second); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
