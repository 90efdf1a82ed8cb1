package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"
	"unicode/utf8"

	"quillai/pkg/billing"
)

func TestCheckSize(t *testing.T) {
	tests := []struct {
		plan billing.Plan
		size int64
		ok   bool
	}{
		{billing.Free, 4 << 20, true},
		{billing.Free, 4<<20 + 1, false},
		{billing.Free, 8 << 20, false},
		{billing.Pro, 8 << 20, true},
		{billing.Pro, 17 << 20, false},
	}
	for _, tt := range tests {
		err := CheckSize(tt.plan, "doc.pdf", tt.size)
		if (err == nil) != tt.ok {
			t.Fatalf("CheckSize(%s, %d) = %v, want ok=%v", tt.plan.Name, tt.size, err, tt.ok)
		}
	}
}

func TestQueryCacheInvalidation(t *testing.T) {
	c := NewQueryCache(time.Minute)
	c.Set(QueryMessages, "page-a", "file-1", "")
	c.Set(QueryMessages, "page-b", "file-2", "")
	c.Set(QueryUserFiles, "files")

	if v, ok := c.Get(QueryMessages, "file-1", ""); !ok || v != "page-a" {
		t.Fatalf("get = %v, %v", v, ok)
	}
	if _, ok := c.Get(QueryMessages, "file-1", "cursor"); ok {
		t.Fatal("different params must miss")
	}
	c.Invalidate(QueryMessages, "file-1", "")
	if _, ok := c.Get(QueryMessages, "file-1", ""); ok {
		t.Fatal("invalidated entry still cached")
	}
	c.InvalidateQuery(QueryMessages)
	if c.Len() != 1 {
		t.Fatalf("len = %d, want only %s left", c.Len(), QueryUserFiles)
	}

	var disabled *QueryCache
	disabled.Set(QueryUserFiles, "x")
	if _, ok := disabled.Get(QueryUserFiles); ok {
		t.Fatal("nil cache must not hit")
	}
}

func TestReadStreamKeepsRunesWhole(t *testing.T) {
	text := "héllo 世界"
	var parts []string
	got, err := ReadStream(iotest.OneByteReader(strings.NewReader(text)), func(s string) error {
		parts = append(parts, s)
		return nil
	})
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if got != text {
		t.Fatalf("got %q, want %q", got, text)
	}
	for _, p := range parts {
		if !utf8.ValidString(p) {
			t.Fatalf("fragment %q splits a rune", p)
		}
	}
}

func TestReadStreamStopsOnCallbackError(t *testing.T) {
	stop := errors.New("client gone")
	got, err := ReadStream(iotest.OneByteReader(strings.NewReader("abc")), func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want %v", err, stop)
	}
	if got != "a" {
		t.Fatalf("got %q, want partial text", got)
	}
}

func TestPollerStopsOnCheckError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	state, err := Poller{Interval: time.Millisecond, MaxWait: time.Second}.Wait(context.Background(), func(context.Context) (PollState, error) {
		calls++
		if calls == 2 {
			return StatePending, boom
		}
		return StateProcessing, nil
	})
	if !errors.Is(err, boom) || state != StateProcessing {
		t.Fatalf("state = %s, err = %v", state, err)
	}
}

func TestPollerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Poller{Interval: time.Millisecond, MaxWait: time.Second}.Wait(ctx, func(context.Context) (PollState, error) {
		return StatePending, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := (Poller{}).Wait(context.Background(), nil); err == nil {
		t.Fatal("zero max wait must be rejected")
	}
}

func TestProgressClimbsToCeilingThenCompletes(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	p := StartProgress(time.Millisecond, func(v int) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	deadline := time.Now().Add(2 * time.Second)
	for p.Value() < ProgressCeiling {
		if time.Now().After(deadline) {
			t.Fatalf("progress stuck at %d", p.Value())
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	if p.Value() != ProgressCeiling {
		t.Fatalf("value = %d, want capped at %d", p.Value(), ProgressCeiling)
	}
	p.Finish(true)
	p.Finish(true)

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != 0 || seen[len(seen)-1] != 100 {
		t.Fatalf("reports = %v", seen)
	}
	for i := 1; i < len(seen)-1; i++ {
		if seen[i]-seen[i-1] != ProgressStep {
			t.Fatalf("non-uniform step in %v", seen)
		}
	}
}
