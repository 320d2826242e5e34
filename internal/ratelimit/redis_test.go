package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedisLimiter spins up a Redis testcontainer and returns a limiter
// bound to it. Skipped in -short runs.
func startRedisLimiter(t *testing.T, limits map[string]Limit) *RedisLimiter {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}

	l, err := NewRedisLimiter(url, limits, zap.NewNop())
	if err != nil {
		t.Fatalf("connect limiter: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRedisLimiterWindow(t *testing.T) {
	l := startRedisLimiter(t, map[string]Limit{"post": {Max: 3, Window: 2 * time.Second}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "alice", "post"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	err := l.Check(ctx, "alice", "post")
	var lim *LimitExceededError
	if !errors.As(err, &lim) {
		t.Fatalf("expected *LimitExceededError, got %v", err)
	}
	if lim.Max != 3 || lim.Kind != "post" {
		t.Errorf("unexpected denial details: %+v", lim)
	}

	stats, err := l.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["post"].Used != 3 || stats["post"].Remaining != 0 {
		t.Errorf("post usage = %+v", stats["post"])
	}

	// Window elapses, slots open again.
	time.Sleep(2100 * time.Millisecond)
	if err := l.Check(ctx, "alice", "post"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestRedisLimiterConcurrentExactness(t *testing.T) {
	const max = 5
	l := startRedisLimiter(t, map[string]Limit{"post": {Max: max, Window: time.Minute}})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	start := make(chan struct{})
	for i := 0; i < max+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := l.Check(ctx, "alice", "post"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed != max {
		t.Fatalf("expected exactly %d allowed, got %d", max, allowed)
	}
}

func TestRedisLimiterRecordsEveryAdmission(t *testing.T) {
	// Simultaneous admissions can share a timestamp; each must still
	// count as its own entry or the window undercounts.
	const max = 8
	l := startRedisLimiter(t, map[string]Limit{"post": {Max: max, Window: time.Minute}})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < max; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := l.Check(ctx, "alice", "post"); err != nil {
				t.Errorf("admission denied under limit: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	stats, err := l.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["post"].Used != max {
		t.Fatalf("recorded %d of %d admissions", stats["post"].Used, max)
	}
	if err := l.Check(ctx, "alice", "post"); err == nil {
		t.Fatal("expected denial once the window is full")
	}
}

func TestRedisLimiterUnconfiguredKind(t *testing.T) {
	l := startRedisLimiter(t, map[string]Limit{"post": {Max: 1, Window: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := l.Check(ctx, "alice", "vote"); err != nil {
			t.Fatalf("unconfigured kind denied: %v", err)
		}
	}
}
