package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limit caps an action kind at Max occurrences per sliding Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits returns the built-in per-kind limits.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"post":     {Max: 10, Window: time.Minute},
		"comment":  {Max: 60, Window: time.Minute},
		"register": {Max: 5, Window: time.Hour},
	}
}

// LimitExceededError is returned by Check when an actor is over its limit.
type LimitExceededError struct {
	Kind       string
	Max        int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: max %d %ss per %ds",
		e.Max, e.Kind, int(e.Window.Seconds()))
}

// Usage describes current consumption of one action kind for an actor.
type Usage struct {
	Used          int `json:"used"`
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
	Remaining     int `json:"remaining"`
}

// Admitter gates write operations. Check returns nil when the action is
// admitted and a *LimitExceededError when it is not.
type Admitter interface {
	Check(ctx context.Context, actorID, kind string) error
	Stats(ctx context.Context, actorID string) (map[string]Usage, error)
}

type histKey struct {
	actor string
	kind  string
}

// Limiter is an in-process sliding-window rate limiter. State is shared by
// all request handlers of the process; it holds no cross-process state, so a
// horizontally scaled deployment needs the Redis-backed variant instead.
//
// A single mutex guards the whole table. Admission is low-frequency relative
// to lock cost, so the coarse lock is the deliberate trade-off here; the
// count and the record append happen under the same critical section, which
// is what makes concurrent checks for one (actor, kind) race-free.
type Limiter struct {
	limits map[string]Limit
	logger *zap.Logger

	mu      sync.Mutex
	history map[histKey][]time.Time

	now       func() time.Time
	sweepStop chan struct{}
}

// New creates a limiter with the given per-kind limits. Kinds absent from
// the table are never limited.
func New(limits map[string]Limit, logger *zap.Logger) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		limits:  limits,
		logger:  logger,
		history: make(map[histKey][]time.Time),
		now:     time.Now,
	}
}

// Check admits or rejects one action of the given kind by the given actor.
// On admission the action is recorded and counts toward future windows.
func (l *Limiter) Check(_ context.Context, actorID, kind string) error {
	lim, ok := l.limits[kind]
	if !ok {
		return nil
	}

	now := l.now()
	cutoff := now.Add(-lim.Window)
	k := histKey{actor: actorID, kind: kind}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.history[k]
	// Records are append-ordered, so everything at or before the cutoff
	// sits at the front.
	n := 0
	for n < len(recs) && !recs[n].After(cutoff) {
		n++
	}
	recs = recs[n:]

	if len(recs) >= lim.Max {
		l.history[k] = recs
		return &LimitExceededError{
			Kind:       kind,
			Max:        lim.Max,
			Window:     lim.Window,
			RetryAfter: recs[0].Add(lim.Window).Sub(now),
		}
	}

	l.history[k] = append(recs, now)
	return nil
}

// Stats reports current usage for every configured kind without mutating
// any window state.
func (l *Limiter) Stats(_ context.Context, actorID string) (map[string]Usage, error) {
	now := l.now()
	out := make(map[string]Usage, len(l.limits))

	l.mu.Lock()
	defer l.mu.Unlock()

	for kind, lim := range l.limits {
		cutoff := now.Add(-lim.Window)
		used := 0
		for _, ts := range l.history[histKey{actor: actorID, kind: kind}] {
			if ts.After(cutoff) {
				used++
			}
		}
		remaining := lim.Max - used
		if remaining < 0 {
			remaining = 0
		}
		out[kind] = Usage{
			Used:          used,
			Limit:         lim.Max,
			WindowSeconds: int(lim.Window.Seconds()),
			Remaining:     remaining,
		}
	}
	return out, nil
}

// Sweep drops aged-out records and empty actor keys, and returns how many
// keys were removed. Admission does not depend on sweeping; this only
// bounds memory for actors that stopped acting.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, recs := range l.history {
		lim, ok := l.limits[k.kind]
		if !ok {
			delete(l.history, k)
			removed++
			continue
		}
		cutoff := now.Add(-lim.Window)
		n := 0
		for n < len(recs) && !recs[n].After(cutoff) {
			n++
		}
		if n == len(recs) {
			delete(l.history, k)
			removed++
		} else if n > 0 {
			l.history[k] = recs[n:]
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until Stop is called.
func (l *Limiter) StartSweeper(interval time.Duration) {
	if interval <= 0 || l.sweepStop != nil {
		return
	}
	l.sweepStop = make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("rate limiter swept", zap.Int("keys_removed", n))
				}
			case <-l.sweepStop:
				return
			}
		}
	}()
}

// Stop halts the background sweeper, if running.
func (l *Limiter) Stop() {
	if l.sweepStop != nil {
		close(l.sweepStop)
		l.sweepStop = nil
	}
}
