// Package ratelimit provides the per-actor sliding-window ledger consulted by
// the authorization gate.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Policy is a quota of accepted triggers per rolling window.
type Policy struct {
	Quota  int
	Window time.Duration
}

// Validate rejects policies that would either block everything or nothing.
func (p Policy) Validate() error {
	if p.Quota <= 0 {
		return errors.New("ratelimit: quota must be positive")
	}
	if p.Window <= 0 {
		return errors.New("ratelimit: window must be positive")
	}
	return nil
}

// Reservation is the atomic result of a Reserve call.
type Reservation struct {
	Allowed bool
	// Used is the number of accepted triggers inside the window, including
	// this one when Allowed.
	Used       int
	RetryAfter time.Duration
}

// Usage is a read-only view of an actor's ledger entry.
type Usage struct {
	Accepted int
	Rejected int64
}

// Ledger records trigger attempts per actor. Reserve is an atomic
// increment-and-read: it either consumes one unit of quota or records a
// rejected attempt. Rejected attempts never consume quota.
type Ledger interface {
	Reserve(ctx context.Context, actor string, policy Policy) (Reservation, error)
	Usage(ctx context.Context, actor string, policy Policy) (Usage, error)
}

type actorWindow struct {
	accepted []time.Time
	rejected int64
}

// MemoryLedger is a mutex-guarded ledger for single-instance deployments.
type MemoryLedger struct {
	mu     sync.Mutex
	actors map[string]*actorWindow
	clock  func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		actors: make(map[string]*actorWindow),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, actor string, policy Policy) (Reservation, error) {
	if err := policy.Validate(); err != nil {
		return Reservation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w := l.window(actor)
	w.prune(now.Add(-policy.Window))

	if len(w.accepted) < policy.Quota {
		w.accepted = append(w.accepted, now)
		return Reservation{Allowed: true, Used: len(w.accepted)}, nil
	}

	w.rejected++
	return Reservation{
		Allowed:    false,
		Used:       len(w.accepted),
		RetryAfter: w.accepted[0].Add(policy.Window).Sub(now),
	}, nil
}

// Usage implements Ledger.
func (l *MemoryLedger) Usage(_ context.Context, actor string, policy Policy) (Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.actors[actor]
	if !ok {
		return Usage{}, nil
	}
	w.prune(l.clock().Add(-policy.Window))
	return Usage{Accepted: len(w.accepted), Rejected: w.rejected}, nil
}

func (l *MemoryLedger) window(actor string) *actorWindow {
	w, ok := l.actors[actor]
	if !ok {
		w = &actorWindow{}
		l.actors[actor] = w
	}
	return w
}

// prune drops accepted entries at or before cutoff. Entries are appended in
// clock order so the slice stays sorted.
func (w *actorWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.accepted) && !w.accepted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.accepted = append(w.accepted[:0], w.accepted[i:]...)
	}
}
