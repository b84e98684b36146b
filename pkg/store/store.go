// Package store persists run receipts.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// ErrNotFound is returned when no receipt matches.
var ErrNotFound = errors.New("store: receipt not found")

// ReceiptStore records one receipt per run. Receipts are append-only.
type ReceiptStore interface {
	Store(ctx context.Context, r *contracts.RunReceipt) error
	Get(ctx context.Context, runID string) (*contracts.RunReceipt, error)
	// ListBySurface returns the newest receipts for a surface first.
	ListBySurface(ctx context.Context, surfaceID, limit int) ([]*contracts.RunReceipt, error)
}

// MemoryStore is a ReceiptStore for tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]contracts.RunReceipt
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]contracts.RunReceipt)}
}

// Store implements ReceiptStore.
func (s *MemoryStore) Store(_ context.Context, r *contracts.RunReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.receipts[r.RunID]; dup {
		return errors.New("store: duplicate run id " + r.RunID)
	}
	s.receipts[r.RunID] = *r
	return nil
}

// Get implements ReceiptStore.
func (s *MemoryStore) Get(_ context.Context, runID string) (*contracts.RunReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ListBySurface implements ReceiptStore.
func (s *MemoryStore) ListBySurface(_ context.Context, surfaceID, limit int) ([]*contracts.RunReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.RunReceipt
	for _, r := range s.receipts {
		if r.SurfaceID == surfaceID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
