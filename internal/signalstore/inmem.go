package signalstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/your-org/position-guard/internal/reconciler"
)

// InMemoryStore keeps accepted signals in memory. Used for dry runs without a
// database and in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	signals map[string][]Signal // per symbol, sorted by AcceptedAt ascending
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{signals: make(map[string][]Signal)}
}

// RecordSignal appends one accepted signal.
func (s *InMemoryStore) RecordSignal(_ context.Context, sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.signals[sig.Symbol], sig)
	sort.Slice(list, func(i, j int) bool { return list[i].AcceptedAt.Before(list[j].AcceptedAt) })
	s.signals[sig.Symbol] = list
	return nil
}

// LookupExpectedTarget returns the target from the closest signal accepted at
// or before the position open time.
func (s *InMemoryStore) LookupExpectedTarget(_ context.Context, symbol string, approxOpenTime time.Time) (reconciler.ExpectedTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := approxOpenTime.Add(clockSkew)
	list := s.signals[symbol]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].AcceptedAt.After(cutoff) {
			sig := list[i]
			return buildTarget(sig.Symbol, string(sig.Side), sig.StopLoss, sig.TakeProfits)
		}
	}
	return reconciler.ExpectedTarget{}, reconciler.ErrTargetNotFound
}
