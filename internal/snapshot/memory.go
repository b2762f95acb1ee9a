package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"onboardvoice/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-process Store for single-node deployments and the device CLI.
type MemoryStore struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, []byte]
	window time.Duration
	now    Clock
}

// NewMemoryStore creates an in-process store holding at most maxSessions snapshots.
func NewMemoryStore(maxSessions int, window time.Duration) *MemoryStore {
	if window <= 0 {
		window = model.FreshnessWindow
	}
	return &MemoryStore{
		cache:  expirable.NewLRU[string, []byte](maxSessions, nil, window),
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for freshness checks
func (s *MemoryStore) WithClock(now Clock) *MemoryStore {
	s.now = now
	return s
}

// Save stores an encoded copy so later mutation by the caller has no effect.
func (s *MemoryStore) Save(_ context.Context, sessionID string, snap *model.Snapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key(sessionID), data)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*model.Snapshot, error) {
	s.mu.Lock()
	data, ok := s.cache.Get(key(sessionID))
	if ok {
		s.cache.Remove(key(sessionID))
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if !snap.Fresh(s.now(), s.window) {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key(sessionID))
	return nil
}
