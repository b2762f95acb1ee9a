package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"onboardvoice/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists snapshots as JSON strings with a TTL.
type RedisStore struct {
	rdb    *redis.Client
	log    *zap.Logger
	window time.Duration
	now    Clock
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(rdb *redis.Client, window time.Duration, log *zap.Logger) *RedisStore {
	if window <= 0 {
		window = model.FreshnessWindow
	}
	return &RedisStore{rdb: rdb, log: log, window: window, now: time.Now}
}

// WithClock replaces the time source used for freshness checks
func (s *RedisStore) WithClock(now Clock) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, snap *model.Snapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, key(sessionID), data, s.window).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.log.Debug("Snapshot saved", zap.String("session_id", sessionID), zap.Int("turns", len(snap.Messages)))
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	data, err := s.rdb.GetDel(ctx, key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	// The key TTL is only a backstop; capturedAt is authoritative.
	if !snap.Fresh(s.now(), s.window) {
		s.log.Info("Discarding stale snapshot", zap.String("session_id", sessionID), zap.Time("captured_at", snap.CapturedAt))
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}
