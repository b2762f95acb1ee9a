// Package snapshot keeps conversation snapshots across an external redirect.
// Loads are consume-once and never return a snapshot past its freshness window.
package snapshot

import (
	"context"
	"errors"
	"time"

	"onboardvoice/internal/model"
)

// ErrNotFound is returned by Load when there is nothing to resume.
var ErrNotFound = errors.New("snapshot not found")

// Store is the session-keyed snapshot store.
type Store interface {
	Save(ctx context.Context, sessionID string, snap *model.Snapshot) error
	// Load returns the snapshot and removes it. A stale snapshot is removed and
	// reported as ErrNotFound.
	Load(ctx context.Context, sessionID string) (*model.Snapshot, error)
	Clear(ctx context.Context, sessionID string) error
}

// Clock returns the current time. Injected so tests can move it.
type Clock func() time.Time

func key(sessionID string) string {
	return "onboarding:snapshot:" + sessionID
}
