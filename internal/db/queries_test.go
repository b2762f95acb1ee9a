package db

import (
	"context"
	"os"
	"testing"
	"time"

	"onboardvoice/internal/stepsync"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, err := OpenLedger(ctx, databaseURL, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(l.Close)
	require.NoError(t, Migrate(ctx, databaseURL))
	return l
}

func TestRecordStepSync_FirstOutcomeWins(t *testing.T) {
	pool := setupTestLedger(t)
	ctx := context.Background()
	sessionID := ulid.Make().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, pool.RecordStepSync(ctx, stepsync.Record{
		SessionID: sessionID, Step: 2, Status: stepsync.StatusSent,
		Payload: stepsync.Payload{"services": []any{"Massage"}}, DispatchedAt: now,
	}))
	require.NoError(t, pool.RecordStepSync(ctx, stepsync.Record{
		SessionID: sessionID, Step: 1, Status: stepsync.StatusFailed, Error: "502", DispatchedAt: now,
	}))
	require.NoError(t, pool.RecordStepSync(ctx, stepsync.Record{
		SessionID: sessionID, Step: 2, Status: stepsync.StatusFailed, DispatchedAt: now,
	}))

	rows, err := pool.ListStepSyncs(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.EqualValues(t, 1, rows[0].Step)
	assert.Equal(t, stepsync.StatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, "502", *rows[0].Error)

	assert.EqualValues(t, 2, rows[1].Step)
	assert.Equal(t, stepsync.StatusSent, rows[1].Status)
	assert.Nil(t, rows[1].Error)
	assert.Equal(t, []any{"Massage"}, rows[1].Payload["services"])
}

func TestRecordStepSync_AttemptsKeptApart(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()
	sessionID := ulid.Make().String()
	attempt := ulid.Make().String()
	now := time.Now().UTC()

	require.NoError(t, ledger.RecordStepSync(ctx, stepsync.Record{
		SessionID: sessionID, Step: 1, Status: stepsync.StatusSent,
		Payload: stepsync.Payload{"name": "Old Name"}, DispatchedAt: now,
	}))
	require.NoError(t, ledger.RecordStepSync(ctx, stepsync.Record{
		SessionID: sessionID, Attempt: attempt, Step: 1, Status: stepsync.StatusSent,
		Payload: stepsync.Payload{"name": "New Name"}, DispatchedAt: now,
	}))

	rows, err := ledger.ListStepSyncs(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "", rows[0].Attempt)
	assert.Equal(t, "Old Name", rows[0].Payload["name"])
	assert.Equal(t, attempt, rows[1].Attempt)
	assert.Equal(t, "New Name", rows[1].Payload["name"])
}
