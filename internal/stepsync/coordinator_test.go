package stepsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"onboardvoice/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	sessionID string
	step      model.Step
	payload   Payload
	attempt   string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []call
	gate  chan struct{}
	fail  map[model.Step]error
}

func (f *fakeWriter) PutStep(ctx context.Context, sessionID string, step model.Step, payload Payload) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sessionID, step, payload, AttemptFromContext(ctx)})
	return f.fail[step]
}

func (f *fakeWriter) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type memLedger struct {
	mu      sync.Mutex
	records []Record
}

func (l *memLedger) RecordStepSync(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func closeWithin(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func TestCoordinator_DispatchesInCallOrder(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{})}
	c := NewCoordinator(w, zaptest.NewLogger(t))

	// queued while the first call is blocked, so ordering relies on the queue
	for step := model.Step(1); step <= 5; step++ {
		require.True(t, c.PersistStep("sess-1", step, Payload{"step": int(step)}))
	}
	close(w.gate)
	closeWithin(t, c)

	calls := w.Calls()
	require.Len(t, calls, 5)
	for i, got := range calls {
		assert.Equal(t, model.Step(i+1), got.step)
	}
}

func TestCoordinator_DuplicateStepIgnored(t *testing.T) {
	w := &fakeWriter{}
	c := NewCoordinator(w, zaptest.NewLogger(t))

	assert.True(t, c.PersistStep("sess-1", 1, Payload{"name": "Acme"}))
	assert.False(t, c.PersistStep("sess-1", 1, Payload{"name": "Other"}))
	assert.True(t, c.PersistStep("sess-2", 1, Payload{"name": "Beta"}))
	closeWithin(t, c)

	calls := w.Calls()
	require.Len(t, calls, 2)
	for _, got := range calls {
		if got.sessionID == "sess-1" {
			assert.Equal(t, "Acme", got.payload["name"])
		}
	}
}

func TestCoordinator_RestartAllowsStepsAgain(t *testing.T) {
	w := &fakeWriter{}
	l := &memLedger{}
	c := NewCoordinator(w, zaptest.NewLogger(t), WithLedger(l))

	assert.True(t, c.PersistStep("sess-1", 1, Payload{"name": "Old Name"}))
	attempt := c.Restart("sess-1")
	require.NotEmpty(t, attempt)
	assert.True(t, c.PersistStep("sess-1", 1, Payload{"name": "New Name"}))
	assert.False(t, c.PersistStep("sess-1", 1, Payload{"name": "Again"}))
	closeWithin(t, c)

	calls := w.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Old Name", calls[0].payload["name"])
	assert.Equal(t, "", calls[0].attempt)
	assert.Equal(t, "New Name", calls[1].payload["name"])
	assert.Equal(t, attempt, calls[1].attempt)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.records, 2)
	assert.Equal(t, attempt, l.records[1].Attempt)
}

func TestCoordinator_FailureIsRecordedAndNotRetried(t *testing.T) {
	w := &fakeWriter{fail: map[model.Step]error{2: errors.New("backend 500")}}
	ledger := &memLedger{}
	c := NewCoordinator(w, zaptest.NewLogger(t), WithLedger(ledger))

	c.PersistStep("sess-1", 1, Payload{})
	c.PersistStep("sess-1", 2, Payload{})
	c.PersistStep("sess-1", 3, Payload{})
	closeWithin(t, c)

	assert.Len(t, w.Calls(), 3)
	require.Len(t, ledger.records, 3)
	assert.Equal(t, StatusSent, ledger.records[0].Status)
	assert.Equal(t, StatusFailed, ledger.records[1].Status)
	assert.Equal(t, "backend 500", ledger.records[1].Error)
	assert.Equal(t, StatusSent, ledger.records[2].Status)
}

func TestCoordinator_PersistAfterCloseDropped(t *testing.T) {
	w := &fakeWriter{}
	c := NewCoordinator(w, zaptest.NewLogger(t))
	closeWithin(t, c)

	assert.False(t, c.PersistStep("sess-1", 1, Payload{}))
	assert.Empty(t, w.Calls())
}

type panicWriter struct{}

func (panicWriter) PutStep(context.Context, string, model.Step, Payload) error {
	panic("boom")
}

func TestCoordinator_WriterPanicIsContained(t *testing.T) {
	ledger := &memLedger{}
	c := NewCoordinator(panicWriter{}, zaptest.NewLogger(t), WithLedger(ledger))

	c.PersistStep("sess-1", 1, Payload{})
	closeWithin(t, c)

	require.Len(t, ledger.records, 1)
	assert.Equal(t, StatusFailed, ledger.records[0].Status)
}
