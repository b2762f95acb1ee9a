package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"onboardvoice/internal/model"
	"onboardvoice/internal/stepsync"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingWriter struct {
	attempt   string
	sessionID string
	step      model.Step
	payload   stepsync.Payload
	err       error
}

func (w *recordingWriter) PutStep(ctx context.Context, sessionID string, step model.Step, payload stepsync.Payload) error {
	w.attempt = stepsync.AttemptFromContext(ctx)
	w.sessionID, w.step, w.payload = sessionID, step, payload
	return w.err
}

type recordingBus struct {
	events []map[string]interface{}
}

func (b *recordingBus) PublishSession(_ string, event map[string]interface{}) error {
	b.events = append(b.events, event)
	return nil
}

func TestHandleStepSync(t *testing.T) {
	w := &recordingWriter{}
	bus := &recordingBus{}
	js := &JobServer{writer: w, bus: bus, log: zaptest.NewLogger(t)}

	task, err := NewStepSyncTask("sess-1", "", 3, stepsync.Payload{"workingHours": []any{"mon 9-5"}})
	require.NoError(t, err)
	require.NoError(t, js.handleStepSync(context.Background(), task))

	assert.Equal(t, "sess-1", w.sessionID)
	assert.Equal(t, model.Step(3), w.step)
	assert.Equal(t, []any{"mon 9-5"}, w.payload["workingHours"])
	require.Len(t, bus.events, 1)
	assert.Equal(t, "step.synced", bus.events[0]["type"])
}

func TestHandleStepSync_Failures(t *testing.T) {
	w := &recordingWriter{err: errors.New("backend down")}
	js := &JobServer{writer: w, log: zaptest.NewLogger(t)}

	task, err := NewStepSyncTask("sess-1", "", 1, nil)
	require.NoError(t, err)
	assert.Error(t, js.handleStepSync(context.Background(), task))

	bad := asynq.NewTask(TypeStepSync, []byte("{not json"))
	err = js.handleStepSync(context.Background(), bad)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestQueueWriter_DuplicateIsNoop(t *testing.T) {
	enq := &fakeEnqueuer{ids: map[string]bool{}}
	qw := NewQueueWriter(enq, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, qw.PutStep(ctx, "sess-1", 1, stepsync.Payload{"name": "Acme"}))
	require.NoError(t, qw.PutStep(ctx, "sess-1", 1, stepsync.Payload{"name": "Acme"}))
	require.NoError(t, qw.PutStep(ctx, "sess-1", 2, nil))

	require.Len(t, enq.tasks, 2)
	assert.Equal(t, TypeStepSync, enq.tasks[0].Type())

	var p stepSyncPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &p))
	assert.Equal(t, "sess-1", p.SessionID)
	assert.Equal(t, "Acme", p.Payload["name"])
}

func TestQueueWriter_NewAttemptEnqueuesAgain(t *testing.T) {
	enq := &fakeEnqueuer{ids: map[string]bool{}}
	qw := NewQueueWriter(enq, zaptest.NewLogger(t))
	ctx := context.Background()
	retry := stepsync.ContextWithAttempt(ctx, "01HATTEMPT")

	require.NoError(t, qw.PutStep(ctx, "sess-1", 1, stepsync.Payload{"name": "Old Name"}))
	require.NoError(t, qw.PutStep(retry, "sess-1", 1, stepsync.Payload{"name": "New Name"}))
	require.NoError(t, qw.PutStep(retry, "sess-1", 1, stepsync.Payload{"name": "New Name"}))
	require.Len(t, enq.tasks, 2)

	var p stepSyncPayload
	require.NoError(t, json.Unmarshal(enq.tasks[1].Payload(), &p))
	assert.Equal(t, "01HATTEMPT", p.Attempt)
	assert.Equal(t, "New Name", p.Payload["name"])

	w := &recordingWriter{}
	js := &JobServer{writer: w, log: zaptest.NewLogger(t)}
	require.NoError(t, js.handleStepSync(ctx, enq.tasks[1]))
	assert.Equal(t, "01HATTEMPT", w.attempt)
}
