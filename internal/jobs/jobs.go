package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"onboardvoice/internal/model"
	"onboardvoice/internal/stepsync"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeStepSync is the asynq task type for a queued backend step write.
const TypeStepSync = "onboarding:step_sync"

// Publisher receives step sync notifications for connected UIs
type Publisher interface {
	PublishSession(sessionID string, event map[string]interface{}) error
}

type stepSyncPayload struct {
	SessionID string           `json:"sessionId"`
	Attempt   string           `json:"attempt,omitempty"`
	Step      model.Step       `json:"step"`
	Payload   stepsync.Payload `json:"payload"`
}

// NewStepSyncTask builds the task for one step write of an onboarding attempt
func NewStepSyncTask(sessionID, attempt string, step model.Step, payload stepsync.Payload) (*asynq.Task, error) {
	data, err := json.Marshal(stepSyncPayload{SessionID: sessionID, Attempt: attempt, Step: step, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step sync task: %w", err)
	}
	return asynq.NewTask(TypeStepSync, data), nil
}

// TaskID makes enqueueing the same step of one attempt a no-op inside
// asynq's retention window. A restarted conversation gets fresh IDs.
func TaskID(sessionID, attempt string, step model.Step) string {
	if attempt == "" {
		return fmt.Sprintf("step_sync:%s:%d", sessionID, step)
	}
	return fmt.Sprintf("step_sync:%s:%s:%d", sessionID, attempt, step)
}

type JobServer struct {
	server *asynq.Server
	client *asynq.Client
	writer stepsync.StepWriter
	bus    Publisher
	log    *zap.Logger
}

// NewJobServer wires a worker that performs queued step writes with writer.
// bus may be nil.
func NewJobServer(redisAddr string, writer stepsync.StepWriter, bus Publisher, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server: server,
		client: client,
		writer: writer,
		bus:    bus,
		log:    log,
	}, client
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStepSync, js.handleStepSync)
	return js.server.Start(mux)
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

func (js *JobServer) handleStepSync(ctx context.Context, t *asynq.Task) error {
	var p stepSyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// Nothing to retry on a corrupt payload
		return fmt.Errorf("failed to decode step sync task: %v: %w", err, asynq.SkipRetry)
	}

	if err := js.writer.PutStep(stepsync.ContextWithAttempt(ctx, p.Attempt), p.SessionID, p.Step, p.Payload); err != nil {
		js.log.Error("Queued step sync failed",
			zap.String("session_id", p.SessionID),
			zap.Int("step", int(p.Step)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to put step: %w", err)
	}

	if js.bus != nil {
		_ = js.bus.PublishSession(p.SessionID, map[string]interface{}{
			"type": "step.synced",
			"step": int(p.Step),
		})
	}

	js.log.Info("Queued step synced", zap.String("session_id", p.SessionID), zap.Int("step", int(p.Step)))
	return nil
}

// Enqueuer is the subset of *asynq.Client used by QueueWriter
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueWriter is a stepsync.StepWriter that hands writes to the job server
// instead of calling the backend inline.
type QueueWriter struct {
	client Enqueuer
	log    *zap.Logger
}

var _ stepsync.StepWriter = (*QueueWriter)(nil)

// NewQueueWriter creates a writer enqueueing through client.
func NewQueueWriter(client Enqueuer, log *zap.Logger) *QueueWriter {
	return &QueueWriter{client: client, log: log}
}

func (q *QueueWriter) PutStep(ctx context.Context, sessionID string, step model.Step, payload stepsync.Payload) error {
	attempt := stepsync.AttemptFromContext(ctx)
	task, err := NewStepSyncTask(sessionID, attempt, step, payload)
	if err != nil {
		return err
	}
	// MaxRetry(0): sync failures are logged, never retried.
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(sessionID, attempt, step)),
		asynq.MaxRetry(0),
		asynq.Queue("default"),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		q.log.Debug("Step sync already queued", zap.String("session_id", sessionID), zap.Int("step", int(step)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue step sync: %w", err)
	}
	return nil
}
