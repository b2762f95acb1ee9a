// Package stepsync pushes completed onboarding steps to the backend.
package stepsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"onboardvoice/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrClosed is returned by PersistStep after Close.
var ErrClosed = errors.New("step sync coordinator closed")

// Payload is the step-specific JSON body sent to the backend.
type Payload map[string]any

// StepWriter performs the actual backend call for one step.
type StepWriter interface {
	PutStep(ctx context.Context, sessionID string, step model.Step, payload Payload) error
}

// Status of a dispatch attempt as recorded in the ledger
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Record is one dispatch outcome.
type Record struct {
	SessionID    string
	Attempt      string
	Step         model.Step
	Payload      Payload
	Status       string
	Error        string
	DispatchedAt time.Time
}

// Ledger stores dispatch outcomes for auditing.
type Ledger interface {
	RecordStepSync(ctx context.Context, rec Record) error
}

type job struct {
	sessionID string
	attempt   string
	step      model.Step
	payload   Payload
}

type sessionQueue struct {
	pending []job
	running bool
	attempt string
	seen    map[model.Step]bool
}

// Coordinator dispatches step syncs in call order per session without
// blocking the caller. Each step is dispatched at most once per attempt; a
// session starts a new attempt when its conversation restarts from scratch.
// Failures are logged and recorded, never retried.
type Coordinator struct {
	writer  StepWriter
	ledger  Ledger
	log     *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLedger records every dispatch outcome
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithTimeout bounds each backend call
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// NewCoordinator creates a coordinator writing through writer.
func NewCoordinator(writer StepWriter, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		writer:   writer,
		log:      log,
		timeout:  10 * time.Second,
		sessions: make(map[string]*sessionQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PersistStep queues a sync for step. It returns immediately; false means the
// call was a duplicate or the coordinator is closed.
func (c *Coordinator) PersistStep(sessionID string, step model.Step, payload Payload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.log.Warn("Step sync after close dropped", zap.String("session_id", sessionID), zap.Int("step", int(step)))
		return false
	}

	q, ok := c.sessions[sessionID]
	if !ok {
		q = &sessionQueue{seen: make(map[model.Step]bool)}
		c.sessions[sessionID] = q
	}
	if q.seen[step] {
		c.log.Debug("Duplicate step sync ignored", zap.String("session_id", sessionID), zap.Int("step", int(step)))
		return false
	}
	q.seen[step] = true
	q.pending = append(q.pending, job{sessionID: sessionID, attempt: q.attempt, step: step, payload: payload})

	if !q.running {
		q.running = true
		c.wg.Add(1)
		go c.drain(sessionID, q)
	}
	return true
}

// Restart begins a new attempt for sessionID: steps already synced may be
// synced again. Jobs already queued keep their attempt. It returns the new
// attempt id.
func (c *Coordinator) Restart(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.sessions[sessionID]
	if !ok {
		q = &sessionQueue{}
		c.sessions[sessionID] = q
	}
	q.attempt = ulid.Make().String()
	q.seen = make(map[model.Step]bool)
	c.log.Info("Step sync attempt restarted", zap.String("session_id", sessionID), zap.String("attempt", q.attempt))
	return q.attempt
}

// Forget drops dedup state for a finished session.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.sessions[sessionID]; ok && !q.running && len(q.pending) == 0 {
		delete(c.sessions, sessionID)
	}
}

func (c *Coordinator) drain(sessionID string, q *sessionQueue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			c.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		c.mu.Unlock()

		c.dispatch(next)
	}
}

func (c *Coordinator) dispatch(j job) {
	ctx, cancel := context.WithTimeout(ContextWithAttempt(context.Background(), j.attempt), c.timeout)
	defer cancel()

	rec := Record{SessionID: j.sessionID, Attempt: j.attempt, Step: j.step, Payload: j.payload, Status: StatusSent, DispatchedAt: time.Now()}
	if err := c.put(ctx, j); err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		c.log.Error("Step sync failed",
			zap.String("session_id", j.sessionID),
			zap.Int("step", int(j.step)),
			zap.Error(err),
		)
	} else {
		c.log.Info("Step synced", zap.String("session_id", j.sessionID), zap.Int("step", int(j.step)))
	}

	if c.ledger != nil {
		if err := c.ledger.RecordStepSync(ctx, rec); err != nil {
			c.log.Warn("Failed to record step sync", zap.String("session_id", j.sessionID), zap.Error(err))
		}
	}
}

func (c *Coordinator) put(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step writer panicked: %v", r)
		}
	}()
	return c.writer.PutStep(ctx, j.sessionID, j.step, j.payload)
}

// Close stops accepting work and waits for queued syncs to be dispatched.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
