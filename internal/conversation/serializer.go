package conversation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Serializer runs submitted handlers one at a time in FIFO order. A handler
// submitted while another is running is queued and executed by the goroutine
// that is already draining, so handlers never interleave and re-entrant
// submissions (speech callbacks, timer fires) cannot deadlock.
type Serializer struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
	log      *zap.Logger
}

// NewSerializer creates an idle serializer.
func NewSerializer(log *zap.Logger) *Serializer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Serializer{log: log}
}

// Submit enqueues fn. If no handler is running, the caller drains the queue
// before returning; otherwise Submit returns immediately.
func (s *Serializer) Submit(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.run(next)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *Serializer) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Conversation handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Call submits fn and waits for it to run, returning its error. A panic in fn
// is recovered and returned as ErrHandlerPanic. Call must not be used from
// inside a handler, since the handler would wait on itself.
func (s *Serializer) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	s.Submit(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Conversation handler panicked", zap.Any("panic", r), zap.Stack("stack"))
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
			done <- err
		}()
		err = fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
