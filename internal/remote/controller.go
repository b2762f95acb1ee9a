// Package remote implements the conversation controller that shadows a remote
// conversational agent. The agent owns the dialogue; this controller keeps a
// durable, UI-visible copy of it and guards against duplicate or malformed events.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"onboardvoice/internal/conversation"
	"onboardvoice/internal/fields"
	"onboardvoice/internal/model"
	"onboardvoice/internal/progress"
	"onboardvoice/internal/snapshot"
	"onboardvoice/internal/stepsync"

	"go.uber.org/zap"
)

// DefaultDebounceWindow is the quiet period after the last field of a step before it is synced.
const DefaultDebounceWindow = 500 * time.Millisecond

const defaultGreeting = "Hi! I'm here to help you set up your business. Let's get started."

// AgentSink forwards typed user input to the remote agent.
type AgentSink interface {
	SendUserText(ctx context.Context, sessionID, text string) error
}

// Syncer accepts completed steps for backend persistence without blocking.
type Syncer interface {
	PersistStep(sessionID string, step model.Step, payload stepsync.Payload) bool
}

// Config holds a controller's collaborators. Store and Sync are required.
type Config struct {
	SessionID       string
	TenantID        string
	Store           snapshot.Store
	Sync            Syncer
	Agent           AgentSink
	Observer        conversation.Observer
	Clock           conversation.Clock
	Log             *zap.Logger
	DebounceWindow  time.Duration
	FreshnessWindow time.Duration
	Greeting        string
}

type pendingSync struct {
	timer conversation.Timer
	gen   int
}

// Controller is the remote-agent conversation.Controller.
type Controller struct {
	id       string
	tenant   string
	store    snapshot.Store
	sync     Syncer
	agent    AgentSink
	obs      conversation.Observer
	clock    conversation.Clock
	log      *zap.Logger
	window   time.Duration
	fresh    time.Duration
	greeting string
	mapper   *progress.Mapper
	serial   *conversation.Serializer

	mu         sync.RWMutex
	state      model.State
	used       bool
	transcript conversation.Transcript
	fields     *fields.Accumulator
	completed  model.StepSet
	position   model.Position
	debounce   map[model.Step]*pendingSync
	gen        int
	result     model.Fields
	outbox     conversation.Outbox
}

var _ conversation.Controller = (*Controller)(nil)

// New builds an idle remote-agent controller for one session.
func New(cfg Config) *Controller {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = conversation.NopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = conversation.SystemClock{}
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = model.FreshnessWindow
	}
	if cfg.Greeting == "" {
		cfg.Greeting = defaultGreeting
	}
	log := cfg.Log.With(zap.String("session_id", cfg.SessionID), zap.String("variant", string(model.VariantRemote)))
	return &Controller{
		id:        cfg.SessionID,
		tenant:    cfg.TenantID,
		store:     cfg.Store,
		sync:      cfg.Sync,
		agent:     cfg.Agent,
		obs:       cfg.Observer,
		clock:     cfg.Clock,
		log:       log,
		window:    cfg.DebounceWindow,
		fresh:     cfg.FreshnessWindow,
		greeting:  cfg.Greeting,
		mapper:    progress.Remote,
		serial:    conversation.NewSerializer(log),
		state:     model.StateIdle,
		fields:    fields.NewAccumulator(fields.NewValidator(true, nil)),
		completed: make(model.StepSet),
		debounce:  make(map[model.Step]*pendingSync),
	}
}

func (c *Controller) SessionID() string      { return c.id }
func (c *Controller) Variant() model.Variant { return model.VariantRemote }

func (c *Controller) State() model.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Position() model.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Controller) Transcript() []model.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transcript.Turns()
}

func (c *Controller) Fields() model.Fields {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fields.Snapshot()
}

func (c *Controller) CompletedSteps() []model.Step {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed.Sorted()
}

// Result returns the record handed over on completion, or nil before completion.
func (c *Controller) Result() model.Fields {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.result == nil {
		return nil
	}
	return c.result.Clone()
}

// locked runs fn under the write lock and delivers the notifications it
// produced once the lock is released.
func (c *Controller) locked(fn func() error) error {
	var (
		err   error
		notes []func(conversation.Observer)
	)
	func() {
		c.mu.Lock()
		defer func() {
			notes = c.outbox.Take()
			c.mu.Unlock()
		}()
		err = fn()
	}()
	conversation.Deliver(c.obs, notes)
	return err
}

func (c *Controller) setState(to model.State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.outbox.State(c.id, from, to)
	c.log.Debug("State changed", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (c *Controller) appendTurn(speaker model.Speaker, text string) bool {
	turn := model.Turn{Speaker: speaker, Text: text, At: c.clock.Now()}
	if !c.transcript.Append(turn) {
		c.log.Debug("Duplicate turn ignored", zap.String("speaker", string(speaker)))
		return false
	}
	c.outbox.Turn(c.id, turn)
	return true
}

func (c *Controller) advance(pos model.Position) {
	if pos <= c.position {
		return
	}
	c.position = pos
	c.outbox.Progress(c.id, pos)
}

// Start emits the greeting and hands the floor to the agent.
func (c *Controller) Start(ctx context.Context) error {
	return c.serial.Call(ctx, func() error {
		return c.locked(func() error {
			if c.state != model.StateIdle || c.used {
				return &conversation.TransitionError{Op: "start", State: c.state}
			}
			c.used = true
			c.setState(model.StateSystemSpeaking)
			c.appendTurn(model.SpeakerSystem, c.greeting)
			c.log.Info("Conversation started")
			return nil
		})
	})
}

// SystemTurnFinished is called by the host when the agent's audio ended.
func (c *Controller) SystemTurnFinished() {
	c.serial.Submit(func() {
		_ = c.locked(func() error {
			c.systemTurnFinished()
			return nil
		})
	})
}

func (c *Controller) systemTurnFinished() {
	if c.state != model.StateSystemSpeaking {
		c.log.Debug("System turn finished outside speaking state", zap.String("state", string(c.state)))
		return
	}
	c.setState(model.StateUserListening)
}

// UserInput handles typed input from the host UI. It is forwarded to the agent,
// whose next system_turn ends processing.
func (c *Controller) UserInput(raw string) {
	c.serial.Submit(func() {
		var text string
		_ = c.locked(func() error {
			if c.state != model.StateUserListening {
				c.log.Info("Input discarded outside listening state", zap.String("state", string(c.state)))
				return nil
			}
			text = strings.TrimSpace(raw)
			if text == "" {
				return nil
			}
			c.setState(model.StateProcessing)
			c.appendTurn(model.SpeakerUser, text)
			return nil
		})
		if text == "" {
			return
		}

		var err error
		if c.agent == nil {
			err = errors.New("no agent connected")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = c.agent.SendUserText(ctx, c.id, text)
			cancel()
		}
		if err != nil {
			c.log.Warn("Failed to forward input to agent", zap.Error(err))
			_ = c.locked(func() error {
				if c.state == model.StateProcessing {
					c.setState(model.StateUserListening)
				}
				return nil
			})
		}
	})
}

// HandleFrame decodes a data-channel frame and queues the event. Malformed
// frames are logged and dropped.
func (c *Controller) HandleFrame(frame []byte) error {
	ev, err := Decode(frame)
	if err != nil {
		c.log.Warn("Dropping malformed agent event", zap.Error(err), zap.Int("bytes", len(frame)))
		return err
	}
	c.HandleEvent(ev)
	return nil
}

// HandleEvent queues an agent event for processing.
func (c *Controller) HandleEvent(ev Event) {
	c.serial.Submit(func() { c.handle(ev) })
}

func (c *Controller) handle(ev Event) {
	if ev.Type == KindExternalActionNeeded {
		if err := c.requestExternalAction(context.Background(), ev.Action); err != nil {
			c.log.Error("External action failed", zap.String("action", ev.Action), zap.Error(err))
		}
		return
	}

	_ = c.locked(func() error {
		if c.state == model.StateAwaitingExternalAction || c.state == model.StateComplete {
			c.log.Info("Agent event dropped", zap.String("type", string(ev.Type)), zap.String("state", string(c.state)))
			return nil
		}

		switch ev.Type {
		case KindSystemTurn:
			if c.appendTurn(model.SpeakerSystem, ev.Text) {
				c.used = true
				c.setState(model.StateSystemSpeaking)
			}
		case KindUserTurn:
			if c.appendTurn(model.SpeakerUser, ev.Text) {
				c.used = true
				c.setState(model.StateProcessing)
			}
		case KindAgentTurnFinished:
			c.systemTurnFinished()
		case KindFieldValue:
			c.fieldValue(ev.Field, ev.Value)
		case KindStepComplete:
			c.stepComplete(ev.Step)
		case KindConversationFinished, KindComplete:
			c.finish(ev.Payload)
		}
		return nil
	})
}

func (c *Controller) fieldValue(field model.FieldName, value any) {
	if err := c.fields.Set(field, value); err != nil {
		c.log.Warn("Field value rejected", zap.String("field", string(field)), zap.Error(err))
		return
	}
	c.used = true
	if step, ok := StepFor(field); ok {
		if p, pending := c.debounce[step]; pending {
			p.timer.Stop()
			c.arm(step)
		}
	}
}

func (c *Controller) stepComplete(step model.Step) {
	if c.completed[step] {
		return
	}
	if !c.mapper.Known(step) {
		c.log.Warn("Unknown step ignored", zap.Int("step", int(step)))
		return
	}
	c.used = true
	c.completed[step] = true
	c.advance(c.mapper.PositionFor(step))
	c.arm(step)
	c.log.Info("Step completed", zap.Int("step", int(step)))
}

// arm (re)starts the quiet-period timer for step. Each arming gets a new
// generation so a fire that was already queued when the timer was reset is ignored.
func (c *Controller) arm(step model.Step) {
	c.gen++
	gen := c.gen
	timer := c.clock.AfterFunc(c.window, func() {
		c.serial.Submit(func() {
			_ = c.locked(func() error {
				c.debounceFired(step, gen)
				return nil
			})
		})
	})
	c.debounce[step] = &pendingSync{timer: timer, gen: gen}
}

func (c *Controller) debounceFired(step model.Step, gen int) {
	p, ok := c.debounce[step]
	if !ok || p.gen != gen {
		return
	}
	// earlier steps go first so the backend sees ascending step numbers
	for _, s := range c.pendingSteps() {
		if s > step {
			break
		}
		c.flush(s)
	}
}

func (c *Controller) pendingSteps() []model.Step {
	out := make([]model.Step, 0, len(c.debounce))
	for s := range c.debounce {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Controller) flushAll() {
	for _, s := range c.pendingSteps() {
		c.flush(s)
	}
}

func (c *Controller) flush(step model.Step) {
	p, ok := c.debounce[step]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(c.debounce, step)
	payload := BuildPayload(step, c.fields.Snapshot())
	if c.sync == nil {
		return
	}
	if !c.sync.PersistStep(c.id, step, payload) {
		c.log.Debug("Step sync not queued", zap.Int("step", int(step)))
	}
}

func (c *Controller) finish(payload map[string]any) {
	c.flushAll()
	if payload != nil {
		result := make(model.Fields, len(payload))
		for k, v := range payload {
			result[model.FieldName(k)] = v
		}
		c.result = result
	} else {
		c.result = c.fields.Snapshot()
	}
	c.setState(model.StateComplete)
	c.advance(progress.Done)
	c.outbox.Completed(c.id, c.result.Clone())
	c.log.Info("Conversation complete", zap.Int("fields", len(c.result)), zap.Bool("explicit_payload", payload != nil))
}

// RequestExternalAction syncs pending steps, saves a snapshot and freezes the
// conversation until a fresh controller resumes it.
func (c *Controller) RequestExternalAction(ctx context.Context, kind string) error {
	return c.serial.Call(ctx, func() error {
		return c.requestExternalAction(ctx, kind)
	})
}

func (c *Controller) requestExternalAction(ctx context.Context, kind string) error {
	var snap *model.Snapshot
	err := c.locked(func() error {
		switch c.state {
		case model.StateSystemSpeaking, model.StateUserListening, model.StateProcessing:
		default:
			return &conversation.TransitionError{Op: "external action", State: c.state}
		}
		c.flushAll()
		snap = &model.Snapshot{
			SessionID:      c.id,
			TenantID:       c.tenant,
			Variant:        model.VariantRemote,
			Messages:       c.transcript.Turns(),
			Fields:         c.fields.Snapshot(),
			CompletedSteps: c.completed.Sorted(),
			PendingAction:  &model.PendingAction{Kind: kind},
			CapturedAt:     c.clock.Now(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Save outside the lock; the serializer still keeps other events out.
	if err := c.store.Save(ctx, c.id, snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return c.locked(func() error {
		c.setState(model.StateAwaitingExternalAction)
		c.outbox.ExternalAction(c.id, kind)
		c.log.Info("Awaiting external action", zap.String("action", kind))
		return nil
	})
}

// Resume restores snap into this controller, which must not have been used.
// A stale snapshot is refused with ErrStaleSnapshot and the controller stays Idle.
func (c *Controller) Resume(ctx context.Context, snap *model.Snapshot) error {
	return c.serial.Call(ctx, func() error {
		return c.locked(func() error {
			if c.used || c.state != model.StateIdle {
				return conversation.ErrNotFresh
			}
			if !snap.Fresh(c.clock.Now(), c.fresh) {
				c.log.Info("Refusing stale snapshot")
				return conversation.ErrStaleSnapshot
			}

			c.used = true
			c.transcript.Restore(snap.Messages)
			c.fields.Restore(snap.Fields)
			for _, s := range snap.CompletedSteps {
				c.completed[s] = true
			}
			c.advance(c.mapper.HighestCompletedPosition(snap.CompletedSteps))
			c.appendTurn(model.SpeakerSystem, conversation.ResumeAck(snap.PendingAction))
			c.setState(model.StateSystemSpeaking)
			c.log.Info("Conversation resumed", zap.Int("turns", len(snap.Messages)), zap.Int("completed_steps", len(snap.CompletedSteps)))
			return nil
		})
	})
}

// Close syncs any steps still inside their debounce window.
func (c *Controller) Close() {
	c.serial.Submit(func() {
		_ = c.locked(func() error {
			c.flushAll()
			return nil
		})
	})
}
