// Package device runs the onboarding conversation locally: it speaks a fixed
// question script through a speech-output capability and listens for answers
// through a speech-input capability.
package device

import (
	"context"
	"fmt"
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

const (
	// DefaultStartTimeout bounds how long speech output may take to start before listening anyway.
	DefaultStartTimeout = 4 * time.Second

	defaultGreeting = "Hi! Let's set up your business together."
	recoveryPrompt  = "Sorry, I didn't hear anything. Could you say something?"
	closingLine     = "Thanks! That's everything I need. Your business is all set."
)

// SpeechCallbacks are the one-shot notifications of a Speak call. Any of them may be nil.
type SpeechCallbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Speaker is the speech-output capability.
type Speaker interface {
	Speak(ctx context.Context, text string, cb SpeechCallbacks)
}

// Listener is the speech-input capability. Listen returns "" when nothing was recognized.
type Listener interface {
	Available() bool
	Listen(ctx context.Context, singleUtterance bool) (string, error)
}

// Syncer accepts completed steps for backend persistence without blocking.
type Syncer interface {
	PersistStep(sessionID string, step model.Step, payload stepsync.Payload) bool
}

type Config struct {
	SessionID       string
	Speaker         Speaker
	Listener        Listener
	Store           snapshot.Store
	Sync            Syncer
	Observer        conversation.Observer
	Clock           conversation.Clock
	Log             *zap.Logger
	Script          []Question
	StartTimeout    time.Duration
	FreshnessWindow time.Duration
	Greeting        string
	// Go runs blocking listen calls. Defaults to a new goroutine.
	Go func(func())
}

// Controller is the on-device conversation.Controller.
type Controller struct {
	id           string
	speaker      Speaker
	listener     Listener
	store        snapshot.Store
	sync         Syncer
	obs          conversation.Observer
	clock        conversation.Clock
	log          *zap.Logger
	script       []Question
	startTimeout time.Duration
	fresh        time.Duration
	greeting     string
	goFn         func(func())
	mapper       *progress.Mapper
	serial       *conversation.Serializer
	ctx          context.Context
	cancel       context.CancelFunc

	mu         sync.RWMutex
	state      model.State
	used       bool
	transcript conversation.Transcript
	fields     *fields.Accumulator
	completed  model.StepSet
	position   model.Position
	cursor     int
	speakGen   int
	started    bool
	startTimer conversation.Timer
	listenGen  int
	empties    int
	result     model.Fields
	outbox     conversation.Outbox
}

var _ conversation.Controller = (*Controller)(nil)

// New builds an idle on-device controller. Start fails unless cfg.Listener is available.
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
	if len(cfg.Script) == 0 {
		cfg.Script = DefaultScript
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = model.FreshnessWindow
	}
	if cfg.Greeting == "" {
		cfg.Greeting = defaultGreeting
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	log := cfg.Log.With(zap.String("session_id", cfg.SessionID), zap.String("variant", string(model.VariantDevice)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:           cfg.SessionID,
		speaker:      cfg.Speaker,
		listener:     cfg.Listener,
		store:        cfg.Store,
		sync:         cfg.Sync,
		obs:          cfg.Observer,
		clock:        cfg.Clock,
		log:          log,
		script:       cfg.Script,
		startTimeout: cfg.StartTimeout,
		fresh:        cfg.FreshnessWindow,
		greeting:     cfg.Greeting,
		goFn:         cfg.Go,
		mapper:       progress.Device,
		serial:       conversation.NewSerializer(log),
		ctx:          ctx,
		cancel:       cancel,
		state:        model.StateIdle,
		fields:       fields.NewAccumulator(fields.NewValidator(false, nil)),
		completed:    make(model.StepSet),
	}
}

func (c *Controller) SessionID() string      { return c.id }
func (c *Controller) Variant() model.Variant { return model.VariantDevice }

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

// Cursor returns the index of the current script question.
func (c *Controller) Cursor() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// locked runs fn under the write lock, delivers the notifications it produced
// and then runs the side effect fn returned, outside the lock.
func (c *Controller) locked(fn func() func()) {
	var (
		effect func()
		notes  []func(conversation.Observer)
	)
	func() {
		c.mu.Lock()
		defer func() {
			notes = c.outbox.Take()
			c.mu.Unlock()
		}()
		effect = fn()
	}()
	conversation.Deliver(c.obs, notes)
	if effect != nil {
		effect()
	}
}

func (c *Controller) capable() bool {
	return c.speaker != nil && c.listener != nil && c.listener.Available()
}

func (c *Controller) setState(to model.State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.outbox.State(c.id, from, to)
}

func (c *Controller) appendTurn(speaker model.Speaker, text string) {
	turn := model.Turn{Speaker: speaker, Text: text, At: c.clock.Now()}
	if c.transcript.Append(turn) {
		c.outbox.Turn(c.id, turn)
	}
}

// spokenTurn records a system turn that is about to be spoken. Repeats are
// kept: a re-prompt is heard again, so it shows up again.
func (c *Controller) spokenTurn(text string) {
	turn := model.Turn{Speaker: model.SpeakerSystem, Text: text, At: c.clock.Now()}
	c.transcript.Force(turn)
	c.outbox.Turn(c.id, turn)
}

func (c *Controller) advance(pos model.Position) {
	if pos <= c.position {
		return
	}
	c.position = pos
	c.outbox.Progress(c.id, pos)
}

// Start speaks the greeting and the first question. It fails with
// conversation.ErrCapabilityUnavailable before any transition when speech
// input is missing on this host.
func (c *Controller) Start(ctx context.Context) error {
	if !c.capable() {
		c.log.Error("Speech capability unavailable")
		return conversation.ErrCapabilityUnavailable
	}
	return c.serial.Call(ctx, func() error {
		var err error
		c.locked(func() func() {
			if c.used || c.state != model.StateIdle {
				err = &conversation.TransitionError{Op: "start", State: c.state}
				return nil
			}
			c.used = true
			c.log.Info("Conversation started", zap.Int("questions", len(c.script)))
			return c.beginTurn(c.greeting, c.script[c.cursor].Prompt)
		})
		return err
	})
}

// beginTurn appends the system turns, enters SystemSpeaking and arms the
// speech start timeout. The returned effect performs the Speak call.
func (c *Controller) beginTurn(lead, text string) func() {
	if lead != "" {
		c.spokenTurn(lead)
	}
	c.spokenTurn(text)
	c.setState(model.StateSystemSpeaking)
	c.empties = 0

	c.speakGen++
	gen := c.speakGen
	c.started = false
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	c.startTimer = c.clock.AfterFunc(c.startTimeout, func() {
		c.serial.Submit(func() { c.locked(func() func() { return c.startTimedOut(gen) }) })
	})

	utterance := strings.TrimSpace(lead + " " + text)
	return func() { c.speak(gen, utterance) }
}

func (c *Controller) speak(gen int, text string) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("speaker panicked: %v", r)
			c.serial.Submit(func() { c.locked(func() func() { return c.speechEnded(gen, err) }) })
		}
	}()
	c.speaker.Speak(c.ctx, text, SpeechCallbacks{
		OnStart: func() {
			c.serial.Submit(func() { c.locked(func() func() { return c.speechStarted(gen) }) })
		},
		OnEnd: func() {
			c.serial.Submit(func() { c.locked(func() func() { return c.speechEnded(gen, nil) }) })
		},
		OnError: func(err error) {
			c.serial.Submit(func() { c.locked(func() func() { return c.speechEnded(gen, err) }) })
		},
	})
}

func (c *Controller) speechStarted(gen int) func() {
	if gen != c.speakGen || c.started {
		return nil
	}
	c.started = true
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	return nil
}

func (c *Controller) speechEnded(gen int, err error) func() {
	if gen != c.speakGen || c.state != model.StateSystemSpeaking {
		return nil
	}
	if err != nil {
		c.log.Warn("Speech output failed, listening anyway", zap.Error(err))
	}
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	return c.beginListening()
}

func (c *Controller) startTimedOut(gen int) func() {
	if gen != c.speakGen || c.started || c.state != model.StateSystemSpeaking {
		return nil
	}
	c.log.Warn("Speech output never started, listening anyway", zap.Duration("timeout", c.startTimeout))
	// ignore this utterance's late callbacks
	c.speakGen++
	return c.beginListening()
}

// SystemTurnFinished lets the host end the system turn early, e.g. on barge-in.
func (c *Controller) SystemTurnFinished() {
	c.serial.Submit(func() {
		c.locked(func() func() {
			if c.state != model.StateSystemSpeaking {
				c.log.Debug("System turn finished outside speaking state", zap.String("state", string(c.state)))
				return nil
			}
			if c.startTimer != nil {
				c.startTimer.Stop()
			}
			c.speakGen++
			return c.beginListening()
		})
	})
}

func (c *Controller) beginListening() func() {
	c.setState(model.StateUserListening)
	c.listenGen++
	gen := c.listenGen
	return func() {
		c.goFn(func() {
			text, err := c.listen()
			c.serial.Submit(func() { c.locked(func() func() { return c.heard(gen, text, err) }) })
		})
	}
}

func (c *Controller) listen() (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return c.listener.Listen(c.ctx, true)
}

func (c *Controller) heard(gen int, text string, err error) func() {
	if gen != c.listenGen || c.state != model.StateUserListening {
		return nil
	}
	if err != nil {
		c.log.Warn("Speech recognition failed", zap.Error(err))
	}
	text = strings.TrimSpace(text)
	if text != "" {
		c.empties = 0
		return c.process(text)
	}

	c.empties++
	if c.empties < 2 {
		c.log.Debug("Nothing recognized, listening again")
		return c.beginListening()
	}
	c.log.Info("Nothing recognized twice, prompting the user")
	return c.beginTurn("", recoveryPrompt)
}

// UserInput accepts a typed answer in place of recognized speech.
func (c *Controller) UserInput(raw string) {
	c.serial.Submit(func() {
		c.locked(func() func() {
			if c.state != model.StateUserListening {
				c.log.Info("Input discarded outside listening state", zap.String("state", string(c.state)))
				return nil
			}
			text := strings.TrimSpace(raw)
			if text == "" {
				return nil
			}
			// the in-flight listen result is stale now
			c.listenGen++
			return c.process(text)
		})
	})
}

func (c *Controller) process(text string) func() {
	c.setState(model.StateProcessing)
	c.appendTurn(model.SpeakerUser, text)

	q := c.script[c.cursor]
	switch {
	case q.Optional && IsSkip(text):
		c.log.Debug("Optional question skipped", zap.String("field", string(q.Field)))
	case q.Field.IsList():
		if err := c.fields.Set(q.Field, []any{text}); err != nil {
			c.log.Warn("Answer not stored", zap.String("field", string(q.Field)), zap.Error(err))
		}
	default:
		if err := c.fields.Set(q.Field, text); err != nil {
			c.log.Warn("Answer not stored", zap.String("field", string(q.Field)), zap.Error(err))
		}
	}

	c.cursor++
	if c.cursor >= len(c.script) || c.script[c.cursor].Step != q.Step {
		c.completeStep(q.Step)
	}
	if c.cursor >= len(c.script) {
		return c.finish()
	}
	return c.beginTurn("", c.script[c.cursor].Prompt)
}

func (c *Controller) completeStep(step model.Step) {
	if c.completed[step] {
		return
	}
	c.completed[step] = true
	c.advance(c.mapper.PositionFor(step))
	c.log.Info("Step completed", zap.Int("step", int(step)))
}

func (c *Controller) finish() func() {
	c.appendTurn(model.SpeakerSystem, closingLine)
	c.setState(model.StateComplete)
	c.advance(progress.Done)
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	c.speakGen++
	gen := c.speakGen

	c.result = c.fields.Snapshot()
	c.outbox.Completed(c.id, c.result.Clone())
	if c.sync != nil {
		c.sync.PersistStep(c.id, lastStep(c.script), FullPayload(c.script, c.result))
	}
	c.log.Info("Conversation complete", zap.Int("fields", len(c.result)))
	return func() { c.speak(gen, closingLine) }
}

// RequestExternalAction saves a snapshot and freezes the conversation until a
// fresh controller resumes it.
func (c *Controller) RequestExternalAction(ctx context.Context, kind string) error {
	return c.serial.Call(ctx, func() error {
		var (
			snap *model.Snapshot
			err  error
		)
		c.locked(func() func() {
			switch c.state {
			case model.StateSystemSpeaking, model.StateUserListening, model.StateProcessing:
			default:
				err = &conversation.TransitionError{Op: "external action", State: c.state}
				return nil
			}
			snap = &model.Snapshot{
				SessionID:      c.id,
				Variant:        model.VariantDevice,
				Messages:       c.transcript.Turns(),
				Fields:         c.fields.Snapshot(),
				CompletedSteps: c.completed.Sorted(),
				Cursor:         c.cursor,
				PendingAction:  &model.PendingAction{Kind: kind},
				CapturedAt:     c.clock.Now(),
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := c.store.Save(ctx, c.id, snap); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		c.locked(func() func() {
			if c.startTimer != nil {
				c.startTimer.Stop()
			}
			c.speakGen++
			c.listenGen++
			c.setState(model.StateAwaitingExternalAction)
			c.outbox.ExternalAction(c.id, kind)
			c.log.Info("Awaiting external action", zap.String("action", kind))
			return nil
		})
		return nil
	})
}

// Resume restores snap into this unused controller and asks the current question again.
func (c *Controller) Resume(ctx context.Context, snap *model.Snapshot) error {
	if !c.capable() {
		return conversation.ErrCapabilityUnavailable
	}
	return c.serial.Call(ctx, func() error {
		var err error
		c.locked(func() func() {
			if c.used || c.state != model.StateIdle {
				err = conversation.ErrNotFresh
				return nil
			}
			if !snap.Fresh(c.clock.Now(), c.fresh) {
				c.log.Info("Refusing stale snapshot")
				err = conversation.ErrStaleSnapshot
				return nil
			}

			c.used = true
			c.transcript.Restore(snap.Messages)
			c.fields.Restore(snap.Fields)
			for _, s := range snap.CompletedSteps {
				c.completed[s] = true
			}
			c.advance(c.mapper.HighestCompletedPosition(snap.CompletedSteps))
			c.cursor = snap.Cursor
			if c.cursor < 0 {
				c.cursor = 0
			}
			c.log.Info("Conversation resumed", zap.Int("cursor", c.cursor))
			if c.cursor >= len(c.script) {
				c.appendTurn(model.SpeakerSystem, conversation.ResumeAck(snap.PendingAction))
				return c.finish()
			}
			return c.beginTurn(conversation.ResumeAck(snap.PendingAction), c.script[c.cursor].Prompt)
		})
		return err
	})
}

// Close cancels in-flight speech and recognition.
func (c *Controller) Close() {
	c.cancel()
	c.serial.Submit(func() {
		c.locked(func() func() {
			if c.startTimer != nil {
				c.startTimer.Stop()
			}
			c.speakGen++
			c.listenGen++
			return nil
		})
	})
}
