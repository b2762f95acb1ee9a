// Package session hosts remote-agent onboarding conversations for the API:
// it creates controllers, routes host input to them, and carries them across
// the external-action redirect.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"onboardvoice/internal/agentlink"
	"onboardvoice/internal/conversation"
	"onboardvoice/internal/model"
	"onboardvoice/internal/progress"
	"onboardvoice/internal/remote"
	"onboardvoice/internal/snapshot"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrUnknownAction = errors.New("unknown external action")
	ErrNotAwaiting   = errors.New("session is not awaiting an external action")
)

// AgentConn is a live channel to the remote agent for one session.
type AgentConn interface {
	remote.AgentSink
	Serve(ctx context.Context, handle agentlink.FrameHandler) error
	Close() error
}

// AgentConnector opens agent channels.
type AgentConnector interface {
	Connect(ctx context.Context, sessionID string) (AgentConn, error)
}

// ConnectorFunc adapts a function to AgentConnector.
type ConnectorFunc func(ctx context.Context, sessionID string) (AgentConn, error)

func (f ConnectorFunc) Connect(ctx context.Context, sessionID string) (AgentConn, error) {
	return f(ctx, sessionID)
}

// Forgetter is implemented by syncers that keep per-session state.
type Forgetter interface {
	Forget(sessionID string)
}

// Restarter is implemented by syncers that dedup steps per attempt. Restart
// is called when a conversation starts over under the same session id.
type Restarter interface {
	Restart(sessionID string) string
}

// DefaultCompletedRetention is how long a finished session stays readable.
const DefaultCompletedRetention = 10 * time.Minute

type Config struct {
	Store           snapshot.Store
	Sync            remote.Syncer
	Agents          AgentConnector
	Bus             Publisher
	Clock           conversation.Clock
	Log             *zap.Logger
	DebounceWindow  time.Duration
	FreshnessWindow time.Duration
	// ConnectURLs maps an external action kind to the provider URL the user is sent to.
	ConnectURLs   map[string]string
	PublicBaseURL string
	// CompletedRetention keeps completed sessions readable before they are evicted.
	CompletedRetention time.Duration
}

// Session is one hosted conversation.
type Session struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	ctrl   *remote.Controller
	agent  AgentConn
	cancel context.CancelFunc
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.agent != nil {
		_ = s.agent.Close()
	}
	if s.ctrl != nil {
		s.ctrl.Close()
	}
}

type Manager struct {
	cfg Config
	log *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	returning map[string]bool
}

// NewManager creates an empty session registry.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = conversation.SystemClock{}
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultCompletedRetention
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Log,
		sessions:  make(map[string]*Session),
		returning: make(map[string]bool),
	}
}

// owns reports whether tenantID may act on something owned by owner.
// Anonymous sessions are reachable by id alone.
func owns(owner, tenantID string) bool {
	return owner == "" || owner == tenantID
}

// Create starts a new conversation for tenantID.
func (m *Manager) Create(ctx context.Context, tenantID string) (model.SessionView, error) {
	s := &Session{
		ID:        ulid.Make().String(),
		TenantID:  tenantID,
		CreatedAt: m.cfg.Clock.Now(),
	}
	m.attach(ctx, s)
	if err := s.ctrl.Start(ctx); err != nil {
		s.teardown()
		return model.SessionView{}, fmt.Errorf("failed to start conversation: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("Session created", zap.String("session_id", s.ID), zap.String("tenant_id", tenantID))
	return m.view(s), nil
}

// attach gives s a fresh controller and, when configured, a fresh agent channel.
func (m *Manager) attach(ctx context.Context, s *Session) {
	log := m.log.With(zap.String("session_id", s.ID))
	sctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.agent = nil

	var sink remote.AgentSink
	if m.cfg.Agents != nil {
		conn, err := m.cfg.Agents.Connect(ctx, s.ID)
		if err != nil {
			// Events can still arrive over HTTP; typed input falls back to listening.
			log.Warn("Agent unavailable", zap.Error(err))
		} else {
			s.agent = conn
			sink = conn
		}
	}

	var obs conversation.Observer = conversation.NopObserver{}
	if m.cfg.Bus != nil {
		obs = newBusObserver(m.cfg.Bus, m.log, m.redirectFor)
	}
	obs = completionObserver{Observer: obs, done: func() { m.scheduleEviction(s) }}

	s.ctrl = remote.New(remote.Config{
		SessionID:       s.ID,
		TenantID:        s.TenantID,
		Store:           m.cfg.Store,
		Sync:            m.cfg.Sync,
		Agent:           sink,
		Observer:        obs,
		Clock:           m.cfg.Clock,
		Log:             m.log,
		DebounceWindow:  m.cfg.DebounceWindow,
		FreshnessWindow: m.cfg.FreshnessWindow,
	})

	if s.agent != nil {
		conn, ctrl := s.agent, s.ctrl
		go func() {
			if err := conn.Serve(sctx, ctrl.HandleFrame); err != nil {
				log.Warn("Agent channel ended", zap.Error(err))
			}
		}()
	}
}

func (m *Manager) lookup(tenantID, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !owns(s.TenantID, tenantID) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) View(tenantID, id string) (model.SessionView, error) {
	s, err := m.lookup(tenantID, id)
	if err != nil {
		return model.SessionView{}, err
	}
	return m.view(s), nil
}

func (m *Manager) view(s *Session) model.SessionView {
	pos := s.ctrl.Position()
	return model.SessionView{
		ID:             s.ID,
		TenantID:       s.TenantID,
		Variant:        s.ctrl.Variant(),
		State:          s.ctrl.State(),
		Position:       pos,
		Stage:          progress.StageName(pos),
		Transcript:     s.ctrl.Transcript(),
		Fields:         s.ctrl.Fields(),
		CompletedSteps: s.ctrl.CompletedSteps(),
	}
}

// HandleFrame feeds an agent frame delivered over HTTP instead of the agent channel.
func (m *Manager) HandleFrame(tenantID, id string, frame []byte) error {
	s, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	return s.ctrl.HandleFrame(frame)
}

func (m *Manager) Input(tenantID, id, text string) error {
	s, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	s.ctrl.UserInput(text)
	return nil
}

func (m *Manager) TurnFinished(tenantID, id string) error {
	s, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	s.ctrl.SystemTurnFinished()
	return nil
}

// ExternalAction freezes the conversation behind a snapshot and returns the
// provider URL the host should redirect to.
func (m *Manager) ExternalAction(ctx context.Context, tenantID, id, kind string) (string, error) {
	s, err := m.lookup(tenantID, id)
	if err != nil {
		return "", err
	}
	target, ok := m.cfg.ConnectURLs[strings.ToLower(kind)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	redirect, err := m.redirectURL(target, s.ID)
	if err != nil {
		return "", err
	}

	if err := s.ctrl.RequestExternalAction(ctx, kind); err != nil {
		return "", err
	}
	// The frozen controller no longer talks to the agent; Return dials again.
	if s.agent != nil {
		_ = s.agent.Close()
	}
	return redirect, nil
}

func (m *Manager) redirectFor(sessionID, kind string) string {
	target, ok := m.cfg.ConnectURLs[strings.ToLower(kind)]
	if !ok {
		return ""
	}
	u, err := m.redirectURL(target, sessionID)
	if err != nil {
		m.log.Warn("Bad connect URL", zap.String("action", kind), zap.Error(err))
		return ""
	}
	return u
}

func (m *Manager) redirectURL(target, sessionID string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	q := u.Query()
	q.Set("state", sessionID)
	if m.cfg.PublicBaseURL != "" {
		q.Set("redirect_uri", strings.TrimSuffix(m.cfg.PublicBaseURL, "/")+"/v1/sessions/"+url.PathEscape(sessionID)+"/return")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Return brings the user back from an external action. A fresh snapshot is
// resumed into a new controller; a missing or stale one restarts the
// conversation from the beginning. The bool reports whether it resumed.
// Only one return per session runs at a time; a concurrent one gets ErrNotAwaiting.
func (m *Manager) Return(ctx context.Context, tenantID, id string, outcome model.ExternalOutcome) (model.SessionView, bool, error) {
	existing, err := m.claim(tenantID, id)
	if err != nil {
		return model.SessionView{}, false, err
	}
	defer m.release(id)

	snap, err := m.cfg.Store.Load(ctx, id)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return model.SessionView{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap != nil && !owns(snap.TenantID, tenantID) {
		// Not the caller's conversation; leave it for its owner.
		if err := m.cfg.Store.Save(ctx, id, snap); err != nil {
			m.log.Warn("Failed to restore snapshot", zap.String("session_id", id), zap.Error(err))
		}
		m.log.Warn("Return rejected for foreign tenant", zap.String("session_id", id), zap.String("tenant_id", tenantID))
		return model.SessionView{}, false, ErrNotFound
	}
	if existing == nil && snap == nil {
		return model.SessionView{}, false, ErrNotFound
	}

	s := &Session{ID: id, TenantID: tenantID, CreatedAt: m.cfg.Clock.Now()}
	switch {
	case existing != nil:
		existing.teardown()
		s.TenantID, s.CreatedAt = existing.TenantID, existing.CreatedAt
	case snap.TenantID != "":
		s.TenantID = snap.TenantID
	}
	m.attach(ctx, s)

	resumed := false
	if snap != nil {
		if snap.PendingAction != nil {
			snap.PendingAction.Outcome = outcome
		}
		switch err := s.ctrl.Resume(ctx, snap); {
		case err == nil:
			resumed = true
		case errors.Is(err, conversation.ErrStaleSnapshot):
			m.log.Info("Snapshot stale, restarting", zap.String("session_id", id))
		default:
			s.teardown()
			return model.SessionView{}, false, err
		}
	}
	if !resumed {
		if r, ok := m.cfg.Sync.(Restarter); ok {
			r.Restart(id)
		}
		if err := s.ctrl.Start(ctx); err != nil {
			s.teardown()
			return model.SessionView{}, false, fmt.Errorf("failed to restart conversation: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("Session returned from external action",
		zap.String("session_id", id),
		zap.String("outcome", string(outcome)),
		zap.Bool("resumed", resumed),
	)
	return m.view(s), resumed, nil
}

// claim marks id as returning. A known session must belong to tenantID and
// be awaiting an external action.
func (m *Manager) claim(tenantID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.returning[id] {
		return nil, ErrNotAwaiting
	}
	existing, known := m.sessions[id]
	if known {
		if !owns(existing.TenantID, tenantID) {
			return nil, ErrNotFound
		}
		if existing.ctrl.State() != model.StateAwaitingExternalAction {
			return nil, ErrNotAwaiting
		}
	}
	m.returning[id] = true
	return existing, nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.returning, id)
	m.mu.Unlock()
}

// Close ends one session, syncing steps still waiting out their debounce.
// A snapshot left for a pending return is discarded.
func (m *Manager) Close(tenantID, id string) error {
	s, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	m.remove(s)
	if err := m.cfg.Store.Clear(context.Background(), id); err != nil {
		m.log.Warn("Failed to clear snapshot", zap.String("session_id", id), zap.Error(err))
	}
	m.log.Info("Session closed", zap.String("session_id", id))
	return nil
}

// remove drops s from the registry if it is still the live session for its
// id, then releases it. It reports whether s was removed.
func (m *Manager) remove(s *Session) bool {
	m.mu.Lock()
	if m.sessions[s.ID] != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	s.teardown()
	if f, ok := m.cfg.Sync.(Forgetter); ok {
		f.Forget(s.ID)
	}
	return true
}

func (m *Manager) scheduleEviction(s *Session) {
	m.cfg.Clock.AfterFunc(m.cfg.CompletedRetention, func() {
		if m.remove(s) {
			m.log.Info("Completed session evicted", zap.String("session_id", s.ID))
		}
	})
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.teardown()
	}
	m.log.Info("Sessions shut down", zap.Int("count", len(sessions)))
}
