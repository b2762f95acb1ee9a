package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"onboardvoice/internal/auth"
	"onboardvoice/internal/db"
	"onboardvoice/internal/model"
	"onboardvoice/internal/remote"
	"onboardvoice/internal/session"
	"onboardvoice/internal/snapshot"
	"onboardvoice/internal/stepsync"
	"onboardvoice/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingSync struct {
	mu    sync.Mutex
	steps []model.Step
}

func (s *countingSync) PersistStep(_ string, step model.Step, _ stepsync.Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return true
}

type fakeLedger struct{ rows []db.StepSync }

func (l *fakeLedger) ListStepSyncs(_ context.Context, sessionID string) ([]db.StepSync, error) {
	var out []db.StepSync
	for _, r := range l.rows {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

type server struct {
	t      *testing.T
	h      http.Handler
	clock  *testutil.ManualClock
	sync   *countingSync
	ledger *fakeLedger
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := zaptest.NewLogger(t)
	clock := testutil.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s := &server{t: t, clock: clock, sync: &countingSync{}, ledger: &fakeLedger{}}
	mgr := session.NewManager(session.Config{
		Store:         snapshot.NewMemoryStore(16, 0).WithClock(clock.Now),
		Sync:          s.sync,
		Clock:         clock,
		Log:           log,
		ConnectURLs:   map[string]string{"google_calendar": "https://accounts.example/connect"},
		PublicBaseURL: "https://onboard.example",
	})
	t.Cleanup(mgr.Shutdown)
	s.h = Routes(Dependencies{
		Sessions: mgr,
		Ledger:   s.ledger,
		Auth:     auth.NewJWTConfig("test-secret", true),
		Log:      log,
	})
	return s
}

func (s *server) do(method, path, tenant, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set(auth.DevTenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s *server) create(tenant string) model.SessionView {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/sessions", tenant, "")
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var view model.SessionView
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndGetSession(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")
	assert.Equal(t, model.StateSystemSpeaking, view.State)
	assert.Equal(t, "Welcome", view.Stage)

	rec := s.do(http.MethodGet, "/sessions/"+view.ID, "biz-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.SessionView](t, rec)
	assert.Equal(t, view.ID, got.ID)

	rec = s.do(http.MethodGet, "/sessions/"+view.ID, "biz-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestEventsDriveProgress(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")
	path := "/sessions/" + view.ID + "/events"

	assert.Equal(t, http.StatusAccepted, s.do(http.MethodPost, path, "biz-1", `{"type":"field_value","field":"name","value":"Acme Spa"}`).Code)
	assert.Equal(t, http.StatusAccepted, s.do(http.MethodPost, path, "biz-1", `{"type":"step_complete","step":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, path, "biz-1", `{"type":"mystery"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, path, "biz-1", `not json`).Code)

	s.clock.Advance(remote.DefaultDebounceWindow)

	got := decode[model.SessionView](t, s.do(http.MethodGet, "/sessions/"+view.ID, "biz-1", ""))
	assert.Equal(t, model.Position(1), got.Position)
	assert.Equal(t, "Business", got.Stage)
	s.sync.mu.Lock()
	assert.Equal(t, []model.Step{1}, s.sync.steps)
	s.sync.mu.Unlock()
}

func TestInputAndTurnFinished(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")
	base := "/sessions/" + view.ID

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, base+"/input", "biz-1", `{}`).Code)
	assert.Equal(t, http.StatusAccepted, s.do(http.MethodPost, base+"/turn-finished", "biz-1", "").Code)

	got := decode[model.SessionView](t, s.do(http.MethodGet, base, "biz-1", ""))
	assert.Equal(t, model.StateUserListening, got.State)

	assert.Equal(t, http.StatusAccepted, s.do(http.MethodPost, base+"/input", "biz-1", `{"text":"We do facials"}`).Code)
	got = decode[model.SessionView](t, s.do(http.MethodGet, base, "biz-1", ""))
	require.NotEmpty(t, got.Transcript)
	assert.Equal(t, "We do facials", got.Transcript[len(got.Transcript)-1].Text)
	// no agent is connected, so the controller goes back to listening
	assert.Equal(t, model.StateUserListening, got.State)
}

func TestExternalActionRoundTrip(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")
	base := "/sessions/" + view.ID

	rec := s.do(http.MethodPost, base+"/external-action", "biz-1", `{"kind":"carrier_pigeon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, base+"/external-action", "biz-1", `{"kind":"google_calendar"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	redirect := decode[externalActionResponse](t, rec).RedirectURL
	assert.True(t, strings.HasPrefix(redirect, "https://accounts.example/connect?"))
	assert.Contains(t, redirect, "state="+view.ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, base+"/return?status=maybe", "biz-1", "").Code)

	s.clock.Advance(2 * time.Minute)
	rec = s.do(http.MethodGet, base+"/return?status=success", "biz-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	back := decode[returnResponse](t, rec)
	assert.True(t, back.Resumed)
	assert.Equal(t, model.StateSystemSpeaking, back.Session.State)

	rec = s.do(http.MethodGet, base+"/return?status=success", "biz-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListSyncs(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")
	s.ledger.rows = []db.StepSync{
		{SessionID: view.ID, Step: 1, Status: stepsync.StatusSent},
		{SessionID: "other", Step: 1, Status: stepsync.StatusSent},
	}

	rec := s.do(http.MethodGet, "/sessions/"+view.ID+"/syncs", "biz-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]db.StepSync](t, rec)
	require.Len(t, body["syncs"], 1)
	assert.Equal(t, model.Step(1), body["syncs"][0].Step)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/sessions/"+view.ID+"/syncs", "biz-2", "").Code)
}

func TestCloseSession(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/sessions/"+view.ID, "biz-1", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/sessions/"+view.ID, "biz-1", "").Code)
}

func TestReturnAfterCloseIsNotFound(t *testing.T) {
	s := newServer(t)
	view := s.create("biz-1")
	base := "/sessions/" + view.ID

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/external-action", "biz-1", `{"kind":"google_calendar"}`).Code)
	require.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, base, "biz-1", "").Code)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base+"/return?status=success", "biz-2", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base+"/return?status=success", "biz-1", "").Code)
}
