package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"onboardvoice/internal/model"
	"onboardvoice/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSessions struct {
	mu     sync.Mutex
	inputs []string
}

func (f *fakeSessions) View(tenantID, id string) (model.SessionView, error) {
	if id != "s-1" || tenantID != "tenant-a" {
		return model.SessionView{}, session.ErrNotFound
	}
	return model.SessionView{ID: id, State: model.StateUserListening, Stage: "Welcome"}, nil
}

func (f *fakeSessions) Input(tenantID, id, text string) error {
	if _, err := f.View(tenantID, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeSessions) TurnFinished(tenantID, id string) error {
	_, err := f.View(tenantID, id)
	return err
}

func (f *fakeSessions) ExternalAction(_ context.Context, tenantID, id, kind string) (string, error) {
	if _, err := f.View(tenantID, id); err != nil {
		return "", err
	}
	return "https://accounts.example/connect?state=" + id, nil
}

type fakeStreams struct {
	events []StreamEvent
	acked  map[string]int64
}

func (f *fakeStreams) GetLastSequence(channel, connectionID string) (int64, error) {
	return f.acked[channel+"/"+connectionID], nil
}

func (f *fakeStreams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	f.acked[channel+"/"+connectionID] = sequence
	return nil
}

func (f *fakeStreams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	var out []StreamEvent
	for _, e := range f.events {
		if e.Channel == channel && e.Sequence > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	hub      *Hub
	sessions *fakeSessions
	streams  *fakeStreams
	url      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		hub:      NewHub(log),
		sessions: &fakeSessions{},
		streams: &fakeStreams{
			acked: map[string]int64{},
			events: []StreamEvent{
				{Channel: "session:s-1", Sequence: 1, Event: map[string]interface{}{"type": "turn"}},
				{Channel: "session:s-1", Sequence: 2, Event: map[string]interface{}{"type": "state"}},
			},
		},
	}
	f.hub.SetCommandHandler(NewCommandHandler(f.sessions, log))
	f.hub.SetStreamsProvider(f.streams)
	f.hub.SetAuthorizer(func(tenantID, channel string) bool {
		return tenantID == "tenant-a" && channel == "session:s-1"
	})
	go f.hub.Run()
	t.Cleanup(f.hub.Close)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, f.hub, "conn-1", r.URL.Query().Get("tenant"))
		f.hub.Register(conn)
		go conn.WritePump()
		conn.ReadPump()
	}))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *fixture) dial(t *testing.T, tenant string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(f.url+"?tenant="+tenant, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestHub_SubscribeAndReceive(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "tenant-a")

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "session:s-1"}))
	ack := readJSON(t, c)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "subscribed", ack["ack"])
	assert.Equal(t, 1, f.hub.Subscribers("session:s-1"))

	f.hub.Publish("session:s-1", map[string]interface{}{"type": "progress", "stage": "Business", "seq": 3})
	ev := readJSON(t, c)
	assert.Equal(t, "progress", ev["type"])
	assert.Equal(t, "Business", ev["stage"])
}

func TestHub_SubscribeForbiddenForOtherTenant(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "tenant-b")

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "session:s-1"}))
	msg := readJSON(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "forbidden", msg["code"])
	assert.Equal(t, 0, f.hub.Subscribers("session:s-1"))
}

func TestHub_ResumeReplaysAfterSequence(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "tenant-a")

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "session:s-1"}))
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "resume", "channel": "session:s-1", "since": 1}))
	ev := readJSON(t, c)
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, float64(2), ev["seq"])
	assert.Equal(t, "state", ev["data"].(map[string]interface{})["type"])
}

func TestHub_AckThenResumeFromAck(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "tenant-a")

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "subscribe", "channel": "session:s-1"}))
	readJSON(t, c)
	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "ack", "channel": "session:s-1", "seq": 1}))
	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "resume", "channel": "session:s-1"}))

	ev := readJSON(t, c)
	assert.Equal(t, float64(2), ev["seq"])
}

func TestCommands(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "tenant-a")

	require.NoError(t, c.WriteJSON(map[string]interface{}{
		"type": "cmd", "op": "input", "id": "m1",
		"data": map[string]interface{}{"sessionId": "s-1", "text": "We open at nine"},
	}))
	resp := readJSON(t, c)
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "m1", resp["id"])
	f.sessions.mu.Lock()
	assert.Equal(t, []string{"We open at nine"}, f.sessions.inputs)
	f.sessions.mu.Unlock()

	require.NoError(t, c.WriteJSON(map[string]interface{}{
		"type": "cmd", "op": "externalAction", "id": "m2",
		"data": map[string]interface{}{"sessionId": "s-1", "kind": "google_calendar"},
	}))
	resp = readJSON(t, c)
	assert.Equal(t, "m2", resp["id"])
	assert.Contains(t, resp["data"].(map[string]interface{})["redirectUrl"], "state=s-1")

	require.NoError(t, c.WriteJSON(map[string]interface{}{
		"type": "cmd", "op": "getSession", "id": "m3",
		"data": map[string]interface{}{"sessionId": "other"},
	}))
	resp = readJSON(t, c)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "not_found", resp["code"])

	require.NoError(t, c.WriteJSON(map[string]interface{}{
		"type": "cmd", "op": "dance", "id": "m4",
		"data": map[string]interface{}{"sessionId": "s-1"},
	}))
	resp = readJSON(t, c)
	assert.Equal(t, "unknown_command", resp["code"])
}
