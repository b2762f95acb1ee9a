package agentlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAgent struct {
	srv      *httptest.Server
	sessions chan string
	auth     chan string
	received chan []byte
	send     [][]byte
}

func newFakeAgent(t *testing.T, send ...string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		sessions: make(chan string, 1),
		auth:     make(chan string, 1),
		received: make(chan []byte, 4),
	}
	for _, s := range send {
		a.send = append(a.send, []byte(s))
	}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.sessions <- r.URL.Query().Get("session")
		a.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range a.send {
			if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			a.received <- data
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/agent"
}

func TestClient_DeliversFramesInOrder(t *testing.T) {
	agent := newFakeAgent(t,
		`{"type":"system_turn","text":"Hi there"}`,
		`{"type":"field_value","field":"name","value":"Acme"}`,
	)
	d := NewDialer(agent.url(), "secret", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := d.Connect(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", <-agent.sessions)
	assert.Equal(t, "Bearer secret", <-agent.auth)

	var mu sync.Mutex
	var frames []string
	got := make(chan struct{})
	go c.Serve(ctx, func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, string(frame))
		if len(frames) == 2 {
			close(got)
		}
		return nil
	})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("frames not delivered")
	}
	mu.Lock()
	assert.Contains(t, frames[0], "system_turn")
	assert.Contains(t, frames[1], "field_value")
	mu.Unlock()

	require.NoError(t, c.Close())
}

func TestClient_SendUserText(t *testing.T) {
	agent := newFakeAgent(t)
	d := NewDialer(agent.url(), "", zaptest.NewLogger(t))

	ctx := context.Background()
	c, err := d.Connect(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, "", <-agent.auth)

	require.NoError(t, c.SendUserText(ctx, "s-2", "We open at nine"))

	select {
	case data := <-agent.received:
		var msg map[string]string
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "user_text", msg["type"])
		assert.Equal(t, "We open at nine", msg["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not receive user text")
	}

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendUserText(ctx, "s-2", "late"), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestClient_ServeStopsOnCancel(t *testing.T) {
	agent := newFakeAgent(t)
	d := NewDialer(agent.url(), "", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	c, err := d.Connect(ctx, "s-3")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, func([]byte) error { return nil }) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestDialer_BadURL(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/agent", "", zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Connect(ctx, "s-4")
	assert.Error(t, err)
}
