package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHub struct {
	mu       sync.Mutex
	channels []string
	messages []map[string]interface{}
}

func (h *recordingHub) Publish(channel string, message map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels = append(h.channels, channel)
	h.messages = append(h.messages, message)
}

func newBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zaptest.NewLogger(t)), rdb
}

func TestBus_PublishSessionReachesSubscribersAndHub(t *testing.T) {
	bus, rdb := newBus(t)
	hub := &recordingHub{}
	bus.SetWSHub(hub)

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, SessionChannel("s-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishSession("s-1", map[string]interface{}{"type": "state", "to": "user_listening"}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "session:s-1", msg.Channel)
		assert.JSONEq(t, `{"type":"state","to":"user_listening"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.messages, 1)
	assert.Equal(t, "session:s-1", hub.channels[0])
	assert.Equal(t, int64(1), hub.messages[0]["seq"])
}

func TestStreams_ReplaySinceSequence(t *testing.T) {
	bus, _ := newBus(t)
	streams := bus.GetStreams()
	ch := SessionChannel("s-2")

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ch, map[string]interface{}{"type": "turn", "n": i}))
	}

	events, err := streams.ReplayEvents(ch, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, float64(2), events[0].Event["n"])
	assert.Equal(t, ch, events[0].Channel)

	limited, err := streams.ReplayEvents(ch, 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(1), limited[0].Sequence)

	none, err := streams.ReplayEvents(SessionChannel("unknown"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStreams_Acknowledge(t *testing.T) {
	bus, _ := newBus(t)
	streams := bus.GetStreams()

	seq, err := streams.GetLastSequence("session:s-3", "conn-1")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, streams.AcknowledgeSequence("session:s-3", "conn-1", 7))
	seq, err = streams.GetLastSequence("session:s-3", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}
