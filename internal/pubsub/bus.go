package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionChannel names the channel carrying one onboarding session's events.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	ctx     context.Context
	wsHub   WSHub
	streams *Streams
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

// New creates a bus publishing through rdb.
func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		log:     log,
		ctx:     context.Background(),
		streams: NewStreams(rdb, log),
	}
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

func (b *Bus) GetStreams() *Streams {
	return b.streams
}

// PublishSession publishes a conversation event to the session's channel
func (b *Bus) PublishSession(sessionID string, event map[string]interface{}) error {
	return b.Publish(SessionChannel(sessionID), event)
}

// Publish sends event over Redis pub/sub, appends it to the channel's replay
// stream and fans it out to websocket subscribers with its sequence number.
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rdb.Publish(b.ctx, channel, data).Err(); err != nil {
		b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
		return err
	}

	// Replay is best effort; live delivery already happened.
	seq, err := b.streams.PublishEvent(channel, event)
	if err != nil {
		b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
	}

	if b.wsHub != nil {
		withSeq := make(map[string]interface{}, len(event)+1)
		for k, v := range event {
			withSeq[k] = v
		}
		withSeq["seq"] = seq
		b.wsHub.Publish(channel, withSeq)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq))
	return nil
}
