package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// streamMaxLen caps each session stream; a whole onboarding rarely exceeds a few hundred events.
	streamMaxLen = 1000
	streamTTL    = 24 * time.Hour
)

// StreamEvent represents an event stored in Redis Streams
// Note: This matches ws.StreamEvent structure
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams keeps a bounded, expiring replay log per channel so reconnecting
// websocket clients can catch up on missed conversation events.
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
	ctx context.Context
	now func() time.Time
}

// NewStreams creates the replay stream store.
func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{
		rdb: rdb,
		log: log,
		ctx: context.Background(),
		now: time.Now,
	}
}

func streamKey(channel string) string { return "onboarding:stream:" + channel }
func seqKey(channel string) string    { return "onboarding:seq:" + channel }
func ackKey(channel, connectionID string) string {
	return fmt.Sprintf("onboarding:ack:%s:%s", channel, connectionID)
}

// PublishEvent appends event to the channel stream and returns its sequence number.
func (s *Streams) PublishEvent(channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(s.ctx, seqKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	key := streamKey(channel)
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(s.ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"seq":  seq,
			"ts":   s.now().UTC().Format(time.RFC3339Nano),
			"data": string(data),
		},
	})
	pipe.Expire(s.ctx, key, streamTTL)
	pipe.Expire(s.ctx, seqKey(channel), streamTTL)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Published event to stream", zap.String("channel", channel), zap.Int64("sequence", seq))
	return seq, nil
}

// GetLastSequence gets the last acknowledged sequence for a channel and connection
func (s *Streams) GetLastSequence(channel, connectionID string) (int64, error) {
	seqStr, err := s.rdb.Get(s.ctx, ackKey(channel, connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}

	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return seq, nil
}

// AcknowledgeSequence records an acknowledgment for a sequence number
func (s *Streams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(s.ctx, ackKey(channel, connectionID), sequence, streamTTL).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	s.log.Debug("Acknowledged sequence",
		zap.String("channel", channel),
		zap.String("connection", connectionID),
		zap.Int64("sequence", sequence),
	)
	return nil
}

// ReplayEvents returns up to limit events with a sequence greater than sinceSeq, oldest first.
func (s *Streams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRange(s.ctx, streamKey(channel), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := []StreamEvent{}
	for _, msg := range msgs {
		if limit > 0 && int64(len(events)) >= limit {
			break
		}
		ev, ok := s.decode(channel, msg)
		if !ok || ev.Sequence <= sinceSeq {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Streams) decode(channel string, msg redis.XMessage) (StreamEvent, bool) {
	seqStr, _ := msg.Values["seq"].(string)
	data, _ := msg.Values["data"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		s.log.Warn("Stream entry without sequence", zap.String("channel", channel), zap.String("id", msg.ID))
		return StreamEvent{}, false
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		s.log.Warn("Failed to unmarshal event", zap.String("channel", channel), zap.Error(err))
		return StreamEvent{}, false
	}

	ts, _ := msg.Values["ts"].(string)
	timestamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		timestamp = s.now()
	}

	return StreamEvent{
		Channel:   channel,
		Sequence:  seq,
		Event:     event,
		Timestamp: timestamp,
	}, true
}
