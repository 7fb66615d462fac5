package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamMaxLen caps each channel's replay stream
const StreamMaxLen = 1000

// StreamEvent is one replayable event
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams keeps a capped Redis Stream per channel so clients can catch up
// after a reconnect. Sequence numbers are per channel and start at 1.
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{rdb: rdb, log: log}
}

func streamKey(channel string) string { return "stream:" + channel }
func seqKey(channel string) string    { return "seq:" + channel }
func ackKey(channel, connID string) string {
	return fmt.Sprintf("ack:%s:%s", channel, connID)
}

// Append stores an event and returns its sequence number
func (s *Streams) Append(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, seqKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  seq,
			"ts":   time.Now().UTC().Format(time.RFC3339Nano),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Appended event to stream",
		zap.String("channel", channel),
		zap.Int64("seq", seq),
		zap.String("stream_id", id),
	)
	return seq, nil
}

// Replay returns up to limit events with a sequence above sinceSeq, oldest
// first. Events trimmed off the stream are gone.
func (s *Streams) Replay(ctx context.Context, channel string, sinceSeq int64, limit int) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRange(ctx, streamKey(channel), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var events []StreamEvent
	for _, msg := range msgs {
		ev, ok := decodeMessage(channel, msg)
		if !ok {
			s.log.Warn("Skipping malformed stream entry", zap.String("channel", channel), zap.String("stream_id", msg.ID))
			continue
		}
		if ev.Sequence <= sinceSeq {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func decodeMessage(channel string, msg redis.XMessage) (StreamEvent, bool) {
	seqStr, _ := msg.Values["seq"].(string)
	data, _ := msg.Values["data"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return StreamEvent{}, false
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return StreamEvent{}, false
	}
	ts, _ := msg.Values["ts"].(string)
	at, _ := time.Parse(time.RFC3339Nano, ts)
	return StreamEvent{Channel: channel, Sequence: seq, Event: event, Timestamp: at}, true
}

// LastAcked returns the last sequence a connection acknowledged on a channel
func (s *Streams) LastAcked(ctx context.Context, channel, connID string) (int64, error) {
	v, err := s.rdb.Get(ctx, ackKey(channel, connID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return v, nil
}

// Ack records the last sequence a connection has seen. Acks expire with the
// stream's useful lifetime.
func (s *Streams) Ack(ctx context.Context, channel, connID string, seq int64) error {
	if err := s.rdb.Set(ctx, ackKey(channel, connID), seq, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}
