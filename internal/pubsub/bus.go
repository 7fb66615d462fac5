package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel prefixes
const (
	UserPrefix       = "user:"
	SubmissionPrefix = "submission:"
	AssignmentPrefix = "assignment:"
)

// publishTimeout bounds the Redis round trips of one publish
const publishTimeout = 2 * time.Second

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

// Bus fans events out to Redis pub/sub, the replay streams and the local
// websocket hub. Without a Redis client it only reaches the hub.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	wsHub   WSHub
	streams *Streams
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	b := &Bus{rdb: rdb, log: log}
	if rdb != nil {
		b.streams = NewStreams(rdb, log)
	}
	return b
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// Streams returns the replay streams, nil without Redis
func (b *Bus) Streams() *Streams {
	return b.streams
}

func (b *Bus) PublishUser(userID string, event map[string]interface{}) error {
	return b.Publish(UserPrefix+userID, event)
}

func (b *Bus) PublishSubmission(submissionID string, event map[string]interface{}) error {
	return b.Publish(SubmissionPrefix+submissionID, event)
}

func (b *Bus) PublishAssignment(assignmentID string, event map[string]interface{}) error {
	return b.Publish(AssignmentPrefix+assignmentID, event)
}

// Publish delivers an event on a channel. Stream failures are logged and do
// not stop live delivery.
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	var seq int64
	if b.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
			b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
			return err
		}

		seq, err = b.streams.Append(ctx, channel, event)
		if err != nil {
			b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
		}
	}

	if b.wsHub != nil {
		b.wsHub.Publish(channel, map[string]interface{}{
			"type":    "event",
			"channel": channel,
			"seq":     seq,
			"data":    event,
		})
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq), zap.Any("type", event["type"]))
	return nil
}

// ChannelOwner splits a channel into its prefix and id
func ChannelOwner(channel string) (prefix, id string, ok bool) {
	for _, p := range []string{UserPrefix, SubmissionPrefix, AssignmentPrefix} {
		if strings.HasPrefix(channel, p) && len(channel) > len(p) {
			return p, channel[len(p):], true
		}
	}
	return "", "", false
}
