package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"formflow/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	replayLimit = 100
	sendBuffer  = 256
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	writeWait   = 10 * time.Second
)

// Authorizer decides whether a connection may listen on a channel
type Authorizer interface {
	CanSubscribe(ctx context.Context, userID string, isAdmin bool, channel string) bool
}

// StreamsProvider replays missed events
type StreamsProvider interface {
	Replay(ctx context.Context, channel string, sinceSeq int64, limit int) ([]pubsub.StreamEvent, error)
	Ack(ctx context.Context, channel, connID string, seq int64) error
	LastAcked(ctx context.Context, channel, connID string) (int64, error)
}

// Hub manages WebSocket connections and channel subscriptions
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]bool
	subs    map[string]map[*Conn]bool
	publish chan Event
	auth    Authorizer
	streams StreamsProvider
	log     *zap.Logger
}

// Conn is one websocket client
type Conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	userID  string
	isAdmin bool
	subs    map[string]bool
	ctx     context.Context
}

// Event is a message for every subscriber of a channel
type Event struct {
	Channel string
	Message map[string]interface{}
}

func NewHub(auth Authorizer, log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, 1024),
		auth:    auth,
		log:     log,
	}
}

// SetStreamsProvider enables resume
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// Run delivers published events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.publish:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event Event) {
	msg, err := json.Marshal(event.Message)
	if err != nil {
		h.log.Warn("Failed to encode event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.subs[event.Channel]))
	for conn := range h.subs[event.Channel] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.send <- msg:
		default:
			h.log.Warn("Slow websocket client dropped", zap.String("user_id", conn.userID))
			h.unregister(conn)
		}
	}
}

// Publish queues an event for delivery
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// Register adds a connection and subscribes it to its own user channel
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
	h.subscribe(conn, pubsub.UserPrefix+conn.userID)
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	close(conn.send)
	for channel := range conn.subs {
		if subs := h.subs[channel]; subs != nil {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(h.subs, channel)
			}
		}
	}
}

func (h *Hub) subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

func (h *Hub) unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

func (h *Hub) subscribed(conn *Conn, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.subs[channel]
}

// Subscribers counts connections listening on a channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

func NewConn(ctx context.Context, ws *websocket.Conn, hub *Hub, userID string, isAdmin bool) *Conn {
	return &Conn{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		hub:     hub,
		userID:  userID,
		isAdmin: isAdmin,
		subs:    make(map[string]bool),
		ctx:     ctx,
	}
}

// ReadPump handles reading from the WebSocket connection
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(64 << 10)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(map[string]interface{}{"type": "error", "message": "malformed message"})
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Since   *int64 `json:"since,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

func (c *Conn) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		if !c.hub.auth.CanSubscribe(c.ctx, c.userID, c.isAdmin, msg.Channel) {
			c.reply(map[string]interface{}{"type": "error", "channel": msg.Channel, "message": "forbidden"})
			return
		}
		c.hub.subscribe(c, msg.Channel)
		c.sendAck("subscribed", msg.Channel)
		if msg.Since != nil {
			c.hub.resume(c, msg.Channel, *msg.Since)
		}
	case "unsubscribe":
		c.hub.unsubscribe(c, msg.Channel)
		c.sendAck("unsubscribed", msg.Channel)
	case "resume":
		if !c.hub.subscribed(c, msg.Channel) {
			c.reply(map[string]interface{}{"type": "error", "channel": msg.Channel, "message": "not subscribed"})
			return
		}
		since := int64(-1)
		if msg.Since != nil {
			since = *msg.Since
		}
		c.hub.resume(c, msg.Channel, since)
	case "ack":
		c.hub.acknowledge(c, msg.Channel, msg.Seq)
	case "ping":
		c.sendAck("pong", "")
	default:
		c.reply(map[string]interface{}{"type": "error", "message": "unknown message type " + msg.Type})
	}
}

func (c *Conn) sendAck(ack, channel string) {
	msg := map[string]interface{}{"type": "ack", "ack": ack}
	if channel != "" {
		msg["channel"] = channel
	}
	c.reply(msg)
}

func (c *Conn) reply(msg map[string]interface{}) {
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) acknowledge(conn *Conn, channel string, seq int64) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil || seq <= 0 || !h.subscribed(conn, channel) {
		return
	}
	if err := streams.Ack(conn.ctx, channel, conn.userID, seq); err != nil {
		h.log.Warn("Failed to acknowledge sequence", zap.String("channel", channel), zap.Int64("seq", seq), zap.Error(err))
	}
}

// resume replays events after sinceSeq. A negative sinceSeq resumes from the
// last sequence this user acknowledged.
func (h *Hub) resume(conn *Conn, channel string, sinceSeq int64) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		conn.reply(map[string]interface{}{"type": "error", "channel": channel, "message": "replay unavailable"})
		return
	}

	if sinceSeq < 0 {
		last, err := streams.LastAcked(conn.ctx, channel, conn.userID)
		if err != nil {
			h.log.Warn("Failed to read last ack", zap.String("channel", channel), zap.Error(err))
		}
		sinceSeq = last
	}

	events, err := streams.Replay(conn.ctx, channel, sinceSeq, replayLimit)
	if err != nil {
		h.log.Error("Failed to replay events", zap.String("channel", channel), zap.Int64("since", sinceSeq), zap.Error(err))
		return
	}
	for _, ev := range events {
		conn.reply(map[string]interface{}{
			"type":    "event",
			"channel": ev.Channel,
			"seq":     ev.Sequence,
			"data":    ev.Event,
			"replay":  true,
		})
	}

	h.log.Debug("Resumed events",
		zap.String("channel", channel),
		zap.String("user_id", conn.userID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
