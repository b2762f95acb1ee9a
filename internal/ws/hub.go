package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	replayLimit  = 100
	sendBuffer   = 256
)

// StreamEvent represents an event from streams
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// StreamsProvider interface for event replay
type StreamsProvider interface {
	GetLastSequence(channel, connectionID string) (int64, error)
	AcknowledgeSequence(channel, connectionID string, sequence int64) error
	ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error)
}

// Authorizer reports whether tenantID may watch channel.
type Authorizer func(tenantID, channel string) bool

// Hub fans session channel events out to UI websocket connections.
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool // channel -> connections
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	ctx        context.Context
	streams    StreamsProvider
	authorize  Authorizer
}

// Conn is one UI connection, bound to the tenant that opened it.
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	id       string
	tenantID string
	subs     map[string]bool
	ctx      context.Context
}

// Event represents a message to be published
type Event struct {
	Channel string
	Message map[string]interface{}
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:     make(map[*Conn]bool),
		subs:      make(map[string]map[*Conn]bool),
		publish:   make(chan Event, sendBuffer),
		log:       log,
		ctx:       context.Background(),
		authorize: func(string, string) bool { return true },
	}
}

func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
}

// SetStreamsProvider sets the streams provider for event replay
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

func (h *Hub) SetAuthorizer(a Authorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorize = a
}

// Run delivers published events until the hub is closed. Connections whose
// buffer is full are dropped rather than stalling every other subscriber.
func (h *Hub) Run() {
	for event := range h.publish {
		msg, err := json.Marshal(event.Message)
		if err != nil {
			h.log.Warn("Failed to marshal hub event", zap.String("channel", event.Channel), zap.Error(err))
			continue
		}

		// Sends happen under the read lock so unregister cannot close a channel mid-send.
		var slow []*Conn
		h.mu.RLock()
		for conn := range h.subs[event.Channel] {
			select {
			case conn.send <- msg:
			default:
				slow = append(slow, conn)
			}
		}
		h.mu.RUnlock()

		for _, conn := range slow {
			h.log.Warn("Dropping slow websocket connection", zap.String("connection", conn.id))
			h.unregister(conn)
		}
	}
}

// Close stops Run.
func (h *Hub) Close() {
	close(h.publish)
}

func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
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

// Subscribe adds conn to channel if its tenant may watch it.
func (h *Hub) Subscribe(conn *Conn, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.authorize(conn.tenantID, channel) {
		return false
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
	return true
}

func (h *Hub) Unsubscribe(conn *Conn, channel string) {
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

// Publish queues an event for every subscriber of channel.
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

func (h *Hub) subscribed(conn *Conn, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subs[channel][conn]
}

// Subscribers returns how many connections watch channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// NewConn wraps an upgraded websocket for tenantID.
func NewConn(ws *websocket.Conn, hub *Hub, id, tenantID string) *Conn {
	return &Conn{
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		hub:      hub,
		id:       id,
		tenantID: tenantID,
		subs:     make(map[string]bool),
		ctx:      hub.ctx,
	}
}

// ReadPump handles reading from the WebSocket connection
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

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

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse message", zap.Error(err))
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingInterval)
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

func (c *Conn) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if channel == "" {
			return
		}
		if !c.hub.Subscribe(c, channel) {
			c.sendJSON(map[string]interface{}{"type": "error", "code": "forbidden", "channel": channel})
			return
		}
		c.sendAck("subscribed", channel)
	case "unsubscribe":
		if channel != "" {
			c.hub.Unsubscribe(c, channel)
			c.sendAck("unsubscribed", channel)
		}
	case "ack":
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(c, channel, int64(seq))
		}
	case "resume":
		since, ok := msg["since"].(float64)
		if channel != "" && c.hub.subscribed(c, channel) {
			if !ok {
				c.hub.ResumeFromAck(c, channel)
			} else if since >= 0 {
				c.hub.Resume(c, channel, int64(since))
			}
		}
	case "cmd":
		if c.hub.cmdHandler != nil {
			c.hub.cmdHandler.HandleCommand(c.ctx, c, msg)
		} else {
			c.hub.log.Warn("Command handler not set")
		}
	case "ping":
		c.sendAck("pong", "")
	default:
		c.hub.log.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Conn) sendAck(msgType, channel string) {
	ack := map[string]interface{}{
		"type": "ack",
		"ack":  msgType,
	}
	if channel != "" {
		ack["channel"] = channel
	}
	c.sendJSON(ack)
}

func (c *Conn) sendJSON(v map[string]interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.conns[c] {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Acknowledge records the last sequence conn has processed on channel.
func (h *Hub) Acknowledge(conn *Conn, channel string, sequence int64) {
	if h.streams == nil {
		return
	}
	if err := h.streams.AcknowledgeSequence(channel, conn.tenantID, sequence); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("sequence", sequence),
			zap.Error(err),
		)
	}
}

// ResumeFromAck replays everything after the tenant's last acknowledged sequence.
func (h *Hub) ResumeFromAck(conn *Conn, channel string) {
	if h.streams == nil {
		return
	}
	since, err := h.streams.GetLastSequence(channel, conn.tenantID)
	if err != nil {
		h.log.Warn("Failed to read last sequence", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.Resume(conn, channel, since)
}

// Resume replays events after sinceSeq to conn.
func (h *Hub) Resume(conn *Conn, channel string, sinceSeq int64) {
	if h.streams == nil {
		h.log.Warn("Streams provider not set, cannot resume")
		return
	}

	events, err := h.streams.ReplayEvents(channel, sinceSeq, replayLimit)
	if err != nil {
		h.log.Error("Failed to replay events",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		return
	}

	for _, event := range events {
		ok := conn.sendJSON(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"seq":     event.Sequence,
			"data":    event.Event,
		})
		if !ok {
			h.log.Warn("Failed to send replayed event, connection buffer full")
			return
		}
	}

	h.log.Info("Resumed events",
		zap.String("channel", channel),
		zap.String("connection", conn.id),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
