// Package agentlink carries the websocket channel between a session and its
// remote conversational agent.
package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 * 1024
	handshakeLimit = 10 * time.Second
)

var ErrClosed = errors.New("agent link closed")

// FrameHandler receives every inbound frame in arrival order.
type FrameHandler func(frame []byte) error

// Dialer opens one agent connection per session.
type Dialer struct {
	URL    string
	Token  string
	log    *zap.Logger
	dialer websocket.Dialer
}

// NewDialer creates a dialer for the agent at agentURL. token may be empty.
func NewDialer(agentURL, token string, log *zap.Logger) *Dialer {
	return &Dialer{
		URL:    agentURL,
		Token:  token,
		log:    log,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeLimit},
	}
}

// Client is a connected agent channel.
type Client struct {
	sessionID string
	conn      *websocket.Conn
	log       *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// Connect dials the agent for sessionID. Frames are not read until Serve is called.
func (d *Dialer) Connect(ctx context.Context, sessionID string) (*Client, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent URL: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			d.log.Warn("Agent handshake rejected", zap.String("session_id", sessionID), zap.Int("status", resp.StatusCode))
		}
		return nil, fmt.Errorf("failed to connect to agent: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	d.log.Info("Connected to agent", zap.String("session_id", sessionID))
	return &Client{
		sessionID: sessionID,
		conn:      conn,
		log:       d.log.With(zap.String("session_id", sessionID)),
		closed:    make(chan struct{}),
	}, nil
}

// Serve reads frames until the connection ends or ctx is cancelled.
// Handler errors are logged and do not stop the loop.
func (c *Client) Serve(ctx context.Context, handle FrameHandler) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("Agent closed the connection")
				return nil
			}
			c.log.Warn("Agent read failed", zap.Error(err))
			return fmt.Errorf("failed to read agent frame: %w", err)
		}
		if err := handle(frame); err != nil {
			c.log.Debug("Agent frame rejected", zap.Error(err))
		}
	}
}

type userText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendUserText forwards typed input to the agent.
func (c *Client) SendUserText(ctx context.Context, sessionID, text string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(userText{Type: "user_text", Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal user text: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send user text: %w", err)
	}
	return nil
}

// Close sends a close frame and releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
