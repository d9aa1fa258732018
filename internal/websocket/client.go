package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chat-fanout/internal/fanout"
	"chat-fanout/internal/models"
	"chat-fanout/internal/presence"
	"chat-fanout/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrBackpressure is returned by Send when the client's outbound buffer is full.
var ErrBackpressure = errors.New("client send buffer full")

// EventHandler receives the events a client reads off its socket.
type EventHandler interface {
	OnJoinRoom(ctx context.Context, roomID, userID int, channelID string) error
	OnLeaveRoom(ctx context.Context, roomID, userID int, channelID string) error
	OnSendMessage(ctx context.Context, roomID, senderID int, payload string) (*fanout.DispatchReport, error)
	OnDisconnect(userID int, channelID string) bool
}

type Options struct {
	SendBuffer   int
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxReadBytes int64
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:   256,
		PingPeriod:   54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		MaxReadBytes: 32 << 10,
	}
}

// Client is one authenticated socket. It is the presence.Channel for its user
// while it is the current session.
type Client struct {
	id     string
	userID int
	conn   *websocket.Conn
	opts   Options
	log    *logger.Logger

	// verify re-checks the session credential before each privileged event
	verify func(ctx context.Context) error

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ presence.Channel = (*Client)(nil)

func NewClient(conn *websocket.Conn, userID int, opts Options, log *logger.Logger) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		log:    log.Component("websocket").With("channel", id).With("user_id", userID),
	}
}

// SetVerifier installs the per-event credential check. Call before ReadPump.
func (c *Client) SetVerifier(fn func(ctx context.Context) error) {
	c.verify = fn
}

func (c *Client) ID() string  { return c.id }
func (c *Client) UserID() int { return c.userID }

// Send queues a frame without blocking.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return presence.ErrChannelClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump reads events until the socket fails, then reports the disconnect.
func (c *Client) ReadPump(ctx context.Context, h EventHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.OnDisconnect(c.userID, c.id)
		c.Close()
		c.conn.Close()
	}()

	if c.opts.MaxReadBytes > 0 {
		c.conn.SetReadLimit(c.opts.MaxReadBytes)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket error: %v", err)
			}
			return
		}

		var ev models.InboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.reply(&models.WebSocketMessage{Type: models.MessageTypeError, Error: "malformed event"})
			continue
		}
		if !c.handle(ctx, h, &ev) {
			return
		}
	}
}

// handle runs one event. It returns false when the session must end.
func (c *Client) handle(ctx context.Context, h EventHandler, ev *models.InboundEvent) bool {
	switch ev.Type {
	case models.MessageTypeJoinRoom, models.MessageTypeLeaveRoom, models.MessageTypeSendMessage:
	default:
		c.reply(&models.WebSocketMessage{Type: models.MessageTypeError, Error: "unknown event type"})
		return true
	}
	if c.verify != nil {
		if err := c.verify(ctx); err != nil {
			c.log.Info("credential rejected, closing session: %v", err)
			c.reply(&models.WebSocketMessage{Type: models.MessageTypeError, Error: "session expired"})
			return false
		}
	}

	var err error
	switch ev.Type {
	case models.MessageTypeJoinRoom:
		err = h.OnJoinRoom(ctx, ev.RoomID, c.userID, c.id)
	case models.MessageTypeLeaveRoom:
		err = h.OnLeaveRoom(ctx, ev.RoomID, c.userID, c.id)
	case models.MessageTypeSendMessage:
		var report *fanout.DispatchReport
		report, err = h.OnSendMessage(ctx, ev.RoomID, c.userID, ev.Text)
		if err == nil {
			c.reply(&models.WebSocketMessage{
				Type:   models.MessageTypeDispatchReport,
				RoomID: ev.RoomID,
				Report: report,
			})
		}
	}
	if err != nil {
		c.log.Debug("%s for room %d rejected: %v", ev.Type, ev.RoomID, err)
		c.reply(&models.WebSocketMessage{Type: models.MessageTypeError, RoomID: ev.RoomID, Error: err.Error()})
	}
	return true
}

func (c *Client) reply(msg *models.WebSocketMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := msg.Encode()
	if err != nil {
		c.log.Error("Error marshaling %s: %v", msg.Type, err)
		return
	}
	if err := c.Send(data); err != nil {
		c.log.Warn("reply %s dropped: %v", msg.Type, err)
	}
}

// WritePump drains the send buffer onto the socket and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
