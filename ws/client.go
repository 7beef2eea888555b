package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/chat"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/types"
)

const (
	CloseBadRequest   = 4400
	CloseUnauthorized = 4401
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrNotJoinable    = errors.New("client cannot join in its current state")
	ErrNoPrincipal    = errors.New("client has no principal")
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// InboundHandler processes messages received on joined sessions.
type InboundHandler interface {
	HandleInbound(ctx context.Context, sender chat.Sender, payload []byte)
}

type PresenceTracker interface {
	SetOnline(ctx context.Context, userId, room string) error
	SetOffline(ctx context.Context, userId string) error
}

// Client is the server side of one websocket connection. It is a middleman between the connection and the hub:
// inbound frames go to the InboundHandler, deliveries from the hub are queued in the send buffer and written by the
// write loop.
type Client struct {
	id   string
	room string
	conn *websocket.Conn

	hub      *Hub
	inbound  InboundHandler
	presence PresenceTracker
	cfg      config.SessionConfig
	logger   hclog.Logger

	state     atomic.Int32
	principal *types.Principal

	ctx    context.Context
	cancel context.CancelFunc

	// send is closed exactly once by Cleanup, sendMu guards the close against concurrent deliveries
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	writerStarted atomic.Bool
	writeDone     chan struct{}
	cleanupOnce   sync.Once
}

func NewClient(id, room string, conn *websocket.Conn, hub *Hub, inbound InboundHandler, presence PresenceTracker,
	cfg config.SessionConfig, logger hclog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:        id,
		room:      room,
		conn:      conn,
		hub:       hub,
		inbound:   inbound,
		presence:  presence,
		cfg:       cfg,
		logger:    logger.With("session", id, "room", room),
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, cfg.SendBufferSize),
		writeDone: make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Room() string {
	return c.room
}

// Principal is nil until the client is authenticated.
func (c *Client) Principal() *types.Principal {
	return c.principal
}

func (c *Client) UserId() string {
	if c.principal == nil {
		return ""
	}
	return c.principal.Id
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Deliver queues data for the write loop. A client whose buffer is full is too slow and gets disconnected.
func (c *Client) Deliver(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		go c.Close(websocket.ClosePolicyViolation, "too slow")
		return ErrSendBufferFull
	}
}

// StartAuthentication moves a new client to the authenticating state.
func (c *Client) StartAuthentication() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating))
}

// Reject closes a client that could not be authenticated or joined. Nothing was registered yet, so the cleanup has
// no side effects besides closing the connection.
func (c *Client) Reject(code int, reason string) {
	c.writeClose(code, reason)
	c.Cleanup()
}

// Join registers the authenticated client with the hub and marks the user online. The connection event is queued
// while the client is registered, so it is the first event the client receives.
func (c *Client) Join(principal *types.Principal) error {
	if principal == nil {
		return ErrNoPrincipal
	}
	data, err := json.Marshal(types.NewWireConnection(principal.Nick, c.room))
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	if c.sendClosed || !c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateJoined)) {
		c.sendMu.Unlock()
		return ErrNotJoinable
	}
	c.principal = principal
	c.hub.Join(c.room, c)
	c.send <- data
	c.sendMu.Unlock()

	if err := c.presence.SetOnline(c.ctx, principal.Id, c.room); err != nil {
		c.logger.Error("could not set presence online", "user", principal.Id, "error", err)
	}
	c.logger.Info("session joined", "user", principal.Id)
	return nil
}

// Run pumps messages between the connection and the hub until the connection is closed. It runs the write loop in a
// separate goroutine and the read loop in the calling one, and cleans up before returning.
func (c *Client) Run() {
	defer c.Cleanup()
	c.writerStarted.Store(true)
	go c.writeLoop()
	c.readLoop()
}

// readLoop pumps messages from the websocket connection to the inbound handler. All reads happen in this goroutine.
func (c *Client) readLoop() {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.deliverError(chat.ReasonInvalidFormat)
			continue
		}
		c.inbound.HandleInbound(c.ctx, c, raw)
	}
}

// writeLoop pumps messages from the send buffer to the websocket connection. All writes except close frames happen
// in this goroutine.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		close(c.writeDone)
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("could not write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.refreshPresence()
		}
	}
}

// refreshPresence keeps the presence record of a live session from being swept as stale.
func (c *Client) refreshPresence() {
	if c.State() != StateJoined {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteWait)
	defer cancel()
	if err := c.presence.SetOnline(ctx, c.principal.Id, c.room); err != nil {
		c.logger.Warn("could not refresh presence", "user", c.principal.Id, "error", err)
	}
}

func (c *Client) deliverError(reason string) {
	data, err := json.Marshal(types.NewWireError(reason))
	if err != nil {
		return
	}
	if err := c.Deliver(data); err != nil {
		c.logger.Debug("could not deliver error event", "error", err)
	}
}

func (c *Client) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Debug("could not write close frame", "error", err)
	}
}

// Close sends a close frame and closes the connection, which ends Run.
func (c *Client) Close(code int, reason string) {
	c.writeClose(code, reason)
	_ = c.conn.Close()
}

// Cleanup deregisters the client and marks the user offline if this was their last live session. It runs exactly
// once, no matter how often or from which state it is called. The presence update is bounded by the cleanup timeout.
func (c *Client) Cleanup() {
	c.cleanupOnce.Do(func() {
		previous := State(c.state.Swap(int32(StateClosed)))
		joined := previous == StateJoined
		if joined {
			c.hub.Leave(c.room, c)
		}

		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()

		if c.writerStarted.Load() {
			select {
			case <-c.writeDone:
			case <-time.After(c.cfg.WriteWait):
				c.logger.Warn("write loop did not finish in time")
			}
		}
		c.cancel()

		if joined && !c.hub.UserOnline(c.principal.Id) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
			defer cancel()
			if err := c.presence.SetOffline(ctx, c.principal.Id); err != nil {
				c.logger.Error("could not set presence offline", "user", c.principal.Id, "error", err)
			}
		}
		_ = c.conn.Close()
		c.logger.Info("session closed", "previous_state", previous)
	})
}
