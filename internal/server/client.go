// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/model"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var (
	errSessionClosed = errors.New("session closed")
	errBinaryFrame   = apperr.InvalidArg("binary frames are not supported")
)

// State is the lifecycle position of a Client.
type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents one WebSocket connection. It is also the delivery
// channel bound to its user in the presence registry.
type Client struct {
	conn        *websocket.Conn
	hub         *Hub
	addr        string
	out         *outbox
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig
	log         *zap.Logger
	state       atomic.Int32
	closeOnce   sync.Once

	// Owned by the read pump until the session is torn down. sessionLog
	// gains the user id on login; log never changes.
	userID     string
	lease      presence.Lease
	sessionLog *zap.Logger
}

// NewClient creates a Client for conn with an outbox sized from the hub's
// configuration.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	log := hub.log.With(zap.String("addr", addr))
	return &Client{
		conn:        conn,
		hub:         hub,
		addr:        addr,
		out:         newOutbox(cfg.SendBufferSize),
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
		log:         log,
		sessionLog:  log,
	}
}

// Deliver queues env for this connection without blocking.
func (c *Client) Deliver(env protocol.Envelope) bool {
	return c.out.deliver(env)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// run drives the session until either pump stops, then tears it down.
// Cancelling ctx closes the connection, which unblocks both pumps.
func (c *Client) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, c.closeConnection)
	defer stop()

	g.Go(c.writePump)
	g.Go(c.readPump)

	err := g.Wait()
	if err != nil && !errors.Is(err, errSessionClosed) {
		c.sessionLog.Debug("session ended", zap.Error(err))
	}
	c.teardown()
}

// teardown releases the user's binding. Only the session that still owns
// the binding ends its calls and announces the user offline.
func (c *Client) teardown() {
	c.setState(StateClosing)
	c.out.close()

	if c.userID != "" && c.hub.presence.Unbind(c.userID, c.lease, c.announceOffline) {
		c.sessionLog.Info("user offline")
	} else if c.userID != "" {
		c.sessionLog.Info("superseded session closed")
	}

	c.closeConnection()
	c.setState(StateClosed)
}

// announceOffline ends the user's calls and tells everyone else. The
// registry runs it before any newer session of the user can announce itself.
func (c *Client) announceOffline(user model.User) {
	c.hub.calls.Disconnect(user.ID)
	c.hub.relay.BroadcastExcept(user.ID, protocol.UserOffline{UserID: user.ID})
	c.hub.metrics.SetOnline(c.hub.presence.OnlineCount())
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.sessionLog.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.sessionLog.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError logs a fatal read error at a level matching how expected it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.sessionLog.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.hub.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.sessionLog.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.sessionLog.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.sessionLog.Warn("unexpected WebSocket error", zap.Error(err))
	default:
		c.sessionLog.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.hub.metrics.RateLimited()
		c.sessionLog.Warn("rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill_interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes and dispatches one frame. It returns false when the
// session should close.
func (c *Client) processMessage(raw []byte) bool {
	env, err := protocol.DecodeClient(raw)
	if err != nil {
		c.sessionLog.Warn("invalid envelope", zap.Error(err))
		c.sendError(err)
		return true
	}

	c.hub.metrics.Envelope(env.Type())
	return c.dispatch(env)
}

func (c *Client) sendError(err error) {
	c.Deliver(protocol.NewError(err))
}

func (c *Client) readPump() error {
	defer c.out.close()

	c.setupReadConnection()

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return err
		}

		if !c.checkRateLimit() {
			continue
		}

		if kind != websocket.TextMessage {
			c.sendError(errBinaryFrame)
			continue
		}

		if !c.processMessage(raw) {
			// The write pump flushes what is queued and closes the socket.
			return nil
		}
	}
}

func (c *Client) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.out.receive():
			if c.out.overflowed() {
				c.log.Warn("client removed due to full send buffer")
				c.writeClose(websocket.CloseTryAgainLater, "send buffer full")
				return errSessionClosed
			}
			if !ok {
				c.writeClose(websocket.CloseNormalClosure, "")
				return errSessionClosed
			}
			if err := c.writeEnvelope(env); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return err
			}
		}
	}
}

// writeEnvelope writes one envelope as one text frame.
func (c *Client) writeEnvelope(env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		// Encoding failures are local to this envelope.
		c.log.Error("error encoding envelope", zap.String("type", env.Type()), zap.Error(err))
		return nil
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline", zap.Error(err))
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", zap.Error(err))
		}
		return err
	}
	return nil
}

// writeClose sends a close frame to the client
func (c *Client) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing close message", zap.Error(err))
		}
	}
}

// writePing sends a ping message to keep the connection alive
func (c *Client) writePing() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline for ping", zap.Error(err))
		return err
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("error writing ping message", zap.Error(err))
		return err
	}
	return nil
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection", zap.Error(err))
		}
	})
}
