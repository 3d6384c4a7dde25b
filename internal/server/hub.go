// Package server coordinates client registration, shared hub services, and
// connection cleanup for the GoChat WebSocket system via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-rtc/internal/conversation"
	"github.com/Tyrowin/gochat-rtc/internal/metrics"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/relay"
	"github.com/Tyrowin/gochat-rtc/internal/signaling"
)

// ErrHubClosed is returned by Serve once Shutdown has started.
var ErrHubClosed = errors.New("hub is shut down")

// Hub owns the shared services every session talks to and tracks the open
// connections so they can be closed on shutdown.
type Hub struct {
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	presence *presence.Registry
	store    *conversation.Store
	relay    *relay.Dispatcher
	calls    *signaling.Relay
	origins  originPolicy
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub builds a hub and its services from cfg. log and m may be nil.
func NewHub(cfg Config, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = sanitizeConfig(cfg)

	registry := presence.NewRegistry(log.Named("presence"))
	dispatcher := relay.NewDispatcher(registry, m, log.Named("relay"))
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		presence: registry,
		store:    conversation.NewStore(registry),
		relay:    dispatcher,
		calls:    signaling.NewRelay(dispatcher, m, log.Named("signaling")),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		clients:  make(map[*Client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	return h
}

// Presence returns the hub's presence registry.
func (h *Hub) Presence() *presence.Registry { return h.presence }

// Store returns the hub's conversation store.
func (h *Hub) Store() *conversation.Store { return h.store }

// Calls returns the hub's call signaling relay.
func (h *Hub) Calls() *signaling.Relay { return h.calls }

// Serve starts a session for an upgraded connection and returns
// immediately. The session runs until the peer leaves or the hub shuts down.
func (h *Hub) Serve(conn *websocket.Conn, addr string) (*Client, error) {
	client := NewClient(conn, h, addr)

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		client.closeConnection()
		return nil, ErrHubClosed
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(1)
	h.mutex.Unlock()

	h.metrics.SessionOpened()
	h.log.Info("client registered", zap.String("addr", addr), zap.Int("clients", clientCount))

	go func() {
		defer h.wg.Done()
		client.run(h.ctx)
		h.unregister(client)
	}()
	return client, nil
}

func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.SessionClosed()
	h.log.Info("client unregistered", zap.String("addr", client.addr), zap.Int("clients", clientCount))
}

// ClientCount returns the number of open sessions.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// shutdownClients tells every connected client the server is going away.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			client.writeClose(websocket.CloseGoingAway, "server shutting down")
		}
	}

	h.log.Info("closing client connections", zap.Int("clients", len(clients)))
}

// Shutdown stops accepting sessions, closes the open ones and waits for
// their goroutines. It returns context.DeadlineExceeded if they have not
// finished within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closed = true
	h.mutex.Unlock()

	h.shutdownClients()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
