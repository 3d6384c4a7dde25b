package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

func TestNewHubSanitizesConfig(t *testing.T) {
	hub := NewHub(Config{}, nil, nil)

	assert.Equal(t, defaultSendBufferSize, hub.cfg.SendBufferSize)
	assert.Equal(t, int64(defaultMaxMessageSize), hub.cfg.MaxMessageSize)
	assert.Equal(t, 0, hub.ClientCount())
	require.NoError(t, hub.Shutdown(time.Second))
}

func TestClientStateTransitions(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := connectWebSocket(t, env.wsURL())
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	var client *Client
	for c := range snapshotClients(env.hub) {
		client = c
	}
	assert.Equal(t, StateConnected, client.State())

	login(t, conn, "alice")
	assert.Equal(t, StateActive, client.State())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return client.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "closed", client.State().String())
}

func TestHubShutdownClosesSessions(t *testing.T) {
	cfg := NewConfig()
	hub := NewHub(*cfg, zaptest.NewLogger(t), nil)
	srv := httptest.NewServer(NewRouter(hub, nil))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/ws"
	conn := connectWebSocket(t, url)
	login(t, conn, "alice")

	require.NoError(t, hub.Shutdown(2*time.Second))
	assert.Equal(t, 0, hub.ClientCount())

	err := expectClosed(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, err = hub.Serve(nil, "late")
	assert.ErrorIs(t, err, ErrHubClosed)

	// No /metrics route without a gatherer.
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestHubShutdownTimeout(t *testing.T) {
	hub := NewHub(*NewConfig(), nil, nil)
	hub.wg.Add(1)
	defer hub.wg.Done()

	err := hub.Shutdown(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeliverAfterCloseIsRefused(t *testing.T) {
	hub := NewHub(*NewConfig(), nil, nil)
	client := NewClient(nil, hub, "test")

	assert.True(t, client.Deliver(protocol.Success{Message: "ok"}))
	client.out.close()
	assert.False(t, client.Deliver(protocol.Success{Message: "late"}))
}

func TestShutdownDuringLogins(t *testing.T) {
	cfg := NewConfig()
	hub := NewHub(*cfg, zaptest.NewLogger(t), nil)
	srv := httptest.NewServer(NewRouter(hub, nil))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/ws"
	conns := make([]*websocket.Conn, 8)
	for i := range conns {
		conns[i] = connectWebSocket(t, url)
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == len(conns) }, 2*time.Second, 10*time.Millisecond)

	// Logins are handled on each read pump while shutdown writes close
	// frames from this goroutine.
	for i, conn := range conns {
		send(t, conn, protocol.Login{Username: fmt.Sprintf("user-%d", i)})
	}
	require.NoError(t, hub.Shutdown(2*time.Second))
	assert.Equal(t, 0, hub.ClientCount())

	for _, conn := range conns {
		expectClosed(t, conn)
	}
}

func TestLoginKeepsConnectionLogger(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := connectWebSocket(t, env.wsURL())
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	var client *Client
	for c := range snapshotClients(env.hub) {
		client = c
	}
	base := client.log

	login(t, conn, "alice")
	assert.Same(t, base, client.log, "the write side keeps the connection logger")
}
