package server

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-rtc/internal/metrics"
	"github.com/Tyrowin/gochat-rtc/internal/model"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

const (
	testOrigin  = "http://localhost:8080"
	readTimeout = 2 * time.Second
)

type testEnv struct {
	hub *Hub
	srv *httptest.Server
	reg *prometheus.Registry
}

// newTestEnv starts a hub behind an httptest server. mutate may adjust the
// default configuration first.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := NewConfig()
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	hub := NewHub(*cfg, zaptest.NewLogger(t), metrics.New(reg))
	srv := httptest.NewServer(NewRouter(hub, reg))

	t.Cleanup(func() {
		require.NoError(t, hub.Shutdown(5*time.Second))
		srv.Close()
	})
	return &testEnv{hub: hub, srv: srv, reg: reg}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

// connectWebSocket dials the hub with an allowed Origin header.
func connectWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	return connectWithOrigin(t, url, testOrigin)
}

func connectWithOrigin(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", origin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	payload, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func sendRaw(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// readEnvelope reads and decodes the next frame.
func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeServer(data)
	require.NoError(t, err, "frame %s", data)
	return env
}

// expect reads frames until one of type T arrives, skipping presence and
// other unrelated traffic.
func expect[T protocol.Envelope](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if v, ok := env.(T); ok {
			return v
		}
	}
}

// expectNext requires the very next frame to be of type T.
func expectNext[T protocol.Envelope](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	env := readEnvelope(t, conn)
	v, ok := env.(T)
	require.True(t, ok, "unexpected envelope %T", env)
	return v
}

// login performs the handshake and consumes LoginSuccess and OnlineUsers.
func login(t *testing.T, conn *websocket.Conn, name string) (model.User, []model.User) {
	t.Helper()
	send(t, conn, protocol.Login{Username: name})
	ok := expectNext[*protocol.LoginSuccess](t, conn)
	users := expectNext[*protocol.OnlineUsers](t, conn)
	return ok.User, users.Users
}

// expectClosed requires the peer to close the connection and returns the
// read error.
func expectClosed(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				require.Fail(t, "connection was not closed", "%v", err)
			}
			return err
		}
	}
}

// expectSilence requires that nothing arrives for the given duration. The
// connection cannot be read afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}
