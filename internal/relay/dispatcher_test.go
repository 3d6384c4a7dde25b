package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-rtc/internal/metrics"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	closed bool
	got    []protocol.Envelope
}

func (r *recorder) Deliver(env protocol.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.got = append(r.got, env)
	return true
}

func (r *recorder) envelopes() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.got...)
}

type fixture struct {
	reg     *presence.Registry
	disp    *Dispatcher
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := presence.NewRegistry(log)
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{reg: reg, disp: NewDispatcher(reg, m, log), metrics: m}
}

func (f *fixture) online(t *testing.T, name string) (string, *recorder) {
	t.Helper()
	u, err := f.reg.Login(name)
	require.NoError(t, err)
	ch := &recorder{}
	_, err = f.reg.Bind(u.ID, ch, nil)
	require.NoError(t, err)
	return u.ID, ch
}

func TestSendToBoundUser(t *testing.T) {
	f := newFixture(t)
	bob, ch := f.online(t, "bob")

	ok := f.disp.SendTo(bob, protocol.TypingEvent{FromUserID: "alice", IsTyping: true})
	assert.True(t, ok)
	require.Len(t, ch.envelopes(), 1)
	assert.Equal(t, protocol.TypingEvent{FromUserID: "alice", IsTyping: true}, ch.envelopes()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(metrics.Delivered)))
}

func TestSendToOfflineIsDropped(t *testing.T) {
	f := newFixture(t)
	u, err := f.reg.Login("ghost")
	require.NoError(t, err)

	assert.False(t, f.disp.SendTo(u.ID, protocol.UserOffline{UserID: "x"}))
	assert.False(t, f.disp.SendTo("never-existed", protocol.UserOffline{UserID: "x"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(metrics.Offline)))
}

func TestClosedChannelFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	bob, ch := f.online(t, "bob")
	ch.closed = true

	assert.NotPanics(t, func() {
		assert.False(t, f.disp.SendTo(bob, protocol.Success{Message: "x"}))
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(metrics.Dropped)))
}

func TestBroadcastExceptSender(t *testing.T) {
	f := newFixture(t)
	alice, chA := f.online(t, "alice")
	_, chB := f.online(t, "bob")
	_, chC := f.online(t, "carol")

	n := f.disp.BroadcastExcept(alice, protocol.UserOffline{UserID: alice})
	assert.Equal(t, 2, n)
	assert.Empty(t, chA.envelopes())
	assert.Len(t, chB.envelopes(), 1)
	assert.Len(t, chC.envelopes(), 1)
}

func TestSendToEachDeduplicates(t *testing.T) {
	f := newFixture(t)
	alice, chA := f.online(t, "alice")
	bob, chB := f.online(t, "bob")

	n := f.disp.SendToEach(protocol.Success{Message: "x"}, alice, bob, alice, "")
	assert.Equal(t, 2, n)
	assert.Len(t, chA.envelopes(), 1)
	assert.Len(t, chB.envelopes(), 1)
}

func TestSupersededChannelStopsReceiving(t *testing.T) {
	f := newFixture(t)
	alice, first := f.online(t, "alice")
	second := &recorder{}
	_, err := f.reg.Bind(alice, second, nil)
	require.NoError(t, err)

	f.disp.SendTo(alice, protocol.Success{Message: "after"})
	assert.Empty(t, first.envelopes())
	assert.Len(t, second.envelopes(), 1)
}

func TestPerRecipientOrderIsPreserved(t *testing.T) {
	f := newFixture(t)
	bob, ch := f.online(t, "bob")

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.disp.SendTo(bob, protocol.Success{Message: fmt.Sprintf("%d:%03d", s, i)})
			}
		}(s)
	}
	wg.Wait()

	last := map[string]string{}
	got := ch.envelopes()
	require.Len(t, got, 400)
	for _, env := range got {
		msg := env.(protocol.Success).Message
		sender, seq := msg[:1], msg[2:]
		assert.Less(t, last[sender], seq, "sender %s out of order", sender)
		last[sender] = seq
	}
}
