package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

type sentEnvelope struct {
	to  string
	env protocol.Envelope
}

type fakeSender struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    []sentEnvelope
}

func newFakeSender(offline ...string) *fakeSender {
	f := &fakeSender{offline: map[string]bool{}}
	for _, id := range offline {
		f.offline[id] = true
	}
	return f
}

func (f *fakeSender) SendTo(userID string, env protocol.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return false
	}
	f.sent = append(f.sent, sentEnvelope{to: userID, env: env})
	return true
}

func (f *fakeSender) to(userID string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, s := range f.sent {
		if s.to == userID {
			out = append(out, s.env)
		}
	}
	return out
}

var (
	offerSDP  = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answerSDP = json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	candidate = json.RawMessage(`"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"`)
)

func newTestRelay(t *testing.T, offline ...string) (*Relay, *fakeSender) {
	t.Helper()
	out := newFakeSender(offline...)
	return NewRelay(out, nil, zaptest.NewLogger(t)), out
}

func TestFullCallLifecycle(t *testing.T) {
	r, out := newTestRelay(t)

	require.NoError(t, r.Offer("alice", "bob", offerSDP))
	assert.Equal(t, Offered, r.State("alice", "bob"))
	assert.Equal(t, Offered, r.State("bob", "alice"))
	require.Equal(t, []protocol.Envelope{protocol.CallOfferEvent{FromUserID: "alice", Offer: offerSDP}}, out.to("bob"))

	require.NoError(t, r.Candidate("alice", "bob", candidate))
	require.NoError(t, r.Answer("bob", "alice", answerSDP))
	assert.Equal(t, Answered, r.State("alice", "bob"))
	require.NoError(t, r.Candidate("bob", "alice", candidate))

	caller, live := r.Caller("bob", "alice")
	assert.True(t, live)
	assert.Equal(t, "alice", caller)

	require.NoError(t, r.End("bob", "alice"))
	assert.Equal(t, Idle, r.State("alice", "bob"))
	assert.Equal(t, 0, r.Active())

	assert.Equal(t, []protocol.Envelope{
		protocol.CallAnswerEvent{FromUserID: "bob", Answer: answerSDP},
		protocol.IceCandidateEvent{FromUserID: "bob", Candidate: candidate},
		protocol.CallEndEvent{FromUserID: "bob"},
	}, out.to("alice"))
	assert.Equal(t, []protocol.Envelope{
		protocol.CallOfferEvent{FromUserID: "alice", Offer: offerSDP},
		protocol.IceCandidateEvent{FromUserID: "alice", Candidate: candidate},
	}, out.to("bob"))
}

func TestDeclineFromOffered(t *testing.T) {
	r, out := newTestRelay(t)
	require.NoError(t, r.Offer("alice", "bob", offerSDP))

	require.NoError(t, r.End("bob", "alice"))
	assert.Equal(t, Idle, r.State("alice", "bob"))
	assert.Equal(t, []protocol.Envelope{protocol.CallEndEvent{FromUserID: "bob"}}, out.to("alice"))

	// A new call can start once the previous one ended.
	require.NoError(t, r.Offer("bob", "alice", offerSDP))
	assert.Equal(t, Offered, r.State("alice", "bob"))
}

func TestOfferToOfflineUserFailsSilently(t *testing.T) {
	r, out := newTestRelay(t, "bob")

	require.NoError(t, r.Offer("alice", "bob", offerSDP))
	assert.Equal(t, Idle, r.State("alice", "bob"))
	assert.Empty(t, out.to("alice"))

	assert.ErrorIs(t, r.Answer("bob", "alice", answerSDP), ErrNoPendingOffer)
}

func TestInvalidTransitions(t *testing.T) {
	r, _ := newTestRelay(t)

	assert.ErrorIs(t, r.Offer("alice", "alice", offerSDP), ErrSelfCall)
	assert.ErrorIs(t, r.Answer("bob", "alice", answerSDP), ErrNoPendingOffer)
	assert.ErrorIs(t, r.Candidate("alice", "bob", candidate), ErrNoActiveCall)
	assert.ErrorIs(t, r.End("alice", "bob"), ErrNoActiveCall)

	require.NoError(t, r.Offer("alice", "bob", offerSDP))
	assert.ErrorIs(t, r.Offer("alice", "bob", offerSDP), ErrCallInProgress)
	assert.ErrorIs(t, r.Offer("bob", "alice", offerSDP), ErrCallInProgress)
	// The caller cannot answer its own offer.
	assert.ErrorIs(t, r.Answer("alice", "bob", answerSDP), ErrNoPendingOffer)

	require.NoError(t, r.Answer("bob", "alice", answerSDP))
	assert.ErrorIs(t, r.Answer("bob", "alice", answerSDP), ErrNoPendingOffer)
}

func TestDisconnectSynthesizesCallEnd(t *testing.T) {
	r, out := newTestRelay(t)
	require.NoError(t, r.Offer("alice", "bob", offerSDP))
	require.NoError(t, r.Answer("bob", "alice", answerSDP))
	require.NoError(t, r.Offer("carol", "alice", offerSDP))
	require.NoError(t, r.Offer("dave", "erin", offerSDP))

	peers := r.Disconnect("alice")
	assert.ElementsMatch(t, []string{"bob", "carol"}, peers)
	assert.Contains(t, out.to("bob"), protocol.Envelope(protocol.CallEndEvent{FromUserID: "alice"}))
	assert.Contains(t, out.to("carol"), protocol.Envelope(protocol.CallEndEvent{FromUserID: "alice"}))

	assert.Equal(t, Idle, r.State("alice", "bob"))
	assert.Equal(t, Idle, r.State("alice", "carol"))
	assert.Equal(t, Offered, r.State("dave", "erin"))
	assert.Equal(t, 1, r.Active())

	assert.Empty(t, r.Disconnect("alice"))
}

func TestConcurrentOffersOnePairWins(t *testing.T) {
	r, _ := newTestRelay(t)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			results <- r.Offer(from, to, offerSDP)
		}(pair[0], pair[1])
	}
	wg.Wait()
	close(results)

	var ok, busy int
	for err := range results {
		switch err {
		case nil:
			ok++
		default:
			assert.ErrorIs(t, err, ErrCallInProgress)
			busy++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, r.Active())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "answered", Answered.String())
	assert.Equal(t, "unknown", State(42).String())
}
