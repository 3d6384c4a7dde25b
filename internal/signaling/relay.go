// Package signaling relays WebRTC offer/answer/ICE payloads between two
// users and tracks the coarse state of each call. No media passes through
// the hub; payloads are forwarded without inspection.
package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/metrics"
	"github.com/Tyrowin/gochat-rtc/internal/model"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

// State of a call between two users.
type State int

const (
	Idle State = iota
	Offered
	Answered
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offered:
		return "offered"
	case Answered:
		return "answered"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	ErrSelfCall       = apperr.InvalidArg("cannot call yourself")
	ErrCallInProgress = apperr.InvalidArg("a call with this user is already in progress")
	ErrNoPendingOffer = apperr.InvalidArg("no pending offer from this user")
	ErrNoActiveCall   = apperr.InvalidArg("no active call with this user")
)

// Sender delivers an envelope to a user if that user is online.
type Sender interface {
	SendTo(userID string, env protocol.Envelope) bool
}

type call struct {
	mu     sync.Mutex
	caller string
	callee string
	state  State
}

func (c *call) live() bool {
	return c.state == Offered || c.state == Answered
}

func (c *call) involves(a, b string) bool {
	return (c.caller == a && c.callee == b) || (c.caller == b && c.callee == a)
}

// Relay holds one call per pair of users. Ended calls are removed, so a
// missing entry means Idle.
type Relay struct {
	calls   sync.Map // conversation key -> *call
	out     Sender
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRelay(out Sender, m *metrics.Metrics, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{out: out, metrics: m, log: log}
}

func (r *Relay) load(a, b string) (*call, bool) {
	v, ok := r.calls.Load(model.ConversationKey(a, b))
	if !ok {
		return nil, false
	}
	return v.(*call), true
}

// Offer starts a call from caller to callee. If the callee is offline the
// attempt is abandoned without telling the caller.
func (r *Relay) Offer(caller, callee string, offer json.RawMessage) error {
	if caller == callee {
		return ErrSelfCall
	}
	key := model.ConversationKey(caller, callee)

	c := &call{caller: caller, callee: callee, state: Offered}
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		actual, loaded := r.calls.LoadOrStore(key, c)
		if !loaded {
			break
		}
		existing := actual.(*call)
		existing.mu.Lock()
		live := existing.live()
		existing.mu.Unlock()
		if live {
			return ErrCallInProgress
		}
		r.calls.CompareAndDelete(key, existing)
	}

	if !r.out.SendTo(callee, protocol.CallOfferEvent{FromUserID: caller, Offer: offer}) {
		c.state = Ended
		r.calls.CompareAndDelete(key, c)
		r.log.Debug("call offer dropped, callee offline",
			zap.String("caller", caller), zap.String("callee", callee))
		return nil
	}
	r.metrics.Call(metrics.CallOffered)
	r.log.Info("call offered", zap.String("caller", caller), zap.String("callee", callee))
	return nil
}

// Answer accepts the pending offer that caller sent to callee.
func (r *Relay) Answer(callee, caller string, answer json.RawMessage) error {
	c, ok := r.load(callee, caller)
	if !ok {
		return ErrNoPendingOffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Offered || c.caller != caller || c.callee != callee {
		return ErrNoPendingOffer
	}
	c.state = Answered
	r.out.SendTo(caller, protocol.CallAnswerEvent{FromUserID: callee, Answer: answer})
	r.metrics.Call(metrics.CallAnswered)
	r.log.Info("call answered", zap.String("caller", caller), zap.String("callee", callee))
	return nil
}

// Candidate relays an ICE candidate in either direction of a live call.
func (r *Relay) Candidate(from, to string, candidate json.RawMessage) error {
	c, ok := r.load(from, to)
	if !ok {
		return ErrNoActiveCall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live() || !c.involves(from, to) {
		return ErrNoActiveCall
	}
	r.out.SendTo(to, protocol.IceCandidateEvent{FromUserID: from, Candidate: candidate})
	return nil
}

// End hangs up or declines the call between from and to and tells the
// other side.
func (r *Relay) End(from, to string) error {
	c, ok := r.load(from, to)
	if !ok {
		return ErrNoActiveCall
	}
	c.mu.Lock()
	if !c.live() || !c.involves(from, to) {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	prev := c.state
	c.state = Ended
	c.mu.Unlock()

	r.calls.CompareAndDelete(model.ConversationKey(from, to), c)
	r.out.SendTo(to, protocol.CallEndEvent{FromUserID: from})
	r.metrics.Call(metrics.CallEnded)
	r.log.Info("call ended", zap.String("by", from), zap.String("peer", to), zap.Stringer("from_state", prev))
	return nil
}

// Disconnect ends every live call involving userID, sending a CallEnd on
// the user's behalf to each peer. It returns the peers that were notified.
func (r *Relay) Disconnect(userID string) []string {
	var peers []string
	r.calls.Range(func(k, v any) bool {
		c := v.(*call)
		c.mu.Lock()
		if !c.live() || (c.caller != userID && c.callee != userID) {
			c.mu.Unlock()
			return true
		}
		c.state = Ended
		peer := c.callee
		if peer == userID {
			peer = c.caller
		}
		c.mu.Unlock()

		r.calls.CompareAndDelete(k, c)
		r.out.SendTo(peer, protocol.CallEndEvent{FromUserID: userID})
		r.metrics.Call(metrics.CallEnded)
		peers = append(peers, peer)
		return true
	})
	if len(peers) > 0 {
		r.log.Info("calls ended by disconnect", zap.String("user_id", userID), zap.Strings("peers", peers))
	}
	return peers
}

// State returns the state of the call between a and b.
func (r *Relay) State(a, b string) State {
	c, ok := r.load(a, b)
	if !ok {
		return Idle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Ended {
		return Idle
	}
	return c.state
}

// Caller returns who started the live call between a and b.
func (r *Relay) Caller(a, b string) (string, bool) {
	c, ok := r.load(a, b)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caller, c.live()
}

// Active counts live calls.
func (r *Relay) Active() int {
	n := 0
	r.calls.Range(func(_, v any) bool {
		c := v.(*call)
		c.mu.Lock()
		if c.live() {
			n++
		}
		c.mu.Unlock()
		return true
	})
	return n
}
