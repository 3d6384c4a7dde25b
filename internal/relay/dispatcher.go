// Package relay routes envelopes to the session channel bound to a user.
// Delivery is at most once: envelopes for users without a binding are
// dropped, and a channel that refuses an envelope is not retried.
package relay

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-rtc/internal/metrics"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

// Directory resolves user ids to bound channels.
type Directory interface {
	Lookup(userID string) (presence.Channel, bool)
	Bindings() []presence.Binding
}

type Dispatcher struct {
	dir     Directory
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewDispatcher(dir Directory, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{dir: dir, metrics: m, log: log}
}

// SendTo queues env for userID. It returns true when the envelope was
// handed to a live channel. Offline recipients are not an error.
func (d *Dispatcher) SendTo(userID string, env protocol.Envelope) bool {
	ch, ok := d.dir.Lookup(userID)
	if !ok {
		d.metrics.Delivery(metrics.Offline)
		d.log.Debug("recipient offline, envelope dropped",
			zap.String("user_id", userID), zap.String("type", env.Type()))
		return false
	}
	return d.deliver(userID, ch, env)
}

// SendToEach sends env once to every distinct id in userIDs.
func (d *Dispatcher) SendToEach(env protocol.Envelope, userIDs ...string) int {
	seen := make(map[string]struct{}, len(userIDs))
	n := 0
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if d.SendTo(id, env) {
			n++
		}
	}
	return n
}

// BroadcastExcept sends env to every bound user other than senderID and
// returns how many channels accepted it.
func (d *Dispatcher) BroadcastExcept(senderID string, env protocol.Envelope) int {
	bindings := d.dir.Bindings()
	n := 0
	for _, b := range bindings {
		if b.UserID == senderID {
			continue
		}
		if d.deliver(b.UserID, b.Channel, env) {
			n++
		}
	}
	d.log.Debug("broadcast", zap.String("type", env.Type()), zap.Int("recipients", n))
	return n
}

func (d *Dispatcher) deliver(userID string, ch presence.Channel, env protocol.Envelope) bool {
	if ch.Deliver(env) {
		d.metrics.Delivery(metrics.Delivered)
		return true
	}
	d.metrics.Delivery(metrics.Dropped)
	d.log.Debug("channel refused envelope",
		zap.String("user_id", userID), zap.String("type", env.Type()))
	return false
}
