package server

import (
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

// outbox is the bounded queue between producers and a session's write
// pump. Producers never block: a full queue closes the outbox and flags the
// overflow so the write pump can evict the client.
type outbox struct {
	mu       sync.Mutex
	queue    chan protocol.Envelope
	closed   bool
	overflow atomic.Bool
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = defaultSendBufferSize
	}
	return &outbox{queue: make(chan protocol.Envelope, size)}
}

func (o *outbox) deliver(env protocol.Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	select {
	case o.queue <- env:
		return true
	default:
		o.overflow.Store(true)
		o.closed = true
		close(o.queue)
		return false
	}
}

// close stops accepting envelopes. Envelopes already queued are still
// drained by the write pump.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}

func (o *outbox) overflowed() bool {
	return o.overflow.Load()
}

func (o *outbox) receive() <-chan protocol.Envelope {
	return o.queue
}
