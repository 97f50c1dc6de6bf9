package signaling

import (
	"sync"
)

// Channel is the transport contract for signaling messages. Delivery
// is at-most-once per underlying connection instance; reconnection is
// handled outside the core.
type Channel interface {
	// Send delivers one outbound message. Broadcast shapes reach every
	// listening peer; addressed shapes reach the peer named by ToID.
	Send(message Message) error
	// Events yields inbound messages. The channel is closed on Close.
	Events() <-chan Message
	// Close releases the channel. Further sends fail.
	Close() error
}

const loopbackBufferSize = 64

// loopbackChannel is an in-process Channel half, paired with another.
type loopbackChannel struct {
	mu     sync.Mutex
	peer   *loopbackChannel
	events chan Message
	closed bool
}

// NewLoopbackPair returns two connected in-process channels. A send on
// one side arrives on the other side's Events. Used by tests and by
// single-host setups.
func NewLoopbackPair() (Channel, Channel) {
	a := &loopbackChannel{events: make(chan Message, loopbackBufferSize)}
	b := &loopbackChannel{events: make(chan Message, loopbackBufferSize)}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *loopbackChannel) Send(message Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	peer := c.peer
	c.mu.Unlock()

	peer.deliver(stamped(message))
	return nil
}

func (c *loopbackChannel) deliver(message Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// At-most-once: a full buffer drops rather than blocks.
	select {
	case c.events <- message:
	default:
	}
}

func (c *loopbackChannel) Events() <-chan Message {
	return c.events
}

func (c *loopbackChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}
