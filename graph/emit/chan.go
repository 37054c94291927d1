package emit

import "context"

// ChanEmitter implements Emitter by publishing events onto a buffered
// channel, giving callers (a WebSocket handler, a CLI follow command)
// a simple subscription port without owning a transport of their own.
//
// Events are dropped, never blocked on, when the channel is full: a
// slow subscriber must not stall execution.
type ChanEmitter struct {
	ch chan Event
}

// NewChanEmitter returns a ChanEmitter backed by a channel of the
// given buffer size. Events() exposes the receive-only channel.
func NewChanEmitter(buffer int) *ChanEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChanEmitter{ch: make(chan Event, buffer)}
}

// Events returns the channel subscribers should range over.
func (c *ChanEmitter) Events() <-chan Event {
	return c.ch
}

// Emit publishes event, dropping it if the channel is full.
func (c *ChanEmitter) Emit(event Event) {
	select {
	case c.ch <- event:
	default:
	}
}

// EmitBatch publishes each event in order, dropping any that don't
// fit.
func (c *ChanEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		c.Emit(e)
	}
	return nil
}

// Flush is a no-op: ChanEmitter has nothing to buffer beyond the
// channel itself.
func (c *ChanEmitter) Flush(_ context.Context) error { return nil }

// Close closes the underlying channel. Subsequent Emit calls panic;
// callers must stop emitting before closing.
func (c *ChanEmitter) Close() { close(c.ch) }
