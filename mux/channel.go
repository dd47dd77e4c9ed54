// Package mux implements the Channel Multiplexer: the channel table, cid
// allocation, egress port selection, and the Virtual Channel byte-stream
// abstraction that rides on top of one or more port.Engine instances.
package mux

import (
	"errors"
	"io"
	"sync"

	"github.com/nullbridge/smux/port"
	"github.com/nullbridge/smux/wire"
)

// ErrClosed is returned by Write on a channel that has already been
// closed, locally or by the peer.
var ErrClosed = errors.New("mux: channel closed")

// Channel is a duplex byte stream multiplexed over a shared port.Engine,
// identified by a channel id unique within its Multiplexer.
type Channel struct {
	ID      int64
	engine  *port.Engine
	onClose func(id int64)

	mu         sync.Mutex
	closed     bool
	peerClosed bool

	inbox    chan []byte
	leftover []byte
}

func newChannel(id int64, engine *port.Engine, onClose func(int64)) *Channel {
	return &Channel{
		ID:      id,
		engine:  engine,
		onClose: onClose,
		inbox:   make(chan []byte, 64),
	}
}

// deliver pushes a payload arriving from the wire into the channel's
// inbound pipe. An empty payload is the peer's EOF signal: it marks the
// pipe complete without enqueuing anything.
func (c *Channel) deliver(payload []byte) {
	c.mu.Lock()
	if c.closed || c.peerClosed {
		c.mu.Unlock()
		return
	}
	if len(payload) == 0 {
		c.peerClosed = true
		c.mu.Unlock()
		close(c.inbox)
		return
	}
	c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.inbox <- cp
}

// Read returns up to len(buf) bytes from the inbound pipe, or 0 and
// io.EOF once the channel is closed, locally or by the peer. Blocks until
// data or EOF arrives; a closed channel's Read side surfaces as io.EOF
// rather than ErrClosed.
func (c *Channel) Read(buf []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(buf, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}
	chunk, ok := <-c.inbox
	if !ok {
		return 0, io.EOF
	}
	n := copy(buf, chunk)
	if n < len(chunk) {
		c.leftover = chunk[n:]
	}
	return n, nil
}

// Write slices buf into MTU-sized chunks and enqueues each as a Frame on
// the owning engine's data queue.
func (c *Channel) Write(buf []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed || c.peerClosed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	total := 0
	for len(buf) > 0 {
		n := len(buf)
		if n > wire.MTU {
			n = wire.MTU
		}
		chunk := buf[:n]
		if err := c.engine.EnqueueOut(wire.Frame{ChannelID: c.ID, Payload: chunk}); err != nil {
			return total, err
		}
		total += n
		buf = buf[n:]
	}
	return total, nil
}

// Close transmits the empty-payload EOF frame, completes the inbound
// pipe locally so any blocked Read wakes with EOF, and invokes the
// on-close callback. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peerAlreadyClosed := c.peerClosed
	if !peerAlreadyClosed {
		c.peerClosed = true
	}
	c.mu.Unlock()

	if !peerAlreadyClosed {
		close(c.inbox)
	}

	_ = c.engine.EnqueueOut(wire.Frame{ChannelID: c.ID, Payload: nil})
	if c.onClose != nil {
		c.onClose(c.ID)
	}
	return nil
}
