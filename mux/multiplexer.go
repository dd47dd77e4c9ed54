package mux

import (
	"sync"
	"sync/atomic"

	"github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/port"
	"github.com/nullbridge/smux/wire"
)

// ControlHandler processes a control-channel (cid 0) payload. It is
// invoked on a background goroutine so a slow RPC handler never blocks
// the dispatcher loop of the engine that delivered it.
type ControlHandler func(eng *port.Engine, payload []byte)

// Multiplexer owns the channel table and one or more port.Engine
// instances. It registers dispatch as each engine's FrameHandler and
// routes cid-0 frames to a ControlHandler, everything else to the
// matching Channel's inbound pipe.
type Multiplexer struct {
	log     *logging.Logger
	engines []*port.Engine
	control atomic.Value // ControlHandler

	nextID atomic.Int64 // last allocated channel id; the first AllocateID returns 1

	mu       sync.RWMutex
	channels map[int64]*Channel
}

// New constructs a Multiplexer over engines and registers its dispatch
// function with each one. control handles cid-0 payloads.
func New(engines []*port.Engine, control ControlHandler) *Multiplexer {
	m := &Multiplexer{
		log:      logging.Get("mux"),
		engines:  engines,
		channels: make(map[int64]*Channel),
	}
	if control != nil {
		m.control.Store(control)
	}
	for _, e := range engines {
		eng := e
		eng.SetHandler(func(src *port.Engine, f wire.Frame) {
			m.dispatch(src, f)
		})
	}
	return m
}

// SetControl registers (or replaces) the control-channel handler. Useful
// when the handler itself needs a reference to this Multiplexer, which
// isn't available yet at New's call site.
func (m *Multiplexer) SetControl(control ControlHandler) {
	m.control.Store(control)
}

func (m *Multiplexer) currentControl() ControlHandler {
	v := m.control.Load()
	if v == nil {
		return nil
	}
	return v.(ControlHandler)
}

func (m *Multiplexer) dispatch(eng *port.Engine, f wire.Frame) {
	if f.ChannelID == 0 {
		control := m.currentControl()
		if control == nil {
			return
		}
		go control(eng, f.Payload)
		return
	}
	m.mu.RLock()
	ch, ok := m.channels[f.ChannelID]
	m.mu.RUnlock()
	if !ok {
		m.log.Debugf("dropping frame for unknown channel %d", f.ChannelID)
		return
	}
	ch.deliver(f.Payload)
}

// selectEngine picks the engine with the smallest back-pressure, ties
// broken by declaration order.
func (m *Multiplexer) selectEngine() *port.Engine {
	var best *port.Engine
	bestDepth := -1
	for _, e := range m.engines {
		d := e.BackPressure()
		if bestDepth < 0 || d < bestDepth {
			best = e
			bestDepth = d
		}
	}
	return best
}

// AllocateID returns the next monotonic channel id, starting at 1 (cid 0
// is reserved for the control channel). The allocator is always
// whichever side services an Establish RPC, so both ends agree on
// ownership without extra coordination.
func (m *Multiplexer) AllocateID() int64 {
	return m.nextID.Add(1)
}

// NewChannel creates a Virtual Channel on the least-backpressured
// engine (or a caller-pinned one, via NewChannelOn) and registers it in
// the table.
func (m *Multiplexer) NewChannel(id int64) *Channel {
	return m.NewChannelOn(id, m.selectEngine())
}

// NewChannelOn creates a Virtual Channel pinned to a caller-chosen
// engine instead of the least-backpressured one NewChannel picks. Either
// way the engine is chosen once, when the channel is created, and every
// write on the channel goes to it.
func (m *Multiplexer) NewChannelOn(id int64, eng *port.Engine) *Channel {
	ch := newChannel(id, eng, m.Kill)
	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()
	return ch
}

// Kill removes a channel from the table. Idempotent.
func (m *Multiplexer) Kill(id int64) {
	m.mu.Lock()
	_, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if ok {
		m.log.Debugf("channel %d removed", id)
	}
}

// Lookup returns the channel registered under id, if any.
func (m *Multiplexer) Lookup(id int64) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// SendControl wraps payload in a cid-0 frame and submits it to the
// given engine's priority control queue.
func (m *Multiplexer) SendControl(eng *port.Engine, payload []byte) error {
	if eng == nil {
		eng = m.selectEngine()
	}
	return eng.EnqueueOutControl(wire.Frame{ChannelID: 0, Payload: payload})
}

// Engines returns the multiplexer's underlying port engines, e.g. so a
// caller can pick one explicitly for SendControl.
func (m *Multiplexer) Engines() []*port.Engine { return m.engines }

// Close tears down every channel and every underlying port.Engine, the
// graceful-shutdown path cmd/smuxhost and cmd/smuxproxy follow on a stop
// signal.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, e := range m.engines {
		_ = e.Dispose()
	}
}
