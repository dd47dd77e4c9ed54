// Package port implements the Port Engine: the four concurrent loops that
// own one physical serial device and turn it into a stream of inbound
// wire.Frame values and a pair of outbound queues (control and data).
package port

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/wire"
)

// ErrClosed is returned by enqueue operations once the engine has been
// disposed.
var ErrClosed = errors.New("port: engine closed")

// Device is the physical or virtual serial link a Port Engine drives.
// Any io.ReadWriteCloser qualifies; production callers wrap a real
// serial port, a unix socket, or (in tests) a net.Pipe half.
type Device interface {
	io.ReadWriteCloser
}

// FrameHandler is the Multiplexer's dispatch callback, registered once
// at construction. Implementations MUST NOT block: the dispatcher loop
// calls it synchronously and a slow handler stalls every other inbound
// frame on this engine.
type FrameHandler func(p *Engine, f wire.Frame)

const (
	scratchSize    = 4096
	idleReadPause  = time.Millisecond
	ioRetryPause   = 50 * time.Millisecond
	outboundQueueN = 64
)

// Stats are the Port Engine's running counters, read via Stats().
type Stats struct {
	FramesIn   int64
	FramesOut  int64
	TrafficIn  int64
	TrafficOut int64
}

// Engine drives a single Device through its four loops and exposes the
// two outbound queues a Virtual Channel or Control Channel enqueues onto.
type Engine struct {
	log    *logging.Logger
	device Device
	handle atomic.Value // FrameHandler

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool

	ingress chan []byte      // raw bytes from the reader loop
	inFrame chan wire.Frame  // reassembled inbound frames
	outCtl  chan wire.Frame  // outbound control queue (priority)
	outData chan wire.Frame  // outbound data queue

	framesIn   atomic.Int64
	framesOut  atomic.Int64
	trafficIn  atomic.Int64
	trafficOut atomic.Int64

	wg sync.WaitGroup
}

// New constructs an Engine over device. handler is the Multiplexer's
// dispatch function; it is called from the dispatcher loop for every
// inbound frame. A nil handler is fine at construction time — wire it
// later with SetHandler before calling Start.
func New(device Device, handler FrameHandler) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:     logging.Get("port"),
		device:  device,
		ctx:     ctx,
		cancel:  cancel,
		ingress: make(chan []byte, outboundQueueN),
		inFrame: make(chan wire.Frame, outboundQueueN),
		outCtl:  make(chan wire.Frame, outboundQueueN),
		outData: make(chan wire.Frame, outboundQueueN),
	}
	if handler != nil {
		e.handle.Store(handler)
	}
	return e
}

// SetHandler registers (or replaces) the frame handler. Must be called
// before Start to avoid racing the dispatcher loop's first read.
func (e *Engine) SetHandler(handler FrameHandler) {
	e.handle.Store(handler)
}

func (e *Engine) currentHandler() FrameHandler {
	v := e.handle.Load()
	if v == nil {
		return nil
	}
	return v.(FrameHandler)
}

// Start spins up the four loops. Idempotent: a second call is a no-op.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(4)
	go e.ingressLoop()
	go e.reassemblerLoop()
	go e.dispatcherLoop()
	go e.senderLoop()
}

// EnqueueOut submits a data-plane frame. Blocks if the data queue is
// full, which is the backpressure signal a Virtual Channel's write
// relies on.
func (e *Engine) EnqueueOut(f wire.Frame) error {
	if e.closed.Load() {
		return ErrClosed
	}
	select {
	case e.outData <- f:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// EnqueueOutControl submits a control-plane frame, which the sender loop
// always drains ahead of the data queue.
func (e *Engine) EnqueueOutControl(f wire.Frame) error {
	if e.closed.Load() {
		return ErrClosed
	}
	select {
	case e.outCtl <- f:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// BackPressure reports the data queue's current depth, the metric the
// Channel Multiplexer uses to pick an egress engine among several.
func (e *Engine) BackPressure() int {
	return len(e.outData)
}

// Stats returns a snapshot of the running counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesIn:   e.framesIn.Load(),
		FramesOut:  e.framesOut.Load(),
		TrafficIn:  e.trafficIn.Load(),
		TrafficOut: e.trafficOut.Load(),
	}
}

// Dispose cancels all four loops and closes the device. Idempotent.
func (e *Engine) Dispose() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	err := e.device.Close()
	e.wg.Wait()
	return err
}

func (e *Engine) ingressLoop() {
	defer e.wg.Done()
	defer close(e.ingress)
	buf := make([]byte, scratchSize)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		n, err := e.device.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case e.ingress <- chunk:
			case <-e.ctx.Done():
				return
			}
			continue
		}
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			e.log.Warningf("read error, retrying: %v", err)
			select {
			case <-time.After(ioRetryPause):
			case <-e.ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(idleReadPause):
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) reassemblerLoop() {
	defer e.wg.Done()
	defer close(e.inFrame)
	var scanner wire.Scanner
	for chunk := range e.ingress {
		bodies := scanner.Feed(chunk)
		for _, body := range bodies {
			f, err := wire.Unpack(body)
			if err != nil {
				e.log.Debugf("dropping malformed frame: %v", err)
				continue
			}
			e.framesIn.Add(1)
			e.trafficIn.Add(int64(len(f.Payload)))
			select {
			case e.inFrame <- f:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) dispatcherLoop() {
	defer e.wg.Done()
	for f := range e.inFrame {
		handler := e.currentHandler()
		if handler == nil {
			continue
		}
		func(f wire.Frame) {
			defer func() {
				if r := recover(); r != nil {
					e.log.Errorf("frame handler panicked: %v", r)
				}
			}()
			handler(e, f)
		}(f)
	}
}

func (e *Engine) senderLoop() {
	defer e.wg.Done()
	scratch := make([]byte, 0, scratchSize)
	for {
		var f wire.Frame
		select {
		case f = <-e.outCtl:
		default:
			select {
			case f = <-e.outCtl:
			case f = <-e.outData:
			case <-e.ctx.Done():
				return
			}
		}
		packed, err := wire.Pack(f.ChannelID, f.Payload)
		if err != nil {
			e.log.Errorf("pack error, dropping frame for cid %d: %v", f.ChannelID, err)
			continue
		}
		scratch = scratch[:0]
		scratch = append(scratch, packed...)
		if err := e.writeAll(scratch); err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Warningf("write error: %v", err)
			continue
		}
		e.framesOut.Add(1)
		e.trafficOut.Add(int64(len(f.Payload)))
	}
}

func (e *Engine) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := e.device.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
