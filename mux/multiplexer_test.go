package mux

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/nullbridge/smux/port"
	"github.com/nullbridge/smux/wire"
)

// fakeDevice is an in-memory Device that never blocks and records every
// write; it stands in for a serial port in the Multiplexer tests, which
// only need the engine's queueing and dispatch behavior, not real I/O.
type fakeDevice struct {
	writes chan []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{writes: make(chan []byte, 256)}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	return 0, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	d.writes <- cp
	return len(p), nil
}

func (d *fakeDevice) Close() error { return nil }

func newTestMux(t *testing.T, n int) (*Multiplexer, []*port.Engine, []*fakeDevice) {
	t.Helper()
	engines := make([]*port.Engine, n)
	devices := make([]*fakeDevice, n)
	for i := 0; i < n; i++ {
		devices[i] = newFakeDevice()
		engines[i] = port.New(devices[i], nil)
	}
	m := New(engines, func(eng *port.Engine, payload []byte) {})
	for _, e := range engines {
		e.Start()
	}
	t.Cleanup(func() {
		for _, e := range engines {
			e.Dispose()
		}
	})
	return m, engines, devices
}

func TestChannelIDsAreUniqueAndNonzero(t *testing.T) {
	m, _, _ := newTestMux(t, 1)
	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		id := m.AllocateID()
		if id == 0 {
			t.Fatalf("allocated reserved cid 0 at i=%d", i)
		}
		if seen[id] {
			t.Fatalf("duplicate cid %d at i=%d", id, i)
		}
		seen[id] = true
	}
}

func TestChannelEOFOnEmptyPayload(t *testing.T) {
	m, engines, _ := newTestMux(t, 1)
	id := m.AllocateID()
	ch := m.NewChannel(id)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		n, err := ch.Read(buf)
		if n != 0 || err != io.EOF {
			t.Errorf("Read after EOF: n=%d err=%v, want 0, io.EOF", n, err)
		}
		close(done)
	}()

	m.dispatch(engines[0], wire.Frame{ChannelID: id, Payload: nil})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF read")
	}
}

func TestChannelWriteSlicesToMTU(t *testing.T) {
	m, _, devices := newTestMux(t, 1)
	id := m.AllocateID()
	ch := m.NewChannel(id)

	payload := bytes.Repeat([]byte{0x7A}, 3000)
	if _, err := ch.Write(payload); err != nil {
		t.Fatal(err)
	}

	var sizes []int
	deadline := time.After(2 * time.Second)
	for len(sizes) < 3 {
		select {
		case raw := <-devices[0].writes:
			body := raw[1 : len(raw)-1] // strip STX/ETX
			f, err := wire.Unpack(body)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			sizes = append(sizes, len(f.Payload))
		case <-deadline:
			t.Fatalf("timed out, got %d frames: %v", len(sizes), sizes)
		}
	}
	want := []int{1400, 1400, 200}
	for i, w := range want {
		if sizes[i] != w {
			t.Errorf("frame %d size = %d, want %d", i, sizes[i], w)
		}
	}
}

// stalledDevice accepts exactly one Write before blocking forever,
// letting a test pile up a known queue depth behind it without the
// sender loop draining it.
type stalledDevice struct {
	first chan struct{}
	block chan struct{}
}

func newStalledDevice() *stalledDevice {
	return &stalledDevice{first: make(chan struct{}, 1), block: make(chan struct{})}
}

func (d *stalledDevice) Read(p []byte) (int, error) {
	<-d.block
	return 0, nil
}

func (d *stalledDevice) Write(p []byte) (int, error) {
	select {
	case d.first <- struct{}{}:
		return len(p), nil
	default:
		<-d.block
		return 0, nil
	}
}

func (d *stalledDevice) Close() error { close(d.block); return nil }

func TestPortSelectionPicksLeastBackpressure(t *testing.T) {
	devA, devB := newStalledDevice(), newStalledDevice()
	engA := port.New(devA, nil)
	engB := port.New(devB, nil)
	m := New([]*port.Engine{engA, engB}, func(*port.Engine, []byte) {})
	engA.Start()
	engB.Start()
	t.Cleanup(func() {
		engA.Dispose()
		engB.Dispose()
	})

	for i := 0; i < 10; i++ {
		_ = engA.EnqueueOut(wire.Frame{ChannelID: 99, Payload: []byte("x")})
	}
	for i := 0; i < 2; i++ {
		_ = engB.EnqueueOut(wire.Frame{ChannelID: 98, Payload: []byte("x")})
	}
	time.Sleep(50 * time.Millisecond) // let the sender loop pull one frame into flight on each

	picked := m.selectEngine()
	if picked != engB {
		t.Fatalf("selectEngine picked engine with BackPressure %d (depth_A=%d depth_B=%d), want engB",
			picked.BackPressure(), engA.BackPressure(), engB.BackPressure())
	}
}

func TestDispatchUnknownChannelIsDropped(t *testing.T) {
	m, engines, _ := newTestMux(t, 1)
	// Should not panic even though no channel 42 exists.
	m.dispatch(engines[0], wire.Frame{ChannelID: 42, Payload: []byte("x")})
}
