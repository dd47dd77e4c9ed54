package wire

import (
	"bytes"
	"testing"
)

func TestScannerResync(t *testing.T) {
	f1, _ := Pack(1, []byte("first"))
	f2, _ := Pack(2, []byte("second"))
	stream := append([]byte("junk-before"), f1...)
	stream = append(stream, []byte("garbage-between")...)
	stream = append(stream, f2...)

	var s Scanner
	bodies := s.Feed(stream)
	if len(bodies) != 2 {
		t.Fatalf("got %d frames, want 2", len(bodies))
	}
	got1, err := Unpack(bodies[0])
	if err != nil {
		t.Fatal(err)
	}
	got2, err := Unpack(bodies[1])
	if err != nil {
		t.Fatal(err)
	}
	if got1.ChannelID != 1 || !bytes.Equal(got1.Payload, []byte("first")) {
		t.Errorf("frame 1 = %+v", got1)
	}
	if got2.ChannelID != 2 || !bytes.Equal(got2.Payload, []byte("second")) {
		t.Errorf("frame 2 = %+v", got2)
	}
}

func TestScannerSplitAcrossReads(t *testing.T) {
	f, _ := Pack(9, []byte("split-me"))
	var s Scanner
	if bodies := s.Feed(f[:len(f)/2]); len(bodies) != 0 {
		t.Fatalf("expected no frames from a partial read, got %d", len(bodies))
	}
	bodies := s.Feed(f[len(f)/2:])
	if len(bodies) != 1 {
		t.Fatalf("got %d frames, want 1", len(bodies))
	}
	got, err := Unpack(bodies[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.ChannelID != 9 || string(got.Payload) != "split-me" {
		t.Errorf("got %+v", got)
	}
}

func TestScannerNoStxConsumesEverything(t *testing.T) {
	var s Scanner
	bodies := s.Feed([]byte("no framing markers here at all"))
	if len(bodies) != 0 {
		t.Fatalf("got %d frames, want 0", len(bodies))
	}
	if len(s.pending) != 0 {
		t.Fatalf("expected pending buffer drained, got %d bytes", len(s.pending))
	}
}

func TestScannerEtxInsideEscapePairDoesNotTerminate(t *testing.T) {
	// A payload containing ETX itself, so the stuffed body holds DLE,
	// escaped-ETX before the real terminator.
	f, _ := Pack(3, []byte{ETX, 'X'})
	var s Scanner
	bodies := s.Feed(f)
	if len(bodies) != 1 {
		t.Fatalf("got %d frames, want 1", len(bodies))
	}
	got, err := Unpack(bodies[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.ChannelID != 3 || !bytes.Equal(got.Payload, []byte{ETX, 'X'}) {
		t.Errorf("got %+v", got)
	}
}

func TestScannerIncompleteTrailingDleWaitsForMore(t *testing.T) {
	f, _ := Pack(4, []byte{DLE, 'Y'})
	var s Scanner
	// Feed everything except the final ETX plus split right after the
	// escape's first byte, forcing the scanner to buffer a dangling DLE.
	cut := len(f) - 3
	if bodies := s.Feed(f[:cut]); len(bodies) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(bodies))
	}
	bodies := s.Feed(f[cut:])
	if len(bodies) != 1 {
		t.Fatalf("got %d frames, want 1", len(bodies))
	}
	got, err := Unpack(bodies[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.ChannelID != 4 || !bytes.Equal(got.Payload, []byte{DLE, 'Y'}) {
		t.Errorf("got %+v", got)
	}
}
