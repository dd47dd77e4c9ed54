package payload

import (
	"testing"

	uuid "github.com/satori/go.uuid"
)

func TestRoundTripScalars(t *testing.T) {
	m := New(Options{})
	if err := m.Set("name", String("edge-7")); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("active", Bool(true)); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("count", I64(-42)); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("flags", U32(0xdeadbeef)); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("ratio", F64(3.14159)); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("blob", ByteArray([]byte{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("id", GUID(uuid.NewV4())); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("price", DecimalValue(Decimal{Unscaled: 19999, Scale: 2})); err != nil {
		t.Fatal(err)
	}

	encoded, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if !m.equalEntries(decoded) {
		t.Fatalf("round trip mismatch: got %v entries, want %v", decoded.Keys(), m.Keys())
	}
}

func TestRoundTripNestedMap(t *testing.T) {
	inner := New(Options{})
	_ = inner.Set("city", String("Busan"))
	_ = inner.Set("zip", U32(48058))

	outer := New(Options{})
	_ = outer.Set("addr", MapValue(inner))
	_ = outer.Set("version", I32(3))

	encoded, err := outer.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	sub, ok := decoded.GetMap("addr")
	if !ok {
		t.Fatal("expected nested map under addr")
	}
	if city, _ := sub.GetString("city"); city != "Busan" {
		t.Fatalf("city = %q, want Busan", city)
	}
}

func TestCaseInsensitiveAndReadOnlyFlagsSurviveRoundTrip(t *testing.T) {
	m := New(Options{CaseInsensitive: true})
	_ = m.Set("Key", String("v"))
	m.Lock()

	encoded, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	decoded, err := Deserialize(encoded)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !decoded.IsReadOnly() {
		t.Error("expected decoded map to be read-only")
	}
	if err := decoded.Set("key", String("other")); err != ErrReadOnlyMap {
		t.Errorf("Set on decoded read-only map: got %v, want ErrReadOnlyMap", err)
	}
	if v, ok := decoded.GetString("KEY"); !ok || v != "v" {
		t.Errorf("case-insensitive lookup failed: got %q, %v", v, ok)
	}
}

func TestDeserializeTruncatedInput(t *testing.T) {
	m := New(Options{})
	_ = m.Set("k", String("value"))
	encoded, err := m.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	for cut := 0; cut < len(encoded); cut++ {
		_, err := Deserialize(encoded[:cut])
		if err == nil {
			t.Fatalf("Deserialize(truncated at %d): expected error, got nil", cut)
		}
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	bad := []byte{0x00, 0x00, wireVersion, 0x00, 0xEF, 0xFE}
	if _, err := Deserialize(bad); err != ErrMalformedPayload {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}
}

func TestDeserializeRejectsUnknownTag(t *testing.T) {
	m := New(Options{})
	encoded, _ := m.Serialize()
	// Insert one entry with an invalid tag byte (200) by hand: key len 1,
	// key "x", tag 200.
	footer := encoded[len(encoded)-2:]
	body := encoded[:len(encoded)-2]
	body = append(body, 0x01, 0x00, 'x', 200)
	body = append(body, footer...)
	if _, err := Deserialize(body); err != ErrMalformedPayload {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}
}

func TestSetRejectsSelfNesting(t *testing.T) {
	m := New(Options{})
	if err := m.Set("self", MapValue(m)); err != ErrCycleDetected {
		t.Errorf("got %v, want ErrCycleDetected", err)
	}
}

func TestSetRejectsDescendantCycle(t *testing.T) {
	a := New(Options{})
	b := New(Options{})
	if err := a.Set("b", MapValue(b)); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("a", MapValue(a)); err != ErrCycleDetected {
		t.Errorf("got %v, want ErrCycleDetected", err)
	}
}

func TestSetPathCycleCaughtAtSerialize(t *testing.T) {
	a := New(Options{})
	b := New(Options{})
	if err := a.SetPath("b", MapValue(b)); err != nil {
		t.Fatal(err)
	}
	// SetPath performs no cycle check, so this succeeds even though it
	// creates a self-reference two levels removed.
	if err := b.SetPath("a", MapValue(a)); err != nil {
		t.Fatalf("SetPath: %v", err)
	}
	if _, err := a.Serialize(); err != ErrCycleDetected {
		t.Errorf("Serialize: got %v, want ErrCycleDetected", err)
	}
}

func TestReadOnlyMapRejectsMutation(t *testing.T) {
	m := New(Options{})
	_ = m.Set("k", I64(1))
	m.Lock()
	if err := m.Set("k", I64(2)); err != ErrReadOnlyMap {
		t.Errorf("Set: got %v, want ErrReadOnlyMap", err)
	}
	if err := m.Delete("k"); err != ErrReadOnlyMap {
		t.Errorf("Delete: got %v, want ErrReadOnlyMap", err)
	}
	if err := m.SetPath("a.b", I64(2)); err != ErrReadOnlyMap {
		t.Errorf("SetPath: got %v, want ErrReadOnlyMap", err)
	}
}

func TestGetSetPath(t *testing.T) {
	m := New(Options{})
	if err := m.SetPath("a.b.c", String("leaf")); err != nil {
		t.Fatal(err)
	}
	v, ok := m.GetPath("a.b.c")
	if !ok {
		t.Fatal("expected value at a.b.c")
	}
	s, _ := v.AsString()
	if s != "leaf" {
		t.Errorf("got %q, want leaf", s)
	}
	if err := m.DeletePath("a.b.c"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetPath("a.b.c"); ok {
		t.Error("expected a.b.c to be gone after DeletePath")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New(Options{})
	_ = m.Set("k", String("v1"))
	clone := m.Clone()
	_ = m.Set("k", String("v2"))
	v, _ := clone.GetString("k")
	if v != "v1" {
		t.Errorf("clone mutated by source: got %q, want v1", v)
	}
}

func TestValueCoercion(t *testing.T) {
	v := I64(42)
	s, ok := v.AsString()
	if !ok || s != "42" {
		t.Errorf("AsString on I64: got %q, %v", s, ok)
	}
	f, ok := v.AsFloat64()
	if !ok || f != 42 {
		t.Errorf("AsFloat64 on I64: got %v, %v", f, ok)
	}

	sv := String("7")
	i, ok := sv.AsInt64()
	if !ok || i != 7 {
		t.Errorf("AsInt64 on String: got %v, %v", i, ok)
	}
}
