package payload

import (
	"encoding/binary"
	"fmt"
	"math"

	uuid "github.com/satori/go.uuid"
)

var (
	magicHeader = [2]byte{0xFE, 0xEF}
	magicFooter = [2]byte{0xEF, 0xFE}
)

const wireVersion = 0x01

const (
	flagCaseInsensitive byte = 1 << 0
	flagReadOnly        byte = 1 << 1
	flagConcurrent      byte = 1 << 2
)

func (m *Map) flagsByte() byte {
	var f byte
	if m.caseInsensitive {
		f |= flagCaseInsensitive
	}
	if m.IsReadOnly() {
		f |= flagReadOnly
	}
	if m.concurrent {
		f |= flagConcurrent
	}
	return f
}

// Serialize encodes the map in its binary wire format. It refuses
// (ErrCycleDetected) if the nested-map graph reaches itself, a
// last-resort check for cycles that slip past Set's insertion-time
// check via SetPath.
func (m *Map) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 256)
	if err := m.appendTo(&buf, make(map[*Map]bool)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Map) appendTo(buf *[]byte, stack map[*Map]bool) error {
	if stack[m] {
		return ErrCycleDetected
	}
	stack[m] = true
	defer delete(stack, m)

	*buf = append(*buf, magicHeader[0], magicHeader[1], wireVersion, m.flagsByte())

	m.rlock()
	entries := make([]entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.runlock()

	for _, e := range entries {
		if err := appendEntry(buf, e, stack); err != nil {
			return err
		}
	}
	*buf = append(*buf, magicFooter[0], magicFooter[1])
	return nil
}

func appendEntry(buf *[]byte, e entry, stack map[*Map]bool) error {
	keyBytes := []byte(e.key)
	if len(keyBytes) > MaxKeyBytes {
		return ErrBoundsExceeded
	}
	*buf = appendU16(*buf, uint16(len(keyBytes)))
	*buf = append(*buf, keyBytes...)
	*buf = append(*buf, byte(e.value.Tag))
	return appendValue(buf, e.value, stack)
}

func appendValue(buf *[]byte, v Value, stack map[*Map]bool) error {
	switch v.Tag {
	case TagString:
		b := []byte(v.str)
		if len(b) > MaxValueBytes {
			return ErrBoundsExceeded
		}
		*buf = appendU16(*buf, uint16(len(b)))
		*buf = append(*buf, b...)
	case TagByteArray:
		if len(v.bytes) > MaxValueBytes {
			return ErrBoundsExceeded
		}
		*buf = appendU16(*buf, uint16(len(v.bytes)))
		*buf = append(*buf, v.bytes...)
	case TagBool:
		var b byte
		if v.b {
			b = 1
		}
		*buf = append(*buf, b)
	case TagU8:
		*buf = append(*buf, v.u8)
	case TagI16:
		*buf = appendU16(*buf, uint16(v.i16))
	case TagU16:
		*buf = appendU16(*buf, v.u16)
	case TagI32:
		*buf = appendU32(*buf, uint32(v.i32))
	case TagU32:
		*buf = appendU32(*buf, v.u32)
	case TagF32:
		*buf = appendU32(*buf, math.Float32bits(v.f32))
	case TagI64:
		*buf = appendU64(*buf, uint64(v.i64))
	case TagU64:
		*buf = appendU64(*buf, v.u64)
	case TagF64:
		*buf = appendU64(*buf, math.Float64bits(v.f64))
	case TagDecimal:
		*buf = appendU64(*buf, uint64(v.dec.Unscaled))
		*buf = appendU32(*buf, uint32(v.dec.Scale))
		*buf = append(*buf, 0, 0, 0, 0) // reserved
	case TagGUID:
		*buf = append(*buf, v.guid.Bytes()...)
	case TagMap:
		if v.m == nil {
			return fmt.Errorf("%w: nil nested map", ErrMalformedPayload)
		}
		return v.m.appendTo(buf, stack)
	default:
		return fmt.Errorf("%w: tag %d", ErrMalformedPayload, v.Tag)
	}
	return nil
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Deserialize parses a Map from its wire representation.
// CaseInsensitive/ReadOnly/Concurrent are taken from the wire flags byte;
// the path separator is the default ".".
func Deserialize(data []byte) (*Map, error) {
	r := &reader{buf: data}
	m, err := readMap(r)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byteAt(n int) (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func readMap(r *reader) (*Map, error) {
	hdr, err := r.take(2)
	if err != nil {
		return nil, err
	}
	if hdr[0] != magicHeader[0] || hdr[1] != magicHeader[1] {
		return nil, ErrMalformedPayload
	}
	version, err := r.byteAt(0)
	if err != nil {
		return nil, err
	}
	if version != wireVersion {
		return nil, ErrMalformedPayload
	}
	flags, err := r.byteAt(0)
	if err != nil {
		return nil, err
	}
	m := New(Options{
		CaseInsensitive: flags&flagCaseInsensitive != 0,
		Concurrent:      flags&flagConcurrent != 0,
	})

	for {
		if r.remaining() < 2 {
			return nil, ErrTruncated
		}
		if r.buf[r.off] == magicFooter[0] && r.buf[r.off+1] == magicFooter[1] {
			r.off += 2
			break
		}
		keyLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		if keyLen > MaxKeyBytes {
			return nil, ErrMalformedPayload
		}
		keyBytes, err := r.take(int(keyLen))
		if err != nil {
			return nil, err
		}
		tagByte, err := r.byteAt(0)
		if err != nil {
			return nil, err
		}
		tag := Tag(tagByte)
		val, err := readValue(r, tag)
		if err != nil {
			return nil, err
		}
		key := string(keyBytes)
		m.entries[m.lookupKey(key)] = entry{key: key, value: val}
	}
	if flags&flagReadOnly != 0 {
		m.Lock()
	}
	return m, nil
}

func readValue(r *reader, tag Tag) (Value, error) {
	switch tag {
	case TagString:
		n, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		if n > MaxValueBytes {
			return Value{}, ErrMalformedPayload
		}
		b, err := r.take(int(n))
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case TagByteArray:
		n, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		if n > MaxValueBytes {
			return Value{}, ErrMalformedPayload
		}
		b, err := r.take(int(n))
		if err != nil {
			return Value{}, err
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return ByteArray(cp), nil
	case TagBool:
		b, err := r.byteAt(0)
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case TagU8:
		b, err := r.byteAt(0)
		if err != nil {
			return Value{}, err
		}
		return U8(b), nil
	case TagI16:
		v, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		return I16(int16(v)), nil
	case TagU16:
		v, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		return U16(v), nil
	case TagI32:
		v, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		return I32(int32(v)), nil
	case TagU32:
		v, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		return U32(v), nil
	case TagF32:
		v, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		return F32(math.Float32frombits(v)), nil
	case TagI64:
		v, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return I64(int64(v)), nil
	case TagU64:
		v, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return U64(v), nil
	case TagF64:
		v, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return F64(math.Float64frombits(v)), nil
	case TagDecimal:
		unscaled, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		scale, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		if _, err := r.take(4); err != nil { // reserved
			return Value{}, err
		}
		return DecimalValue(Decimal{Unscaled: int64(unscaled), Scale: int32(scale)}), nil
	case TagGUID:
		b, err := r.take(16)
		if err != nil {
			return Value{}, err
		}
		g, err := uuid.FromBytes(b)
		if err != nil {
			return Value{}, ErrMalformedPayload
		}
		return GUID(g), nil
	case TagMap:
		sub, err := readMap(r)
		if err != nil {
			return Value{}, err
		}
		return MapValue(sub), nil
	default:
		return Value{}, ErrMalformedPayload
	}
}
