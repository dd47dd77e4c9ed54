package payload

import (
	"fmt"
	"strconv"

	uuid "github.com/satori/go.uuid"
)

// Decimal is a 16-byte fixed-point decimal: an int64 unscaled value and an
// int32 power-of-ten scale, zero-padded to 16 bytes on the wire: the
// little-endian unscaled value (8 bytes), the little-endian scale (4
// bytes), then 4 reserved zero bytes.
type Decimal struct {
	Unscaled int64
	Scale    int32
}

func (d Decimal) String() string {
	return fmt.Sprintf("%de%d", d.Unscaled, -d.Scale)
}

// Value is a tagged union over the wire's value-tag table: a tagged
// variant rather than a dynamic any-type, so the fields below are the
// variant's storage, selected by Tag.
type Value struct {
	Tag   Tag
	str   string
	bytes []byte
	b     bool
	u8    uint8
	i16   int16
	u16   uint16
	i32   int32
	u32   uint32
	i64   int64
	u64   uint64
	f32   float32
	f64   float64
	dec   Decimal
	guid  uuid.UUID
	m     *Map
}

func String(v string) Value    { return Value{Tag: TagString, str: v} }
func Bool(v bool) Value        { return Value{Tag: TagBool, b: v} }
func ByteArray(v []byte) Value { return Value{Tag: TagByteArray, bytes: v} }
func U8(v uint8) Value         { return Value{Tag: TagU8, u8: v} }
func I16(v int16) Value        { return Value{Tag: TagI16, i16: v} }
func U16(v uint16) Value       { return Value{Tag: TagU16, u16: v} }
func I32(v int32) Value        { return Value{Tag: TagI32, i32: v} }
func U32(v uint32) Value       { return Value{Tag: TagU32, u32: v} }
func I64(v int64) Value        { return Value{Tag: TagI64, i64: v} }
func U64(v uint64) Value       { return Value{Tag: TagU64, u64: v} }
func F32(v float32) Value      { return Value{Tag: TagF32, f32: v} }
func F64(v float64) Value      { return Value{Tag: TagF64, f64: v} }
func DecimalValue(v Decimal) Value { return Value{Tag: TagDecimal, dec: v} }
func GUID(v uuid.UUID) Value   { return Value{Tag: TagGUID, guid: v} }
func MapValue(v *Map) Value    { return Value{Tag: TagMap, m: v} }

// AsString returns the value as a string, coercing scalars lexically when
// the underlying tag isn't already String.
func (v Value) AsString() (string, bool) {
	switch v.Tag {
	case TagString:
		return v.str, true
	case TagBool:
		return strconv.FormatBool(v.b), true
	case TagU8:
		return strconv.FormatUint(uint64(v.u8), 10), true
	case TagI16:
		return strconv.FormatInt(int64(v.i16), 10), true
	case TagU16:
		return strconv.FormatUint(uint64(v.u16), 10), true
	case TagI32:
		return strconv.FormatInt(int64(v.i32), 10), true
	case TagU32:
		return strconv.FormatUint(uint64(v.u32), 10), true
	case TagI64:
		return strconv.FormatInt(v.i64, 10), true
	case TagU64:
		return strconv.FormatUint(v.u64, 10), true
	case TagF32:
		return strconv.FormatFloat(float64(v.f32), 'g', -1, 32), true
	case TagF64:
		return strconv.FormatFloat(v.f64, 'g', -1, 64), true
	case TagDecimal:
		return v.dec.String(), true
	case TagGUID:
		return v.guid.String(), true
	default:
		return "", false
	}
}

func (v Value) AsBool() (bool, bool) {
	switch v.Tag {
	case TagBool:
		return v.b, true
	case TagString:
		b, err := strconv.ParseBool(v.str)
		return b, err == nil
	case TagU8, TagI16, TagU16, TagI32, TagU32, TagI64, TagU64:
		i, ok := v.AsInt64()
		return i != 0, ok
	default:
		return false, false
	}
}

func (v Value) AsInt64() (int64, bool) {
	switch v.Tag {
	case TagU8:
		return int64(v.u8), true
	case TagI16:
		return int64(v.i16), true
	case TagU16:
		return int64(v.u16), true
	case TagI32:
		return int64(v.i32), true
	case TagU32:
		return int64(v.u32), true
	case TagI64:
		return v.i64, true
	case TagU64:
		if v.u64 > 1<<63-1 {
			return 0, false
		}
		return int64(v.u64), true
	case TagBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case TagString:
		i, err := strconv.ParseInt(v.str, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func (v Value) AsUint64() (uint64, bool) {
	switch v.Tag {
	case TagU8:
		return uint64(v.u8), true
	case TagU16:
		return uint64(v.u16), true
	case TagU32:
		return uint64(v.u32), true
	case TagU64:
		return v.u64, true
	case TagI16, TagI32, TagI64:
		i, _ := v.AsInt64()
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	case TagString:
		u, err := strconv.ParseUint(v.str, 10, 64)
		return u, err == nil
	default:
		return 0, false
	}
}

func (v Value) AsFloat64() (float64, bool) {
	switch v.Tag {
	case TagF32:
		return float64(v.f32), true
	case TagF64:
		return v.f64, true
	case TagString:
		f, err := strconv.ParseFloat(v.str, 64)
		return f, err == nil
	default:
		if i, ok := v.AsInt64(); ok {
			return float64(i), true
		}
		return 0, false
	}
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.Tag != TagByteArray {
		return nil, false
	}
	return v.bytes, true
}

func (v Value) AsGUID() (uuid.UUID, bool) {
	if v.Tag != TagGUID {
		return uuid.UUID{}, false
	}
	return v.guid, true
}

func (v Value) AsDecimal() (Decimal, bool) {
	if v.Tag != TagDecimal {
		return Decimal{}, false
	}
	return v.dec, true
}

func (v Value) AsMap() (*Map, bool) {
	if v.Tag != TagMap {
		return nil, false
	}
	return v.m, true
}

// Equal compares two values for the purposes of the map round-trip
// property: same tag and same scalar
// payload. Nested maps compare by entry-set equality, byte slices by
// content.
func (v Value) Equal(other Value) bool {
	if v.Tag != other.Tag {
		return false
	}
	switch v.Tag {
	case TagString:
		return v.str == other.str
	case TagBool:
		return v.b == other.b
	case TagByteArray:
		if len(v.bytes) != len(other.bytes) {
			return false
		}
		for i := range v.bytes {
			if v.bytes[i] != other.bytes[i] {
				return false
			}
		}
		return true
	case TagU8:
		return v.u8 == other.u8
	case TagI16:
		return v.i16 == other.i16
	case TagU16:
		return v.u16 == other.u16
	case TagI32:
		return v.i32 == other.i32
	case TagU32:
		return v.u32 == other.u32
	case TagI64:
		return v.i64 == other.i64
	case TagU64:
		return v.u64 == other.u64
	case TagF32:
		return v.f32 == other.f32
	case TagF64:
		return v.f64 == other.f64
	case TagDecimal:
		return v.dec == other.dec
	case TagGUID:
		return uuid.Equal(v.guid, other.guid)
	case TagMap:
		if v.m == nil || other.m == nil {
			return v.m == other.m
		}
		return v.m.equalEntries(other.m)
	default:
		return false
	}
}
