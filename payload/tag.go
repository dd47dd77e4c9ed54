// Package payload implements the self-describing, length-prefixed binary
// map used as the body of every control-channel message: string keys to
// tagged scalars, byte arrays, GUIDs, fixed-point decimals and nested maps.
package payload

// Tag identifies the wire type of a Value. The numbering is frozen by the
// wire format and must never be renumbered.
type Tag byte

const (
	TagUnspecified Tag = 0
	TagString      Tag = 1
	TagBool        Tag = 2
	TagByteArray   Tag = 3
	TagU8          Tag = 4
	TagI16         Tag = 5
	TagU16         Tag = 6
	TagI32         Tag = 7
	TagU32         Tag = 8
	TagI64         Tag = 9
	TagU64         Tag = 10
	TagF32         Tag = 11
	TagF64         Tag = 12
	TagDecimal     Tag = 13
	TagMap         Tag = 14
	TagGUID        Tag = 15
)

func (t Tag) String() string {
	switch t {
	case TagUnspecified:
		return "Unspecified"
	case TagString:
		return "String"
	case TagBool:
		return "Bool"
	case TagByteArray:
		return "ByteArray"
	case TagU8:
		return "U8"
	case TagI16:
		return "I16"
	case TagU16:
		return "U16"
	case TagI32:
		return "I32"
	case TagU32:
		return "U32"
	case TagI64:
		return "I64"
	case TagU64:
		return "U64"
	case TagF32:
		return "F32"
	case TagF64:
		return "F64"
	case TagDecimal:
		return "Decimal"
	case TagMap:
		return "Map"
	case TagGUID:
		return "GUID"
	default:
		return "Unknown"
	}
}

// fixedSize returns the on-wire size of a tag's fixed-length value, or -1
// for tags whose value is length-prefixed (String, ByteArray) or recursive
// (Map).
func (t Tag) fixedSize() int {
	switch t {
	case TagBool, TagU8:
		return 1
	case TagI16, TagU16:
		return 2
	case TagI32, TagU32, TagF32:
		return 4
	case TagI64, TagU64, TagF64:
		return 8
	case TagDecimal, TagGUID:
		return 16
	default:
		return -1
	}
}
