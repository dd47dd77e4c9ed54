package payload

import "errors"

// Sentinel error values so callers can use errors.Is against a stable
// identity, declared at package scope.
var (
	ErrTruncated        = errors.New("payload: truncated input")
	ErrMalformedPayload = errors.New("payload: malformed payload")
	ErrBoundsExceeded   = errors.New("payload: key or value exceeds size limit")
	ErrCycleDetected    = errors.New("payload: nested map graph contains a cycle")
	ErrReadOnlyMap      = errors.New("payload: map is read-only")
	ErrTypeMismatch     = errors.New("payload: value cannot be represented as requested type")
	ErrKeyNotFound      = errors.New("payload: key not found")
)

const (
	// MaxKeyBytes is the maximum length, in UTF-8 bytes, of a key.
	MaxKeyBytes = 128
	// MaxValueBytes is the maximum length, in bytes, of a String or
	// ByteArray value.
	MaxValueBytes = 4096
)
