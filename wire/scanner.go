package wire

// Scanner extracts stuffed frame bodies from a raw, possibly resynced
// byte stream: it looks for STX, discards anything before it, and
// accumulates until the next unescaped ETX. A DLE inside the
// accumulated span always escapes the byte that follows it, so an ETX
// immediately after a DLE never terminates the frame.
//
// Scanner is not safe for concurrent use; the Port Engine's reassembler
// loop owns one per device.
type Scanner struct {
	pending []byte // from a live STX onward, not yet terminated by ETX
}

// Feed appends newly read bytes and returns zero or more complete,
// still-stuffed frame bodies (the octets strictly between STX and ETX).
// Partial frames are retained internally for the next call.
func (s *Scanner) Feed(data []byte) [][]byte {
	s.pending = append(s.pending, data...)
	var out [][]byte
	for {
		body, ok := s.extractOne()
		if !ok {
			break
		}
		out = append(out, body)
	}
	return out
}

func (s *Scanner) extractOne() ([]byte, bool) {
	idx := indexByte(s.pending, STX)
	if idx < 0 {
		s.pending = s.pending[:0]
		return nil, false
	}
	if idx > 0 {
		s.pending = s.pending[idx:]
	}

	i := 1
	for i < len(s.pending) {
		b := s.pending[i]
		if b == DLE {
			if i+1 >= len(s.pending) {
				// Escape pair not fully arrived yet; wait for more data.
				return nil, false
			}
			i += 2
			continue
		}
		if b == ETX {
			body := make([]byte, i-1)
			copy(body, s.pending[1:i])
			s.pending = s.pending[i+1:]
			return body, true
		}
		i++
	}
	// STX found but no ETX yet: retain from STX onward.
	return nil, false
}

func indexByte(buf []byte, b byte) int {
	for i, v := range buf {
		if v == b {
			return i
		}
	}
	return -1
}
