// Package testutil holds helpers shared by fuzz tests.
package testutil

// ByteStream reads bytes sequentially from a byte slice.
//
// Fuzz tests use it to derive operations and arguments from the fuzz input.
// When the stream is exhausted every read returns zero values, so the same
// input always produces the same sequence.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over the given bytes.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextBytes reads n bytes, padding with zeros if exhausted.
func (s *ByteStream) NextBytes(n int) []byte {
	if n <= 0 {
		return []byte{}
	}

	out := make([]byte, n)
	for i := range n {
		out[i] = s.NextByte()
	}

	return out
}

// NextInt returns an int in [0, maxVal) derived from the next two bytes.
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	v := int(s.NextByte())<<8 | int(s.NextByte())

	return v % maxVal
}

// NextInt64Range returns an int64 in [lo, hi]. Returns lo if hi < lo.
func (s *ByteStream) NextInt64Range(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}

	return lo + int64(s.NextInt(int(hi-lo+1)))
}

// NextBool returns a boolean derived from the next byte.
func (s *ByteStream) NextBool() bool {
	return s.NextByte()&1 == 1
}
