package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Segment object layout
//
//	offset 0   declared_size  int64, native byte order
//	offset 8   data           declared_size bytes
//
// The object may be larger than HeaderSize+declared_size (for example after a
// foreign tool extended it), never smaller.

// HeaderSize is the number of bytes reserved at the start of every segment
// object for the size header. Data offsets are relative to the end of it.
const HeaderSize = 8

const offDeclaredSize = 0

// maxSegmentSize keeps HeaderSize+size representable as an int64 file size.
const maxSegmentSize = math.MaxInt64 - HeaderSize

const maxNameLen = 255

func encodeHeader(buf []byte, declaredSize int64) {
	binary.NativeEndian.PutUint64(buf[offDeclaredSize:], uint64(declaredSize))
}

func decodeHeader(buf []byte) int64 {
	return int64(binary.NativeEndian.Uint64(buf[offDeclaredSize:]))
}

// validateHeader checks a decoded declared size against the object size.
func validateHeader(declaredSize, objectSize int64) error {
	if objectSize < HeaderSize {
		return fmt.Errorf("object is %d bytes, smaller than the %d byte header: %w", objectSize, HeaderSize, ErrCorrupt)
	}

	if declaredSize < 0 {
		return fmt.Errorf("declared size %d is negative: %w", declaredSize, ErrCorrupt)
	}

	if declaredSize > objectSize-HeaderSize {
		return fmt.Errorf("declared size %d exceeds object capacity %d: %w", declaredSize, objectSize-HeaderSize, ErrCorrupt)
	}

	return nil
}

// validateName rejects names that are not a single, visible path element.
// Dot-prefixed names are reserved for lock and temp files.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty: %w", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("name %q exceeds %d bytes: %w", name, maxNameLen, ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("name %q starts with '.': %w", name, ErrInvalidName)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains '/' or NUL: %w", name, ErrInvalidName)
	}

	return nil
}

func validateSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("size %d is negative: %w", size, ErrOutOfRange)
	}

	if size > maxSegmentSize {
		return fmt.Errorf("size %d exceeds max %d: %w", size, int64(maxSegmentSize), ErrOutOfRange)
	}

	return nil
}
