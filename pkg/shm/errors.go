package shm

import "errors"

// Sentinel errors returned by shm operations.
//
// Callers should use [errors.Is] to check error types:
//
//	seg, err := space.Open("frames")
//	if errors.Is(err, shm.ErrNotFound) {
//	    // nobody has published "frames" yet
//	}
var (
	// ErrNotFound indicates no segment with the requested name exists.
	//
	// The wrapped message carries the name.
	//
	// Recovery: create the segment with [Space.CreateOrOpen], or wait for the
	// producer to publish it.
	ErrNotFound = errors.New("shm: not found")

	// ErrOutOfRange indicates an offset, length or size outside the segment's
	// declared size, or a negative size.
	//
	// This is a programming error.
	ErrOutOfRange = errors.New("shm: out of range")

	// ErrCorrupt indicates the segment header is inconsistent with the size
	// of the backing object (negative or oversized declared size, or an object
	// too small to hold a header).
	//
	// Recovery: remove the segment with [Space.Remove] and recreate it.
	ErrCorrupt = errors.New("shm: corrupt")

	// ErrClosed indicates the [Segment] has already been closed, or was
	// consumed by [Segment.Resize].
	//
	// This is a programming error.
	ErrClosed = errors.New("shm: closed")

	// ErrInvalidName indicates a segment name that cannot be used as a single
	// path element (empty, contains '/', starts with '.', or too long).
	//
	// This is a programming error.
	ErrInvalidName = errors.New("shm: invalid name")
)
