// Package shmstream provides a seekable byte stream over a named shared
// memory segment.
//
// A [Stream] buffers everything in process memory and touches the segment
// only twice: once to pull its bytes in (the first time the stream reads,
// writes or changes length) and once on [Stream.Flush] to publish the whole
// image. Other processes see nothing until Flush, and see the flushed image
// only when they open a new stream on the name.
//
//	w := shmstream.Create(space, "report")
//	_, _ = w.Write(payload)
//	if err := w.Flush(); err != nil {
//	    return err
//	}
//
//	r, err := shmstream.Open(space, "report")
//	...
//	data, err := io.ReadAll(r)
package shmstream

import (
	"errors"
	"fmt"
	"io"

	"github.com/calvinalkan/shmipc/pkg/shm"
)

var (
	_ io.ReadWriteSeeker = (*Stream)(nil)
	_ io.Closer          = (*Stream)(nil)
)

// Stream is a read/write/seek view of a shared memory segment.
//
// A Stream starts unattached ([Create]) or attached to an existing segment
// ([Open]). An unattached stream allocates its segment on the first Flush
// that has something to write.
//
// Invariant: 0 <= Position() <= Length().
//
// A Stream is not safe for concurrent use.
type Stream struct {
	space *shm.Space
	name  string
	seg   *shm.Segment

	// buf holds the full image [0, length) once materialized.
	buf          []byte
	materialized bool
	dirty        bool

	pos    int64
	length int64
	closed bool
}

// Create returns an empty, unattached stream that will publish under name.
//
// Nothing is allocated until [Stream.Flush]; an invalid name is reported
// there.
func Create(space *shm.Space, name string) *Stream {
	return &Stream{space: space, name: name}
}

// Open returns a stream attached to the existing segment called name, with
// Length() equal to the segment's declared size and Position() 0.
//
// Possible errors: those of [shm.Space.Open], notably [shm.ErrNotFound].
func Open(space *shm.Space, name string) (*Stream, error) {
	seg, err := space.Open(name)
	if err != nil {
		return nil, err
	}

	return &Stream{
		space:  space,
		name:   name,
		seg:    seg,
		length: seg.Size(),
	}, nil
}

// Name returns the segment name the stream publishes under.
func (s *Stream) Name() string { return s.name }

// Position returns the current offset.
func (s *Stream) Position() int64 { return s.pos }

// Length returns the current stream length, including unflushed writes.
func (s *Stream) Length() int64 { return s.length }

// Attached reports whether the stream is bound to a segment.
func (s *Stream) Attached() bool { return s.seg != nil }

// Read copies up to len(p) bytes from the current position and advances it.
//
// At the end of the stream Read returns 0, [io.EOF].
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if s.pos >= s.length {
		return 0, io.EOF
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := s.materialize(); err != nil {
		return 0, err
	}

	n := copy(p, s.buf[s.pos:s.length])
	s.pos += int64(n)

	return n, nil
}

// Write overwrites or extends the stream at the current position and
// advances it. The data is not visible to other handles until Flush.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := s.materialize(); err != nil {
		return 0, err
	}

	end := s.pos + int64(len(p))
	if end > int64(len(s.buf)) {
		s.buf = append(s.buf, make([]byte, end-int64(len(s.buf)))...)
	}

	copy(s.buf[s.pos:], p)

	s.pos = end
	s.length = max(s.length, end)
	s.dirty = true

	return len(p), nil
}

// Seek sets the position relative to the start, the current position or the
// end ([io.SeekStart], [io.SeekCurrent], [io.SeekEnd]).
//
// The target must lie in [0, Length()]; anything else returns
// [ErrInvalidArgument] and leaves the position unchanged.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}

	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = s.length
	default:
		return s.pos, fmt.Errorf("unknown whence %d: %w", whence, ErrInvalidArgument)
	}

	target := base + offset

	switch {
	case target < 0:
		return s.pos, fmt.Errorf("can't seek before beginning of stream (target %d): %w", target, ErrInvalidArgument)
	case target > s.length:
		return s.pos, fmt.Errorf("can't seek beyond end of stream (target %d, length %d): %w", target, s.length, ErrInvalidArgument)
	}

	s.pos = target

	return s.pos, nil
}

// SetLength truncates or zero-extends the stream to n bytes. The position is
// clamped to the new length.
func (s *Stream) SetLength(n int64) error {
	if s.closed {
		return ErrClosed
	}

	if n < 0 {
		return fmt.Errorf("length %d is negative: %w", n, ErrInvalidArgument)
	}

	if err := s.materialize(); err != nil {
		return err
	}

	if n < int64(len(s.buf)) {
		s.buf = s.buf[:n]
	} else {
		s.buf = append(s.buf, make([]byte, n-int64(len(s.buf)))...)
	}

	s.length = n
	s.pos = min(s.pos, n)
	s.dirty = true

	return nil
}

// Flush publishes the stream image into its segment.
//
// If nothing changed since the last Flush it does nothing. Otherwise the
// segment is created (unattached stream) or resized to Length(), the whole
// image is written at offset 0 and synced, the in-process buffer is dropped
// and the position resets to 0.
//
// If Flush fails the buffered image is kept, so it can be retried.
func (s *Stream) Flush() error {
	if s.closed {
		return ErrClosed
	}

	if !s.dirty {
		return nil
	}

	if s.seg == nil {
		seg, err := s.space.CreateOrOpen(s.name, s.length)
		if err != nil {
			return fmt.Errorf("flush %s: %w", s.name, err)
		}

		s.seg = seg
	}

	if s.seg.Size() != s.length {
		next, err := s.seg.Resize(s.length)
		if err != nil {
			if s.seg.Closed() {
				s.seg = nil
			}

			return fmt.Errorf("flush %s: %w", s.name, err)
		}

		s.seg = next
	}

	if _, err := s.seg.Write(0, s.buf[:s.length]); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}

	if err := s.seg.Sync(); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}

	s.buf = nil
	s.materialized = false
	s.dirty = false
	s.pos = 0

	return nil
}

// Close closes the attached segment, if any, and discards unflushed data.
//
// Close is idempotent - calling it multiple times is safe and subsequent
// calls return nil.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true
	s.buf = nil

	if s.seg == nil {
		return nil
	}

	err := s.seg.Close()
	s.seg = nil

	if err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}

	return nil
}

// materialize pulls the segment bytes into buf once per attachment.
func (s *Stream) materialize() error {
	if s.materialized {
		return nil
	}

	buf := make([]byte, s.length)

	if s.seg != nil {
		n := min(s.length, s.seg.Size())

		if _, err := s.seg.ReadAt(buf[:n], 0); err != nil {
			if errors.Is(err, shm.ErrClosed) {
				return ErrClosed
			}

			return fmt.Errorf("read %s: %w", s.name, err)
		}
	}

	s.buf = buf
	s.materialized = true

	return nil
}
