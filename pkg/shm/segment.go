package shm

import (
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Segment is a handle to a mapped shared memory object.
//
// A Segment is not safe for concurrent use. Different handles (in this or
// other processes) may map the same object; they see each other's writes
// without any ordering guarantee.
type Segment struct {
	space  *Space
	name   string
	fd     int
	data   []byte // HeaderSize + size bytes
	size   int64
	closed bool
}

// Name returns the segment name.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the declared size in bytes, excluding the header.
func (s *Segment) Size() int64 {
	return s.size
}

// Closed reports whether the handle was closed or consumed by [Segment.Resize].
func (s *Segment) Closed() bool {
	return s.closed
}

// Path returns the filesystem path of the backing object.
func (s *Segment) Path() string {
	return s.space.path(s.name)
}

// ReadAt copies len(p) bytes starting at data offset off into p.
//
// Unlike a file, a segment never returns a short read: the whole range must
// lie inside the declared size.
//
// Possible errors: [ErrClosed], [ErrOutOfRange].
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if off < 0 || off > s.size || int64(len(p)) > s.size-off {
		return 0, fmt.Errorf("read [%d, %d) of %d byte segment %s: %w", off, off+int64(len(p)), s.size, s.name, ErrOutOfRange)
	}

	return copy(p, s.data[HeaderSize+off:]), nil
}

// Write copies p into the segment at data offset off and returns the number
// of bytes copied.
//
// Bytes that would land past the declared size are dropped: a write of 6
// bytes at offset 0 into a 5 byte segment copies 5 and succeeds.
//
// Possible errors: [ErrClosed], [ErrOutOfRange] (off outside [0, Size()]).
func (s *Segment) Write(off int64, p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if off < 0 || off > s.size {
		return 0, fmt.Errorf("write at %d of %d byte segment %s: %w", off, s.size, s.name, ErrOutOfRange)
	}

	n := copy(s.data[HeaderSize+off:], p)
	s.space.metrics.bytesWritten.Add(float64(n))

	return n, nil
}

// Sync flushes the mapping to the backing object with msync.
//
// Not needed for tmpfs; useful when [Options.Dir] is on a real filesystem.
func (s *Segment) Sync() error {
	if s.closed {
		return ErrClosed
	}

	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", s.name, err)
	}

	return nil
}

// Resize builds a new object of newSize bytes under the same name, copies the
// first min(Size(), newSize) bytes into it and returns a handle to it.
//
// s is consumed: it is closed whether or not Resize succeeds past the point
// of replacing the object, and must not be used afterwards. If Resize fails
// before the replacement, s is left open and unchanged.
//
// The new object replaces the old one atomically. Handles elsewhere that
// still map the old object keep reading the old image until they reopen.
// Bytes past the preserved prefix are zero.
//
// Possible errors:
//   - [ErrClosed]: s is closed
//   - [ErrOutOfRange]: newSize is negative
//   - syscall errors: temp file, rename, or mmap failures
func (s *Segment) Resize(newSize int64) (*Segment, error) {
	if s.closed {
		return nil, ErrClosed
	}

	if err := validateSize(newSize); err != nil {
		return nil, err
	}

	sp := s.space

	lk, err := lockName(sp.dir, s.name, exclusiveLock)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.name, err)
	}
	defer func() { _ = lk.Close() }()

	tmpPath, err := s.writeResized(newSize)
	if err != nil {
		return nil, fmt.Errorf("resize %s: %w", s.name, err)
	}

	if err := atomic.ReplaceFile(tmpPath, s.Path()); err != nil {
		_ = os.Remove(tmpPath)

		return nil, fmt.Errorf("resize %s: replace: %w", s.name, err)
	}

	next, openErr := sp.openLocked(s.name)

	// The path now names the new object, so this never unlinks.
	closeErr := s.closeLocked()

	if openErr != nil {
		return nil, errors.Join(fmt.Errorf("resize %s: %w", s.name, openErr), closeErr)
	}

	sp.metrics.resizes.Inc()
	sp.log.Debug("segment resized", zap.String("name", s.name), zap.Int64("from", s.size), zap.Int64("to", newSize))

	return next, nil
}

// writeResized writes header and preserved prefix into a hidden temp file
// next to the object and returns its path.
func (s *Segment) writeResized(newSize int64) (string, error) {
	sp := s.space

	tmp, err := os.CreateTemp(sp.dir, "."+s.name+".resize-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}

	tmpPath := tmp.Name()

	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return "", err
	}

	if err := tmp.Chmod(sp.perm); err != nil {
		return fail(fmt.Errorf("chmod temp: %w", err))
	}

	if err := tmp.Truncate(HeaderSize + newSize); err != nil {
		return fail(fmt.Errorf("truncate temp: %w", err))
	}

	keep := min(s.size, newSize)

	buf := make([]byte, HeaderSize, HeaderSize+keep)
	encodeHeader(buf, newSize)
	buf = append(buf, s.data[HeaderSize:HeaderSize+keep]...)

	if _, err := tmp.WriteAt(buf, 0); err != nil {
		return fail(fmt.Errorf("write temp: %w", err))
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("close temp: %w", err)
	}

	return tmpPath, nil
}

// Close unmaps the segment and unregisters its name.
//
// If this was the last handle mapping the object, in any process, the object
// is unlinked and the name becomes free (unless [Options.KeepOnClose]).
//
// Close is idempotent - calling it multiple times is safe and subsequent
// calls return nil.
func (s *Segment) Close() error {
	if s.closed {
		return nil
	}

	if s.space.keep {
		return s.closeLocked()
	}

	lk, err := lockName(s.space.dir, s.name, exclusiveLock)
	if err != nil {
		// Still release the mapping; the object just stays behind.
		return errors.Join(fmt.Errorf("lock %s: %w", s.name, err), s.closeLocked())
	}
	defer func() { _ = lk.Close() }()

	unlinkErr := s.unlinkIfLast()

	return errors.Join(unlinkErr, s.closeLocked())
}

// unlinkIfLast unlinks the object if no other handle holds its holder lock
// and the path still names this object. The caller holds the name lock.
func (s *Segment) unlinkIfLast() error {
	err := flockRetryEINTR(s.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if isWouldBlock(err) {
			return nil
		}

		return fmt.Errorf("holder lock %s: %w", s.name, err)
	}

	match, err := fdMatchesPath(s.fd, s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("stat %s: %w", s.name, err)
	}

	if !match {
		return nil
	}

	if err := unix.Unlink(s.Path()); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", s.name, err)
	}

	s.space.log.Debug("segment unlinked", zap.String("name", s.name))

	return nil
}

// closeLocked releases the mapping, the fd and the registry reference.
func (s *Segment) closeLocked() error {
	if s.closed {
		return nil
	}

	s.closed = true

	var unmapErr, closeErr error

	if s.data != nil {
		unmapErr = unix.Munmap(s.data)
		s.data = nil
	}

	if s.fd >= 0 {
		closeErr = unix.Close(s.fd)
		s.fd = -1
	}

	s.space.registry.Unregister(s.name)
	s.space.metrics.open.Dec()

	if unmapErr != nil {
		unmapErr = fmt.Errorf("munmap %s: %w", s.name, unmapErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("close %s: %w", s.name, closeErr)
	}

	return errors.Join(unmapErr, closeErr)
}
