package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultDir is the tmpfs directory backing POSIX shared memory on Linux.
const DefaultDir = "/dev/shm"

// DefaultPerm is the permission used for new segment objects.
const DefaultPerm os.FileMode = 0o600

// Options configures a [Space].
type Options struct {
	// Dir is the directory holding segment objects.
	//
	// Default is [DefaultDir]. Any directory works; a non-tmpfs directory
	// makes segments survive a reboot only if KeepOnClose is set.
	Dir string

	// Registry tracks names with live handles in this process.
	//
	// Default is a fresh [NameRegistry]. Share one registry between Spaces
	// only if they also share Dir.
	Registry Registry

	// Perm is the permission of newly created objects. Default is [DefaultPerm].
	Perm os.FileMode

	// KeepOnClose disables unlinking an object when its last handle closes.
	//
	// Objects then live until [Space.Remove] (or reboot, for tmpfs).
	KeepOnClose bool

	// Logger receives debug events. Default is a no-op logger.
	Logger *zap.Logger

	// Registerer receives the segment metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Space is a namespace of named segments rooted at one directory.
//
// A Space is safe for concurrent use. The [Segment] handles it returns are not.
type Space struct {
	dir      string
	perm     os.FileMode
	keep     bool
	registry Registry
	log      *zap.Logger
	metrics  *spaceMetrics
}

// Info describes a segment object found by [Space.List].
type Info struct {
	Name string

	// Size is the declared size from the header. Zero if Corrupt.
	Size int64

	// ObjectSize is the size of the backing object including the header.
	ObjectSize int64

	// Registered is true if this process holds a handle for the name.
	Registered bool

	// Corrupt is true if the header could not be read or is inconsistent.
	Corrupt bool
}

// NewSpace creates a Space, creating Dir if it does not exist.
//
// Possible errors:
//   - os errors: Dir cannot be created or is not a directory
func NewSpace(opts Options) (*Space, error) {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}

	if err := os.MkdirAll(dir, lockDirPerm); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat segment dir: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("segment dir %s is not a directory", dir)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewNameRegistry()
	}

	perm := opts.Perm
	if perm == 0 {
		perm = DefaultPerm
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Space{
		dir:      dir,
		perm:     perm,
		keep:     opts.KeepOnClose,
		registry: registry,
		log:      log.Named("shm").With(zap.String("dir", dir)),
		metrics:  newMetrics(opts.Registerer),
	}, nil
}

// Dir returns the directory holding the segment objects.
func (sp *Space) Dir() string {
	return sp.dir
}

// Registry returns the registry tracking this process's handles.
func (sp *Space) Registry() Registry {
	return sp.registry
}

func (sp *Space) path(name string) string {
	return filepath.Join(sp.dir, name)
}

// Open maps the existing segment called name.
//
// The returned Segment must be closed with [Segment.Close].
//
// Possible errors:
//   - [ErrInvalidName]: name is not a single visible path element
//   - [ErrNotFound]: no object called name exists
//   - [ErrCorrupt]: header inconsistent with the object size
//   - syscall errors: open, flock, pread or mmap failures
func (sp *Space) Open(name string) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	lk, err := lockName(sp.dir, name, sharedLock)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	defer func() { _ = lk.Close() }()

	return sp.openLocked(name)
}

// CreateOrOpen maps the segment called name, creating it with a declared
// size of size bytes if no such object exists.
//
// If name is already registered in this process, or another process creates
// the object first, the existing segment is opened and size is ignored. A
// registered name whose object was removed is created again.
//
// Possible errors:
//   - [ErrInvalidName]: name is not a single visible path element
//   - [ErrOutOfRange]: size is negative
//   - [ErrCorrupt]: an existing object has an inconsistent header
//   - syscall errors: open, ftruncate, pwrite, flock or mmap failures
func (sp *Space) CreateOrOpen(name string, size int64) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if err := validateSize(size); err != nil {
		return nil, err
	}

	// A registered name whose object was removed underneath us is created
	// afresh; the stale handles keep their old image.
	if sp.registry.Exists(name) {
		seg, err := sp.Open(name)
		if !errors.Is(err, ErrNotFound) {
			return seg, err
		}
	}

	lk, err := lockName(sp.dir, name, exclusiveLock)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	defer func() { _ = lk.Close() }()

	path := sp.path(name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(sp.perm))
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return sp.openLocked(name)
		}

		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	if err := initObject(fd, size); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)

		return nil, fmt.Errorf("init %s: %w", name, err)
	}

	seg, err := sp.mapFd(name, fd)
	if err != nil {
		_ = unix.Unlink(path)

		return nil, err
	}

	sp.log.Debug("segment created", zap.String("name", name), zap.Int64("size", size))

	return seg, nil
}

// Exists reports whether an object called name exists in the directory.
func (sp *Space) Exists(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	_, err := os.Stat(sp.path(name))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("stat %s: %w", name, err)
}

// Remove unlinks the object called name.
//
// Handles that already map it keep working on the old image; the name is
// free for a new [Space.CreateOrOpen] immediately.
//
// Possible errors:
//   - [ErrInvalidName]: name is not a single visible path element
//   - [ErrNotFound]: no object called name exists
func (sp *Space) Remove(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	lk, err := lockName(sp.dir, name, exclusiveLock)
	if err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	defer func() { _ = lk.Close() }()

	if err := unix.Unlink(sp.path(name)); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("segment %s does not exist: %w", name, ErrNotFound)
		}

		return fmt.Errorf("unlink %s: %w", name, err)
	}

	sp.log.Debug("segment removed", zap.String("name", name))

	return nil
}

// List returns every visible regular file in the directory, sorted by name
// (the order [os.ReadDir] yields).
//
// Objects that are not segments (foreign files in /dev/shm) are reported
// with Corrupt set rather than skipped.
func (sp *Space) List() ([]Info, error) {
	entries, err := os.ReadDir(sp.dir)
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if validateName(name) != nil || !entry.Type().IsRegular() {
			continue
		}

		info := Info{Name: name, Registered: sp.registry.Exists(name)}

		declared, objectSize, err := readHeaderAt(sp.path(name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			info.Corrupt = true
		} else {
			info.Size = declared
		}

		info.ObjectSize = objectSize
		infos = append(infos, info)
	}

	return infos, nil
}

// openLocked opens and maps an existing object. The caller holds the name lock.
func (sp *Space) openLocked(name string) (*Segment, error) {
	fd, err := unix.Open(sp.path(name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("segment %s does not exist: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	seg, err := sp.mapFd(name, fd)
	if err != nil {
		return nil, err
	}

	sp.log.Debug("segment opened", zap.String("name", name), zap.Int64("size", seg.size))

	return seg, nil
}

// mapFd takes the holder lock on fd, validates the header and maps
// HeaderSize+declared_size bytes. fd is owned by the returned Segment, or
// closed on error.
func (sp *Space) mapFd(name string, fd int) (*Segment, error) {
	seg, err := sp.mapFdNoClose(name, fd)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("map %s: %w", name, err)
	}

	sp.registry.Register(name)
	sp.metrics.open.Inc()

	return seg, nil
}

func (sp *Space) mapFdNoClose(name string, fd int) (*Segment, error) {
	if err := flockRetryEINTR(fd, unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("holder lock: %w", err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	var hdr [HeaderSize]byte
	if stat.Size >= HeaderSize {
		n, err := unix.Pread(fd, hdr[:], 0)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}

		if n != HeaderSize {
			return nil, fmt.Errorf("short header read (%d bytes): %w", n, ErrCorrupt)
		}
	}

	declared := decodeHeader(hdr[:])
	if err := validateHeader(declared, stat.Size); err != nil {
		return nil, err
	}

	data, err := unix.Mmap(fd, 0, int(HeaderSize+declared), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Segment{
		space: sp,
		name:  name,
		fd:    fd,
		data:  data,
		size:  declared,
	}, nil
}

// initObject sizes a freshly created object and writes its header.
func initObject(fd int, size int64) error {
	if err := unix.Ftruncate(fd, HeaderSize+size); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	var hdr [HeaderSize]byte
	encodeHeader(hdr[:], size)

	n, err := unix.Pwrite(fd, hdr[:], 0)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if n != HeaderSize {
		return fmt.Errorf("short header write (%d bytes)", n)
	}

	return nil
}

// readHeaderAt reads the declared size and object size without locking or
// mapping. Used for listing only.
func readHeaderAt(path string) (int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}

	var hdr [HeaderSize]byte
	if info.Size() >= HeaderSize {
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			return 0, info.Size(), err
		}
	}

	declared := decodeHeader(hdr[:])
	if err := validateHeader(declared, info.Size()); err != nil {
		return 0, info.Size(), err
	}

	return declared, info.Size(), nil
}
