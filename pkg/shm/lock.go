package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Locking architecture
//
//  1. name lock: advisory flock on <Dir>/.shmipc-locks/<name>.lock.
//     Create, Resize, Remove and the unlink-on-close check take it
//     exclusively; Open takes it shared. This keeps an open from mapping a
//     half-initialized object and keeps two creators from racing.
//
//  2. holder lock: every Segment holds LOCK_SH on its own segment fd for as
//     long as it is open. On Close the handle tries to upgrade to LOCK_EX
//     without blocking; success means no other handle (in any process) still
//     maps this inode, and the object is unlinked.
//
// Lock ordering: name lock → holder lock

const (
	lockDirName  = ".shmipc-locks"
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// errInodeMismatch indicates the lock file was replaced between open and
// flock. Callers retry.
var errInodeMismatch = errors.New("inode mismatch")

type lockType int

const (
	sharedLock    lockType = unix.LOCK_SH
	exclusiveLock lockType = unix.LOCK_EX
)

// nameLock is a held name lock. Close releases it.
type nameLock struct {
	mu   sync.Mutex
	file *os.File
}

func (lk *nameLock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// lockPath returns the lock file guarding name inside dir.
func lockPath(dir, name string) string {
	return filepath.Join(dir, lockDirName, name+".lock")
}

// lockName blocks until the name lock of the given type is held.
//
// The lock file and its directory are created lazily and never removed.
func lockName(dir, name string, lt lockType) (*nameLock, error) {
	path := lockPath(dir, name)

	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = acquire(file, path, lt)
		if err == nil {
			return &nameLock{file: file}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// acquire flocks file and verifies the inode still matches path. On failure
// the file is unlocked but not closed.
func acquire(file *os.File, path string, lt lockType) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(fd, int(lt)); err != nil {
		return fmt.Errorf("flock: %w", err)
	}

	match, err := fdMatchesPath(fd, path)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

// fdMatchesPath reports whether fd refers to the inode currently at path.
//
// flock locks an inode, not a pathname. Both the lock files and the segment
// objects can be replaced under a path (segments are, by
// [Segment.Resize]), so every lock decision that is really about "the object
// at path" compares (dev, ino) after locking.
func fdMatchesPath(fd int, path string) (bool, error) {
	var fdStat unix.Stat_t
	if err := unix.Fstat(fd, &fdStat); err != nil {
		return false, err
	}

	var pathStat unix.Stat_t
	if err := unix.Stat(path, &pathStat); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, os.ErrNotExist
		}

		return false, err
	}

	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// Retries are capped to avoid spinning forever under a signal storm.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
