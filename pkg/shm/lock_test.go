package shm

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func Test_LockName_Blocks_Shared_While_Exclusive_Is_Held(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	ex, err := lockName(dir, "seg", exclusiveLock)
	if err != nil {
		t.Fatalf("lockName(exclusive): %v", err)
	}

	acquired := make(chan *nameLock, 1)

	go func() {
		lk, err := lockName(dir, "seg", sharedLock)
		if err != nil {
			t.Errorf("lockName(shared): %v", err)
			close(acquired)

			return
		}

		acquired <- lk
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock acquired while exclusive lock held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := ex.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	select {
	case lk := <-acquired:
		if lk != nil {
			_ = lk.Close()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shared lock not acquired after exclusive release")
	}
}

func Test_LockName_Allows_Multiple_Shared_Holders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	a, err := lockName(dir, "seg", sharedLock)
	if err != nil {
		t.Fatalf("lockName(a): %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := lockName(dir, "seg", sharedLock)
	if err != nil {
		t.Fatalf("lockName(b): %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close(b): %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second Close(b) should be a no-op, got %v", err)
	}
}

func Test_LockName_Creates_Lock_Dir_Lazily(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	lk, err := lockName(dir, "lazy", exclusiveLock)
	if err != nil {
		t.Fatalf("lockName: %v", err)
	}
	t.Cleanup(func() { _ = lk.Close() })

	if _, err := os.Stat(lockPath(dir, "lazy")); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func Test_FdMatchesPath_Detects_Replaced_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/obj"

	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatal(err)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = unix.Close(fd) })

	match, err := fdMatchesPath(fd, path)
	if err != nil || !match {
		t.Fatalf("fdMatchesPath before replace = (%v, %v), want (true, nil)", match, err)
	}

	if err := os.WriteFile(path+".new", []byte("b"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(path+".new", path); err != nil {
		t.Fatal(err)
	}

	match, err = fdMatchesPath(fd, path)
	if err != nil || match {
		t.Fatalf("fdMatchesPath after replace = (%v, %v), want (false, nil)", match, err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	_, err = fdMatchesPath(fd, path)
	if !os.IsNotExist(err) {
		t.Fatalf("fdMatchesPath after remove err = %v, want os.ErrNotExist", err)
	}
}
