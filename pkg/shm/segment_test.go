package shm_test

// Segment lifecycle and data access tests.
//
// Every test gets its own directory as segment space, so tests can run in
// parallel and never touch /dev/shm. "Other process" is simulated with a
// second Space on the same directory: it has its own registry and its own
// file descriptors, which is all flock and the header protocol see.

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmipc/pkg/shm"
)

func newSpace(t *testing.T, dir string) *shm.Space {
	t.Helper()

	sp, err := shm.NewSpace(shm.Options{Dir: dir})
	require.NoError(t, err)

	return sp
}

func createSegment(t *testing.T, sp *shm.Space, name string, size int64) *shm.Segment {
	t.Helper()

	seg, err := sp.CreateOrOpen(name, size)
	require.NoError(t, err, "CreateOrOpen(%q, %d)", name, size)

	t.Cleanup(func() { _ = seg.Close() })

	return seg
}

func readAll(t *testing.T, seg *shm.Segment) []byte {
	t.Helper()

	buf := make([]byte, seg.Size())

	_, err := seg.ReadAt(buf, 0)
	require.NoError(t, err)

	return buf
}

// =============================================================================
// Create / Open
// =============================================================================

func Test_CreateOrOpen_Returns_Zeroed_Segment_When_Name_Is_New(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "fresh", 16)

	assert.Equal(t, "fresh", seg.Name())
	assert.Equal(t, int64(16), seg.Size())
	assert.Equal(t, filepath.Join(sp.Dir(), "fresh"), seg.Path())

	if diff := cmp.Diff(make([]byte, 16), readAll(t, seg)); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(seg.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(shm.HeaderSize+16), info.Size())
}

func Test_CreateOrOpen_Keeps_First_Size_When_Name_Already_Exists(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	first := createSegment(t, sp, "dup", 5)
	second := createSegment(t, sp, "dup", 10)

	assert.Equal(t, int64(5), first.Size())
	assert.Equal(t, int64(5), second.Size())
}

func Test_CreateOrOpen_Opens_Existing_Object_When_Created_By_Other_Process(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	producer := newSpace(t, dir)
	consumer := newSpace(t, dir)

	createSegment(t, producer, "shared", 7)
	seg := createSegment(t, consumer, "shared", 100)

	assert.Equal(t, int64(7), seg.Size())
}

func Test_CreateOrOpen_Returns_ErrOutOfRange_When_Size_Is_Negative(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())

	_, err := sp.CreateOrOpen("neg", -1)
	require.ErrorIs(t, err, shm.ErrOutOfRange)
}

func Test_CreateOrOpen_Accepts_Zero_Size(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "empty", 0)

	assert.Equal(t, int64(0), seg.Size())

	n, err := seg.Write(0, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func Test_CreateOrOpen_Reports_Large_Size_Correctly(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("maps a 4 GB sparse object")
	}

	const size = int64(0xEE6B2800)

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "large", size)

	assert.Equal(t, size, seg.Size())

	other, err := sp.Open("large")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	assert.Equal(t, size, other.Size())
}

func Test_Open_Returns_ErrNotFound_Naming_Segment_When_Missing(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())

	seg, err := sp.Open("ghost")
	require.ErrorIs(t, err, shm.ErrNotFound)
	assert.Nil(t, seg)
	assert.Contains(t, err.Error(), "segment ghost does not exist")
}

func Test_Open_Returns_ErrInvalidName_When_Name_Is_Not_A_Path_Element(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())

	for _, name := range []string{"", ".hidden", "a/b", "..", "nul\x00byte", string(make([]byte, 256))} {
		_, err := sp.Open(name)
		require.ErrorIs(t, err, shm.ErrInvalidName, "Open(%q)", name)

		_, err = sp.CreateOrOpen(name, 1)
		require.ErrorIs(t, err, shm.ErrInvalidName, "CreateOrOpen(%q)", name)
	}
}

func Test_Open_Sees_Size_And_Data_Written_By_Other_Process(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	producer := newSpace(t, dir)
	consumer := newSpace(t, dir)

	w := createSegment(t, producer, "pipe", 4)
	_, err := w.Write(0, []byte{9, 8, 7, 6})
	require.NoError(t, err)

	r, err := consumer.Open("pipe")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	assert.Equal(t, int64(4), r.Size())
	assert.Equal(t, []byte{9, 8, 7, 6}, readAll(t, r))

	// Writes after open are visible through the shared mapping.
	_, err = w.Write(1, []byte{0})
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 0, 7, 6}, readAll(t, r))
}

// =============================================================================
// Read / Write
// =============================================================================

func Test_Write_Truncates_When_Data_Overflows_Segment(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "small", 5)

	n, err := seg.Write(0, []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, []byte{1, 2, 3, 4, 5}, readAll(t, seg))
}

func Test_Write_Overwrites_Prefix_And_Keeps_Rest(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "overwrite", 4)

	_, err := seg.Write(0, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = seg.Write(0, []byte{7, 8})
	require.NoError(t, err)

	assert.Equal(t, []byte{7, 8, 3, 4}, readAll(t, seg))
}

func Test_Write_At_Offset_Truncates_At_Declared_Size(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "tail", 4)

	n, err := seg.Write(3, []byte{5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = seg.Write(4, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []byte{0, 0, 0, 5}, readAll(t, seg))
}

func Test_Write_Returns_ErrOutOfRange_When_Offset_Outside_Segment(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "bounds", 4)

	for _, off := range []int64{-1, 5} {
		_, err := seg.Write(off, []byte{1})
		require.ErrorIs(t, err, shm.ErrOutOfRange, "Write(%d)", off)
	}
}

func Test_ReadAt_Copies_Range_Into_Buffer_Window(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "window", 10)

	_, err := seg.Write(0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)

	buf := make([]byte, 10)

	n, err := seg.ReadAt(buf[7:10], 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{3, 4, 5}, buf[7:10])
	assert.Equal(t, make([]byte, 7), buf[:7])
}

func Test_ReadAt_Returns_ErrOutOfRange_When_Range_Outside_Segment(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "oob", 4)

	tests := []struct {
		name string
		off  int64
		n    int
	}{
		{name: "NegativeOffset", off: -1, n: 1},
		{name: "PastEnd", off: 5, n: 0},
		{name: "Overflow", off: 2, n: 3},
		{name: "TooLong", off: 0, n: 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := seg.ReadAt(make([]byte, tc.n), tc.off)
			require.ErrorIs(t, err, shm.ErrOutOfRange)
		})
	}

	// The empty range at the end is valid.
	n, err := seg.ReadAt(nil, 4)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func Test_Operations_Return_ErrClosed_After_Close(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())

	seg, err := sp.CreateOrOpen("closed", 4)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close(), "second Close")

	_, err = seg.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, shm.ErrClosed)

	_, err = seg.Write(0, []byte{1})
	require.ErrorIs(t, err, shm.ErrClosed)

	_, err = seg.Resize(8)
	require.ErrorIs(t, err, shm.ErrClosed)

	require.ErrorIs(t, seg.Sync(), shm.ErrClosed)
}

func Test_Sync_Makes_Written_Bytes_Visible_Through_Backing_File(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "synced", 4)

	_, err := seg.Write(1, []byte{7, 8})
	require.NoError(t, err)
	require.NoError(t, seg.Sync())

	raw, err := os.ReadFile(seg.Path())
	require.NoError(t, err)
	require.Len(t, raw, shm.HeaderSize+4)

	if diff := cmp.Diff([]byte{0, 7, 8, 0}, raw[shm.HeaderSize:]); diff != "" {
		t.Fatalf("file content mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Resize
// =============================================================================

func Test_Resize_Preserves_Prefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		newSize int64
		want    []byte
	}{
		{name: "Grow", newSize: 6, want: []byte{1, 2, 3, 4, 0, 0}},
		{name: "Shrink", newSize: 2, want: []byte{1, 2}},
		{name: "Same", newSize: 4, want: []byte{1, 2, 3, 4}},
		{name: "Empty", newSize: 0, want: []byte{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sp := newSpace(t, t.TempDir())

			seg, err := sp.CreateOrOpen("resize", 4)
			require.NoError(t, err)

			_, err = seg.Write(0, []byte{1, 2, 3, 4})
			require.NoError(t, err)

			resized, err := seg.Resize(tc.newSize)
			require.NoError(t, err)
			t.Cleanup(func() { _ = resized.Close() })

			assert.Equal(t, tc.newSize, resized.Size())
			assert.Equal(t, tc.want, readAll(t, resized))

			reopened, err := sp.Open("resize")
			require.NoError(t, err)
			t.Cleanup(func() { _ = reopened.Close() })

			assert.Equal(t, tc.newSize, reopened.Size())
		})
	}
}

func Test_Resize_Consumes_Old_Handle(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())

	seg, err := sp.CreateOrOpen("consumed", 2)
	require.NoError(t, err)

	next, err := seg.Resize(4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = next.Close() })

	_, err = seg.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, shm.ErrClosed)
	require.NoError(t, seg.Close())

	assert.True(t, sp.Registry().Exists("consumed"), "new handle keeps the name registered")

	exists, err := sp.Exists("consumed")
	require.NoError(t, err)
	assert.True(t, exists, "closing the consumed handle must not unlink the new object")
}

func Test_Resize_Leaves_Old_Image_For_Handles_In_Other_Processes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	producer := newSpace(t, dir)
	consumer := newSpace(t, dir)

	seg, err := producer.CreateOrOpen("versioned", 3)
	require.NoError(t, err)

	_, err = seg.Write(0, []byte{1, 2, 3})
	require.NoError(t, err)

	old, err := consumer.Open("versioned")
	require.NoError(t, err)
	t.Cleanup(func() { _ = old.Close() })

	grown, err := seg.Resize(5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = grown.Close() })

	_, err = grown.Write(3, []byte{4, 5})
	require.NoError(t, err)

	assert.Equal(t, int64(3), old.Size())
	assert.Equal(t, []byte{1, 2, 3}, readAll(t, old))

	fresh, err := consumer.Open("versioned")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })

	assert.Equal(t, []byte{1, 2, 3, 4, 5}, readAll(t, fresh))

	// The stale handle must not unlink the current object on close.
	require.NoError(t, old.Close())

	exists, err := consumer.Exists("versioned")
	require.NoError(t, err)
	assert.True(t, exists)
}

func Test_Resize_Returns_ErrOutOfRange_And_Keeps_Handle_When_Size_Is_Negative(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "keep", 2)

	_, err := seg.Resize(-2)
	require.ErrorIs(t, err, shm.ErrOutOfRange)

	assert.Equal(t, int64(2), seg.Size())

	_, err = seg.ReadAt(make([]byte, 2), 0)
	require.NoError(t, err)
}

// =============================================================================
// Close / lifetime
// =============================================================================

func Test_Name_Is_Reusable_After_Close(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())

	seg, err := sp.CreateOrOpen("reuse", 5)
	require.NoError(t, err)

	_, err = seg.Write(0, []byte{1, 1, 1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	assert.False(t, sp.Registry().Exists("reuse"))

	exists, err := sp.Exists("reuse")
	require.NoError(t, err)
	assert.False(t, exists, "last Close should unlink the object")

	again := createSegment(t, sp, "reuse", 10)
	assert.Equal(t, int64(10), again.Size())
	assert.Equal(t, make([]byte, 10), readAll(t, again))
}

func Test_Close_Keeps_Object_While_Other_Process_Maps_It(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := newSpace(t, dir)
	b := newSpace(t, dir)

	segA, err := a.CreateOrOpen("held", 1)
	require.NoError(t, err)

	segB, err := b.Open("held")
	require.NoError(t, err)

	require.NoError(t, segA.Close())

	exists, err := b.Exists("held")
	require.NoError(t, err)
	assert.True(t, exists, "object must survive while b maps it")

	require.NoError(t, segB.Close())

	exists, err = b.Exists("held")
	require.NoError(t, err)
	assert.False(t, exists, "object must be unlinked after the last close")
}

func Test_Close_Keeps_Object_When_KeepOnClose_Is_Set(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	sp, err := shm.NewSpace(shm.Options{Dir: dir, KeepOnClose: true})
	require.NoError(t, err)

	seg, err := sp.CreateOrOpen("persist", 3)
	require.NoError(t, err)

	_, err = seg.Write(0, []byte{4, 5, 6})
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	reopened, err := newSpace(t, dir).Open("persist")
	require.NoError(t, err)

	assert.Equal(t, []byte{4, 5, 6}, readAll(t, reopened))
	require.NoError(t, reopened.Close())

	require.NoError(t, sp.Remove("persist"))

	_, err = sp.Open("persist")
	require.ErrorIs(t, err, shm.ErrNotFound)

	require.ErrorIs(t, sp.Remove("persist"), shm.ErrNotFound)
}

func Test_Remove_Frees_Name_While_Existing_Handle_Keeps_Image(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	seg := createSegment(t, sp, "victim", 2)

	_, err := seg.Write(0, []byte{3, 4})
	require.NoError(t, err)

	require.NoError(t, sp.Remove("victim"))

	assert.Equal(t, []byte{3, 4}, readAll(t, seg))

	other, err := newSpace(t, sp.Dir()).CreateOrOpen("victim", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	assert.Equal(t, int64(8), other.Size())
}

func Test_CreateOrOpen_Recreates_Removed_Name_While_Same_Space_Holds_Handle(t *testing.T) {
	t.Parallel()

	sp := newSpace(t, t.TempDir())
	stale := createSegment(t, sp, "victim", 2)

	_, err := stale.Write(0, []byte{3, 4})
	require.NoError(t, err)

	require.NoError(t, sp.Remove("victim"))
	require.True(t, sp.Registry().Exists("victim"), "stale handle is still registered")

	fresh, err := sp.CreateOrOpen("victim", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })

	assert.Equal(t, int64(8), fresh.Size())
	assert.Equal(t, make([]byte, 8), readAll(t, fresh))
	assert.Equal(t, []byte{3, 4}, readAll(t, stale))

	// Closing the stale handle must not unlink the new object.
	require.NoError(t, stale.Close())

	exists, err := sp.Exists("victim")
	require.NoError(t, err)
	assert.True(t, exists)

	reopened, err := sp.Open("victim")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, int64(8), reopened.Size())
}

// =============================================================================
// Header validation
// =============================================================================

func Test_Open_Returns_ErrCorrupt_When_Header_Is_Inconsistent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		declared int64
		dataLen  int
		short    bool
	}{
		{name: "DeclaredExceedsObject", declared: 100, dataLen: 10},
		{name: "NegativeDeclared", declared: -5, dataLen: 10},
		{name: "TooSmallForHeader", short: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()

			var content []byte
			if tc.short {
				content = []byte{1, 2, 3}
			} else {
				content = make([]byte, shm.HeaderSize+tc.dataLen)
				shm.EncodeHeaderForTesting(content, tc.declared)
			}

			require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"), content, 0o600))

			_, err := newSpace(t, dir).Open("bad")
			require.ErrorIs(t, err, shm.ErrCorrupt)
		})
	}
}

func Test_Open_Maps_Declared_Size_When_Object_Is_Larger(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	content := make([]byte, shm.HeaderSize+10)
	shm.EncodeHeaderForTesting(content, 4)
	copy(content[shm.HeaderSize:], []byte{1, 2, 3, 4, 5, 6})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "padded"), content, 0o600))

	seg, err := newSpace(t, dir).Open("padded")
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	assert.Equal(t, int64(4), seg.Size())
	assert.Equal(t, []byte{1, 2, 3, 4}, readAll(t, seg))
}

// =============================================================================
// List / metrics
// =============================================================================

func Test_List_Reports_Segments_And_Skips_Hidden_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sp := newSpace(t, dir)

	createSegment(t, sp, "b", 2)
	createSegment(t, sp, "a", 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"), []byte("xy"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("12345678"), 0o600))

	infos, err := sp.List()
	require.NoError(t, err)

	want := []shm.Info{
		{Name: "a", Size: 1, ObjectSize: shm.HeaderSize + 1, Registered: true},
		{Name: "b", Size: 2, ObjectSize: shm.HeaderSize + 2, Registered: true},
		{Name: "junk", ObjectSize: 2, Corrupt: true},
	}

	if diff := cmp.Diff(want, infos); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	_, err = os.Stat(shm.LockPathForTesting(dir, "a"))
	require.NoError(t, err, "name lock file should exist after create")
}

func Test_Metrics_Track_Open_Handles_And_Resizes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	sp, err := shm.NewSpace(shm.Options{Dir: t.TempDir(), Registerer: reg})
	require.NoError(t, err)

	open, resizes := shm.MetricsForTesting(sp)

	seg, err := sp.CreateOrOpen("m", 1)
	require.NoError(t, err)

	other, err := sp.Open("m")
	require.NoError(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(open), 0)

	seg, err = seg.Resize(3)
	require.NoError(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(open), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(resizes), 0)

	require.NoError(t, errors.Join(seg.Close(), other.Close()))
	assert.InDelta(t, 0, testutil.ToFloat64(open), 0)

	count, err := testutil.GatherAndCount(reg, "shmipc_segments_open", "shmipc_segment_resizes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func Test_NewSpace_Shares_Collectors_When_Registerer_Is_Reused(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	dir := t.TempDir()

	a, err := shm.NewSpace(shm.Options{Dir: dir, Registerer: reg})
	require.NoError(t, err)

	b, err := shm.NewSpace(shm.Options{Dir: dir, Registerer: reg})
	require.NoError(t, err)

	openA, _ := shm.MetricsForTesting(a)
	openB, _ := shm.MetricsForTesting(b)

	createSegment(t, a, "x", 1)
	createSegment(t, b, "y", 1)

	assert.InDelta(t, 2, testutil.ToFloat64(openA), 0)
	assert.Same(t, openA, openB)
}
