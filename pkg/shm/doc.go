// Package shm provides named shared memory segments for processes on one host.
//
// A segment is a file in a tmpfs directory (by default /dev/shm) mapped with
// MAP_SHARED. Its first [HeaderSize] bytes hold the declared size as a native
// byte order int64; data offsets are relative to the end of the header.
//
// Segments live in a [Space], which binds the directory, a [Registry] of the
// names this process has open, a logger and metrics:
//
//	space, err := shm.NewSpace(shm.Options{})
//	if err != nil {
//	    return err
//	}
//
//	seg, err := space.CreateOrOpen("frames", 4096)
//	if err != nil {
//	    return err
//	}
//	defer seg.Close()
//
//	_, err = seg.Write(0, payload)
//
// Another process opens the same name with [Space.Open] and reads with
// [Segment.ReadAt]. When the last handle closes, in any process, the object
// is unlinked and the name can be created again.
//
// Growing or shrinking a segment replaces its object: [Segment.Resize]
// returns a new handle and consumes the old one. Handles elsewhere keep the
// old image until they reopen; segments carry no change notification.
//
// Segment handles are not safe for concurrent use. There is no locking around
// data access: coordinating readers and writers is up to the caller.
package shm
