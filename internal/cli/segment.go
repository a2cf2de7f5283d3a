package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/shmipc/pkg/shm"
	"github.com/calvinalkan/shmipc/pkg/shmstream"
)

// CreateCmd returns the create command.
func CreateCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("create", flag.ContinueOnError),
		Usage: "create <name> <size>",
		Short: "Create a zeroed segment (or open an existing one)",
		Long: `Create a segment of <size> bytes, zero filled.

If <name> already exists it is opened instead and keeps its size.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execCreate(a, o, args)
		},
	}
}

func execCreate(a *app, o *IO, args []string) error {
	if err := requireArgs(args, 2, 2, "segment name and size are required"); err != nil {
		return err
	}

	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: size %q: %w", ErrInvalidArgument, args[1], err)
	}

	sp, err := a.openSpace()
	if err != nil {
		return err
	}

	seg, err := sp.CreateOrOpen(args[0], size)
	if err != nil {
		return err
	}

	printSegment(o, seg)

	return seg.Close()
}

// WriteCmd returns the write command.
func WriteCmd(a *app) *Command {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	appendMode := fs.BoolP("append", "a", false, "Append to the segment instead of replacing it")

	return &Command{
		Flags: fs,
		Usage: "write [flags] <name> [file]",
		Short: "Write stdin or a file into a segment",
		Long: `Write stdin (or <file>) into segment <name>, creating it if needed.

The segment is resized to fit. Without --append its previous contents are
replaced.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execWrite(a, o, args, *appendMode)
		},
	}
}

func execWrite(a *app, o *IO, args []string, appendMode bool) error {
	if err := requireArgs(args, 1, 2, "segment name is required"); err != nil {
		return err
	}

	src := o.In()

	if len(args) == 2 {
		f, err := os.Open(a.path(args[1]))
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		src = f
	}

	sp, err := a.openSpace()
	if err != nil {
		return err
	}

	st, err := openForWrite(sp, args[0], appendMode)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	n, err := io.Copy(st, src)
	if err != nil {
		return fmt.Errorf("write %s: %w", args[0], err)
	}

	// An empty input still publishes an empty segment.
	if n == 0 {
		if err := st.SetLength(st.Length()); err != nil {
			return err
		}
	}

	length := st.Length()

	if err := st.Flush(); err != nil {
		return err
	}

	a.log.Debug("segment written", zap.String("name", args[0]), zap.Int64("bytes", n), zap.Bool("append", appendMode))

	o.Printf("wrote %d bytes to %s (size %d)\n", n, args[0], length)

	return st.Close()
}

func openForWrite(sp *shm.Space, name string, appendMode bool) (*shmstream.Stream, error) {
	if !appendMode {
		return shmstream.Create(sp, name), nil
	}

	st, err := shmstream.Open(sp, name)
	if errors.Is(err, shm.ErrNotFound) {
		return shmstream.Create(sp, name), nil
	}

	if err != nil {
		return nil, err
	}

	if _, err := st.Seek(0, io.SeekEnd); err != nil {
		_ = st.Close()

		return nil, err
	}

	return st, nil
}

// CatCmd returns the cat command.
func CatCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("cat", flag.ContinueOnError),
		Usage: "cat <name>",
		Short: "Print segment contents",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 1, 1, "segment name is required"); err != nil {
				return err
			}

			sp, err := a.openSpace()
			if err != nil {
				return err
			}

			st, err := shmstream.Open(sp, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if _, err := io.Copy(o.Out(), st); err != nil {
				return fmt.Errorf("cat %s: %w", args[0], err)
			}

			return st.Close()
		},
	}
}

// DumpCmd returns the dump command.
func DumpCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("dump", flag.ContinueOnError),
		Usage: "dump <name> <file>",
		Short: "Atomically copy segment contents to a file",
		Long: `Copy the contents of segment <name> into <file>.

The file is replaced atomically: readers see either the old file or the
complete dump.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 2, 2, "segment name and file are required"); err != nil {
				return err
			}

			sp, err := a.openSpace()
			if err != nil {
				return err
			}

			seg, err := sp.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = seg.Close() }()

			buf := make([]byte, seg.Size())
			if _, err := seg.ReadAt(buf, 0); err != nil {
				return err
			}

			dst := a.path(args[1])
			if err := atomic.WriteFile(dst, bytes.NewReader(buf)); err != nil {
				return fmt.Errorf("dump %s: %w", args[0], err)
			}

			o.Printf("dumped %d bytes to %s\n", len(buf), dst)

			return seg.Close()
		},
	}
}

// StatCmd returns the stat command.
func StatCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stat", flag.ContinueOnError),
		Usage: "stat <name>",
		Short: "Show segment size and path",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 1, 1, "segment name is required"); err != nil {
				return err
			}

			sp, err := a.openSpace()
			if err != nil {
				return err
			}

			seg, err := sp.Open(args[0])
			if err != nil {
				return err
			}

			printSegment(o, seg)

			return seg.Close()
		},
	}
}

func printSegment(o *IO, seg *shm.Segment) {
	o.Println("name=" + seg.Name())
	o.Println("size=" + strconv.FormatInt(seg.Size(), 10))
	o.Println("path=" + seg.Path())
}

// LsCmd returns the ls command.
func LsCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("ls", flag.ContinueOnError),
		Usage: "ls",
		Short: "List segments",
		Long: `List segments as "<name> <size>", one per line.

Objects with a damaged header are listed as "<name> corrupt" and make the
command exit 1.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 0, 0, ""); err != nil {
				return err
			}

			sp, err := a.openSpace()
			if err != nil {
				return err
			}

			infos, err := sp.List()
			if err != nil {
				return err
			}

			for _, info := range infos {
				if info.Corrupt {
					o.Warn(fmt.Sprintf("%s: %s (object is %d bytes)", info.Name, shm.ErrCorrupt, info.ObjectSize))
					o.Println(info.Name, "corrupt")

					continue
				}

				o.Println(info.Name, info.Size)
			}

			return nil
		},
	}
}

// RmCmd returns the rm command.
func RmCmd(a *app) *Command {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "Ignore segments that do not exist")

	return &Command{
		Flags: fs,
		Usage: "rm [flags] <name>...",
		Short: "Remove segments",
		Long: `Remove segment names.

Processes that still map a removed segment keep their image; the name can
be created again immediately.`,
		Exec: func(_ context.Context, _ *IO, args []string) error {
			if err := requireArgs(args, 1, -1, "segment name is required"); err != nil {
				return err
			}

			sp, err := a.openSpace()
			if err != nil {
				return err
			}

			for _, name := range args {
				err := sp.Remove(name)
				if *force && errors.Is(err, shm.ErrNotFound) {
					continue
				}

				if err != nil {
					return err
				}
			}

			return nil
		},
	}
}
