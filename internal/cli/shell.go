package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmipc/pkg/shm"
	"github.com/calvinalkan/shmipc/pkg/shmstream"
)

const historyFileName = ".shmctl_history"

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive stream shell",
		Long: `Start an interactive shell that edits one segment at a time through a
buffered stream. Changes become visible to other processes on flush.

Type 'help' in the shell for its commands.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 0, 0, ""); err != nil {
				return err
			}

			sp, err := a.openSpace()
			if err != nil {
				return err
			}

			repl := &REPL{space: sp, out: o.Out(), history: historyPath(a.env)}

			return repl.Run(ctx, o.In())
		},
	}
}

func historyPath(env map[string]string) string {
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, historyFileName)
	}

	return ""
}

// prompter reads one input line per call. *liner.State implements it.
type prompter interface {
	Prompt(prompt string) (string, error)
}

// lineScanner is the prompter for non-interactive input.
type lineScanner struct {
	sc *bufio.Scanner
}

func (l lineScanner) Prompt(string) (string, error) {
	if !l.sc.Scan() {
		if err := l.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return l.sc.Text(), nil
}

// REPL is the interactive command loop over one current stream.
type REPL struct {
	space   *shm.Space
	out     io.Writer
	history string
	stream  *shmstream.Stream
	liner   *liner.State
}

// Run reads commands from in until exit, EOF or ctx is cancelled. Line
// editing and history are only used when in is the terminal's stdin.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	defer func() { _ = r.closeStream() }()

	var p prompter = lineScanner{sc: bufio.NewScanner(in)}

	if f, ok := in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		r.liner = liner.NewLiner()
		defer func() { _ = r.liner.Close() }()

		r.liner.SetCtrlCAborts(true)
		r.liner.SetCompleter(r.completer)
		r.loadHistory()

		p = r.liner

		r.printf("shmctl shell - segments in %s\n", r.space.Dir())
		r.printf("Type 'help' for available commands.\n\n")
	}

	for ctx.Err() == nil {
		line, err := p.Prompt(r.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if r.liner != nil {
			r.liner.AppendHistory(line)
		}

		if quit := r.exec(line); quit {
			break
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) prompt() string {
	if r.stream == nil {
		return "shm> "
	}

	return fmt.Sprintf("shm:%s> ", r.stream.Name())
}

// exec runs one command line. Returns true when the shell should exit.
func (r *REPL) exec(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	args := strings.Fields(rest)

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		r.printHelp()
	case "create":
		err = r.cmdCreate(args)
	case "open":
		err = r.cmdOpen(args)
	case "write":
		err = r.cmdWrite(rest)
	case "read":
		err = r.cmdRead(args)
	case "seek":
		err = r.cmdSeek(args)
	case "setlen":
		err = r.cmdSetLength(args)
	case "flush":
		err = r.withStream(func(st *shmstream.Stream) error { return st.Flush() })
	case "pos":
		err = r.withStream(func(st *shmstream.Stream) error {
			r.printf("%d\n", st.Position())

			return nil
		})
	case "len":
		err = r.withStream(func(st *shmstream.Stream) error {
			r.printf("%d\n", st.Length())

			return nil
		})
	case "close":
		err = r.withStream(func(*shmstream.Stream) error { return r.closeStream() })
	default:
		err = fmt.Errorf("%w: %s (type 'help' for commands)", ErrUnknownCommand, cmd)
	}

	switch {
	case err != nil:
		r.printf("error: %v\n", err)
	case cmd == "help" || cmd == "?" || cmd == "pos" || cmd == "len" || cmd == "read":
	default:
		r.printf("ok\n")
	}

	return false
}

func (r *REPL) cmdCreate(args []string) error {
	if err := requireArgs(args, 1, 1, "usage: create <name>"); err != nil {
		return err
	}

	if err := r.closeStream(); err != nil {
		return err
	}

	r.stream = shmstream.Create(r.space, args[0])

	return nil
}

func (r *REPL) cmdOpen(args []string) error {
	if err := requireArgs(args, 1, 1, "usage: open <name>"); err != nil {
		return err
	}

	st, err := shmstream.Open(r.space, args[0])
	if err != nil {
		return err
	}

	if err := r.closeStream(); err != nil {
		_ = st.Close()

		return err
	}

	r.stream = st

	return nil
}

// cmdWrite writes the rest of the line verbatim, so it may contain spaces.
func (r *REPL) cmdWrite(text string) error {
	return r.withStream(func(st *shmstream.Stream) error {
		_, err := st.Write([]byte(text))

		return err
	})
}

func (r *REPL) cmdRead(args []string) error {
	if err := requireArgs(args, 0, 1, ""); err != nil {
		return err
	}

	return r.withStream(func(st *shmstream.Stream) error {
		n := st.Length() - st.Position()

		if len(args) == 1 {
			v, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || v < 0 {
				return fmt.Errorf("%w: count %q", ErrInvalidArgument, args[0])
			}

			n = min(n, v)
		}

		buf := make([]byte, n)

		got, err := io.ReadFull(st, buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		r.printf("%q\n", buf[:got])

		return nil
	})
}

func (r *REPL) cmdSeek(args []string) error {
	if err := requireArgs(args, 1, 2, "usage: seek <offset> [start|current|end]"); err != nil {
		return err
	}

	offset, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: offset %q", ErrInvalidArgument, args[0])
	}

	whence := io.SeekStart

	if len(args) == 2 {
		switch args[1] {
		case "start":
			whence = io.SeekStart
		case "current":
			whence = io.SeekCurrent
		case "end":
			whence = io.SeekEnd
		default:
			return fmt.Errorf("%w: origin %q", ErrInvalidArgument, args[1])
		}
	}

	return r.withStream(func(st *shmstream.Stream) error {
		_, err := st.Seek(offset, whence)

		return err
	})
}

func (r *REPL) cmdSetLength(args []string) error {
	if err := requireArgs(args, 1, 1, "usage: setlen <length>"); err != nil {
		return err
	}

	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: length %q", ErrInvalidArgument, args[0])
	}

	return r.withStream(func(st *shmstream.Stream) error { return st.SetLength(n) })
}

var errNoStream = errors.New("no stream (use create or open)")

func (r *REPL) withStream(fn func(st *shmstream.Stream) error) error {
	if r.stream == nil {
		return errNoStream
	}

	return fn(r.stream)
}

// closeStream closes the current stream, discarding unflushed changes.
func (r *REPL) closeStream() error {
	if r.stream == nil {
		return nil
	}

	err := r.stream.Close()
	r.stream = nil

	return err
}

func (r *REPL) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(r.out, format, a...)
}

func (r *REPL) loadHistory() {
	if r.history == "" {
		return
	}

	if f, err := os.Open(r.history); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}
}

func (r *REPL) saveHistory() {
	if r.liner == nil || r.history == "" {
		return
	}

	if f, err := os.Create(r.history); err == nil {
		_, _ = r.liner.WriteHistory(f)
		_ = f.Close()
	}
}

var shellCommands = []string{
	"create", "open", "write", "read", "seek", "setlen",
	"flush", "pos", "len", "close", "help", "exit", "quit",
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range shellCommands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	r.printf(`Commands:
  create <name>                 Start a new empty stream (created on flush)
  open <name>                   Open an existing segment as a stream
  write <text>                  Write text at the current position
  read [n]                      Read n bytes (default: to the end)
  seek <off> [start|current|end]
  setlen <n>                    Truncate or zero-extend the stream
  flush                         Publish the stream to its segment
  pos                           Show the current position
  len                           Show the stream length
  close                         Close the stream, discarding unflushed changes
  help                          Show this help
  exit / quit / q               Exit
`)
}
