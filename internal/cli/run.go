package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/shmipc/internal/config"
	"github.com/calvinalkan/shmipc/internal/logging"
	"github.com/calvinalkan/shmipc/pkg/channel"
	"github.com/calvinalkan/shmipc/pkg/shm"
)

const (
	minArgs      = 2
	consumedOne  = 1
	consumedTwo  = 2
	consumedNone = 0
	helpFlag     = "--help"
)

// Run is the main entry point. Returns exit code.
//
// env locates the global config and the shell history. envOverrides holds the
// decoded SHMIPC_* variables (see [config.FromEnvironment]); Run never reads
// the process environment itself.
//
// sigCh may be nil. A signal on it cancels the command context, which stops
// long-running commands such as serve.
func Run(
	in io.Reader,
	out io.Writer,
	errOut io.Writer,
	args []string,
	env map[string]string,
	envOverrides config.Config,
	sigCh <-chan os.Signal,
) int {
	if len(args) < minArgs {
		printUsage(out, nil)

		return 0
	}

	flags, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, nil)

		return 1
	}

	if len(flags.remaining) == 0 || flags.remaining[0] == helpFlag || flags.remaining[0] == "help" {
		printUsage(out, nil)

		return 0
	}

	workDir := flags.workDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error: cannot get working directory:", err)

			return 1
		}
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    workDir,
		ConfigPath: flags.configPath,
		Overrides: config.Overrides{
			SegmentDir: flags.segmentDir,
			ChannelDir: flags.channelDir,
			LogLevel:   flags.logLevel,
		},
		Env:          env,
		EnvOverrides: envOverrides,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}
	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, log: logger, workDir: workDir, env: env}
	defer a.close()

	commands := a.commands()

	name := flags.remaining[0]

	cmd, ok := lookup(commands, name)
	if !ok {
		fprintln(errOut, "error:", fmt.Errorf("%w: %s", ErrUnknownCommand, name))
		fprintln(errOut)
		printUsage(errOut, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Debug("signal received", zap.Stringer("signal", sig))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(in, out, errOut), flags.remaining[1:])
}

// app carries the resolved configuration and shared resources for commands.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	workDir string
	env     map[string]string

	registry *shm.NameRegistry
	space    *shm.Space
}

// openSpace returns the segment space, creating it on first use so commands
// that never touch segments do not create the directory.
//
// CLI segments outlive the command that created them: they are kept on close
// and only removed by rm.
func (a *app) openSpace() (*shm.Space, error) {
	if a.space != nil {
		return a.space, nil
	}

	if a.registry == nil {
		a.registry = shm.NewNameRegistry()
	}

	sp, err := shm.NewSpace(shm.Options{
		Dir:         a.cfg.SegmentDir,
		Registry:    a.registry,
		KeepOnClose: true,
		Logger:      a.log,
	})
	if err != nil {
		return nil, err
	}

	a.space = sp

	return sp, nil
}

func (a *app) channelOptions() channel.Options {
	return channel.Options{
		Dir:          a.cfg.ChannelDir,
		MaxInstances: a.cfg.MaxInstances,
		DrainTimeout: time.Duration(a.cfg.DrainTimeout),
		Logger:       a.log,
	}
}

// path resolves a user-supplied file path against the working directory.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(a.workDir, p)
}

// close reports segment handles a command forgot to close.
func (a *app) close() {
	if a.registry == nil {
		return
	}

	if names := a.registry.Names(); len(names) > 0 {
		a.log.Warn("segments still open at exit", zap.Strings("names", names))
	}
}

func (a *app) commands() []*Command {
	return []*Command{
		CreateCmd(a),
		WriteCmd(a),
		CatCmd(a),
		DumpCmd(a),
		StatCmd(a),
		LsCmd(a),
		RmCmd(a),
		ServeCmd(a),
		SendCmd(a),
		ShellCmd(a),
		PrintConfigCmd(&a.cfg),
	}
}

func lookup(commands []*Command, name string) (*Command, bool) {
	for _, c := range commands {
		if c.Name() == name {
			return c, true
		}
	}

	return nil, false
}

type globalFlags struct {
	workDir    string
	configPath string
	segmentDir string
	channelDir string
	logLevel   string
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// valueFlags maps every global flag that takes a value to its target field.
func (f *globalFlags) valueFlags() map[string]*string {
	return map[string]*string{
		"-C":            &f.workDir,
		"--cwd":         &f.workDir,
		"-c":            &f.configPath,
		"--config":      &f.configPath,
		"--dir":         &f.segmentDir,
		"--channel-dir": &f.channelDir,
		"--log-level":   &f.logLevel,
	}
}

// parseFlag tries to parse a flag at args[idx]. Returns number of args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	// -h/--help flags
	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	if !strings.HasPrefix(arg, "-") || arg == "-" {
		return consumedNone, nil
	}

	targets := flags.valueFlags()

	if name, value, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(name, "--") {
		target, known := targets[name]
		if !known {
			return consumedNone, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
		}

		if value == "" {
			return consumedNone, fmt.Errorf("%w: %s cannot be empty", ErrFlagRequiresArg, name)
		}

		*target = value

		return consumedOne, nil
	}

	if target, known := targets[arg]; known {
		if idx+1 >= len(args) {
			return consumedNone, fmt.Errorf("%w: %s", ErrFlagRequiresArg, arg)
		}

		*target = args[idx+1]

		return consumedTwo, nil
	}

	// -C<dir>
	if after, ok := strings.CutPrefix(arg, "-C"); ok && after != "" {
		flags.workDir = after

		return consumedOne, nil
	}

	return consumedNone, fmt.Errorf("%w: %s", ErrUnknownFlag, arg)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, commands []*Command) {
	if commands == nil {
		commands = (&app{}).commands()
	}

	fprintln(w, `shmctl - named shared memory segments and control channels

Usage: shmctl [flags] <command> [args]

Global flags:
  -C, --cwd <dir>            Run as if started in <dir>
  -c, --config <file>        Use specified config file
      --dir <dir>            Segment directory (default /dev/shm)
      --channel-dir <dir>    Channel socket directory
      --log-level <level>    debug, info, warn or error
  -h, --help                 Show help

Commands:`)

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}
}
