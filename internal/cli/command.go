package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one shmctl subcommand: its flags, help text and body.
type Command struct {
	// Flags holds the subcommand's own flags, parsed after the global ones.
	// Nil means the command takes no flags. The FlagSet name is ignored.
	Flags *flag.FlagSet

	// Usage starts with the command name, followed by its arguments,
	// e.g. "write [flags] <name> [file]". Name is derived from it.
	Usage string

	// Short is the one-liner in the command table of "shmctl --help".
	Short string

	// Long is printed by "shmctl <cmd> --help". Falls back to Short.
	Long string

	// Exec receives the positional arguments left after flag parsing.
	// Warnings written through o turn a nil error into exit code 1.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine formats the command's row in the global usage table.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

// PrintHelp writes usage, description and flag defaults to o's stdout.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: shmctl", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses args against Flags and calls Exec. It returns the process exit
// code: 0 on success or --help, 1 on a flag error, an Exec error or warnings.
//
// Errors go to stderr prefixed with "error:"; a flag error is followed by the
// command help on stderr so stdout stays clean for scripts.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{}) // pflag's own messages are replaced by ours

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.printHelpTo(o)

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}

func (c *Command) printHelpTo(o *IO) {
	c.PrintHelp(NewIO(nil, o.errOut, o.errOut))
}

// requireArgs checks that args holds between least and most entries; most < 0
// means no upper bound. what names the missing arguments in the error.
func requireArgs(args []string, least, most int, what string) error {
	if len(args) < least {
		return fmt.Errorf("%w: %s", ErrMissingArgument, what)
	}

	if most >= 0 && len(args) > most {
		return fmt.Errorf("%w: %s", ErrTooManyArguments, strings.Join(args[most:], " "))
	}

	return nil
}
