package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/shmipc/pkg/channel"
	"github.com/calvinalkan/shmipc/pkg/shm"
)

const defaultSendTimeout = 5 * time.Second

// ServeCmd returns the serve command.
func ServeCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("serve", flag.ContinueOnError),
		Usage: "serve <channel>",
		Short: "Answer segment queries on a control channel",
		Long: `Listen on <channel> until interrupted and answer one request per line:

  ping             pong
  stat <segment>   ok <size>
  ls               ok <name> <name> ...

Failed requests are answered with "error: <reason>".`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 1, 1, "channel name is required"); err != nil {
				return err
			}

			return execServe(ctx, a, o, args[0])
		},
	}
}

func execServe(ctx context.Context, a *app, o *IO, name string) error {
	sp, err := a.openSpace()
	if err != nil {
		return err
	}

	srv, err := channel.Listen(name, controlHandler(sp, a.log), a.channelOptions())
	if err != nil {
		return err
	}

	o.Println("listening on", srv.Addr())

	<-ctx.Done()

	if err := srv.Close(); err != nil {
		return err
	}

	o.Println("stopped")

	return nil
}

// controlHandler answers control requests until the client half-closes.
func controlHandler(sp *shm.Space, log *zap.Logger) channel.Handler {
	return func(ctx context.Context, c *channel.Conn) error {
		log := log.With(zap.Stringer("conn", c.ID()), zap.Int32("pid", c.Peer().PID))

		for ctx.Err() == nil {
			line, err := c.ReadLine()
			if errors.Is(err, io.EOF) {
				return nil
			}

			if err != nil {
				return err
			}

			reply, err := answer(sp, line)
			if err != nil {
				log.Debug("request failed", zap.String("request", line), zap.Error(err))
				reply = "error: " + err.Error()
			}

			if err := c.WriteLine(reply); err != nil {
				return err
			}
		}

		return nil
	}
}

func answer(sp *shm.Space, request string) (string, error) {
	fields := strings.Fields(request)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty request", ErrUnexpectedRequest)
	}

	switch {
	case fields[0] == "ping" && len(fields) == 1:
		return "pong", nil

	case fields[0] == "stat" && len(fields) == 2:
		seg, err := sp.Open(fields[1])
		if err != nil {
			return "", err
		}

		size := seg.Size()

		if err := seg.Close(); err != nil {
			return "", err
		}

		return fmt.Sprintf("ok %d", size), nil

	case fields[0] == "ls" && len(fields) == 1:
		infos, err := sp.List()
		if err != nil {
			return "", err
		}

		names := make([]string, 0, len(infos))
		for _, info := range infos {
			names = append(names, info.Name)
		}

		return strings.TrimSpace("ok " + strings.Join(names, " ")), nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnexpectedRequest, request)
}

// SendCmd returns the send command.
func SendCmd(a *app) *Command {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	timeout := fs.DurationP("timeout", "t", defaultSendTimeout, "Give up after this long")

	return &Command{
		Flags: fs,
		Usage: "send [flags] <channel> <message>...",
		Short: "Send one request line and print the reply",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := requireArgs(args, 2, -1, "channel name and message are required"); err != nil {
				return err
			}

			if *timeout > 0 {
				var cancel context.CancelFunc

				ctx, cancel = context.WithTimeout(ctx, *timeout)
				defer cancel()
			}

			reply, err := channel.Send(ctx, args[0], strings.Join(args[1:], " "), a.channelOptions())
			if err != nil {
				return err
			}

			o.Println(reply)

			return nil
		},
	}
}
