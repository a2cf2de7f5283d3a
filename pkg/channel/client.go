package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Dial connects to the channel called name in opts.Dir.
//
// Only ctx bounds the connect; there is no separate timeout.
//
// Possible errors:
//   - [ErrInvalidName]: name is not a single visible path element
//   - net errors: nobody listens on name (ENOENT, ECONNREFUSED), ctx expiry
func Dial(ctx context.Context, name string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	path, err := socketPath(opts.Dir, name)
	if err != nil {
		return nil, err
	}

	var d net.Dialer

	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}

	raw, ok := nc.(*net.UnixConn)
	if !ok {
		_ = nc.Close()

		return nil, fmt.Errorf("dial %s: unexpected conn type %T", name, nc)
	}

	return newConn(raw), nil
}

// Send dials name, writes message as one line, and returns the first line
// of the reply.
//
// Cancelling ctx aborts the exchange by closing the connection; the
// returned error then wraps ctx.Err().
func Send(ctx context.Context, name, message string, opts Options) (string, error) {
	c, err := Dial(ctx, name, opts)
	if err != nil {
		return "", err
	}
	defer func() { _ = c.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.WriteLine(message); err != nil {
		return "", ctxErrOr(ctx, err)
	}

	reply, err := c.ReadLine()
	if err != nil {
		return "", ctxErrOr(ctx, fmt.Errorf("read reply: %w", err))
	}

	return reply, nil
}

// ctxErrOr prefers the context error once ctx is done, since closing the
// conn from AfterFunc surfaces as a generic "use of closed connection".
func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}

	return err
}
