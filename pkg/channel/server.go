// Package channel serves concurrent connections on a named local duplex
// channel (a Unix domain socket) and dials them.
//
// The server does not frame messages or route them: every accepted
// connection is handed to a caller-supplied [Handler], which owns the
// conversation. [Conn.ReadLine] and [Conn.WriteLine] cover the common case
// of line-oriented control messages; [Send] is the matching one-shot client.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// acceptRetryDelay is the pause after a transient Accept failure (EMFILE and
// the like) so a persistent error does not spin the loop.
const acceptRetryDelay = 50 * time.Millisecond

// Handler serves one connection. ctx is cancelled when the server closes.
//
// When the handler returns, the server shuts down the write side, waits for
// the client to hang up (bounded by [Options.DrainTimeout]) and closes the
// connection. The handler must not keep c after returning.
type Handler func(ctx context.Context, c *Conn) error

// Server accepts connections on a named channel and runs a [Handler] for
// each one on its own goroutine.
//
// Exactly one Accept is armed at any time; it is re-armed as soon as a
// connection has been registered, before its handler runs.
type Server struct {
	name    string
	path    string
	ln      *net.UnixListener
	handler Handler
	opts    Options
	log     *zap.Logger
	metrics *serverMetrics

	sem     *semaphore.Weighted // nil if unbounded
	limiter *rate.Limiter       // nil if unlimited

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[uuid.UUID]*Conn
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Listen creates the channel called name and starts accepting connections.
//
// A socket left behind by a crashed server is replaced; a socket with a live
// server behind it is not.
//
// Possible errors:
//   - [ErrInvalidName]: name is not a single visible path element, or the
//     socket path is too long
//   - [ErrAddrInUse]: another server is listening on name
//   - os/net errors: directory creation or bind failures
func Listen(name string, handler Handler, opts Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("channel: nil handler")
	}

	opts = opts.withDefaults()

	path, err := socketPath(opts.Dir, name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}

	ln, err := listenUnix(path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		name:    name,
		path:    path,
		ln:      ln,
		handler: handler,
		opts:    opts,
		log:     opts.Logger.Named("channel").With(zap.String("channel", name)),
		metrics: newServerMetrics(opts.Registerer),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[uuid.UUID]*Conn),
	}

	if opts.MaxInstances > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxInstances))
	}

	if opts.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(opts.AcceptRate, opts.AcceptBurst)
	}

	s.wg.Add(1)

	go s.acceptLoop()

	s.log.Debug("listening", zap.String("path", path), zap.Int("max_instances", opts.MaxInstances))

	return s, nil
}

// listenUnix binds path, replacing a stale socket whose server is gone.
func listenUnix(path string) (*net.UnixListener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}

	ln, err := net.ListenUnix("unix", addr)
	if err == nil {
		return ln, nil
	}

	if !errors.Is(err, unix.EADDRINUSE) {
		return nil, err
	}

	probe, dialErr := net.DialUnix("unix", nil, addr)
	if dialErr == nil {
		_ = probe.Close()

		return nil, ErrAddrInUse
	}

	if !errors.Is(dialErr, unix.ECONNREFUSED) {
		return nil, fmt.Errorf("%w: %w", ErrAddrInUse, dialErr)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	return net.ListenUnix("unix", addr)
}

// Name returns the channel name.
func (s *Server) Name() string { return s.name }

// Addr returns the socket path.
func (s *Server) Addr() string { return s.path }

// InFlight returns the number of connections currently being served,
// including ones whose handler returned and that are still draining.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Close stops accepting, cancels handler contexts, closes every tracked
// connection and waits for all handler goroutines to return.
//
// Close is idempotent - calling it multiple times is safe and subsequent
// calls return the first call's result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true

		conns := make([]*Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.cancel()

		err := s.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}

		for _, c := range conns {
			_ = c.Close()
		}

		s.wg.Wait()

		s.closeErr = err
		s.log.Debug("closed", zap.Int("dropped", len(conns)))
	})

	return s.closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		release, ok := s.acquireSlot()
		if !ok {
			return
		}

		raw, err := s.ln.AcceptUnix()
		if err != nil {
			release()

			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.Warn("accept failed", zap.Error(err))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}

			continue
		}

		c := newConn(raw)
		if !s.track(c) {
			_ = c.Close()

			release()

			return
		}

		s.wg.Add(1)

		go s.serve(c, release)
	}
}

// acquireSlot waits for an instance slot and the accept limiter. ok is false
// once the server is closing.
func (s *Server) acquireSlot() (release func(), ok bool) {
	release = func() {}

	if s.sem != nil {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return nil, false
		}

		release = func() { s.sem.Release(1) }
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			release()

			return nil, false
		}
	}

	return release, true
}

func (s *Server) serve(c *Conn, release func()) {
	defer s.wg.Done()
	defer release()

	log := s.log.With(zap.Stringer("conn", c.ID()), zap.Int32("peer_pid", c.Peer().PID))

	err := s.runHandler(c)
	if err != nil && s.ctx.Err() == nil {
		s.metrics.handlerErrors.Inc()
		log.Warn("handler failed", zap.Error(err))
	}

	s.drain(c, log)
	s.untrack(c)

	_ = c.Close()
}

func (s *Server) runHandler(c *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return s.handler(s.ctx, c)
}

// drain half-closes the connection and discards input until the client hangs
// up or the drain timeout passes.
func (s *Server) drain(c *Conn, log *zap.Logger) {
	if err := c.CloseWrite(); err != nil {
		return
	}

	if err := c.raw.SetReadDeadline(time.Now().Add(s.opts.DrainTimeout)); err != nil {
		return
	}

	_, err := io.Copy(io.Discard, c.r)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		log.Debug("drain timed out", zap.Duration("timeout", s.opts.DrainTimeout))
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.conns[c.ID()] = c
	s.metrics.inFlight.Inc()
	s.metrics.accepted.Inc()

	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c.ID()]; !ok {
		return
	}

	delete(s.conns, c.ID())
	s.metrics.inFlight.Dec()
}
