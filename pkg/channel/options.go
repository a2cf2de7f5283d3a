package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultDrainTimeout bounds how long a finished connection waits for the
// client to hang up.
const DefaultDrainTimeout = time.Second

const (
	socketSuffix = ".sock"
	dirPerm      = 0o700

	// sockaddr_un.sun_path is 108 bytes including the NUL.
	maxSocketPath = 107
	maxNameLen    = 255
)

// Options configures a [Server], and tells [Dial] where to find one.
type Options struct {
	// Dir holds the channel sockets. Default is [DefaultDir].
	//
	// Keep it separate from the segment directory: channel and segment
	// names live in different namespaces.
	Dir string

	// MaxInstances bounds concurrently served connections. 0 means unbounded.
	// While all instances are busy the server stops accepting and further
	// clients wait in the kernel listen backlog.
	MaxInstances int

	// DrainTimeout bounds the wait for the client to hang up after the
	// handler returned. Default is [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// AcceptRate limits how many connections per second are accepted.
	// 0 means unlimited.
	AcceptRate rate.Limit

	// AcceptBurst is the limiter burst. Default is 1 when AcceptRate is set.
	AcceptBurst int

	// Logger receives accept and handler events. Default is a no-op logger.
	Logger *zap.Logger

	// Registerer receives the channel metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// DefaultDir returns $XDG_RUNTIME_DIR/shmipc, or shmipc under
// [os.TempDir] when XDG_RUNTIME_DIR is unset.
func DefaultDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "shmipc")
	}

	return filepath.Join(os.TempDir(), "shmipc")
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir()
	}

	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}

	if o.AcceptRate > 0 && o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return o
}

// socketPath validates name and returns its socket path inside dir.
func socketPath(dir, name string) (string, error) {
	switch {
	case name == "":
		return "", fmt.Errorf("name is empty: %w", ErrInvalidName)
	case len(name) > maxNameLen:
		return "", fmt.Errorf("name %q exceeds %d bytes: %w", name, maxNameLen, ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("name %q starts with '.': %w", name, ErrInvalidName)
	case strings.ContainsAny(name, "/\x00"):
		return "", fmt.Errorf("name %q contains '/' or NUL: %w", name, ErrInvalidName)
	}

	path := filepath.Join(dir, name+socketSuffix)
	if len(path) > maxSocketPath {
		return "", fmt.Errorf("socket path %q exceeds %d bytes: %w", path, maxSocketPath, ErrInvalidName)
	}

	return path, nil
}
