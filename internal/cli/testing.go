package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/calvinalkan/shmipc/internal/config"
)

// CLI provides a clean interface for running CLI commands in tests.
// It manages temp directories for the working dir, segments and channel
// sockets, plus environment variables and SHMIPC_* overrides.
type CLI struct {
	t            *testing.T
	Dir          string
	SegmentDir   string
	ChannelDir   string
	Env          map[string]string
	EnvOverrides config.Config
}

// NewCLI creates a new test CLI with temp directories.
//
// The channel directory lives directly under os.TempDir: socket paths are
// limited to 107 bytes and t.TempDir paths for long test names exceed that.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	channelDir, err := os.MkdirTemp("", "shmctl")
	if err != nil {
		t.Fatalf("create channel dir: %v", err)
	}

	t.Cleanup(func() { _ = os.RemoveAll(channelDir) })

	return &CLI{
		t:          t,
		Dir:        t.TempDir(),
		SegmentDir: t.TempDir(),
		ChannelDir: channelDir,
		Env:        map[string]string{},
	}
}

func (r *CLI) args(args []string) []string {
	return append([]string{
		"shmctl",
		"--cwd", r.Dir,
		"--dir", r.SegmentDir,
		"--channel-dir", r.ChannelDir,
	}, args...)
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "shmctl" or the directory flags - those are added automatically.
func (r *CLI) Run(args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	code := Run(nil, &outBuf, &errBuf, r.args(args), r.Env, r.EnvOverrides, nil)

	return outBuf.String(), errBuf.String(), code
}

// RunWithInput executes the CLI with stdin and returns stdout, stderr, and exit code.
// stdin must be a string or io.Reader; panics otherwise.
func (r *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var inReader io.Reader

	switch v := stdin.(type) {
	case string:
		inReader = strings.NewReader(v)
	case io.Reader:
		inReader = v
	default:
		panic(fmt.Sprintf("stdin must be string or io.Reader, got %T", stdin))
	}

	var outBuf, errBuf bytes.Buffer

	code := Run(inReader, &outBuf, &errBuf, r.args(args), r.Env, r.EnvOverrides, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Also fails if stdout is not empty. Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("command %v failed but stdout should be empty\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// Background runs a long-lived command such as serve. The returned stop
// function sends SIGTERM and returns stdout, stderr, and exit code once the
// command has exited.
func (r *CLI) Background(args ...string) (stop func() (string, string, int)) {
	var (
		outBuf, errBuf bytes.Buffer
		code           int
		wg             sync.WaitGroup
	)

	sigCh := make(chan os.Signal, 1)

	wg.Go(func() {
		code = Run(nil, &outBuf, &errBuf, r.args(args), r.Env, r.EnvOverrides, sigCh)
	})

	return func() (string, string, int) {
		sigCh <- syscall.SIGTERM

		wg.Wait()

		return outBuf.String(), errBuf.String(), code
	}
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
