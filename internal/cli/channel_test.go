package cli_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmipc/internal/cli"
)

func Test_Serve_Answers_Requests_Until_Signalled(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("create", "frames", "32")

	stop := c.Background("serve", "ctl")

	require.Eventually(t, func() bool {
		_, _, code := c.Run("send", "ctl", "ping")

		return code == 0
	}, 5*time.Second, 10*time.Millisecond, "server never came up")

	assert.Equal(t, "pong", c.MustRun("send", "ctl", "ping"))
	assert.Equal(t, "ok 32", c.MustRun("send", "ctl", "stat", "frames"))
	assert.Equal(t, "ok frames", c.MustRun("send", "ctl", "ls"))
	assert.Equal(t, "error: segment ghost does not exist: shm: not found", c.MustRun("send", "ctl", "stat", "ghost"))
	assert.Equal(t, `error: unknown request: "dance"`, c.MustRun("send", "ctl", "dance"))

	stdout, stderr, code := stop()
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, "listening on ")
	cli.AssertContains(t, stdout, "stopped")

	// The socket is gone once serve returns.
	cli.AssertContains(t, c.MustFail("send", "ctl", "ping"), "dial ctl")
}

func Test_Serve_Refuses_Channel_Already_Served(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stop := c.Background("serve", "ctl")
	defer stop()

	require.Eventually(t, func() bool {
		_, _, code := c.Run("send", "ctl", "ping")

		return code == 0
	}, 5*time.Second, 10*time.Millisecond)

	cli.AssertContains(t, c.MustFail("serve", "ctl"), "address in use")
}

func Test_Send_Requires_Channel_And_Message(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	cli.AssertContains(t, c.MustFail("send", "ctl"), "channel name and message are required")
	cli.AssertContains(t, c.MustFail("send", "nobody", "ping"), "dial nobody")
}
