package runner_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/runner"
)

func TestRunRequiresAllowShell(t *testing.T) {
	_, err := runner.Run(context.Background(), runner.Options{Command: "echo hi", AllowShell: false})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrRunCommandFailed)
}

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	res, err := runner.Run(context.Background(), runner.Options{
		Command:    "echo hello-world",
		AllowShell: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello-world\n", res.Stdout)
}

func TestRunCapturesNonZeroExit(t *testing.T) {
	res, err := runner.Run(context.Background(), runner.Options{
		Command:    "exit 1",
		AllowShell: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunCapturesStderr(t *testing.T) {
	res, err := runner.Run(context.Background(), runner.Options{
		Command:    "echo err-text 1>&2",
		AllowShell: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "err-text\n", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	res, err := runner.Run(context.Background(), runner.Options{
		Command:    "sleep 5",
		AllowShell: true,
		Timeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}

func TestRunOutputTruncation(t *testing.T) {
	res, err := runner.Run(context.Background(), runner.Options{
		Command:     "yes x | head -c 1000",
		AllowShell:  true,
		OutputLimit: 100,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 200)
	assert.True(t, strings.Contains(res.Stdout, "truncated"))
}

func TestMaskEnv(t *testing.T) {
	masked := runner.MaskEnv(map[string]string{
		"API_KEY":     "s3cr3t",
		"PLAIN_VALUE": "visible",
		"AUTH_TOKEN":  "abc",
	})
	assert.Equal(t, "***", masked["API_KEY"])
	assert.Equal(t, "***", masked["AUTH_TOKEN"])
	assert.Equal(t, "visible", masked["PLAIN_VALUE"])
}
