package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/app"
	"taskd/internal/task/scheduler"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCmdFlags(t *testing.T) {
	require.NoError(t, runCmd.Flags().Parse([]string{"-c", "test.toml"}))
	assert.Equal(t, "test.toml", runConfigPath)
	require.NoError(t, runCmd.Flags().Parse([]string{"--config", "other.yaml"}))
	assert.Equal(t, "other.yaml", runConfigPath)
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: "+Version)
	assert.Contains(t, out, "Go Version: go")
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.toml")
	require.NoError(t, os.WriteFile(good, []byte(`
[[jobs]]
name = "nightly"
schedule = "0 3 * * *"
command = ["true"]

[[jobs]]
name = "warmup"
delay = "5s"
command = ["true"]
enabled = false
`), 0o600))

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "good.toml: ok")
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "0 3 * * *")
	assert.True(t, strings.Contains(out, "warmup") && strings.Contains(out, "disabled"))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"jobs": [{"name": "x", "schedule": "61 * * * *", "command": ["true"]}]}`), 0o600))
	_, err = execute(t, "validate", bad)
	assert.ErrorIs(t, err, scheduler.ErrValidation)
}

func TestNextActivations(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)

	got, err := nextActivations("*/15 * * * *", from, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC),
	}, got)

	got, err = nextActivations("02:30", from, 2)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{from.Add(150 * time.Minute), from.Add(300 * time.Minute)}, got)

	_, err = nextActivations("nope", from, 1)
	assert.ErrorIs(t, err, scheduler.ErrValidation)
}

func TestStopReasonFor(t *testing.T) {
	assert.Equal(t, app.StopSIGINT, stopReasonFor(os.Interrupt))
	assert.Equal(t, app.StopSIGTERM, stopReasonFor(syscall.SIGTERM))
	assert.Equal(t, app.StopUnknown, stopReasonFor(syscall.SIGHUP))
}
