package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oblq/reflowctl/internal/report"
)

const commandsConfig = `
run:
  poll_interval: 1ms
profile:
  preheat_temp: 60
  soak_temp: 80
  soak_time: 2
  reflow_temp: 100
  reflow_time: 2
  cooling_temp: 50
  bake_temp: 60
log:
  level: error
store:
  enabled: true
  path: %s
`

// execute runs the command line against a simulated controller.
func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()

	out := a.out.(*bytes.Buffer)
	out.Reset()

	parser, err := newParser(a)
	require.NoError(t, err)
	parser.Options = 0 // no help or error printing

	_, err = parser.ParseArgs(append([]string{"--simulate", "-c", a.options.Config}, args...))
	return out.String(), err
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "reflow.yaml")
	content := strings.Replace(commandsConfig, "%s", filepath.Join(dir, "history.db"), 1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	a := newApp(context.Background(), &bytes.Buffer{})
	a.options.Config = path
	return a
}

func TestCommands(t *testing.T) {
	a := newTestApp(t)

	out, err := execute(t, a, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Stage:       WAITING")
	assert.Contains(t, out, "Heater:      OFF")

	out, err = execute(t, a, "pid", "set", "--kp", "12", "--cycle", "3")
	require.NoError(t, err)
	assert.Equal(t, "Kp 12  Ki 2  Kd 10  cycle 3s\n", out)

	out, err = execute(t, a, "pid", "get")
	require.NoError(t, err)
	assert.Equal(t, "Kp 12  Ki 2  Kd 10  cycle 3s\n", out)

	out, err = execute(t, a, "profile", "upload")
	require.NoError(t, err)
	assert.Contains(t, out, "reflow 100°C for 2s")

	out, err = execute(t, a, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID 04db:1234 simulated <- reflow controller")

	out, err = execute(t, a, "version")
	require.NoError(t, err)
	assert.Equal(t, "reflowctl dev\n", out)

	_, err = execute(t, a, "pid")
	assert.Error(t, err, "a subcommand is required")
}

func TestRunAndHistoryCommands(t *testing.T) {
	a := newTestApp(t)

	out, err := execute(t, a, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "---- PREHEAT -> SOAK")
	assert.Contains(t, out, "---- COOLING -> WAITING")
	assert.Contains(t, out, "completed")
	assert.Equal(t, report.StageWaiting, a.sim.Stage())

	out, err = execute(t, a, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "completed")

	id := strings.Fields(lines[1])[0]
	out, err = execute(t, a, "history", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "run "+id+": completed")
	assert.Contains(t, out, "SOAK")

	out, err = execute(t, a, "history", "show", "--stage", "reflow", id)
	require.NoError(t, err)
	assert.Contains(t, out, "REFLOW")
	assert.NotContains(t, out, "SOAK")

	_, err = execute(t, a, "history", "show", "--stage", "melting", id)
	assert.Error(t, err)

	_, err = execute(t, a, "history", "show", "missing")
	assert.Error(t, err)
}

func TestRunStoreOpenFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := newTestApp(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	content := strings.Replace(commandsConfig, "%s", filepath.Join(blocker, "history.db"), 1)
	require.NoError(t, os.WriteFile(a.options.Config, []byte(content), 0644))

	_, err := execute(t, a, "run")
	require.Error(t, err)
}

func TestSimulateLatency(t *testing.T) {
	a := newTestApp(t)

	start := time.Now()
	_, err := execute(t, a, "--simulate-latency", "50ms", "status")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPIDSetApply(t *testing.T) {
	kd := uint8(7)
	c := &pidSetCommand{Kd: &kd}
	got := c.apply(report.PIDGains{Kp: 1, Ki: 2, Kd: 3, CycleTime: 4})
	assert.Equal(t, report.PIDGains{Kp: 1, Ki: 2, Kd: 7, CycleTime: 4}, got)
}
