package graph_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shepherdhq/shepherd/internal/config"
	"github.com/shepherdhq/shepherd/internal/graph"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "shepherd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// Sequential action chain: p1.final precedes p2's start, and both
// end in action_success.
func TestController_SequentialActionChain(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
tasks:
  p1: {command: "echo done", stdout_path: p1.out, stderr_path: p1.err}
  p2:
    command: "echo done"
    stdout_path: p2.out
    stderr_path: p2.err
    dependency: {items: {p1: action_success}}
output: {state_times: times.json}
`)

	g, err := config.Load(path, dir, dir, zap.NewNop())
	require.NoError(t, err)

	ctrl := graph.New(zap.NewNop(), g)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	disposition, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.Success, disposition)

	data, err := os.ReadFile(filepath.Join(dir, "times.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "action_success")
}

// Spawn failure: a command that cannot be run ends the graph in Failure.
// The command runs under /bin/sh, so the shell itself starts: `started` is
// recorded and the failure is classified from the shell's non-zero exit.
func TestController_SpawnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
tasks:
  bad: {command: "/no/such/bin", stdout_path: bad.out, stderr_path: bad.err}
output: {state_times: times.json}
`)

	g, err := config.Load(path, dir, dir, zap.NewNop())
	require.NoError(t, err)

	ctrl := graph.New(zap.NewNop(), g)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	disposition, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.Failure, disposition)
}

// Max run time: shutdown initiated at ~timeout; overall disposition
// is timeout.
func TestController_MaxRunTime(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
tasks:
  svc:
    type: service
    command: "tail -f /dev/null"
    stdout_path: svc.out
    stderr_path: svc.err
output: {state_times: times.json}
max_run_time: 1
`)

	g, err := config.Load(path, dir, dir, zap.NewNop())
	require.NoError(t, err)

	ctrl := graph.New(zap.NewNop(), g)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	disposition, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.Timeout, disposition)
}

// Ready-state gate: action started once the service emits its
// configured log pattern.
func TestController_ReadyStateGate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
tasks:
  svc:
    type: service
    command: "echo starting; sleep 0.2; echo Service is ready; sleep 5"
    stdout_path: svc.out
    stderr_path: svc.err
    state: {log: {ready: "Service is ready"}}
  act:
    command: "echo done"
    stdout_path: act.out
    stderr_path: act.err
    dependency: {items: {svc: ready}}
output: {state_times: times.json}
max_run_time: 3
`)

	g, err := config.Load(path, dir, dir, zap.NewNop())
	require.NoError(t, err)

	ctrl := graph.New(zap.NewNop(), g)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	disposition, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.Timeout, disposition)

	data, err := os.ReadFile(filepath.Join(dir, "times.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"ready\"")
	assert.Contains(t, string(data), "\"action_success\"")
	assert.Contains(t, string(data), "\"stopped\"")
}
