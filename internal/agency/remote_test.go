//go:build unix

// ABOUTME: End-to-end tests of RemoteTransport and RemoteRunner against real agent processes
// ABOUTME: Agents are the test binary hosting a stub runner, so every command crosses the socket

package agency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/logging"
)

// collector records progress reports.
type collector struct {
	mu      sync.Mutex
	reports []string
	got     chan string
}

func newCollector() *collector {
	return &collector{got: make(chan string, 32)}
}

func (c *collector) OnTestEvent(report string) {
	c.mu.Lock()
	c.reports = append(c.reports, report)
	c.mu.Unlock()
	c.got <- report
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reports...)
}

func (c *collector) wait(t *testing.T) string {
	t.Helper()
	select {
	case r := <-c.got:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no progress report")
		return ""
	}
}

func newRemoteTransport(t *testing.T, mode string) (*RemoteTransport, *managerFixture) {
	t.Helper()
	f, l := newLauncherFixture(t, mode, nil)
	rt := NewRemoteTransport(f.mgr, l, logging.Discard())
	t.Cleanup(func() { _ = rt.Close() })
	return rt, f
}

func TestRemoteRunner_Commands(t *testing.T) {
	rt, _ := newRemoteTransport(t, helperAgent)
	pkg := engine.NewTestPackage("suite.test")

	runner, err := rt.CreateRunner(t.Context(), pkg)
	require.NoError(t, err)

	loaded, err := runner.Load(t.Context())
	require.NoError(t, err)
	assert.Contains(t, loaded, pkg.ID)
	assert.Contains(t, loaded, `fullname="suite.test"`)

	reloaded, err := runner.Reload(t.Context())
	require.NoError(t, err)
	assert.Equal(t, loaded, reloaded)

	explored, err := runner.Explore(t.Context(), engine.TestNameFilter("Suite.A"))
	require.NoError(t, err)
	assert.Contains(t, explored, "<test-run")

	count, err := runner.CountTestCases(t.Context(), engine.TestFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(helperReports), count)

	require.NoError(t, runner.Unload(t.Context()))
}

func TestRemoteRunner_RunDeliversProgressInOrder(t *testing.T) {
	rt, _ := newRemoteTransport(t, helperAgent)
	pkg := engine.NewTestPackage("suite.test")

	runner, err := rt.CreateRunner(t.Context(), pkg)
	require.NoError(t, err)
	_, err = runner.Load(t.Context())
	require.NoError(t, err)

	events := newCollector()
	result, err := runner.Run(t.Context(), events, engine.TestFilter{})
	require.NoError(t, err)

	assert.Contains(t, result, `result="Passed"`)
	assert.Equal(t, helperReports, events.all())
}

func TestRemoteRunner_RunAsyncEndsWithTestRun(t *testing.T) {
	rt, _ := newRemoteTransport(t, helperAgent)

	runner, err := rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
	require.NoError(t, err)

	events := newCollector()
	require.NoError(t, runner.RunAsync(t.Context(), events, engine.TestFilter{}))

	var got []string
	for range len(helperReports) + 1 {
		got = append(got, events.wait(t))
	}
	assert.Equal(t, helperReports, got[:len(helperReports)])
	assert.True(t, isRunResult(got[len(helperReports)]))

	// The runner is free for the next command.
	count, err := runner.CountTestCases(t.Context(), engine.TestFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(helperReports), count)
}

func TestRemoteRunner_RunAsyncReportsAgentLoss(t *testing.T) {
	rt, _ := newRemoteTransport(t, helperBlocking)

	runner, err := rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
	require.NoError(t, err)
	remote := runner.(*RemoteRunner)

	events := newCollector()
	require.NoError(t, runner.RunAsync(t.Context(), events, engine.TestFilter{}))
	events.wait(t)
	events.wait(t)

	rt.launcher.mu.Lock()
	p := rt.launcher.procs[remote.AgentID()]
	rt.launcher.mu.Unlock()
	require.NotNil(t, p)
	require.NoError(t, p.cmd.Process.Kill())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	err = remote.Wait(ctx)
	require.ErrorIs(t, err, ErrAgentDied)

	// No final document was invented for the lost run.
	for _, report := range events.all() {
		assert.False(t, isRunResult(report), report)
	}
}

func TestRemoteRunner_WaitAfterCompletedRunAsync(t *testing.T) {
	rt, _ := newRemoteTransport(t, helperAgent)

	runner, err := rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
	require.NoError(t, err)
	remote := runner.(*RemoteRunner)
	require.NoError(t, remote.Wait(t.Context()))

	events := newCollector()
	require.NoError(t, runner.RunAsync(t.Context(), events, engine.TestFilter{}))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, remote.Wait(ctx))
	reports := events.all()
	require.NotEmpty(t, reports)
	assert.True(t, isRunResult(reports[len(reports)-1]))
}

func TestRemoteRunner_StopDuringRun(t *testing.T) {
	tests := []struct {
		name  string
		force bool
		label string
	}{
		{"cooperative", false, `label="Cancelled"`},
		{"forced", true, `label="Aborted"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newRemoteTransport(t, helperBlocking)
			runner, err := rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
			require.NoError(t, err)

			events := newCollector()
			done := make(chan string, 1)
			go func() {
				result, err := runner.Run(t.Context(), events, engine.TestFilter{})
				assert.NoError(t, err)
				done <- result
			}()

			// Both reports precede the blocking wait.
			events.wait(t)
			events.wait(t)
			runner.StopRun(tt.force)

			select {
			case result := <-done:
				assert.Contains(t, result, tt.label)
			case <-time.After(10 * time.Second):
				t.Fatal("run did not stop")
			}
		})
	}
}

func TestRemoteTransport_CloseStopsAgents(t *testing.T) {
	rt, f := newRemoteTransport(t, helperAgent)

	runner, err := rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
	require.NoError(t, err)
	id := runner.(*RemoteRunner).AgentID()

	require.NoError(t, rt.Close())

	assert.Eventually(t, func() bool {
		_, connected := f.mgr.GetAgent(id)
		return !connected
	}, 5*time.Second, 10*time.Millisecond)
	rec, err := f.store.GetAgent(context.Background(), id.String())
	require.NoError(t, err)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)

	_, err = rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
	assert.ErrorIs(t, err, engine.ErrTransportClosed)
}

func TestRemoteTransport_Release(t *testing.T) {
	rt, f := newRemoteTransport(t, helperAgent)

	runner, err := rt.CreateRunner(t.Context(), engine.NewTestPackage("suite.test"))
	require.NoError(t, err)
	remote := runner.(*RemoteRunner)

	require.NoError(t, rt.Release(t.Context(), remote))
	assert.Eventually(t, func() bool {
		_, ok := f.mgr.GetAgent(remote.AgentID())
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	// Releasing twice is harmless.
	require.NoError(t, rt.Release(t.Context(), remote))

	_, err = remote.Load(t.Context())
	assert.ErrorIs(t, err, ErrAgentNotFound)
}
