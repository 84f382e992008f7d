// ABOUTME: Tests for LocalTransport runner creation and shutdown
// ABOUTME: Uses the enginetest stub so no test programs are executed

package engine_test

import (
	"errors"
	"testing"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/engine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTransport_CreateRunner(t *testing.T) {
	created := make(chan *enginetest.StubRunner, 1)
	tr := engine.NewLocalTransport(enginetest.Factory(nil, created), nil)

	pkg := engine.NewTestPackage("/bin/a.test")
	runner, err := tr.CreateRunner(t.Context(), pkg)
	require.NoError(t, err)

	stub := <-created
	assert.Same(t, stub, runner)
	assert.Same(t, pkg, stub.Package)

	doc, err := runner.Load(t.Context())
	require.NoError(t, err)
	assert.Contains(t, doc, `fullname="/bin/a.test"`)
}

func TestLocalTransport_CloseStopsAndUnloadsRunners(t *testing.T) {
	created := make(chan *enginetest.StubRunner, 2)
	tr := engine.NewLocalTransport(enginetest.Factory(nil, created), nil)

	_, err := tr.CreateRunner(t.Context(), engine.NewTestPackage("a"))
	require.NoError(t, err)
	_, err = tr.CreateRunner(t.Context(), engine.NewTestPackage("b"))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	for range 2 {
		stub := <-created
		assert.Equal(t, []string{"StopRun:force", "Unload"}, stub.Calls())
	}

	_, err = tr.CreateRunner(t.Context(), engine.NewTestPackage("c"))
	assert.ErrorIs(t, err, engine.ErrTransportClosed)
}

func TestLocalTransport_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	tr := engine.NewLocalTransport(func(*engine.TestPackage) (engine.Runner, error) {
		return nil, boom
	}, nil)

	_, err := tr.CreateRunner(t.Context(), engine.NewTestPackage("a"))
	assert.ErrorIs(t, err, boom)
}
