// ABOUTME: Runner is the capability every transport exposes for a loaded test package.
// ABOUTME: Also defines the progress listener and the Transport abstraction over local and remote runners.

package engine

import (
	"context"
	"errors"
)

// ErrRunInProgress is returned when a run is started while another is active.
var ErrRunInProgress = errors.New("a test run is already in progress")

// EventListener receives progress reports while tests execute. Reports
// are XML fragments such as <start-test .../> or <test-case .../>.
// OnTestEvent is called on the goroutine executing the tests.
type EventListener interface {
	OnTestEvent(report string)
}

// ListenerFunc adapts a function to EventListener.
type ListenerFunc func(report string)

// OnTestEvent calls f(report).
func (f ListenerFunc) OnTestEvent(report string) {
	f(report)
}

// NullListener discards every report.
var NullListener EventListener = ListenerFunc(func(string) {})

// Runner loads and executes one TestPackage. Results and explore output
// are XML documents returned as their outer-XML text.
type Runner interface {
	Load(ctx context.Context) (string, error)
	Reload(ctx context.Context) (string, error)
	Unload(ctx context.Context) error
	Explore(ctx context.Context, filter TestFilter) (string, error)
	CountTestCases(ctx context.Context, filter TestFilter) (int, error)

	// Run blocks until the run completes and returns the <test-run> result.
	Run(ctx context.Context, listener EventListener, filter TestFilter) (string, error)

	// RunAsync starts a run and returns at once. The final <test-run>
	// document is delivered to listener as the last report.
	RunAsync(ctx context.Context, listener EventListener, filter TestFilter) error

	// StopRun asks the active run to stop. A cooperative stop lets the
	// current test finish; force aborts it.
	StopRun(force bool)
}

// RunnerFactory creates a runner for pkg.
type RunnerFactory func(pkg *TestPackage) (Runner, error)

// Transport hands out runners, either in this process or in an agent.
type Transport interface {
	CreateRunner(ctx context.Context, pkg *TestPackage) (Runner, error)
	Close() error
}
