// ABOUTME: StubRunner is a scriptable in-memory Runner for transport tests.
// ABOUTME: Records calls, emits canned progress reports and honours cooperative and forced stops.

package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/testcentric-engine/internal/engine"
)

// StubRunner implements engine.Runner without executing anything.
type StubRunner struct {
	Package *engine.TestPackage

	// Reports are emitted, in order, by Run and RunAsync.
	Reports []string
	// Result is returned by Run; a default <test-run> document is used when empty.
	Result string
	// TestCount is returned by CountTestCases.
	TestCount int
	// Block makes Run wait until StopRun is called or ctx ends.
	Block bool

	mu          sync.Mutex
	calls       []string
	stopped     chan bool
	started     chan struct{}
	startedOnce sync.Once
}

// NewStubRunner creates a stub for pkg.
func NewStubRunner(pkg *engine.TestPackage) *StubRunner {
	return &StubRunner{
		Package: pkg,
		stopped: make(chan bool, 1),
		started: make(chan struct{}),
	}
}

// Factory returns a RunnerFactory that hands out stubs and records them in created.
func Factory(configure func(*StubRunner), created chan<- *StubRunner) engine.RunnerFactory {
	return func(pkg *engine.TestPackage) (engine.Runner, error) {
		s := NewStubRunner(pkg)
		if configure != nil {
			configure(s)
		}
		if created != nil {
			created <- s
		}
		return s, nil
	}
}

// Calls returns the names of the methods invoked so far.
func (s *StubRunner) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Started is closed when a run begins.
func (s *StubRunner) Started() <-chan struct{} {
	return s.started
}

func (s *StubRunner) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *StubRunner) Load(ctx context.Context) (string, error) {
	s.record("Load")
	return s.exploreDoc(), nil
}

func (s *StubRunner) Reload(ctx context.Context) (string, error) {
	s.record("Reload")
	return s.exploreDoc(), nil
}

func (s *StubRunner) Unload(ctx context.Context) error {
	s.record("Unload")
	return nil
}

func (s *StubRunner) Explore(ctx context.Context, filter engine.TestFilter) (string, error) {
	s.record("Explore:" + filter.String())
	return s.exploreDoc(), nil
}

func (s *StubRunner) CountTestCases(ctx context.Context, filter engine.TestFilter) (int, error) {
	s.record("CountTestCases:" + filter.String())
	return s.TestCount, nil
}

func (s *StubRunner) Run(ctx context.Context, listener engine.EventListener, filter engine.TestFilter) (string, error) {
	s.record("Run:" + filter.String())
	return s.run(ctx, listener), nil
}

func (s *StubRunner) RunAsync(ctx context.Context, listener engine.EventListener, filter engine.TestFilter) error {
	s.record("RunAsync:" + filter.String())
	go func() {
		listener.OnTestEvent(s.run(ctx, listener))
	}()
	return nil
}

func (s *StubRunner) StopRun(force bool) {
	if force {
		s.record("StopRun:force")
	} else {
		s.record("StopRun")
	}
	select {
	case s.stopped <- force:
	default:
	}
}

func (s *StubRunner) run(ctx context.Context, listener engine.EventListener) string {
	s.startedOnce.Do(func() { close(s.started) })
	for _, r := range s.Reports {
		listener.OnTestEvent(r)
	}

	label := ""
	if s.Block {
		select {
		case force := <-s.stopped:
			label = ` label="Cancelled"`
			if force {
				label = ` label="Aborted"`
			}
		case <-ctx.Done():
			label = ` label="Cancelled"`
		case <-time.After(10 * time.Second):
		}
	}

	if s.Result != "" {
		return s.Result
	}
	return fmt.Sprintf(`<test-run id="%s" result="Passed"%s total="%d" />`, s.packageID(), label, len(s.Reports))
}

func (s *StubRunner) exploreDoc() string {
	var b strings.Builder
	fmt.Fprintf(&b, `<test-run id="%s">`, s.packageID())
	if s.Package != nil {
		for _, a := range s.Package.Assemblies() {
			fmt.Fprintf(&b, `<test-suite type="Assembly" fullname="%s" />`, a)
		}
	}
	b.WriteString("</test-run>")
	return b.String()
}

func (s *StubRunner) packageID() string {
	if s.Package == nil {
		return "0"
	}
	return s.Package.ID
}
