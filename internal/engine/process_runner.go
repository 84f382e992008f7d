// ABOUTME: ProcessRunner treats every assembly in a TestPackage as an executable test program.
// ABOUTME: Runs programs one at a time in their own process group, streaming NUnit-style progress reports.

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelInvalid marks a test program that could not be run at all.
const LabelInvalid = "Invalid"

// maxCapturedOutput caps the output kept per test program.
const maxCapturedOutput = 64 << 10

type testProgram struct {
	ID       string
	SuiteID  string
	Name     string
	FullName string
	RunState string
	Reason   string
}

// ProcessRunner implements Runner by executing test programs.
type ProcessRunner struct {
	pkg    *TestPackage
	logger *slog.Logger

	mu     sync.Mutex
	tests  []testProgram
	loaded bool

	running  atomic.Bool
	stopping atomic.Bool
	aborted  atomic.Bool

	procMu  sync.Mutex
	current *exec.Cmd
}

// NewProcessRunner creates a runner for pkg.
func NewProcessRunner(pkg *TestPackage, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{
		pkg:    pkg,
		logger: logger.With("component", "process-runner", "package", pkg.ID),
	}
}

// ProcessRunnerFactory returns a RunnerFactory producing ProcessRunners.
func ProcessRunnerFactory(logger *slog.Logger) RunnerFactory {
	return func(pkg *TestPackage) (Runner, error) {
		if pkg == nil {
			return nil, errors.New("test package is required")
		}
		return NewProcessRunner(pkg, logger), nil
	}
}

// Load scans the package and returns the explore document for all tests.
func (r *ProcessRunner) Load(ctx context.Context) (string, error) {
	if r.running.Load() {
		return "", ErrRunInProgress
	}
	r.scan()
	return r.Explore(ctx, EmptyFilter)
}

// Reload rescans the package, picking up test programs that appeared or vanished.
func (r *ProcessRunner) Reload(ctx context.Context) (string, error) {
	return r.Load(ctx)
}

// Unload forgets the scanned tests, aborting any active run.
func (r *ProcessRunner) Unload(ctx context.Context) error {
	if r.running.Load() {
		r.StopRun(true)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests = nil
	r.loaded = false
	return nil
}

// Explore describes the tests selected by filter without running them.
func (r *ProcessRunner) Explore(ctx context.Context, filter TestFilter) (string, error) {
	tests := r.selected(filter)

	doc := xmlTestRun{ID: r.pkg.ID, TestCaseCount: len(tests)}
	for _, tp := range tests {
		suite := xmlTestSuite{
			Type:          "Assembly",
			ID:            tp.SuiteID,
			Name:          tp.Name,
			FullName:      tp.FullName,
			RunState:      tp.RunState,
			TestCaseCount: 1,
			TestCases: []xmlTestCase{{
				ID:       tp.ID,
				Name:     tp.Name,
				FullName: tp.FullName,
				RunState: tp.RunState,
			}},
		}
		if tp.Reason != "" {
			suite.Reason = &xmlReason{Message: cdata{tp.Reason}}
		}
		doc.Suites = append(doc.Suites, suite)
	}
	return marshalString(doc), nil
}

// CountTestCases returns the number of runnable tests selected by filter.
func (r *ProcessRunner) CountTestCases(ctx context.Context, filter TestFilter) (int, error) {
	count := 0
	for _, tp := range r.selected(filter) {
		if tp.RunState == RunStateRunnable {
			count++
		}
	}
	return count, nil
}

// Run executes the selected tests and returns the <test-run> document.
func (r *ProcessRunner) Run(ctx context.Context, listener EventListener, filter TestFilter) (string, error) {
	if !r.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	defer r.running.Store(false)
	r.resetStop()
	return r.run(ctx, listener, filter), nil
}

// RunAsync starts a run in the background. The <test-run> document is
// the last report delivered to listener.
func (r *ProcessRunner) RunAsync(ctx context.Context, listener EventListener, filter TestFilter) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	if listener == nil {
		listener = NullListener
	}
	r.resetStop()
	go func() {
		defer r.running.Store(false)
		listener.OnTestEvent(r.run(ctx, listener, filter))
	}()
	return nil
}

// StopRun requests that the active run stop. With force the running test
// program's process group is killed.
func (r *ProcessRunner) StopRun(force bool) {
	r.stopping.Store(true)
	if !force {
		r.logger.Info("stop requested, finishing current test")
		return
	}

	r.aborted.Store(true)
	r.procMu.Lock()
	defer r.procMu.Unlock()
	if r.current != nil {
		r.logger.Warn("aborting test program", "pid", r.current.Process.Pid)
		killProcessGroup(r.current)
	}
}

func (r *ProcessRunner) resetStop() {
	r.stopping.Store(false)
	r.aborted.Store(false)
}

func (r *ProcessRunner) run(ctx context.Context, listener EventListener, filter TestFilter) string {
	if listener == nil {
		listener = NullListener
	}

	tests := r.selected(filter)
	started := time.Now()
	listener.OnTestEvent(marshalString(xmlStartRun{Count: len(tests)}))

	var summary RunSummary
	cases := make([]xmlTestCase, 0, len(tests))
	for _, tp := range tests {
		summary.Total++

		var tc xmlTestCase
		switch {
		case r.stopping.Load() || ctx.Err() != nil:
			tc = skippedCase(tp, LabelCancelled, "run was cancelled")
		case tp.RunState != RunStateRunnable:
			tc = xmlTestCase{
				ID: tp.ID, Name: tp.Name, FullName: tp.FullName,
				Result: ResultFailed, Label: LabelInvalid,
				Reason: &xmlReason{Message: cdata{tp.Reason}},
			}
		default:
			listener.OnTestEvent(marshalString(xmlStartTest{ID: tp.ID, Name: tp.Name, FullName: tp.FullName}))
			tc = r.execute(ctx, tp)
		}

		switch tc.Result {
		case ResultPassed:
			summary.Passed++
		case ResultSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		listener.OnTestEvent(marshalString(tc))
		cases = append(cases, tc)
	}

	finished := time.Now()
	doc := xmlTestRun{
		ID:            r.pkg.ID,
		TestCaseCount: len(tests),
		Result:        summary.Result(),
		Total:         intPtr(summary.Total),
		Passed:        intPtr(summary.Passed),
		Failed:        intPtr(summary.Failed),
		Skipped:       intPtr(summary.Skipped),
		Start:         formatTime(started),
		End:           formatTime(finished),
		Duration:      formatDuration(finished.Sub(started)),
		Cases:         cases,
	}
	if r.stopping.Load() {
		doc.Result, doc.Label = ResultFailed, LabelCancelled
	}

	r.logger.Info("run finished",
		"total", summary.Total,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return marshalString(doc)
}

func (r *ProcessRunner) execute(ctx context.Context, tp testProgram) xmlTestCase {
	tc := xmlTestCase{ID: tp.ID, Name: tp.Name, FullName: tp.FullName}

	runCtx := ctx
	if ms := Setting(r.pkg, SettingDefaultTimeout, 0); ms > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.Command(tp.FullName, strings.Fields(Setting(r.pkg, SettingTestArguments, ""))...)
	cmd.Dir = Setting(r.pkg, SettingWorkDirectory, "")
	out := &cappedBuffer{limit: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)

	started := time.Now()
	tc.Start = formatTime(started)

	r.procMu.Lock()
	if r.aborted.Load() {
		r.procMu.Unlock()
		return skippedCase(tp, LabelCancelled, "run was aborted")
	}
	if err := cmd.Start(); err != nil {
		r.procMu.Unlock()
		tc.Result, tc.Label = ResultFailed, LabelError
		tc.Failure = &xmlReason{Message: cdata{fmt.Sprintf("starting test program: %v", err)}}
		return tc
	}
	r.current = cmd
	r.procMu.Unlock()

	r.logger.Debug("test program started", "test", tp.FullName, "pid", cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var err error
	timedOut := false
	select {
	case err = <-waitCh:
	case <-runCtx.Done():
		timedOut = ctx.Err() == nil
		killProcessGroup(cmd)
		err = <-waitCh
	}

	r.procMu.Lock()
	r.current = nil
	r.procMu.Unlock()

	finished := time.Now()
	tc.End = formatTime(finished)
	tc.Duration = formatDuration(finished.Sub(started))
	if out.Len() > 0 {
		tc.Output = &cdata{out.String()}
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	tc.ExitCode = intPtr(exitCode)

	switch {
	case r.aborted.Load():
		tc.Result, tc.Label = ResultFailed, LabelCancelled
		tc.Failure = &xmlReason{Message: cdata{"test program was aborted"}}
	case timedOut:
		tc.Result, tc.Label = ResultFailed, LabelTimeout
		tc.Failure = &xmlReason{Message: cdata{fmt.Sprintf("test program exceeded timeout of %dms", Setting(r.pkg, SettingDefaultTimeout, 0))}}
	case ctx.Err() != nil:
		tc.Result, tc.Label = ResultFailed, LabelCancelled
		tc.Failure = &xmlReason{Message: cdata{ctx.Err().Error()}}
	case err != nil:
		tc.Result = ResultFailed
		tc.Failure = &xmlReason{Message: cdata{err.Error()}}
	default:
		tc.Result = ResultPassed
	}

	r.logger.Debug("test program finished", "test", tp.FullName, "result", tc.Result, "exit_code", exitCode)
	return tc
}

func skippedCase(tp testProgram, label, reason string) xmlTestCase {
	return xmlTestCase{
		ID: tp.ID, Name: tp.Name, FullName: tp.FullName,
		Result: ResultSkipped, Label: label,
		Reason: &xmlReason{Message: cdata{reason}},
	}
}

// scan builds the test list from the package's assemblies.
func (r *ProcessRunner) scan() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tests = r.tests[:0]
	for i, path := range r.pkg.Assemblies() {
		tp := testProgram{
			ID:       fmt.Sprintf("%s-%d", r.pkg.ID, 1001+2*i),
			SuiteID:  fmt.Sprintf("%s-%d", r.pkg.ID, 1000+2*i),
			Name:     filepath.Base(path),
			FullName: path,
			RunState: RunStateRunnable,
		}
		if reason := checkProgram(path); reason != "" {
			tp.RunState, tp.Reason = RunStateNotRunnable, reason
		}
		r.tests = append(r.tests, tp)
	}
	r.loaded = true
	r.logger.Debug("package scanned", "tests", len(r.tests))
}

func (r *ProcessRunner) selected(filter TestFilter) []testProgram {
	r.mu.Lock()
	loaded := r.loaded
	r.mu.Unlock()
	if !loaded {
		r.scan()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]testProgram, 0, len(r.tests))
	for _, tp := range r.tests {
		if filter.Match(tp.FullName) {
			out = append(out, tp)
		}
	}
	return out
}

func checkProgram(path string) string {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return fmt.Sprintf("file not found: %s", path)
	case info.IsDir():
		return fmt.Sprintf("not a file: %s", path)
	case info.Mode().Perm()&0o111 == 0:
		return fmt.Sprintf("not executable: %s", path)
	}
	return ""
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n... output truncated"
	}
	return c.buf.String()
}
