// ABOUTME: run, explore and count commands: drive a test package through an agent or in-process
// ABOUTME: Progress reports are printed as test cases finish; the exit status reflects failures

package main

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/testcentric-engine/internal/agency"
	"github.com/2389/testcentric-engine/internal/engine"
)

const agentExecutableName = "testcentric-agent"

var pkgFlags struct {
	local     bool
	filter    string
	tests     []string
	timeoutMs int
	workDir   string
	testArgs  string
	async     bool
}

var (
	runCmd = &cobra.Command{
		Use:   "run <test-program>...",
		Short: "Run test programs and report results",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	exploreCmd = &cobra.Command{
		Use:   "explore <test-program>...",
		Short: "Print the test tree of the given programs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExplore,
	}
	countCmd = &cobra.Command{
		Use:   "count <test-program>...",
		Short: "Count the test cases selected by the filter",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCount,
	}
)

func init() {
	for _, c := range []*cobra.Command{runCmd, exploreCmd, countCmd} {
		f := c.Flags()
		f.BoolVar(&pkgFlags.local, "local", false, "run in this process instead of launching an agent")
		f.StringVar(&pkgFlags.filter, "filter", "", "filter XML selecting tests, e.g. <filter><test>suite.a</test></filter>")
		f.StringSliceVar(&pkgFlags.tests, "test", nil, "full name of a test to select (repeatable)")
		f.IntVar(&pkgFlags.timeoutMs, "timeout", 0, "per test program timeout in milliseconds")
		f.StringVar(&pkgFlags.workDir, "workdir", "", "working directory for test programs")
		f.StringVar(&pkgFlags.testArgs, "test-args", "", "extra arguments passed to every test program")
	}
	runCmd.Flags().BoolVar(&pkgFlags.async, "async", false, "start the run asynchronously and wait for its final report")
}

// session is an open runner plus whatever must be torn down after it.
type session struct {
	runner engine.Runner
	close  func() error
}

func openSession(ctx context.Context, paths []string) (*session, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging)

	pkg := buildPackage(paths)

	if pkgFlags.local {
		transport := engine.NewLocalTransport(engine.ProcessRunnerFactory(logger), logger)
		runner, err := transport.CreateRunner(ctx, pkg)
		if err != nil {
			return nil, err
		}
		return &session{runner: runner, close: transport.Close}, nil
	}

	// Only the agent listener is needed for a one-shot run.
	cfg.Server.HTTPAddr = ""
	cfg.Server.GRPCAddr = ""
	if cfg.Agents.Executable == "" {
		cfg.Agents.Executable = findAgentExecutable()
	}

	srv, err := agency.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating agency: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- srv.Run(runCtx) }()

	stop := func() error {
		cancel()
		return <-done
	}

	runner, err := srv.Transport().CreateRunner(ctx, pkg)
	if err != nil {
		_ = stop()
		return nil, err
	}
	return &session{runner: runner, close: stop}, nil
}

func buildPackage(paths []string) *engine.TestPackage {
	var pkg *engine.TestPackage
	if len(paths) == 1 {
		pkg = engine.NewTestPackage(paths[0])
	} else {
		pkg = engine.NewMultiPackage(paths...)
	}
	if pkgFlags.timeoutMs > 0 {
		pkg.AddSetting(engine.SettingDefaultTimeout, pkgFlags.timeoutMs)
	}
	if pkgFlags.workDir != "" {
		pkg.AddSetting(engine.SettingWorkDirectory, pkgFlags.workDir)
	}
	if pkgFlags.testArgs != "" {
		pkg.AddSetting(engine.SettingTestArguments, pkgFlags.testArgs)
	}
	return pkg
}

func selectedFilter() (engine.TestFilter, error) {
	if pkgFlags.filter != "" && len(pkgFlags.tests) > 0 {
		return engine.TestFilter{}, errors.New("--filter and --test cannot be combined")
	}
	if len(pkgFlags.tests) > 0 {
		return engine.TestNameFilter(pkgFlags.tests...), nil
	}
	return engine.ParseFilter(pkgFlags.filter)
}

// findAgentExecutable looks for the agent next to this binary, then on PATH.
func findAgentExecutable() string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), agentExecutableName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath(agentExecutableName); err == nil {
		return path
	}
	return agentExecutableName
}

// withSession loads the package and calls fn with its runner.
func withSession(cmd *cobra.Command, paths []string, fn func(ctx context.Context, r engine.Runner, filter engine.TestFilter) error) (err error) {
	filter, err := selectedFilter()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, paths)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := s.runner.Load(ctx); err != nil {
		return fmt.Errorf("loading package: %w", err)
	}
	return fn(ctx, s.runner, filter)
}

func runExplore(cmd *cobra.Command, args []string) error {
	return withSession(cmd, args, func(ctx context.Context, r engine.Runner, filter engine.TestFilter) error {
		doc, err := r.Explore(ctx, filter)
		if err != nil {
			return err
		}
		fmt.Println(doc)
		return nil
	})
}

func runCount(cmd *cobra.Command, args []string) error {
	return withSession(cmd, args, func(ctx context.Context, r engine.Runner, filter engine.TestFilter) error {
		n, err := r.CountTestCases(ctx, filter)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	return withSession(cmd, args, func(ctx context.Context, r engine.Runner, filter engine.TestFilter) error {
		printer := &progressPrinter{}

		// Ctrl-C asks the run to stop; the result still arrives.
		stop := context.AfterFunc(ctx, func() { r.StopRun(false) })
		defer stop()
		runCtx := context.WithoutCancel(ctx)

		var result string
		if pkgFlags.async {
			final := make(chan string, 1)
			listener := engine.ListenerFunc(func(report string) {
				if strings.HasPrefix(strings.TrimSpace(report), "<test-run") {
					final <- report
					return
				}
				printer.OnTestEvent(report)
			})
			if err := r.RunAsync(runCtx, listener, filter); err != nil {
				return err
			}
			var err error
			result, err = awaitFinalReport(runCtx, r, final)
			if err != nil {
				return err
			}
		} else {
			var err error
			result, err = r.Run(runCtx, printer, filter)
			if err != nil {
				return err
			}
		}

		return printSummary(result)
	})
}

// asyncWaiter is implemented by runners whose asynchronous runs can end
// without a final report, such as agency.RemoteRunner losing its agent.
type asyncWaiter interface {
	Wait(ctx context.Context) error
}

// awaitFinalReport returns the <test-run> document of an asynchronous run,
// or the error that ended the run before one arrived.
func awaitFinalReport(ctx context.Context, r engine.Runner, final <-chan string) (string, error) {
	w, ok := r.(asyncWaiter)
	if !ok {
		return <-final, nil
	}

	failed := make(chan error, 1)
	go func() {
		if err := w.Wait(ctx); err != nil {
			failed <- err
		}
	}()

	select {
	case doc := <-final:
		return doc, nil
	case err := <-failed:
		// A report sent just before the failure still counts.
		select {
		case doc := <-final:
			return doc, nil
		default:
		}
		return "", fmt.Errorf("run ended without a result: %w", err)
	}
}

// progressPrinter prints one line per finished test case.
type progressPrinter struct {
	mu sync.Mutex
}

type caseReport struct {
	XMLName  xml.Name
	FullName string `xml:"fullname,attr"`
	Result   string `xml:"result,attr"`
	Label    string `xml:"label,attr"`
	Duration string `xml:"duration,attr"`
}

func (p *progressPrinter) OnTestEvent(report string) {
	var c caseReport
	if err := xml.Unmarshal([]byte(report), &c); err != nil || c.XMLName.Local != "test-case" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch c.Result {
	case engine.ResultPassed:
		color.New(color.FgGreen).Print("  PASS ")
	case engine.ResultFailed:
		color.New(color.FgRed, color.Bold).Print("  FAIL ")
	default:
		color.New(color.FgYellow).Print("  SKIP ")
	}
	fmt.Print(c.FullName)
	if c.Label != "" {
		color.New(color.FgHiBlack).Printf(" [%s]", c.Label)
	}
	if c.Duration != "" {
		color.New(color.FgHiBlack).Printf(" (%ss)", c.Duration)
	}
	fmt.Println()
}

func printSummary(doc string) error {
	res, err := engine.ParseRunResult(doc)
	if err != nil {
		return err
	}

	fmt.Println()
	summary := fmt.Sprintf("%d tests, %d passed, %d failed, %d skipped", res.Total, res.Passed, res.Failed, res.Skipped)
	switch res.Result {
	case engine.ResultFailed:
		color.New(color.FgRed, color.Bold).Println(summary)
	case engine.ResultPassed:
		color.New(color.FgGreen, color.Bold).Println(summary)
	default:
		color.New(color.FgYellow).Println(summary)
	}
	if res.Label != "" {
		fmt.Printf("run %s\n", strings.ToLower(res.Label))
	}

	if res.Failed > 0 || res.Label != "" {
		return errTestsFailed
	}
	return nil
}

var _ engine.EventListener = (*progressPrinter)(nil)
