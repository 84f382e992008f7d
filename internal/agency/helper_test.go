// ABOUTME: Lets the test binary stand in for the agent executable
// ABOUTME: Launched agents re-exec os.Args[0] with a mode in the environment

package agency

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/2389/testcentric-engine/internal/agent"
	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/engine/enginetest"
	"github.com/2389/testcentric-engine/internal/logging"
)

// helperModeEnv selects what the re-executed test binary does.
const helperModeEnv = "TESTCENTRIC_AGENCY_HELPER"

// Helper modes.
const (
	helperAgent      = "agent"      // a real agent hosting a stub runner
	helperBlocking   = "block"      // as agent, but runs wait for a stop
	helperExit3      = "exit3"      // exit with status 3 before connecting
	helperUnexpected = "unexpected" // exit with ExitUnexpected before connecting
	helperHang       = "hang"       // never connect
	helperProcess    = "process"    // the real agent binary: process runner, signal handling
)

var helperReports = []string{
	`<start-test id="1-1" fullname="Suite.A" />`,
	`<test-case id="1-1" fullname="Suite.A" result="Passed" />`,
}

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperModeEnv); mode != "" {
		os.Exit(runHelper(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelper(mode string, args []string) int {
	switch mode {
	case helperExit3:
		return 3
	case helperUnexpected:
		return agent.ExitUnexpected
	case helperHang:
		time.Sleep(time.Minute)
		return agent.ExitOK
	}

	opts, err := agent.ParseOptions(args)
	if err != nil {
		return agent.ExitFailedToStart
	}

	if mode == helperProcess {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		logger := logging.Discard()
		return agent.New(opts, engine.ProcessRunnerFactory(logger), logger).Run(ctx)
	}

	factory := enginetest.Factory(func(s *enginetest.StubRunner) {
		s.Reports = helperReports
		s.TestCount = len(helperReports)
		s.Block = mode == helperBlocking
	}, nil)
	return agent.New(opts, factory, logging.Discard()).Run(context.Background())
}

// useHelper makes agents launched by this test run in mode.
func useHelper(t *testing.T, mode string) string {
	t.Helper()
	t.Setenv(helperModeEnv, mode)
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	return exe
}
