// ABOUTME: Entry point for testcentric-agent, the process the agency launches to run one test package
// ABOUTME: Usage: testcentric-agent --agentId=<uuid> --agencyUrl=tcp://host:port [--pid=N] [--trace=Level] [--work=dir]

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/testcentric-engine/internal/agent"
	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := agent.ParseOptions(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testcentric-agent: %v\n", err)
		return agent.ExitFailedToStart
	}

	logger := logging.ForTrace(opts.Trace, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := agent.New(opts, engine.ProcessRunnerFactory(logger), logger)
	a.DebuggerWait = agent.DefaultDebuggerWait
	return a.Run(ctx)
}
