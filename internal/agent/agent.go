// ABOUTME: Agent hosts one TCPTransport for the lifetime of the agent process.
// ABOUTME: Run maps startup failures, parent death and panics onto the agent exit codes.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/2389/testcentric-engine/internal/engine"
)

// DefaultDebuggerWait is how long --debug-agent pauses for a debugger to attach.
const DefaultDebuggerWait = 10 * time.Second

// DefaultParentPollInterval is how often the parent process is checked.
const DefaultParentPollInterval = time.Second

// Agent runs the agent side of one agency connection.
type Agent struct {
	opts    *Options
	factory engine.RunnerFactory
	logger  *slog.Logger

	// DebuggerWait is the pause taken when DebugAgent is set.
	DebuggerWait time.Duration
	// ParentPollInterval controls how often ParentPID is checked.
	ParentPollInterval time.Duration

	transport *TCPTransport
}

// New creates an agent for opts. factory builds the runner requested by RUNR.
func New(opts *Options, factory engine.RunnerFactory, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		opts:               opts,
		factory:            factory,
		logger:             logger.With("component", "agent"),
		ParentPollInterval: DefaultParentPollInterval,
	}
}

// Transport returns the agent's transport once Run has created it.
func (a *Agent) Transport() *TCPTransport {
	return a.transport
}

// Run connects to the agency and blocks until the transport stops, the
// parent process exits or ctx is cancelled. It returns the process exit code.
func (a *Agent) Run(ctx context.Context) (code int) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent panicked", "panic", r)
			if a.transport != nil {
				a.transport.Stop()
			}
			code = ExitUnexpected
		}
	}()

	a.logger.Info("agent starting",
		"agent_id", a.opts.AgentID.String(),
		"agency_url", a.opts.AgencyURL,
		"parent_pid", a.opts.ParentPID,
		"trace", a.opts.Trace.String(),
	)

	if a.opts.WorkDirectory != "" {
		if err := os.Chdir(a.opts.WorkDirectory); err != nil {
			a.logger.Error("changing work directory", "dir", a.opts.WorkDirectory, "error", err)
			return ExitFailedToStart
		}
	}

	if a.opts.DebugTests {
		a.logger.Info("debug-tests requested; test programs run unchanged")
	}
	if a.opts.DebugAgent && a.DebuggerWait > 0 {
		a.logger.Info("waiting for debugger to attach", "pid", os.Getpid(), "wait", a.DebuggerWait)
		select {
		case <-time.After(a.DebuggerWait):
		case <-ctx.Done():
			return ExitOK
		}
	}

	a.transport = NewTCPTransport(TransportConfig{
		AgentID:   a.opts.AgentID,
		AgencyURL: a.opts.AgencyURL,
		Factory:   a.factory,
		Logger:    a.logger,
	})
	if err := a.transport.Start(ctx); err != nil {
		a.logger.Error("failed to start transport", "error", err)
		if errors.Is(err, ErrAgencyNotFound) {
			return ExitAgencyNotFound
		}
		return ExitFailedToStart
	}

	parentGone := a.watchParent(ctx)

	select {
	case <-a.transport.Done():
		if err := a.transport.Err(); err != nil {
			return ExitUnexpected
		}
		return ExitOK
	case <-parentGone:
		a.logger.Error("parent process terminated", "parent_pid", a.opts.ParentPID)
		a.transport.Stop()
		return ExitParentTerminated
	case <-ctx.Done():
		a.logger.Info("agent interrupted")
		a.transport.Stop()
		return ExitOK
	}
}

// watchParent returns a channel closed when ParentPID no longer exists.
// It never fires when no parent was given.
func (a *Agent) watchParent(ctx context.Context) <-chan struct{} {
	gone := make(chan struct{})
	if a.opts.ParentPID <= 0 {
		return gone
	}

	interval := a.ParentPollInterval
	if interval <= 0 {
		interval = DefaultParentPollInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.transport.Done():
				return
			case <-ticker.C:
				if !processAlive(a.opts.ParentPID) {
					close(gone)
					return
				}
			}
		}
	}()
	return gone
}
