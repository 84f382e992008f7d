// ABOUTME: Starts agent processes that connect back to the Manager, reaps them and records their history.
// ABOUTME: Stop asks an agent to EXIT and kills it if it has not gone within the stop timeout.

package agency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/testcentric-engine/internal/agent"
	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/logging"
	"github.com/2389/testcentric-engine/internal/metrics"
	"github.com/2389/testcentric-engine/internal/protocol"
	"github.com/2389/testcentric-engine/internal/store"
)

// Launcher defaults.
const (
	DefaultLaunchTimeout = 30 * time.Second
	DefaultStopTimeout   = 10 * time.Second
	DefaultKillGrace     = 3 * time.Second
)

// ErrAgentExited is returned by Launch when the process ends before it
// connects back.
var ErrAgentExited = errors.New("agent exited before connecting")

// LauncherConfig controls how agents are started.
type LauncherConfig struct {
	Executable string
	AgencyURL  string
	Trace      logging.TraceLevel
	WorkDir    string
	DebugAgent bool
	DebugTests bool

	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	// KillGrace is how long an agent has to exit after SIGTERM before
	// its process group is killed.
	KillGrace time.Duration

	// Output receives the agent's stdout and stderr. Nil discards it.
	Output io.Writer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Store   store.Store
}

type agentProcess struct {
	id       uuid.UUID
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// Launcher owns the agent processes it started.
type Launcher struct {
	cfg     LauncherConfig
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[uuid.UUID]*agentProcess
}

// NewLauncher creates a Launcher whose agents connect to manager.
func NewLauncher(manager *Manager, cfg LauncherConfig) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	return &Launcher{
		cfg:     cfg,
		manager: manager,
		logger:  cfg.Logger.With("component", "launcher"),
		procs:   make(map[uuid.UUID]*agentProcess),
	}
}

// Options returns the command line options a new agent with id is given.
func (l *Launcher) Options(id uuid.UUID) *agent.Options {
	return &agent.Options{
		AgentID:       id,
		AgencyURL:     l.cfg.AgencyURL,
		Trace:         l.cfg.Trace,
		ParentPID:     os.Getpid(),
		WorkDirectory: l.cfg.WorkDir,
		DebugAgent:    l.cfg.DebugAgent,
		DebugTests:    l.cfg.DebugTests,
	}
}

// Launch starts an agent for pkg and waits until it has connected back.
func (l *Launcher) Launch(ctx context.Context, pkg *engine.TestPackage) (uuid.UUID, error) {
	if pkg == nil {
		return uuid.Nil, errors.New("test package is required")
	}
	if l.cfg.Executable == "" {
		return uuid.Nil, errors.New("agent executable is not configured")
	}

	id := uuid.New()
	if err := l.manager.ExpectAgent(id); err != nil {
		return uuid.Nil, err
	}

	args := l.Options(id).Args()
	cmd := exec.Command(l.cfg.Executable, args...)
	cmd.Stdout = l.cfg.Output
	cmd.Stderr = l.cfg.Output
	detach(cmd)

	if err := cmd.Start(); err != nil {
		l.manager.CancelExpected(id)
		return uuid.Nil, fmt.Errorf("starting agent: %w", err)
	}

	p := &agentProcess{id: id, cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.procs[id] = p
	l.mu.Unlock()

	l.cfg.Metrics.AgentLaunched()
	l.logger.Info("agent launched", "agent_id", id, "pid", cmd.Process.Pid, "package", pkg.ID)

	if l.cfg.Store != nil {
		rec := &store.AgentRecord{
			AgentID:    id.String(),
			PackageID:  pkg.ID,
			Executable: l.cfg.Executable,
			Args:       args,
			PID:        cmd.Process.Pid,
			LaunchedAt: time.Now(),
		}
		if err := l.cfg.Store.RecordLaunch(context.WithoutCancel(ctx), rec); err != nil {
			l.logger.Warn("recording agent launch", "agent_id", id, "error", err)
		}
	}

	go l.reap(p)

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()

	connected := make(chan error, 1)
	go func() { connected <- l.manager.WaitForAgent(waitCtx, id) }()

	select {
	case err := <-connected:
		if err == nil {
			return id, nil
		}
		l.manager.CancelExpected(id)
		kill(cmd)
		return uuid.Nil, fmt.Errorf("waiting for agent %s: %w", id, err)
	case <-p.done:
		l.manager.CancelExpected(id)
		return uuid.Nil, fmt.Errorf("%w: exit code %d (%s)", ErrAgentExited, p.exitCode, agent.ExitCodeName(p.exitCode))
	}
}

// reap waits for the process and records how it ended.
func (l *Launcher) reap(p *agentProcess) {
	err := p.cmd.Wait()

	code := agent.ExitOK
	var errMsg string
	if state := p.cmd.ProcessState; state != nil {
		if status := state.ExitCode(); status == -1 {
			// Killed by a signal.
			code = agent.ExitUnexpected
			errMsg = state.String()
		} else {
			code = agent.NormalizeExitCode(status)
		}
	} else if err != nil {
		code = agent.ExitUnexpected
		errMsg = err.Error()
	}
	if errMsg == "" && code != agent.ExitOK {
		errMsg = agent.ExitCodeName(code)
	}
	p.exitCode = code

	l.mu.Lock()
	delete(l.procs, p.id)
	l.mu.Unlock()

	l.cfg.Metrics.AgentExited(code)
	if l.cfg.Store != nil {
		if err := l.cfg.Store.RecordExit(context.Background(), p.id.String(), code, errMsg, time.Now()); err != nil {
			l.logger.Warn("recording agent exit", "agent_id", p.id, "error", err)
		}
	}
	l.logger.Info("agent exited", "agent_id", p.id, "code", code, "reason", agent.ExitCodeName(code))

	close(p.done)
}

// Running reports whether the agent process is still alive.
func (l *Launcher) Running(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.procs[id]
	return ok
}

// Wait blocks until the agent process exits and returns its exit code.
func (l *Launcher) Wait(ctx context.Context, id uuid.UUID) (int, error) {
	l.mu.Lock()
	p, ok := l.procs[id]
	l.mu.Unlock()
	if !ok {
		return 0, ErrAgentNotFound
	}

	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop sends EXIT and waits for the process to end. Once the stop timeout
// passes, or ctx ends, the agent is terminated. It returns the agent's
// exit code.
func (l *Launcher) Stop(ctx context.Context, id uuid.UUID) (int, error) {
	l.mu.Lock()
	p, ok := l.procs[id]
	l.mu.Unlock()
	if !ok {
		return 0, ErrAgentNotFound
	}

	if err := l.manager.Post(ctx, id, protocol.NewCommand(protocol.MsgExit, nil)); err != nil {
		l.logger.Debug("could not send EXIT", "agent_id", id, "error", err)
	}

	timer := time.NewTimer(l.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.exitCode, nil
	case <-timer.C:
		l.logger.Warn("agent did not exit in time, terminating", "agent_id", id, "timeout", l.cfg.StopTimeout)
	case <-ctx.Done():
		l.logger.Warn("stop cancelled, terminating agent", "agent_id", id)
	}

	l.terminate(p)
	return p.exitCode, nil
}

// terminate interrupts the agent so it kills its running test program,
// then kills the agent's group if it outlives the kill grace.
func (l *Launcher) terminate(p *agentProcess) {
	interrupt(p.cmd)

	timer := time.NewTimer(l.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return
	case <-timer.C:
	}

	l.logger.Warn("agent ignored interrupt, killing", "agent_id", p.id, "grace", l.cfg.KillGrace)
	kill(p.cmd)
	<-p.done
}

// StopAll stops every running agent concurrently.
func (l *Launcher) StopAll(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]uuid.UUID, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := l.Stop(ctx, id)
			if errors.Is(err, ErrAgentNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
