// ABOUTME: RemoteTransport and RemoteRunner run a TestPackage inside a launched agent process.
// ABOUTME: Each Runner call becomes a protocol command; progress flows back to the caller's listener.

package agency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/protocol"
)

// RemoteTransport implements engine.Transport with one agent per runner.
type RemoteTransport struct {
	manager  *Manager
	launcher *Launcher
	logger   *slog.Logger

	mu      sync.Mutex
	runners map[uuid.UUID]*RemoteRunner
	closed  bool
}

// NewRemoteTransport creates a transport launching agents with launcher.
func NewRemoteTransport(manager *Manager, launcher *Launcher, logger *slog.Logger) *RemoteTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteTransport{
		manager:  manager,
		launcher: launcher,
		logger:   logger.With("component", "remote-transport"),
		runners:  make(map[uuid.UUID]*RemoteRunner),
	}
}

// CreateRunner launches an agent and has it create a runner for pkg.
func (t *RemoteTransport) CreateRunner(ctx context.Context, pkg *engine.TestPackage) (engine.Runner, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, engine.ErrTransportClosed
	}

	data, err := engine.MarshalPackage(pkg)
	if err != nil {
		return nil, err
	}

	id, err := t.launcher.Launch(ctx, pkg)
	if err != nil {
		return nil, err
	}

	if err := t.manager.Post(ctx, id, protocol.NewCommand(protocol.MsgCreateRunner, data)); err != nil {
		_, _ = t.launcher.Stop(context.WithoutCancel(ctx), id)
		return nil, err
	}

	r := &RemoteRunner{
		id:      id,
		manager: t.manager,
		logger:  t.logger.With("agent_id", id),
	}

	t.mu.Lock()
	t.runners[id] = r
	t.mu.Unlock()

	t.logger.Debug("remote runner created", "agent_id", id, "package", pkg.ID)
	return r, nil
}

// Release stops the agent behind r and forgets it.
func (t *RemoteTransport) Release(ctx context.Context, r *RemoteRunner) error {
	t.mu.Lock()
	delete(t.runners, r.id)
	t.mu.Unlock()

	_, err := t.launcher.Stop(ctx, r.id)
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	return err
}

// Close stops every agent the transport launched.
func (t *RemoteTransport) Close() error {
	t.mu.Lock()
	runners := make([]*RemoteRunner, 0, len(t.runners))
	for _, r := range t.runners {
		runners = append(runners, r)
	}
	t.runners = make(map[uuid.UUID]*RemoteRunner)
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, r := range runners {
		r.StopRun(true)
		if _, err := t.launcher.Stop(context.Background(), r.id); err != nil && !errors.Is(err, ErrAgentNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoteRunner implements engine.Runner by commanding an agent.
type RemoteRunner struct {
	id      uuid.UUID
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	async *asyncRun
}

// asyncRun tracks one RunAsync until its final report or the agent's loss.
type asyncRun struct {
	done chan struct{}
	err  error
}

var _ engine.Runner = (*RemoteRunner)(nil)

// AgentID returns the id of the agent hosting the runner.
func (r *RemoteRunner) AgentID() uuid.UUID {
	return r.id
}

func (r *RemoteRunner) call(ctx context.Context, msg protocol.Message) (string, error) {
	result, err := r.manager.Send(ctx, r.id, msg)
	if err != nil {
		return "", err
	}
	return result.ReturnValue(), nil
}

// Load loads the package in the agent.
func (r *RemoteRunner) Load(ctx context.Context) (string, error) {
	return r.call(ctx, protocol.NewCommand(protocol.MsgLoad, nil))
}

// Reload reloads the package in the agent.
func (r *RemoteRunner) Reload(ctx context.Context) (string, error) {
	return r.call(ctx, protocol.NewCommand(protocol.MsgReload, nil))
}

// Unload asks the agent to unload. The agent does not reply.
func (r *RemoteRunner) Unload(ctx context.Context) error {
	return r.manager.Post(ctx, r.id, protocol.NewCommand(protocol.MsgUnload, nil))
}

// Explore returns the agent's explore document for filter.
func (r *RemoteRunner) Explore(ctx context.Context, filter engine.TestFilter) (string, error) {
	return r.call(ctx, protocol.NewCommandText(protocol.MsgExplore, filter.String()))
}

// CountTestCases returns how many test cases filter selects.
func (r *RemoteRunner) CountTestCases(ctx context.Context, filter engine.TestFilter) (int, error) {
	value, err := r.call(ctx, protocol.NewCommandText(protocol.MsgCountTestCases, filter.String()))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("agent %s returned a non-numeric count %q: %w", r.id, value, err)
	}
	return n, nil
}

// Run executes the tests and blocks for the <test-run> result. Progress
// reports reach listener in the order the agent sent them.
func (r *RemoteRunner) Run(ctx context.Context, listener engine.EventListener, filter engine.TestFilter) (string, error) {
	if listener == nil {
		listener = engine.NullListener
	}
	unset, err := r.manager.SetListener(r.id, listener)
	if err != nil {
		return "", err
	}
	defer unset()

	return r.call(ctx, protocol.NewCommandText(protocol.MsgRun, filter.String()))
}

// RunAsync starts a run and returns once the command is sent. The final
// <test-run> document arrives at listener as the last report. If the agent
// is lost first no final report comes; Wait reports ErrAgentDied instead.
func (r *RemoteRunner) RunAsync(ctx context.Context, listener engine.EventListener, filter engine.TestFilter) error {
	if listener == nil {
		listener = engine.NullListener
	}
	conn, ok := r.manager.GetAgent(r.id)
	if !ok {
		return ErrAgentNotFound
	}

	finished := make(chan struct{})
	var once sync.Once
	unset, err := r.manager.SetListener(r.id, engine.ListenerFunc(func(report string) {
		listener.OnTestEvent(report)
		if isRunResult(report) {
			once.Do(func() { close(finished) })
		}
	}))
	if err != nil {
		return err
	}

	run := &asyncRun{done: make(chan struct{})}
	if err := r.manager.Post(ctx, r.id, protocol.NewCommandText(protocol.MsgRunAsync, filter.String())); err != nil {
		unset()
		return err
	}

	r.mu.Lock()
	r.async = run
	r.mu.Unlock()

	go func() {
		defer close(run.done)
		defer unset()
		select {
		case <-finished:
		case <-conn.Closed():
			// The result may have been read just before the socket closed.
			select {
			case <-finished:
				return
			default:
			}
			run.err = fmt.Errorf("asynchronous run on agent %s: %w", r.id, conn.diedError())
			r.logger.Warn("agent lost during asynchronous run", "error", run.err)
		}
	}()
	return nil
}

// Wait blocks until the last RunAsync has delivered its final report and
// returns nil, or returns an error wrapping ErrAgentDied if the agent went
// away first. It returns nil at once when no asynchronous run was started.
func (r *RemoteRunner) Wait(ctx context.Context) error {
	r.mu.Lock()
	run := r.async
	r.mu.Unlock()
	if run == nil {
		return nil
	}

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopRun asks the agent to stop the active run.
func (r *RemoteRunner) StopRun(force bool) {
	cmd := protocol.MsgRequestStop
	if force {
		cmd = protocol.MsgForcedStop
	}
	if err := r.manager.Post(context.Background(), r.id, protocol.NewCommand(cmd, nil)); err != nil {
		r.logger.Debug("stop not delivered", "command", cmd, "error", err)
	}
}

// isRunResult reports whether a progress report is the final <test-run> document.
func isRunResult(report string) bool {
	return strings.HasPrefix(strings.TrimSpace(report), "<test-run")
}
