// ABOUTME: TCPTransport connects an agent to its agency and runs the command loop.
// ABOUTME: Announces the agent id, dispatches commands to the runner, streams progress back.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/protocol"
)

// DefaultDialTimeout bounds the connection attempt to the agency.
const DefaultDialTimeout = 10 * time.Second

var (
	// ErrAgencyNotFound is returned by Start when the agency endpoint cannot
	// be parsed or resolved.
	ErrAgencyNotFound = errors.New("agency not found")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrUnknownCommand is returned by the command loop for codes it does not handle.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNoRunner is returned for package commands received before RUNR.
	ErrNoRunner = errors.New("no runner has been created")
)

// State is the command loop's position in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAnnouncingIdentity
	StateAwaitingCommand
	StateExecutingCommand
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAnnouncingIdentity:
		return "AnnouncingIdentity"
	case StateAwaitingCommand:
		return "AwaitingCommand"
	case StateExecutingCommand:
		return "ExecutingCommand"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TransportConfig configures a TCPTransport.
type TransportConfig struct {
	AgentID     uuid.UUID
	AgencyURL   string
	Factory     engine.RunnerFactory
	Logger      *slog.Logger
	DialTimeout time.Duration
}

// TCPTransport is the agent end of one agency connection.
type TCPTransport struct {
	cfg    TransportConfig
	logger *slog.Logger

	state atomic.Int32

	conn   net.Conn
	reader *protocol.Reader
	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	runnerMu sync.Mutex
	runner   engine.Runner

	stopOnce sync.Once
	stopping atomic.Bool
	done     chan struct{}
	err      error
}

// NewTCPTransport creates a transport in the Disconnected state.
func NewTCPTransport(cfg TransportConfig) *TCPTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &TCPTransport{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "agent-transport", "agent_id", cfg.AgentID.String()),
		done:   make(chan struct{}),
	}
}

// ParseAgencyAddr extracts host:port from an agency URL. Both
// "tcp://host:port" and a bare "host:port" are accepted.
func ParseAgencyAddr(agencyURL string) (string, error) {
	addr := agencyURL
	if u, err := url.Parse(agencyURL); err == nil && u.Scheme != "" && u.Host != "" {
		if u.Scheme != "tcp" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrAgencyNotFound, u.Scheme)
		}
		addr = u.Host
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAgencyNotFound, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: invalid port %q", ErrAgencyNotFound, port)
	}
	return net.JoinHostPort(host, port), nil
}

// State returns the current lifecycle state.
func (t *TCPTransport) State() State {
	return State(t.state.Load())
}

// setState moves to s unless the transport is already shutting down;
// Stopping only ever advances to Stopped.
func (t *TCPTransport) setState(s State) {
	for {
		prev := State(t.state.Load())
		if prev == StateStopped || (prev == StateStopping && s != StateStopped) || prev == s {
			return
		}
		if t.state.CompareAndSwap(int32(prev), int32(s)) {
			t.logger.Debug("transport state", "from", prev.String(), "to", s.String())
			return
		}
	}
}

// Done is closed once the transport has stopped.
func (t *TCPTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that stopped the transport, or nil after a clean
// EXIT or Stop. Only meaningful once Done is closed.
func (t *TCPTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Start connects to the agency, announces the agent id and starts the
// command loop. It returns once the loop is running.
func (t *TCPTransport) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	conn, err := t.connect(ctx)
	if err != nil {
		t.shutdown(err)
		return err
	}

	t.setState(StateAnnouncingIdentity)
	id := t.cfg.AgentID
	if _, err := conn.Write(id[:]); err != nil {
		_ = conn.Close()
		err = fmt.Errorf("announcing agent id: %w", err)
		t.shutdown(err)
		return err
	}

	t.conn = conn
	t.reader = protocol.NewReader(conn)
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))

	t.setState(StateAwaitingCommand)
	go t.commandLoop()

	t.logger.Info("connected to agency", "addr", conn.RemoteAddr().String())
	return nil
}

func (t *TCPTransport) connect(ctx context.Context) (net.Conn, error) {
	addr, err := ParseAgencyAddr(t.cfg.AgencyURL)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, fmt.Errorf("%w: %w", ErrAgencyNotFound, err)
		}
		return nil, fmt.Errorf("connecting to agency at %s: %w", addr, err)
	}
	return conn, nil
}

// Stop closes the connection and ends the command loop. Safe to call
// more than once and from any goroutine.
func (t *TCPTransport) Stop() {
	t.stopping.Store(true)
	t.shutdown(nil)
}

func (t *TCPTransport) shutdown(err error) {
	t.stopOnce.Do(func() {
		t.setState(StateStopping)
		if t.cancel != nil {
			t.cancel()
		}

		t.runnerMu.Lock()
		runner := t.runner
		t.runner = nil
		t.runnerMu.Unlock()
		if runner != nil {
			runner.StopRun(true)
			if uerr := runner.Unload(context.Background()); uerr != nil {
				t.logger.Warn("unloading runner", "error", uerr)
			}
		}

		if t.conn != nil {
			_ = t.conn.Close()
		}

		t.err = err
		if err != nil {
			t.logger.Error("transport stopped", "error", err)
		} else {
			t.logger.Info("transport stopped")
		}
		t.setState(StateStopped)
		close(t.done)
	})
}

func (t *TCPTransport) commandLoop() {
	err := t.serve()
	if err != nil && t.stopping.Load() {
		// Stop closed the socket underneath the read.
		err = nil
	}
	t.shutdown(err)
}

func (t *TCPTransport) serve() error {
	for {
		msg, err := t.reader.Next()
		if err != nil {
			return err
		}
		if msg.Kind() != protocol.KindCommand {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, msg.Type)
		}

		t.setState(StateExecutingCommand)
		keepRunning, err := t.dispatch(msg)
		if err != nil {
			return fmt.Errorf("executing %s: %w", msg.CommandName(), err)
		}
		if !keepRunning {
			t.logger.Info("exit requested by agency")
			return nil
		}
		t.setState(StateAwaitingCommand)
	}
}

func (t *TCPTransport) dispatch(msg protocol.Message) (bool, error) {
	t.logger.Debug("command received", "command", msg.String())

	switch msg.CommandName() {
	case protocol.MsgExit:
		return false, nil

	case protocol.MsgStart:
		t.logger.Debug("start acknowledged")
		return true, nil

	case protocol.MsgCreateRunner:
		return true, t.createRunner(msg.Argument())

	case protocol.MsgRequestStop, protocol.MsgForcedStop:
		force := msg.CommandName() == protocol.MsgForcedStop
		if runner := t.currentRunner(); runner != nil {
			runner.StopRun(force)
		} else {
			t.logger.Warn("stop requested with no runner", "force", force)
		}
		return true, nil
	}

	runner := t.currentRunner()
	if runner == nil {
		return false, ErrNoRunner
	}

	switch msg.CommandName() {
	case protocol.MsgLoad:
		doc, err := runner.Load(t.ctx)
		if err != nil {
			return false, err
		}
		return true, t.send(protocol.NewResult(doc))

	case protocol.MsgReload:
		doc, err := runner.Reload(t.ctx)
		if err != nil {
			return false, err
		}
		return true, t.send(protocol.NewResult(doc))

	case protocol.MsgUnload:
		return true, runner.Unload(t.ctx)

	case protocol.MsgExplore:
		filter, err := engine.ParseFilter(msg.Text())
		if err != nil {
			return false, err
		}
		doc, err := runner.Explore(t.ctx, filter)
		if err != nil {
			return false, err
		}
		return true, t.send(protocol.NewResult(doc))

	case protocol.MsgCountTestCases:
		filter, err := engine.ParseFilter(msg.Text())
		if err != nil {
			return false, err
		}
		n, err := runner.CountTestCases(t.ctx, filter)
		if err != nil {
			return false, err
		}
		return true, t.send(protocol.NewResult(strconv.Itoa(n)))

	case protocol.MsgRun:
		filter, err := engine.ParseFilter(msg.Text())
		if err != nil {
			return false, err
		}
		go t.runSync(runner, filter)
		return true, nil

	case protocol.MsgRunAsync:
		filter, err := engine.ParseFilter(msg.Text())
		if err != nil {
			return false, err
		}
		return true, runner.RunAsync(t.ctx, t.progressListener(), filter)

	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, msg.CommandName())
	}
}

func (t *TCPTransport) createRunner(arg []byte) error {
	pkg, err := engine.UnmarshalPackage(arg)
	if err != nil {
		return err
	}
	runner, err := t.cfg.Factory(pkg)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	t.runnerMu.Lock()
	prev := t.runner
	t.runner = runner
	t.runnerMu.Unlock()

	if prev != nil {
		prev.StopRun(true)
		if err := prev.Unload(t.ctx); err != nil {
			t.logger.Warn("unloading replaced runner", "error", err)
		}
	}
	t.logger.Info("runner created", "package", pkg.ID, "assemblies", len(pkg.Assemblies()))
	return nil
}

func (t *TCPTransport) currentRunner() engine.Runner {
	t.runnerMu.Lock()
	defer t.runnerMu.Unlock()
	return t.runner
}

// runSync executes RSYN off the command loop so STOP and ABRT are still
// read while tests run.
func (t *TCPTransport) runSync(runner engine.Runner, filter engine.TestFilter) {
	doc, err := runner.Run(t.ctx, t.progressListener(), filter)
	if err != nil {
		t.shutdown(fmt.Errorf("executing %s: %w", protocol.MsgRun, err))
		return
	}
	if err := t.send(protocol.NewResult(doc)); err != nil {
		t.shutdown(fmt.Errorf("sending run result: %w", err))
	}
}

func (t *TCPTransport) progressListener() engine.EventListener {
	return engine.ListenerFunc(func(report string) {
		if err := t.send(protocol.NewProgress(report)); err != nil {
			t.logger.Warn("dropping progress report", "error", err)
		}
	})
}

func (t *TCPTransport) send(m protocol.Message) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return protocol.WriteMessage(t.conn, m)
}
