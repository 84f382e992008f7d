// ABOUTME: Accepts agent connections, binds them to expected launches by their 16-byte identity,
// ABOUTME: and routes commands, results and progress between the engine and each agent.

package agency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/metrics"
	"github.com/2389/testcentric-engine/internal/protocol"
	"github.com/2389/testcentric-engine/internal/store"
)

// DefaultHandshakeTimeout bounds how long a new socket may take to send its id.
const DefaultHandshakeTimeout = 5 * time.Second

var (
	// ErrAgentNotFound indicates the agent is not connected.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentDied indicates the agent socket closed while a command was
	// outstanding. It is distinct from a failing test result.
	ErrAgentDied = errors.New("agent connection lost")

	// ErrAgentAlreadyExpected indicates ExpectAgent was called twice for an id.
	ErrAgentAlreadyExpected = errors.New("agent already expected")

	// ErrNoReplyExpected is returned by Send for commands the agent never answers.
	ErrNoReplyExpected = errors.New("command has no reply; use Post")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("agent manager closed")
)

// Reply is the outcome of an asynchronous Send.
type Reply struct {
	Message protocol.Message
	Err     error
}

// AgentInfo describes a connected agent.
type AgentInfo struct {
	ID          uuid.UUID `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Busy        bool      `json:"busy"`
}

// ManagerConfig holds the Manager's collaborators. Everything but Logger
// is optional.
type ManagerConfig struct {
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Store            store.Store
	HandshakeTimeout time.Duration
}

// expected is a launch waiting for its agent to connect back.
type expected struct {
	ready chan struct{}
}

// Manager coordinates all agent connections for one agency.
type Manager struct {
	logger           *slog.Logger
	metrics          *metrics.Metrics
	store            store.Store
	broadcaster      *ProgressBroadcaster
	handshakeTimeout time.Duration

	mu        sync.RWMutex
	expecting map[uuid.UUID]*expected
	agents    map[uuid.UUID]*Connection
	listeners []net.Listener
	closed    bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &Manager{
		logger:           logger.With("component", "agent-manager"),
		metrics:          cfg.Metrics,
		store:            cfg.Store,
		broadcaster:      NewProgressBroadcaster(logger),
		handshakeTimeout: timeout,
		expecting:        make(map[uuid.UUID]*expected),
		agents:           make(map[uuid.UUID]*Connection),
	}
}

// Listen binds addr for agents to connect back to.
func (m *Manager) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for agents on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts agents on ln until ctx ends or the manager is closed.
// It returns nil on an orderly stop.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ln.Close()
		return ErrManagerClosed
	}
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	m.logger.Info("accepting agents", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || m.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting agent: %w", err)
		}
		go m.handshake(ctx, conn)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// handshake reads the agent's identity and binds the socket to a pending launch.
func (m *Manager) handshake(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	var raw [16]byte
	_ = conn.SetReadDeadline(time.Now().Add(m.handshakeTimeout))
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		m.logger.Warn("agent handshake failed", "remote_addr", remote, "error", err)
		m.metrics.HandshakeRejected("handshake")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	id := uuid.UUID(raw)

	m.mu.Lock()
	exp, ok := m.expecting[id]
	if !ok || m.closed {
		m.mu.Unlock()
		m.logger.Warn("rejecting unknown agent", "agent_id", id, "remote_addr", remote)
		m.metrics.HandshakeRejected("unknown_agent")
		_ = conn.Close()
		return
	}
	delete(m.expecting, id)

	c := newConnection(id, conn, protocol.NewReader(conn), m.metrics, m.logger.With("agent_id", id))
	m.agents[id] = c
	total := len(m.agents)
	m.mu.Unlock()

	close(exp.ready)
	m.metrics.AgentConnected()
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", id,
		"remote_addr", remote,
		"total_agents", total,
	)

	if m.store != nil {
		if err := m.store.MarkConnected(context.WithoutCancel(ctx), id.String(), c.ConnectedAt); err != nil {
			m.logger.Warn("recording agent connection", "agent_id", id, "error", err)
		}
	}

	c.readLoop(func(report string) { m.broadcaster.Publish(id, report) })
	m.unregister(c)
}

// unregister removes a closed connection.
func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	if m.agents[c.ID] == c {
		delete(m.agents, c.ID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	died := !c.exiting.Load()
	m.metrics.AgentDisconnected(died)
	m.broadcaster.CloseAgent(c.ID)

	if err := c.Err(); err != nil {
		m.logger.Warn("=== AGENT DISCONNECTED ===",
			"agent_id", c.ID,
			"error", err,
			"total_agents", total,
		)
		return
	}
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", c.ID,
		"total_agents", total,
	)
}

// ExpectAgent registers an agent id that is about to be launched. Sockets
// presenting any other id are rejected.
func (m *Manager) ExpectAgent(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.expecting[id]; ok {
		return ErrAgentAlreadyExpected
	}
	if _, ok := m.agents[id]; ok {
		return ErrAgentAlreadyExpected
	}
	m.expecting[id] = &expected{ready: make(chan struct{})}
	return nil
}

// CancelExpected forgets a launch that will never connect.
func (m *Manager) CancelExpected(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expecting, id)
}

// WaitForAgent blocks until the expected agent has completed its handshake.
func (m *Manager) WaitForAgent(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	if _, ok := m.agents[id]; ok {
		m.mu.RUnlock()
		return nil
	}
	exp, ok := m.expecting[id]
	m.mu.RUnlock()
	if !ok {
		return ErrAgentNotFound
	}

	select {
	case <-exp.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAgent returns the connection for id.
func (m *Manager) GetAgent(id uuid.UUID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.agents[id]
	return c, ok
}

// ListAgents returns the connected agents.
func (m *Manager) ListAgents() []AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(m.agents))
	for _, c := range m.agents {
		infos = append(infos, AgentInfo{
			ID:          c.ID,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt,
			Busy:        c.Busy(),
		})
	}
	return infos
}

// expectsReply reports whether the agent answers cmd with an RSLT.
func expectsReply(cmd protocol.MessageType) bool {
	switch cmd {
	case protocol.MsgLoad, protocol.MsgReload, protocol.MsgExplore,
		protocol.MsgCountTestCases, protocol.MsgRun:
		return true
	default:
		return false
	}
}

// Send delivers a reply-bearing command and waits for its RSLT. Progress
// arriving in the meantime goes to the agent's listener and subscribers.
// Only one Send per agent is outstanding at a time; later calls queue.
func (m *Manager) Send(ctx context.Context, id uuid.UUID, msg protocol.Message) (protocol.Message, error) {
	if !expectsReply(msg.Type) {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrNoReplyExpected, msg.Type)
	}
	c, ok := m.GetAgent(id)
	if !ok {
		return protocol.Message{}, ErrAgentNotFound
	}

	start := time.Now()
	result, err := c.request(ctx, msg)
	m.metrics.ObserveCommand(string(msg.Type), time.Since(start))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%s to agent %s: %w", msg.Type, id, err)
	}
	return result, nil
}

// SendAsync is Send without blocking the caller. The channel delivers
// exactly one Reply.
func (m *Manager) SendAsync(ctx context.Context, id uuid.UUID, msg protocol.Message) <-chan Reply {
	out := make(chan Reply, 1)
	go func() {
		result, err := m.Send(ctx, id, msg)
		out <- Reply{Message: result, Err: err}
	}()
	return out
}

// Post delivers a command without waiting for a reply. It does not queue
// behind an outstanding Send, so STOP and ABRT reach an agent mid-run.
func (m *Manager) Post(ctx context.Context, id uuid.UUID, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := m.GetAgent(id)
	if !ok {
		return ErrAgentNotFound
	}
	if err := c.send(msg); err != nil {
		return fmt.Errorf("%s to agent %s: %w", msg.Type, id, err)
	}
	return nil
}

// SetListener installs the listener receiving every progress report from
// the agent, in order and without loss. The returned func removes it.
func (m *Manager) SetListener(id uuid.UUID, l engine.EventListener) (func(), error) {
	c, ok := m.GetAgent(id)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return c.setListener(l), nil
}

// Subscribe streams the agent's progress reports to an observer. Slow
// observers lose reports. The channel closes when ctx ends or the agent
// disconnects, and is already closed if the agent is not connected.
func (m *Manager) Subscribe(ctx context.Context, id uuid.UUID) (<-chan string, string) {
	ch, subID := m.broadcaster.Subscribe(ctx, id)
	// unregister removes the agent before closing its subscriptions, so
	// checking after subscribing cannot miss a disconnect.
	if _, ok := m.GetAgent(id); !ok {
		m.broadcaster.Unsubscribe(id, subID)
	}
	return ch, subID
}

// Disconnected returns a channel closed once the agent's socket is gone.
func (m *Manager) Disconnected(id uuid.UUID) (<-chan struct{}, bool) {
	c, ok := m.GetAgent(id)
	if !ok {
		return nil, false
	}
	return c.Closed(), true
}

// Disconnect closes an agent's socket.
func (m *Manager) Disconnect(id uuid.UUID) {
	if c, ok := m.GetAgent(id); ok {
		c.close(nil)
	}
}

// Close stops accepting agents and closes every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.expecting = make(map[uuid.UUID]*expected)
	m.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.close(ErrManagerClosed)
	}
	m.broadcaster.Close()
	return errors.Join(errs...)
}
