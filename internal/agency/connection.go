// ABOUTME: Represents one connected agent socket after its identity handshake
// ABOUTME: Serializes outgoing frames and routes each RSLT to the single outstanding request

package agency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/metrics"
	"github.com/2389/testcentric-engine/internal/protocol"
)

// listenerEntry gives each installed listener a distinct identity;
// listener values themselves may not be comparable.
type listenerEntry struct {
	engine.EventListener
}

// reply is what a pending request receives from the read loop.
type reply struct {
	msg protocol.Message
}

// Connection is a connected agent.
type Connection struct {
	ID          uuid.UUID
	RemoteAddr  string
	ConnectedAt time.Time

	conn    net.Conn
	reader  *protocol.Reader
	logger  *slog.Logger
	metrics *metrics.Metrics

	sendMu sync.Mutex

	// slot holds a token while a reply-bearing command is outstanding.
	slot chan struct{}

	mu       sync.Mutex
	pending  chan reply
	listener *listenerEntry

	// exiting is set once EXIT has been sent, so the following
	// disconnect is not counted as a death.
	exiting atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConnection(id uuid.UUID, conn net.Conn, reader *protocol.Reader, m *metrics.Metrics, logger *slog.Logger) *Connection {
	return &Connection{
		ID:          id,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
		reader:      reader,
		logger:      logger,
		metrics:     m,
		slot:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Busy reports whether a reply-bearing command is outstanding.
func (c *Connection) Busy() bool {
	return len(c.slot) > 0
}

// Closed is closed once the socket has gone away.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Err returns why the connection closed, nil for a clean EOF after EXIT.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// send writes one frame. Concurrent senders never interleave bytes.
func (c *Connection) send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return c.diedError()
	default:
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrAgentDied, err)
	}
	if m.Type == protocol.MsgExit {
		c.exiting.Store(true)
	}
	c.metrics.Frame(metrics.DirectionOut, string(m.Type), len(frame))
	c.logger.Debug("sent", "message", m.String())
	return nil
}

// request sends m and waits for the next RSLT. Only one request may be
// outstanding, so a result is never attributed to the wrong command.
func (c *Connection) request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-c.closed:
		return protocol.Message{}, c.diedError()
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending = ch
	c.mu.Unlock()

	if err := c.send(m); err != nil {
		c.clearPending(ch)
		<-c.slot
		return protocol.Message{}, err
	}

	select {
	case r := <-ch:
		<-c.slot
		return r.msg, nil
	case <-c.closed:
		c.clearPending(ch)
		<-c.slot
		return protocol.Message{}, c.diedError()
	case <-ctx.Done():
		// The agent will still answer. Keep the slot until it does so
		// the late RSLT is consumed here and not by the next request.
		go func() {
			select {
			case <-ch:
			case <-c.closed:
				c.clearPending(ch)
			}
			<-c.slot
		}()
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Connection) clearPending(ch chan reply) {
	c.mu.Lock()
	if c.pending == ch {
		c.pending = nil
	}
	c.mu.Unlock()
}

// setListener installs the listener that receives every PROG report in
// order. It returns a function that removes it again.
func (c *Connection) setListener(l engine.EventListener) func() {
	entry := &listenerEntry{l}
	c.mu.Lock()
	c.listener = entry
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if c.listener == entry {
			c.listener = nil
		}
		c.mu.Unlock()
	}
}

// readLoop dispatches incoming frames until the socket fails. publish is
// called for every progress report after the installed listener.
func (c *Connection) readLoop(publish func(report string)) {
	for {
		msg, err := c.reader.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) && c.exiting.Load() {
				err = nil
			}
			c.close(err)
			return
		}
		c.metrics.Frame(metrics.DirectionIn, string(msg.Type), protocol.FrameSize(msg))

		switch msg.Kind() {
		case protocol.KindResult:
			c.mu.Lock()
			ch := c.pending
			c.pending = nil
			c.mu.Unlock()

			if ch == nil {
				c.logger.Warn("result with no outstanding command", "message", msg.String())
				continue
			}
			ch <- reply{msg: msg}

		case protocol.KindProgress:
			report := msg.Report()
			c.mu.Lock()
			l := c.listener
			c.mu.Unlock()
			if l != nil {
				l.OnTestEvent(report)
			}
			publish(report)

		default:
			c.close(&protocol.UnexpectedMessageError{Want: protocol.KindResult, Got: msg})
			return
		}
	}
}

// close shuts the socket and wakes every waiter. Only the first call counts.
func (c *Connection) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		_ = c.conn.Close()
		close(c.closed)
	})
}

func (c *Connection) diedError() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrAgentDied, c.closeErr)
	}
	return ErrAgentDied
}
