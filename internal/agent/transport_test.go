// ABOUTME: End-to-end tests of TCPTransport against a mock agency on loopback
// ABOUTME: Covers the identity handshake, command dispatch, progress streaming, stops and failures

package agent

import (
	"encoding/xml"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/testcentric-engine/internal/engine"
	"github.com/2389/testcentric-engine/internal/engine/enginetest"
	"github.com/2389/testcentric-engine/internal/logging"
	"github.com/2389/testcentric-engine/internal/protocol"
)

// mockAgency accepts a single agent connection on loopback.
type mockAgency struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	reader *protocol.Reader
	id     [16]byte
}

func newMockAgency(t *testing.T) *mockAgency {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return &mockAgency{t: t, ln: ln}
}

func (m *mockAgency) url() string {
	return "tcp://" + m.ln.Addr().String()
}

// accept waits for the agent and reads its raw 16-byte id.
func (m *mockAgency) accept() {
	m.t.Helper()
	conn, err := m.ln.Accept()
	require.NoError(m.t, err)
	m.t.Cleanup(func() { _ = conn.Close() })

	require.NoError(m.t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, m.id[:])
	require.NoError(m.t, err)

	m.conn = conn
	m.reader = protocol.NewReader(conn)
}

func (m *mockAgency) send(msg protocol.Message) {
	m.t.Helper()
	require.NoError(m.t, protocol.WriteMessage(m.conn, msg))
}

func (m *mockAgency) next() protocol.Message {
	m.t.Helper()
	require.NoError(m.t, m.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := m.reader.Next()
	require.NoError(m.t, err)
	return msg
}

// nextResult skips progress messages and returns the next RSLT along with
// the progress reports seen before it.
func (m *mockAgency) nextResult() (protocol.Message, []string) {
	m.t.Helper()
	var progress []string
	for {
		msg := m.next()
		switch msg.Kind() {
		case protocol.KindProgress:
			progress = append(progress, msg.Report())
		case protocol.KindResult:
			return msg, progress
		default:
			m.t.Fatalf("unexpected message from agent: %s", msg)
		}
	}
}

func (m *mockAgency) createRunner(paths ...string) *engine.TestPackage {
	m.t.Helper()
	pkg := engine.NewMultiPackage(paths...)
	data, err := engine.MarshalPackage(pkg)
	require.NoError(m.t, err)
	m.send(protocol.NewCommand(protocol.MsgCreateRunner, data))
	return pkg
}

func startTransport(t *testing.T, agency *mockAgency, configure func(*enginetest.StubRunner)) (*TCPTransport, chan *enginetest.StubRunner, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	created := make(chan *enginetest.StubRunner, 4)
	tr := NewTCPTransport(TransportConfig{
		AgentID:   id,
		AgencyURL: agency.url(),
		Factory:   enginetest.Factory(configure, created),
		Logger:    logging.Discard(),
	})
	t.Cleanup(tr.Stop)

	require.NoError(t, tr.Start(t.Context()))
	agency.accept()
	return tr, created, id
}

func waitDone(t *testing.T, tr *TCPTransport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not stop")
	}
}

func TestTransport_EndToEndRun(t *testing.T) {
	agency := newMockAgency(t)
	tr, created, id := startTransport(t, agency, func(s *enginetest.StubRunner) {
		s.Reports = []string{`<start-test id="1" />`, `<test-case id="1" result="Passed" />`}
	})

	assert.Equal(t, [16]byte(id), agency.id)
	assert.Zero(t, agency.reader.Queued())

	pkg := agency.createRunner("/bin/one.test")
	stub := <-created
	assert.Equal(t, pkg.ID, stub.Package.ID)
	assert.Equal(t, []string{"/bin/one.test"}, stub.Package.Assemblies())

	agency.send(protocol.NewCommandText(protocol.MsgRun, ""))
	result, progress := agency.nextResult()

	assert.NotEmpty(t, result.ReturnValue())
	var doc struct {
		XMLName xml.Name `xml:"test-run"`
		ID      string   `xml:"id,attr"`
	}
	require.NoError(t, xml.Unmarshal([]byte(result.ReturnValue()), &doc))
	assert.Equal(t, pkg.ID, doc.ID)
	assert.Len(t, progress, 2)

	agency.send(protocol.NewCommand(protocol.MsgExit, nil))
	waitDone(t, tr)
	assert.NoError(t, tr.Err())
	assert.Equal(t, StateStopped, tr.State())
	assert.Contains(t, stub.Calls(), "Unload")
}

func TestTransport_SynchronousCommands(t *testing.T) {
	agency := newMockAgency(t)
	_, created, _ := startTransport(t, agency, func(s *enginetest.StubRunner) {
		s.TestCount = 7
	})

	agency.createRunner("/bin/a.test", "/bin/b.test")
	stub := <-created

	agency.send(protocol.NewCommand(protocol.MsgLoad, nil))
	load, _ := agency.nextResult()
	assert.Contains(t, load.ReturnValue(), `fullname="/bin/b.test"`)

	agency.send(protocol.NewCommand(protocol.MsgReload, nil))
	_, _ = agency.nextResult()

	filter := "<filter><name>a.test</name></filter>"
	agency.send(protocol.NewCommandText(protocol.MsgExplore, filter))
	explore, _ := agency.nextResult()
	assert.True(t, strings.HasPrefix(explore.ReturnValue(), "<test-run"))

	agency.send(protocol.NewCommandText(protocol.MsgCountTestCases, filter))
	count, _ := agency.nextResult()
	assert.Equal(t, strconv.Itoa(7), count.ReturnValue())

	agency.send(protocol.NewCommand(protocol.MsgUnload, nil))
	agency.send(protocol.NewCommand(protocol.MsgLoad, nil))
	_, _ = agency.nextResult()

	assert.Equal(t, []string{
		"Load",
		"Reload",
		"Explore:" + filter,
		"CountTestCases:" + filter,
		"Unload",
		"Load",
	}, stub.Calls())
}

func TestTransport_RunAsyncStreamsFinalDocumentAsProgress(t *testing.T) {
	agency := newMockAgency(t)
	_, _, _ = startTransport(t, agency, func(s *enginetest.StubRunner) {
		s.Reports = []string{`<start-run count="1" />`}
	})

	agency.createRunner("/bin/a.test")
	agency.send(protocol.NewCommand(protocol.MsgRunAsync, nil))

	first := agency.next()
	require.Equal(t, protocol.KindProgress, first.Kind())
	assert.Equal(t, `<start-run count="1" />`, first.Report())

	last := agency.next()
	require.Equal(t, protocol.KindProgress, last.Kind())
	assert.True(t, strings.HasPrefix(last.Report(), "<test-run"), last.Report())
}

func TestTransport_StopDuringRun(t *testing.T) {
	for _, tt := range []struct {
		name  string
		cmd   protocol.MessageType
		label string
	}{
		{name: "cooperative", cmd: protocol.MsgRequestStop, label: `label="Cancelled"`},
		{name: "forced", cmd: protocol.MsgForcedStop, label: `label="Aborted"`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			agency := newMockAgency(t)
			_, created, _ := startTransport(t, agency, func(s *enginetest.StubRunner) {
				s.Block = true
			})

			agency.createRunner("/bin/a.test")
			stub := <-created

			agency.send(protocol.NewCommand(protocol.MsgRun, nil))
			select {
			case <-stub.Started():
			case <-time.After(5 * time.Second):
				t.Fatal("run did not start")
			}

			agency.send(protocol.NewCommand(tt.cmd, nil))
			result, _ := agency.nextResult()
			assert.Contains(t, result.ReturnValue(), tt.label)
		})
	}
}

func TestTransport_StopWithoutRunnerIsIgnored(t *testing.T) {
	agency := newMockAgency(t)
	tr, _, _ := startTransport(t, agency, nil)

	agency.send(protocol.NewCommand(protocol.MsgRequestStop, nil))
	agency.send(protocol.NewCommand(protocol.MsgStart, nil))
	agency.createRunner("/bin/a.test")
	agency.send(protocol.NewCommand(protocol.MsgLoad, nil))
	_, _ = agency.nextResult()

	select {
	case <-tr.Done():
		t.Fatal("transport stopped unexpectedly")
	default:
	}
}

func TestTransport_CommandBeforeRunnerStopsLoop(t *testing.T) {
	agency := newMockAgency(t)
	tr, _, _ := startTransport(t, agency, nil)

	agency.send(protocol.NewCommand(protocol.MsgLoad, nil))
	waitDone(t, tr)
	assert.ErrorIs(t, tr.Err(), ErrNoRunner)
}

func TestTransport_UnknownCommandStopsLoop(t *testing.T) {
	agency := newMockAgency(t)
	tr, _, _ := startTransport(t, agency, nil)

	agency.send(protocol.Message{Type: "ZZZZ"})
	waitDone(t, tr)
	assert.ErrorIs(t, tr.Err(), ErrUnknownCommand)
}

func TestTransport_BadFilterStopsLoop(t *testing.T) {
	agency := newMockAgency(t)
	tr, _, _ := startTransport(t, agency, nil)

	agency.createRunner("/bin/a.test")
	agency.send(protocol.NewCommandText(protocol.MsgExplore, "<filter><bogus/></filter>"))
	waitDone(t, tr)
	assert.ErrorIs(t, tr.Err(), engine.ErrInvalidFilter)
}

func TestTransport_AgencyDisconnectIsFatal(t *testing.T) {
	agency := newMockAgency(t)
	tr, _, _ := startTransport(t, agency, nil)

	require.NoError(t, agency.conn.Close())
	waitDone(t, tr)
	assert.ErrorIs(t, tr.Err(), protocol.ErrConnectionClosed)
}

func TestTransport_StopIsIdempotent(t *testing.T) {
	agency := newMockAgency(t)
	tr, _, _ := startTransport(t, agency, nil)

	tr.Stop()
	tr.Stop()
	waitDone(t, tr)
	assert.NoError(t, tr.Err())
	assert.Equal(t, StateStopped, tr.State())
	assert.ErrorIs(t, tr.Start(t.Context()), ErrAlreadyStarted)
}

func TestTransport_StartFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := NewTCPTransport(TransportConfig{AgentID: uuid.New(), AgencyURL: closedAddr, Logger: logging.Discard()})
	err = tr.Start(t.Context())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAgencyNotFound)
	waitDone(t, tr)

	tr = NewTCPTransport(TransportConfig{AgentID: uuid.New(), AgencyURL: "no port here", Logger: logging.Discard()})
	assert.ErrorIs(t, tr.Start(t.Context()), ErrAgencyNotFound)
}

func TestParseAgencyAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "tcp://127.0.0.1:8080", want: "127.0.0.1:8080", ok: true},
		{in: "localhost:9", want: "localhost:9", ok: true},
		{in: "tcp://[::1]:5000", want: "[::1]:5000", ok: true},
		{in: "http://host:80", ok: false},
		{in: "host", ok: false},
		{in: "host:0", ok: false},
		{in: "host:99999", ok: false},
	}
	for _, tt := range tests {
		got, err := ParseAgencyAddr(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		} else {
			assert.ErrorIs(t, err, ErrAgencyNotFound, tt.in)
		}
	}
}
