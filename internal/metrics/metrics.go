// ABOUTME: Prometheus instrumentation for the agency: frames, agents, handshakes and commands.
// ABOUTME: Metrics are registered on an injected registry; a nil *Metrics records nothing.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testcentric"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds all agency metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	framesTotal       *prometheus.CounterVec
	frameBytesTotal   *prometheus.CounterVec
	agentsConnected   prometheus.Gauge
	agentsLaunched    prometheus.Counter
	agentExits        *prometheus.CounterVec
	agentsDied        prometheus.Counter
	handshakeRejected *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
}

// New registers the agency metrics on reg. Passing nil uses a fresh
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "frames_total",
			Help:      "Protocol frames exchanged with agents",
		}, []string{"direction", "type"}),

		frameBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "frame_bytes_total",
			Help:      "Encoded frame bytes exchanged with agents",
		}, []string{"direction"}),

		agentsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "agents_connected",
			Help:      "Agents currently connected",
		}),

		agentsLaunched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "agents_launched_total",
			Help:      "Agent processes started",
		}),

		agentExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "agent_exits_total",
			Help:      "Agent process exits by exit code",
		}, []string{"code"}),

		agentsDied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "agents_died_total",
			Help:      "Agent connections that closed without an EXIT",
		}),

		handshakeRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "handshakes_rejected_total",
			Help:      "Agent connections rejected during the identity handshake",
		}, []string{"reason"}),

		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agency",
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to receiving its result",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"command"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Frame counts one frame of the given message type.
func (m *Metrics) Frame(direction, msgType string, size int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction, msgType).Inc()
	m.frameBytesTotal.WithLabelValues(direction).Add(float64(size))
}

// AgentConnected records a completed handshake.
func (m *Metrics) AgentConnected() {
	if m == nil {
		return
	}
	m.agentsConnected.Inc()
}

// AgentDisconnected records a closed agent connection. died is true when
// the agent went away without being told to exit.
func (m *Metrics) AgentDisconnected(died bool) {
	if m == nil {
		return
	}
	m.agentsConnected.Dec()
	if died {
		m.agentsDied.Inc()
	}
}

// AgentLaunched records a started agent process.
func (m *Metrics) AgentLaunched() {
	if m == nil {
		return
	}
	m.agentsLaunched.Inc()
}

// AgentExited records a reaped agent process.
func (m *Metrics) AgentExited(code int) {
	if m == nil {
		return
	}
	m.agentExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// HandshakeRejected records a connection dropped before binding to a launch.
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejected.WithLabelValues(reason).Inc()
}

// ObserveCommand records the round-trip time of a reply-bearing command.
func (m *Metrics) ObserveCommand(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}
