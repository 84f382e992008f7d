// ABOUTME: Tests for agency metrics registration, recording and exposition
// ABOUTME: Uses prometheus testutil against a private registry

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Frame(DirectionOut, "LOAD", 12)
	m.Frame(DirectionIn, "RSLT", 100)
	m.Frame(DirectionIn, "RSLT", 50)
	m.AgentLaunched()
	m.AgentConnected()
	m.AgentConnected()
	m.AgentDisconnected(true)
	m.AgentExited(-1)
	m.HandshakeRejected("unknown_agent")
	m.ObserveCommand("XPLR", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesTotal.WithLabelValues(DirectionIn, "RSLT")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.frameBytesTotal.WithLabelValues(DirectionIn)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentsConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentsDied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentsLaunched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentExits.WithLabelValues("-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakeRejected.WithLabelValues("unknown_agent")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commandDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Frame(DirectionIn, "PROG", 1)
		m.AgentConnected()
		m.AgentDisconnected(false)
		m.AgentLaunched()
		m.AgentExited(0)
		m.HandshakeRejected("timeout")
		m.ObserveCommand("LOAD", time.Second)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.AgentLaunched()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "testcentric_agency_agents_launched_total 1")
}
