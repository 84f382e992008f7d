// ABOUTME: Tests for strict agent option parsing and canonical argument rendering
// ABOUTME: Covers both delimiters, the Verbose synonym, missing values and unknown options

package agent

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/testcentric-engine/internal/logging"
)

func TestParseOptions_AgentIDRoundTrips(t *testing.T) {
	id := uuid.New()
	opts, err := ParseOptions([]string{"--agentId=" + id.String(), "--agencyUrl=127.0.0.1:9000"})
	require.NoError(t, err)
	assert.Equal(t, id, opts.AgentID)
	assert.Equal(t, "127.0.0.1:9000", opts.AgencyURL)
	assert.Equal(t, logging.TraceOff, opts.Trace)
}

func TestParseOptions_BothDelimiters(t *testing.T) {
	id := uuid.New()
	eq, err := ParseOptions([]string{
		"--agentId=" + id.String(),
		"--agencyUrl=tcp://localhost:4000",
		"--trace=Info",
		"--pid=42",
		"--work=/tmp/w:x",
	})
	require.NoError(t, err)

	colon, err := ParseOptions([]string{
		"--agentId:" + id.String(),
		"--agencyUrl:tcp://localhost:4000",
		"--trace:Info",
		"--pid:42",
		"--work:/tmp/w:x",
	})
	require.NoError(t, err)

	assert.Equal(t, eq, colon)
	assert.Equal(t, "tcp://localhost:4000", colon.AgencyURL)
	assert.Equal(t, 42, colon.ParentPID)
	assert.Equal(t, "/tmp/w:x", colon.WorkDirectory)
}

func TestParseOptions_VerboseIsDebug(t *testing.T) {
	id := uuid.New().String()
	verbose, err := ParseOptions([]string{"--agentId=" + id, "--agencyUrl=h:1", "--trace=Verbose"})
	require.NoError(t, err)
	debug, err := ParseOptions([]string{"--agentId=" + id, "--agencyUrl=h:1", "--trace=Debug"})
	require.NoError(t, err)

	assert.Equal(t, debug.Trace, verbose.Trace)
	assert.Equal(t, logging.TraceDebug, verbose.Trace)
}

func TestParseOptions_Flags(t *testing.T) {
	opts, err := ParseOptions([]string{
		"--agentId=" + uuid.New().String(),
		"--agencyUrl=h:1",
		"--debug-agent",
		"--DEBUG-TESTS",
	})
	require.NoError(t, err)
	assert.True(t, opts.DebugAgent)
	assert.True(t, opts.DebugTests)
}

func TestParseOptions_Rejects(t *testing.T) {
	id := "--agentId=" + uuid.New().String()
	url := "--agencyUrl=h:1"

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown option", args: []string{id, url, "--colour=blue"}},
		{name: "missing value with equals", args: []string{id, url, "--trace="}},
		{name: "missing value without delimiter", args: []string{id, url, "--work"}},
		{name: "missing agent id value", args: []string{"--agentId", url}},
		{name: "flag with value", args: []string{id, url, "--debug-agent=true"}},
		{name: "positional argument", args: []string{id, url, "extra"}},
		{name: "single dash", args: []string{id, url, "-pid=3"}},
		{name: "bare dashes", args: []string{id, url, "--"}},
		{name: "bad uuid", args: []string{"--agentId=not-a-uuid", url}},
		{name: "bad trace", args: []string{id, url, "--trace=Loud"}},
		{name: "bad pid", args: []string{id, url, "--pid=abc"}},
		{name: "negative pid", args: []string{id, url, "--pid=-4"}},
		{name: "duplicate", args: []string{id, url, "--trace=Info", "--trace=Debug"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptions(tt.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOption)

			var optErr *OptionError
			require.ErrorAs(t, err, &optErr)
			assert.NotEmpty(t, optErr.Reason)
		})
	}
}

func TestParseOptions_RequiredOptions(t *testing.T) {
	_, err := ParseOptions([]string{"--agencyUrl=h:1"})
	assert.ErrorIs(t, err, ErrMissingOption)
	assert.Contains(t, err.Error(), "agentId")

	_, err = ParseOptions([]string{"--agentId=" + uuid.New().String()})
	assert.ErrorIs(t, err, ErrMissingOption)
	assert.Contains(t, err.Error(), "agencyUrl")
}

func TestOptions_ArgsRoundTrip(t *testing.T) {
	opts := &Options{
		AgentID:       uuid.New(),
		AgencyURL:     "tcp://127.0.0.1:5555",
		DebugTests:    true,
		Trace:         logging.TraceWarning,
		ParentPID:     1234,
		WorkDirectory: "/srv/tests",
	}

	args := opts.Args()
	assert.Equal(t, "--agentId="+opts.AgentID.String(), args[0])
	assert.Contains(t, args, "--trace=Warning")
	assert.Contains(t, args, "--pid=1234")
	assert.NotContains(t, args, "--debug-agent")

	parsed, err := ParseOptions(args)
	require.NoError(t, err)
	assert.Equal(t, opts, parsed)
}

func TestOptions_ArgsOmitDefaults(t *testing.T) {
	opts := &Options{AgentID: uuid.New(), AgencyURL: "h:1"}
	assert.Len(t, opts.Args(), 2)
}
