// ABOUTME: Strict parser for the agent's --key=value / --key:value command line.
// ABOUTME: Options.Args renders the canonical argument list the agency launches agents with.

package agent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/testcentric-engine/internal/logging"
)

// Option names accepted on the agent command line.
const (
	OptAgentID    = "agentId"
	OptAgencyURL  = "agencyUrl"
	OptDebugAgent = "debug-agent"
	OptDebugTests = "debug-tests"
	OptTrace      = "trace"
	OptPID        = "pid"
	OptWork       = "work"
)

var (
	// ErrInvalidOption is matched by every OptionError.
	ErrInvalidOption = errors.New("invalid agent option")

	// ErrMissingOption is returned when a required option is absent.
	ErrMissingOption = errors.New("missing required option")
)

// OptionError describes a rejected command line argument.
type OptionError struct {
	Arg    string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid agent option %q: %s", e.Arg, e.Reason)
}

// Is reports whether target is ErrInvalidOption.
func (e *OptionError) Is(target error) bool {
	return target == ErrInvalidOption
}

// Options holds the parsed agent command line.
type Options struct {
	AgentID       uuid.UUID
	AgencyURL     string
	DebugAgent    bool
	DebugTests    bool
	Trace         logging.TraceLevel
	ParentPID     int
	WorkDirectory string
}

type optionKind int

const (
	valueOption optionKind = iota
	flagOption
)

var knownOptions = map[string]optionKind{
	strings.ToLower(OptAgentID):    valueOption,
	strings.ToLower(OptAgencyURL):  valueOption,
	strings.ToLower(OptDebugAgent): flagOption,
	strings.ToLower(OptDebugTests): flagOption,
	strings.ToLower(OptTrace):      valueOption,
	strings.ToLower(OptPID):        valueOption,
	strings.ToLower(OptWork):       valueOption,
}

// ParseOptions parses args (without the program name). Option names are
// matched without regard to case and take their value after the first
// '=' or ':'. Unknown options, positional arguments, value options
// without a value and flags given a value are all rejected.
func ParseOptions(args []string) (*Options, error) {
	opts := &Options{}
	seen := make(map[string]bool)

	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") || len(arg) == 2 {
			return nil, &OptionError{Arg: arg, Reason: "expected --name=value"}
		}

		name, value, hasValue := splitOption(arg[2:])
		key := strings.ToLower(name)
		kind, ok := knownOptions[key]
		if !ok {
			return nil, &OptionError{Arg: arg, Reason: "unknown option"}
		}
		if seen[key] {
			return nil, &OptionError{Arg: arg, Reason: "option given more than once"}
		}
		seen[key] = true

		if kind == flagOption {
			if hasValue {
				return nil, &OptionError{Arg: arg, Reason: "option does not take a value"}
			}
		} else if value == "" {
			return nil, &OptionError{Arg: arg, Reason: "option requires a value"}
		}

		if err := opts.set(key, value); err != nil {
			return nil, &OptionError{Arg: arg, Reason: err.Error()}
		}
	}

	if !seen[strings.ToLower(OptAgentID)] {
		return nil, fmt.Errorf("%w: --%s", ErrMissingOption, OptAgentID)
	}
	if !seen[strings.ToLower(OptAgencyURL)] {
		return nil, fmt.Errorf("%w: --%s", ErrMissingOption, OptAgencyURL)
	}
	return opts, nil
}

// splitOption splits "name=value" or "name:value" at the first delimiter.
func splitOption(s string) (name, value string, hasValue bool) {
	i := strings.IndexAny(s, "=:")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func (o *Options) set(key, value string) error {
	switch key {
	case strings.ToLower(OptAgentID):
		id, err := uuid.Parse(value)
		if err != nil {
			return fmt.Errorf("not a uuid: %w", err)
		}
		o.AgentID = id
	case strings.ToLower(OptAgencyURL):
		o.AgencyURL = value
	case strings.ToLower(OptDebugAgent):
		o.DebugAgent = true
	case strings.ToLower(OptDebugTests):
		o.DebugTests = true
	case strings.ToLower(OptTrace):
		level, err := logging.ParseTraceLevel(value)
		if err != nil {
			return err
		}
		o.Trace = level
	case strings.ToLower(OptPID):
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			return fmt.Errorf("not a process id: %q", value)
		}
		o.ParentPID = pid
	case strings.ToLower(OptWork):
		o.WorkDirectory = value
	}
	return nil
}

// Args renders the options as a command line that ParseOptions accepts.
func (o *Options) Args() []string {
	args := []string{
		"--" + OptAgentID + "=" + o.AgentID.String(),
		"--" + OptAgencyURL + "=" + o.AgencyURL,
	}
	if o.Trace != logging.TraceOff {
		args = append(args, "--"+OptTrace+"="+o.Trace.String())
	}
	if o.ParentPID > 0 {
		args = append(args, "--"+OptPID+"="+strconv.Itoa(o.ParentPID))
	}
	if o.WorkDirectory != "" {
		args = append(args, "--"+OptWork+"="+o.WorkDirectory)
	}
	if o.DebugAgent {
		args = append(args, "--"+OptDebugAgent)
	}
	if o.DebugTests {
		args = append(args, "--"+OptDebugTests)
	}
	return args
}
