// ABOUTME: Process exit codes reported by the agent to the agency.
// ABOUTME: Negative values distinguish agent-side failures from test failures.

package agent

// Exit codes returned by Agent.Run.
const (
	ExitOK                           = 0
	ExitParentTerminated             = -1
	ExitFailedToStart                = -2
	ExitDebuggerSecurityNotSupported = -3
	ExitDebuggerNotImplemented       = -4
	ExitAgencyNotFound               = -5
	ExitUnexpected                   = -100
)

// ExitCodeName returns a short name for an exit code, for logs and CLI output.
func ExitCodeName(code int) string {
	switch code {
	case ExitOK:
		return "ok"
	case ExitParentTerminated:
		return "parent terminated"
	case ExitFailedToStart:
		return "failed to start"
	case ExitDebuggerSecurityNotSupported:
		return "debugger security not supported"
	case ExitDebuggerNotImplemented:
		return "debugger not implemented"
	case ExitAgencyNotFound:
		return "agency not found"
	case ExitUnexpected:
		return "unexpected error"
	default:
		return "unknown"
	}
}

// NormalizeExitCode maps an exit status observed by a parent process back
// to the agent's signed code. Unix truncates statuses to 0-255, so -2
// arrives as 254.
func NormalizeExitCode(status int) int {
	if status > 127 && status < 256 {
		return status - 256
	}
	return status
}
