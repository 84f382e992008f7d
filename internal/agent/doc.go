// Package agent implements the agent side of the engine-to-agent protocol.
//
// An agent process is launched by the agency with a command line such as
//
//	testcentric-agent --agentId=<uuid> --agencyUrl=tcp://127.0.0.1:7000 --pid=<agency pid>
//
// ParseOptions validates that command line strictly. Agent.Run then
// dials the agency, writes the agent id as 16 raw bytes and hands the
// connection to TCPTransport, whose command loop reads framed commands
// and dispatches them to the runner created by RUNR.
//
// # Command loop
//
// LOAD, RELD, XPLR and CNTC reply with a single RSLT. RSYN runs on its own
// goroutine so STOP and ABRT are still read while tests execute; progress
// is sent as PROG messages and the run ends with an RSLT. RASY returns at
// once and delivers its final <test-run> document as the last PROG. RUNR
// and UNLD send no reply. EXIT ends the loop cleanly; any decode or
// dispatch error ends it with that error.
//
// Results and progress share one connection, so every write goes through
// a single mutex.
package agent
