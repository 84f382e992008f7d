// Package agency implements the engine side of the engine-to-agent protocol.
//
// # Overview
//
// The agency launches agent processes, accepts their connections and turns
// each engine.Runner call into a protocol command. RemoteTransport is the
// engine.Transport that callers use; everything below it is plumbing.
//
// # Manager
//
// The Manager owns the agent listener:
//
//	mgr := agency.NewManager(agency.ManagerConfig{Logger: logger})
//	ln, _ := mgr.Listen("127.0.0.1:0")
//	go mgr.Serve(ctx, ln)
//
// Every new socket must send its agent id as 16 raw bytes within the
// handshake timeout. Ids that were not registered with ExpectAgent are
// rejected and the socket closed.
//
// Key operations:
//
//   - Send(ctx, id, msg): send LOAD, RELD, XPLR, CNTC or RSYN and wait for the RSLT
//   - SendAsync(ctx, id, msg): the same, delivering a Reply on a channel
//   - Post(ctx, id, msg): send RUNR, UNLD, RASY, STOP, ABRT or EXIT without waiting
//   - SetListener(id, l): receive every PROG report in order
//   - Subscribe(ctx, id): observe PROG reports; slow observers lose reports
//
// # Request/Response Correlation
//
// The protocol carries no request ids, so each agent has a single request
// slot. Send holds it until the RSLT arrives or the agent disconnects;
// a caller whose context ends early leaves the slot held until the late
// RSLT is consumed. Post does not take the slot, which is how STOP and
// ABRT reach an agent in the middle of RSYN.
//
// When the socket closes, waiters get ErrAgentDied. A failing test run is
// an ordinary RSLT and never surfaces as an error.
//
// # Launcher
//
// Launcher starts the agent executable with agent.Options.Args and the
// agency's own pid, waits for the handshake, reaps the process and records
// launch, connection and exit in the store. Stop sends EXIT, waits for the
// stop timeout and then kills the agent's process group.
//
// # Server
//
// Server wires the above to configuration and exposes /health,
// /health/ready, the metrics endpoint, /api/agents and a websocket
// progress stream at /api/agents/{id}/events, plus an optional gRPC health
// service.
package agency
