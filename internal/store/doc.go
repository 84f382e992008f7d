// Package store persists agency history using SQLite.
//
// Each agent process the agency launches gets one AgentRecord: the command
// line it was started with, when it completed the identity handshake and
// how it exited. The agents CLI command and the /api/agents endpoint read
// this history.
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode); MockStore keeps records in memory for tests.
package store
