// ABOUTME: Store interface and data types for agent history persistence
// ABOUTME: Records each agent launch, when it connected back, and how it exited

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when a launch is recorded twice for one agent id
var ErrDuplicateAgent = errors.New("agent already recorded")

// Agent status values
const (
	StatusLaunched  = "launched"  // process started, not yet connected
	StatusConnected = "connected" // identity handshake completed
	StatusExited    = "exited"    // process has been reaped
)

// AgentRecord is the history of one agent process
type AgentRecord struct {
	AgentID     string
	PackageID   string
	Executable  string
	Args        []string
	PID         int
	Status      string
	LaunchedAt  time.Time
	ConnectedAt *time.Time
	ExitedAt    *time.Time
	ExitCode    *int
	Error       string
}

// Store persists agent history
type Store interface {
	// RecordLaunch saves a newly started agent with StatusLaunched.
	RecordLaunch(ctx context.Context, rec *AgentRecord) error

	// MarkConnected records that the agent completed its handshake.
	MarkConnected(ctx context.Context, agentID string, at time.Time) error

	// RecordExit records how the agent process ended. errMsg may be empty.
	RecordExit(ctx context.Context, agentID string, exitCode int, errMsg string, at time.Time) error

	// GetAgent returns one agent's record, or ErrNotFound.
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)

	// ListAgents returns the most recently launched agents first.
	ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error)

	// Close releases the store's resources.
	Close() error
}
