// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Covers launch, connect and exit recording, lookups and listing order

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreBehaviour(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("launch connect exit", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		launched := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.RecordLaunch(ctx, &AgentRecord{
			AgentID:    "a-1",
			PackageID:  "7",
			Executable: "/bin/agent",
			Args:       []string{"--agentId=a-1", "--agencyUrl=127.0.0.1:9"},
			PID:        4242,
			LaunchedAt: launched,
		}))

		rec, err := s.GetAgent(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, StatusLaunched, rec.Status)
		assert.Equal(t, "7", rec.PackageID)
		assert.Equal(t, 4242, rec.PID)
		assert.Equal(t, []string{"--agentId=a-1", "--agencyUrl=127.0.0.1:9"}, rec.Args)
		assert.True(t, launched.Equal(rec.LaunchedAt))
		assert.Nil(t, rec.ConnectedAt)
		assert.Nil(t, rec.ExitCode)

		connected := launched.Add(time.Second)
		require.NoError(t, s.MarkConnected(ctx, "a-1", connected))

		exited := launched.Add(time.Minute)
		require.NoError(t, s.RecordExit(ctx, "a-1", -5, "agency not found", exited))

		rec, err = s.GetAgent(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, StatusExited, rec.Status)
		require.NotNil(t, rec.ConnectedAt)
		assert.True(t, connected.Equal(*rec.ConnectedAt))
		require.NotNil(t, rec.ExitedAt)
		assert.True(t, exited.Equal(*rec.ExitedAt))
		require.NotNil(t, rec.ExitCode)
		assert.Equal(t, -5, *rec.ExitCode)
		assert.Equal(t, "agency not found", rec.Error)
	})

	t.Run("duplicate launch", func(t *testing.T) {
		s := newStore(t)
		rec := &AgentRecord{AgentID: "dup", Executable: "/bin/agent"}
		require.NoError(t, s.RecordLaunch(t.Context(), rec))
		assert.ErrorIs(t, s.RecordLaunch(t.Context(), rec), ErrDuplicateAgent)
	})

	t.Run("unknown agent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAgent(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.MarkConnected(t.Context(), "missing", time.Now()), ErrNotFound)
		assert.ErrorIs(t, s.RecordExit(t.Context(), "missing", 0, "", time.Now()), ErrNotFound)
	})

	t.Run("connect after exit is rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.RecordLaunch(t.Context(), &AgentRecord{AgentID: "gone", Executable: "x"}))
		require.NoError(t, s.RecordExit(t.Context(), "gone", -2, "", time.Now()))
		assert.ErrorIs(t, s.MarkConnected(t.Context(), "gone", time.Now()), ErrNotFound)
	})

	t.Run("list newest first with limit", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"first", "second", "third"} {
			require.NoError(t, s.RecordLaunch(t.Context(), &AgentRecord{
				AgentID:    id,
				Executable: "x",
				LaunchedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		all, err := s.ListAgents(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "third", all[0].AgentID)
		assert.Equal(t, "first", all[2].AgentID)

		two, err := s.ListAgents(t.Context(), 2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, "second", two[1].AgentID)
	})
}
