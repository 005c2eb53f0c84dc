package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/control"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Credential()
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no identity")

	creds := control.Credentials{ExecutorID: "exec-1", APIKey: "key", SecretKey: "secret"}
	require.NoError(t, s.SaveCredential(creds))

	got, ok, err := s.Credential()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, creds, got)

	// Re-registration overwrites the single row.
	creds.APIKey = "rotated"
	require.NoError(t, s.SaveCredential(creds))
	got, ok, err = s.Credential()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rotated", got.APIKey)
}

func testDef(id string, version int) types.StrategyDefinition {
	return types.StrategyDefinition{
		ID:        id,
		Version:   version,
		Symbols:   []string{"EURUSD"},
		Timeframe: types.TimeframeH1,
		EntryRule: json.RawMessage(`{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}}`),
		Sizing:    types.SizingConfig{Method: "fixed", Lots: decimal.NewFromFloat(0.1)},
		Status:    types.StrategyActive,
	}
}

func TestStrategyPersistence(t *testing.T) {
	s := openTestStore(t)

	defs, err := s.LoadStrategies()
	require.NoError(t, err)
	assert.Empty(t, defs)

	require.NoError(t, s.SaveStrategies([]types.StrategyDefinition{
		testDef("s1", 1),
		testDef("s2", 1),
	}))
	defs, err = s.LoadStrategies()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "s1", defs[0].ID)
	assert.JSONEq(t, string(testDef("s1", 1).EntryRule), string(defs[0].EntryRule))

	// Hot reload bumps one strategy in place.
	require.NoError(t, s.UpsertStrategy(testDef("s2", 5)))
	defs, err = s.LoadStrategies()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, 5, defs[1].Version)

	// SaveStrategies replaces the whole set.
	require.NoError(t, s.SaveStrategies([]types.StrategyDefinition{testDef("s3", 1)}))
	defs, err = s.LoadStrategies()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "s3", defs[0].ID)
}

func outcome(id string, state types.CommandState) types.CommandOutcome {
	return types.CommandOutcome{
		CommandID:  id,
		Kind:       types.CmdOpenPosition,
		State:      state,
		Result:     json.RawMessage(`{"ticket":7}`),
		Attempts:   1,
		FinishedAt: time.Now().UTC(),
	}
}

func TestJournalAppendAndLookup(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendOutcome(outcome("c1", types.StateCompleted)))
	require.NoError(t, s.AppendOutcome(outcome("c2", types.StateFailed)))
	require.NoError(t, s.AppendOutcome(outcome("c3", types.StateCompleted)))

	recent, err := s.RecentOutcomes(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c3", recent[0].CommandID, "newest first")
	assert.Equal(t, "c2", recent[1].CommandID)
	assert.JSONEq(t, `{"ticket":7}`, string(recent[0].Result))

	ok, err := s.HasOutcome("c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasOutcome("never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotRoundTripAndPruning(t *testing.T) {
	s := openTestStore(t)
	s.snapshotKeep = 3

	_, ok, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)

	account := types.AccountSnapshot{
		Balance:  decimal.RequireFromString("10000.55"),
		Equity:   decimal.RequireFromString("9876.54"),
		Currency: "USD",
	}
	positions := []types.Position{{
		Ticket: 42, Symbol: "EURUSD", Side: types.SideBuy,
		Volume:    decimal.RequireFromString("0.10"),
		OpenPrice: decimal.RequireFromString("1.1000"),
	}}

	for i := 0; i < 5; i++ {
		snap := Snapshot{
			TakenAt:       time.Date(2026, 8, 26, 12, i, 0, 0, time.UTC),
			KillActive:    true,
			KillReason:    fmt.Sprintf("limit breached: run %d", i),
			KillEngagedAt: time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC),
		}
		require.NoError(t, snap.SetAccount(account))
		require.NoError(t, snap.SetPositions(positions))
		require.NoError(t, snap.SetJournal([]types.CommandOutcome{
			outcome(fmt.Sprintf("c%d", i), types.StateCompleted),
		}))
		require.NoError(t, s.SaveSnapshot(snap))
	}

	snap, ok, err := s.LatestSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "limit breached: run 4", snap.KillReason)
	assert.True(t, snap.KillActive)

	gotAccount, err := snap.Account()
	require.NoError(t, err)
	assert.True(t, gotAccount.Balance.Equal(account.Balance), "decimals survive the round trip")
	assert.Equal(t, "USD", gotAccount.Currency)

	gotPositions, err := snap.Positions()
	require.NoError(t, err)
	require.Len(t, gotPositions, 1)
	assert.Equal(t, int64(42), gotPositions[0].Ticket)
	assert.True(t, gotPositions[0].OpenPrice.Equal(positions[0].OpenPrice))

	gotTail, err := snap.Journal()
	require.NoError(t, err)
	require.Len(t, gotTail, 1)
	assert.Equal(t, "c4", gotTail[0].CommandID)

	// Only snapshotKeep rows survive.
	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM snapshots`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestEmptySnapshotViews(t *testing.T) {
	var snap Snapshot
	account, err := snap.Account()
	require.NoError(t, err)
	assert.True(t, account.Equity.IsZero())

	positions, err := snap.Positions()
	require.NoError(t, err)
	assert.Nil(t, positions)

	tail, err := snap.Journal()
	require.NoError(t, err)
	assert.Nil(t, tail)
}
