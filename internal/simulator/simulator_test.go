package simulator

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/sus/internal/ledger/sqlite"
	"github.com/lox/sus/internal/session"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

func TestRunAccountsForEveryStake(t *testing.T) {
	sim := New(Config{
		Sessions: 200,
		Workers:  4,
		Seed:     42,
		Stake:    100,
		Logger:   testLogger(),
	})

	stats, err := sim.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 200, stats.Sessions)
	assert.Equal(t, stats.Staked, stats.Paid)
	assert.Equal(t, stats.Staked, sim.Bank().Total())
	assert.Equal(t, session.Amount(100*stats.Joins), stats.Staked)
	assert.Zero(t, stats.Retries)
	assert.Positive(t, stats.ByOutcome[session.OutcomeCrewWin]+stats.ByOutcome[session.OutcomeDefectorWin]+stats.ByOutcome[session.OutcomeDefected])
}

func TestRunRetriesFailedTransfers(t *testing.T) {
	sim := New(Config{
		Sessions:    100,
		Workers:     4,
		Seed:        7,
		Stake:       30,
		FailureRate: 0.2,
		Logger:      testLogger(),
	})

	stats, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, stats.Retries)
	assert.Equal(t, stats.Staked, sim.Bank().Total())
}

func TestRunPersistsToSQLite(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sim := New(Config{
		Sessions: 10,
		Workers:  1,
		Seed:     3,
		Stake:    10,
		Store:    store,
		Logger:   testLogger(),
	})
	_, err = sim.Run(context.Background())
	require.NoError(t, err)

	active, err := store.LoadActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active, "every simulated session ends")
}

func TestRunIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim := New(Config{Sessions: 5, Seed: 1, Logger: testLogger()})
	_, err := sim.Run(ctx)
	require.Error(t, err)
}

func TestStatisticsValidate(t *testing.T) {
	stats := NewStatistics()
	stats.Add(Result{Final: session.Ended, Outcome: session.OutcomeCrewWin, Reason: "defector_eliminated", Staked: 300, Paid: 300})
	stats.Add(Result{Final: session.Cancelled, Outcome: session.OutcomeRefund, Reason: "creator_cancelled", Staked: 100, Paid: 100})
	require.NoError(t, stats.Validate())
	assert.Equal(t, []string{"creator_cancelled", "defector_eliminated"}, stats.Reasons())

	stats.Add(Result{Final: session.Ended, Outcome: session.OutcomeDefected, Staked: 300, Paid: 200})
	assert.Error(t, stats.Validate())

	stuck := NewStatistics()
	stuck.Add(Result{Final: session.Voting})
	assert.Error(t, stuck.Validate())
}

func TestReport(t *testing.T) {
	stats := NewStatistics()
	stats.Add(Result{Final: session.Ended, Outcome: session.OutcomeDefected, Reason: "defected", Rounds: 2, Staked: 400, Paid: 400})

	out := Report(stats)
	assert.Contains(t, out, "Simulated 1 sessions")
	assert.Contains(t, out, "defected")
	assert.Contains(t, out, "every stake accounted for")
}
