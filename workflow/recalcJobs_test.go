package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecalcService(store models.Store) *RecalcService {
	s := NewRecalcService(store, NewLocalUserLocker(), config.DefaultStatsTuning(), testLogger())
	s.Concurrency = 3
	return s
}

func seedUsers(t *testing.T, store models.Store) *LogService {
	t.Helper()
	svc := newTestLogService(t, store)
	ctx := context.Background()
	for user := 1; user <= 4; user++ {
		for _, d := range []int{1, 2, 3} {
			_, err := svc.CreateLog(ctx, user, readingInput(int64(20*user), 700, day(d)))
			require.NoError(t, err)
		}
	}
	return svc
}

func TestVerifyLedgers_ReportsDriftWithoutWriting(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	ctx := context.Background()

	corrupt := *ledgerOf(t, store, 2)
	corrupt.ReadingXp += 7
	corrupt.CurrentStreak = 9
	require.NoError(t, store.SaveLedger(ctx, &corrupt))

	recalc := newTestRecalcService(store)
	result, err := recalc.VerifyLedgers(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedUsers)
	assert.Equal(t, 1, result.DriftedUsers)
	require.Len(t, result.Drifts, 1)
	drift := result.Drifts[0]
	assert.Equal(t, 2, drift.UserId)
	require.Len(t, drift.Fields, 1)
	assert.Equal(t, "readingXp", drift.Fields[0].Field)
	require.NotNil(t, drift.ExpectedStreak)
	assert.Equal(t, 3, drift.ExpectedStreak.CurrentStreak)
	assert.Equal(t, corrupt.Version, ledgerOf(t, store, 2).Version, "verification never writes")
}

func TestVerifyLedgers_LogsStreakDrift(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	ctx := context.Background()

	corrupt := *ledgerOf(t, store, 3)
	corrupt.CurrentStreak = 1
	require.NoError(t, store.SaveLedger(ctx, &corrupt))

	recalc := newTestRecalcService(store)
	logger, hook := test.NewNullLogger()
	recalc.Logger = logger

	result, err := recalc.VerifyLedgers(ctx, []int{3})
	require.NoError(t, err)
	require.Len(t, result.Drifts, 1)
	assert.Empty(t, result.Drifts[0].Fields)

	var streakEntries []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == "ledger.verify.drift" {
			streakEntries = append(streakEntries, e)
		}
	}
	require.Len(t, streakEntries, 1)
	entry := streakEntries[0]
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "streak", entry.Data["field"])
	assert.Equal(t, 1, entry.Data["stored_current"])
	assert.Equal(t, 3, entry.Data["expected_current"])
	assert.Contains(t, entry.Message, "user 3: currentStreak")
}

func TestRecalcLedgers_RepairsDriftAndKeepsStreak(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	ctx := context.Background()

	corrupt := *ledgerOf(t, store, 3)
	corrupt.UserXp = 1
	corrupt.ReadingXp = 1
	corrupt.UserLevel = 1
	require.NoError(t, store.SaveLedger(ctx, &corrupt))

	recalc := newTestRecalcService(store)
	result, err := recalc.RecalcLedgers(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedUsers)
	assert.Equal(t, 1, result.UpdatedUsers)
	assert.Equal(t, 0, result.UpdatedLogs)
	assert.Empty(t, result.Errors)

	fixed := ledgerOf(t, store, 3)
	logs, err := store.ListLogs(ctx, 3, models.LogFilter{})
	require.NoError(t, err)
	rebuilt, err := models.RebuildTotals(recalc.Tuning.Curve, models.Snapshots(logs))
	require.NoError(t, err)
	assert.Empty(t, fixed.StatTotals.Drift(rebuilt.StatTotals))
	assert.Equal(t, rebuilt.UserLevel, fixed.UserLevel)
	assert.Equal(t, 3, fixed.CurrentStreak)

	verify, err := recalc.VerifyLedgers(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, verify.DriftedUsers)
}

func TestRecalcLedgers_AppliesNewTuning(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	ctx := context.Background()

	recalc := newTestRecalcService(store)
	recalc.Tuning.Xp.TimeMultiplier = decimal.NewFromInt(10)

	before, err := recalc.VerifyLedgers(ctx, []int{1})
	require.NoError(t, err)
	require.Len(t, before.Drifts, 1)
	assert.Equal(t, 3, before.Drifts[0].StaleXpLogs)

	result, err := recalc.RecalcLedgers(ctx, []int{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedUsers)
	assert.Equal(t, 3, result.UpdatedLogs)

	// 20 minutes * 0.45 * 10 per log.
	assert.Equal(t, int64(3*90), ledgerOf(t, store, 1).ReadingXp)
	assert.Equal(t, int64(3*135), ledgerOf(t, store, 3).ReadingXp, "users outside the selection are untouched")
}

func TestRecalcLedgers_CollectsPerUserErrors(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	ctx := context.Background()

	bad := &models.ImmersionLog{ID: "bad", UserId: 4, Type: "podcast", Description: "legacy row", Date: day(4)}
	require.NoError(t, store.CreateLog(ctx, bad))

	result, err := newTestRecalcService(store).RecalcLedgers(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedUsers)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 4, result.Errors[0].UserId)
}

func TestRecalcStreaks_CorrectsBackdatedLogs(t *testing.T) {
	store := models.NewMemoryStore()
	svc := newTestLogService(t, store)
	ctx := context.Background()

	_, err := svc.CreateLog(ctx, 1, videoInput(10, day(3)))
	require.NoError(t, err)
	_, err = svc.CreateLog(ctx, 1, videoInput(10, day(2)))
	require.NoError(t, err)

	// The incremental path restarts on a backdated log.
	incremental := ledgerOf(t, store, 1)
	assert.Equal(t, 1, incremental.CurrentStreak)
	assert.True(t, utils.UTCDay(day(2)).Equal(*incremental.LastStreakDate))

	recalc := newTestRecalcService(store)
	result, err := recalc.RecalcStreaks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedUsers)
	assert.Equal(t, 1, result.UpdatedUsers)

	rebuilt := ledgerOf(t, store, 1)
	assert.Equal(t, 2, rebuilt.CurrentStreak)
	assert.Equal(t, 2, rebuilt.LongestStreak)
	assert.True(t, utils.UTCDay(day(3)).Equal(*rebuilt.LastStreakDate))
	assert.Equal(t, incremental.UserXp, rebuilt.UserXp)

	again, err := recalc.RecalcStreaks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, again.UpdatedUsers)
}

func TestRunJob(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	recalc := newTestRecalcService(store)

	err := recalc.HandleRecalcMessage(context.Background(), config.RecalcMessage{Job: JobVerifyLedgers, UserIds: []int{1}})
	assert.NoError(t, err)

	_, err = recalc.RunJob(context.Background(), "rebuild-everything", nil)
	assert.True(t, errors.Is(err, utils.ErrValidation))
}

func TestRecalc_CancelledContextReportsEveryUser(t *testing.T) {
	store := models.NewMemoryStore()
	seedUsers(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestRecalcService(store).RecalcStreaks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedUsers)
	assert.Len(t, result.Errors, 4)
}
