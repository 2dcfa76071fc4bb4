package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreConformance checks the behaviour every Store implementation must share.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	tuning := config.DefaultStatsTuning()

	newLog := func(userId int, typ ActivityType, a Amounts, date time.Time) *ImmersionLog {
		input := NewImmersionLog{Type: typ, Description: "entry", Amounts: a, Date: &date}
		return input.BuildLog(userId, tuning.Xp, date)
	}

	t.Run("log lifecycle", func(t *testing.T) {
		store := newStore(t)
		log := newLog(1, ActivityTypeReading, Amounts{TimeMinutes: i64(100), Chars: i64(3500)}, day(3))
		require.NoError(t, store.CreateLog(ctx, log))

		got, err := store.GetLog(ctx, 1, log.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(225), got.Xp)
		assert.Equal(t, int64(3500), got.CharCount())
		assert.True(t, got.Date.Equal(day(3)))

		_, err = store.GetLog(ctx, 2, log.ID)
		assert.True(t, errors.Is(err, utils.ErrNotFound), "another user's log must not be visible")

		got.Chars = i64(7000)
		got.Xp = 100
		got.EditSnapshot = log.Snapshot()
		require.NoError(t, store.UpdateLog(ctx, got))
		reloaded, err := store.GetLog(ctx, 1, log.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), reloaded.Xp)
		require.NotNil(t, reloaded.EditSnapshot)
		assert.Equal(t, int64(225), reloaded.EditSnapshot.Xp)

		reloaded.EditSnapshot = nil
		require.NoError(t, store.UpdateLog(ctx, reloaded))
		reloaded, err = store.GetLog(ctx, 1, log.ID)
		require.NoError(t, err)
		assert.Nil(t, reloaded.EditSnapshot)

		require.NoError(t, store.DeleteLog(ctx, 1, log.ID))
		assert.True(t, errors.Is(store.DeleteLog(ctx, 1, log.ID), utils.ErrNotFound))
	})

	t.Run("list is date sorted and filtered", func(t *testing.T) {
		store := newStore(t)
		for _, l := range []*ImmersionLog{
			newLog(1, ActivityTypeAnime, Amounts{Episodes: i64(2)}, day(5)),
			newLog(1, ActivityTypeReading, Amounts{Chars: i64(700)}, day(1)),
			newLog(1, ActivityTypeVideo, Amounts{TimeMinutes: i64(30)}, day(3)),
			newLog(2, ActivityTypeVideo, Amounts{TimeMinutes: i64(30)}, day(2)),
		} {
			require.NoError(t, store.CreateLog(ctx, l))
		}

		all, err := store.ListLogs(ctx, 1, LogFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []ActivityType{ActivityTypeReading, ActivityTypeVideo, ActivityTypeAnime},
			[]ActivityType{all[0].Type, all[1].Type, all[2].Type})

		from, to := day(2), day(5)
		windowed, err := store.ListLogs(ctx, 1, LogFilter{From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, windowed, 1)
		assert.Equal(t, ActivityTypeVideo, windowed[0].Type)

		typed, err := store.ListLogs(ctx, 1, LogFilter{Types: []ActivityType{ActivityTypeAnime, ActivityTypeReading}})
		require.NoError(t, err)
		assert.Len(t, typed, 2)

		first, err := store.FirstLogDate(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.True(t, first.Equal(day(1)))

		none, err := store.FirstLogDate(ctx, 99)
		require.NoError(t, err)
		assert.Nil(t, none)

		n, err := store.DeleteUserLogs(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("ledger versioning", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetLedger(ctx, 5)
		assert.True(t, errors.Is(err, utils.ErrNotFound))

		ledger, err := LoadLedger(ctx, store, 5, tuning.Curve)
		require.NoError(t, err)
		assert.Equal(t, int64(0), ledger.Version)

		ledger.UserXp = 10
		require.NoError(t, store.SaveLedger(ctx, &ledger))
		assert.Equal(t, int64(1), ledger.Version)

		stale := ledger
		ledger.UserXp = 20
		require.NoError(t, store.SaveLedger(ctx, &ledger))
		assert.Equal(t, int64(2), ledger.Version)

		stale.UserXp = 30
		err = store.SaveLedger(ctx, &stale)
		assert.True(t, errors.Is(err, utils.ErrConflict))

		fresh := NewStatsLedger(5, tuning.Curve)
		assert.True(t, errors.Is(store.SaveLedger(ctx, &fresh), utils.ErrConflict))

		stored, err := store.GetLedger(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(20), stored.UserXp)
		assert.Equal(t, int64(2), stored.Version)

		require.NoError(t, store.DeleteLedger(ctx, 5))
		_, err = store.GetLedger(ctx, 5)
		assert.True(t, errors.Is(err, utils.ErrNotFound))
	})

	t.Run("media find or create", func(t *testing.T) {
		store := newStore(t)
		key := NewMediaKey(ActivityTypeAnime, " Frieren ")
		m, created, err := store.FindOrCreateMedia(ctx, 1, key, "")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "Frieren", m.Title)
		assert.Nil(t, m.ExternalId)

		again, created, err := store.FindOrCreateMedia(ctx, 1, key, "anilist:154587")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, m.ID, again.ID)
		require.NotNil(t, again.ExternalId)
		assert.Equal(t, "anilist:154587", *again.ExternalId)

		_, created, err = store.FindOrCreateMedia(ctx, 2, key, "")
		require.NoError(t, err)
		assert.True(t, created, "catalogs are per user")

		n, err := store.DeleteUserMedia(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("users", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetUser(ctx, 4)
		assert.True(t, errors.Is(err, utils.ErrNotFound))

		u, err := store.EnsureUser(ctx, 4, "")
		require.NoError(t, err)
		assert.Equal(t, "user-4", u.Username)
		assert.Equal(t, "UTC", u.Timezone)

		_, err = store.EnsureUser(ctx, 2, "kana")
		require.NoError(t, err)
		u, err = store.EnsureUser(ctx, 4, "renamed")
		require.NoError(t, err)
		assert.Equal(t, "user-4", u.Username, "existing rows are returned unchanged")

		u, err = store.UpdateUserTimezone(ctx, 4, "Asia/Tokyo")
		require.NoError(t, err)
		assert.Equal(t, "Asia/Tokyo", u.Timezone)

		ids, err := store.ListUserIds(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4}, ids)

		require.NoError(t, store.DeleteUser(ctx, 4))
		assert.True(t, errors.Is(store.DeleteUser(ctx, 4), utils.ErrNotFound))
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		store := newStore(t)
		log := newLog(1, ActivityTypeAudio, Amounts{TimeMinutes: i64(10)}, day(1))
		boom := errors.New("boom")

		err := store.Transaction(ctx, func(tx Store) error {
			require.NoError(t, tx.CreateLog(ctx, log))
			ledger := NewStatsLedger(1, tuning.Curve)
			require.NoError(t, tx.SaveLedger(ctx, &ledger))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetLog(ctx, 1, log.ID)
		assert.True(t, errors.Is(err, utils.ErrNotFound))
		_, err = store.GetLedger(ctx, 1)
		assert.True(t, errors.Is(err, utils.ErrNotFound))

		require.NoError(t, store.Transaction(ctx, func(tx Store) error {
			return tx.CreateLog(ctx, log)
		}))
		_, err = store.GetLog(ctx, 1, log.ID)
		assert.NoError(t, err)
	})
}

func TestMemoryStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log := &ImmersionLog{ID: "a", UserId: 1, Type: ActivityTypeVideo, Amounts: Amounts{TimeMinutes: i64(5)}, Date: day(1)}
	require.NoError(t, store.CreateLog(ctx, log))

	*log.TimeMinutes = 50
	got, err := store.GetLog(ctx, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Time())

	*got.TimeMinutes = 70
	again, err := store.GetLog(ctx, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), again.Time())
}
