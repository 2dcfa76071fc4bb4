package reports

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	items  map[string][]byte
	getErr error
	sets   int
}

func newFakeCache() *fakeCache { return &fakeCache{items: map[string][]byte{}} }

func (c *fakeCache) Get(_ context.Context, key string, dest any) (bool, error) {
	if c.getErr != nil {
		return false, c.getErr
	}
	b, ok := c.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (c *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items[key] = b
	c.sets++
	return nil
}

func todayWindow(t *testing.T, filter []models.ActivityType) Window {
	t.Helper()
	w, err := ResolveWindow(models.StatsRangeToday, filter, nil, now, time.UTC)
	require.NoError(t, err)
	return w
}

func TestStatsCacheKey(t *testing.T) {
	w := todayWindow(t, []models.ActivityType{models.ActivityTypeVn, models.ActivityTypeAnime})
	key := StatsCacheKey(7, 3, w)
	assert.Equal(t, "Stats:7:v3:today:2024-03-15:UTC:anime,vn", key)

	assert.NotEqual(t, key, StatsCacheKey(7, 4, w), "a ledger write retires the key")
	assert.NotEqual(t, key, StatsCacheKey(8, 3, w))

	reordered := todayWindow(t, []models.ActivityType{models.ActivityTypeAnime, models.ActivityTypeVn})
	assert.Equal(t, key, StatsCacheKey(7, 3, reordered))
}

func TestCachedWindowedStats_Disabled(t *testing.T) {
	t.Setenv("ENABLE_STATS_CACHE", "false")
	cache := newFakeCache()
	builds := 0
	build := func() (*WindowedStats, error) {
		builds++
		return &WindowedStats{TotalCount: 1}, nil
	}

	for i := 0; i < 2; i++ {
		_, err := CachedWindowedStats(context.Background(), cache, "k", build)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, builds)
	assert.Zero(t, cache.sets)
}

func TestCachedWindowedStats_HitAfterMiss(t *testing.T) {
	t.Setenv("ENABLE_STATS_CACHE", "true")
	cache := newFakeCache()
	builds := 0
	build := func() (*WindowedStats, error) {
		builds++
		return &WindowedStats{TotalCount: 4, TotalXp: 90}, nil
	}

	first, err := CachedWindowedStats(context.Background(), cache, "k", build)
	require.NoError(t, err)
	second, err := CachedWindowedStats(context.Background(), cache, "k", build)
	require.NoError(t, err)

	assert.Equal(t, 1, builds)
	assert.Equal(t, first.TotalXp, second.TotalXp)
	assert.Equal(t, int64(4), second.TotalCount)
}

func TestCachedWindowedStats_CacheErrorFallsBackToBuild(t *testing.T) {
	t.Setenv("ENABLE_STATS_CACHE", "true")
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")

	stats, err := CachedWindowedStats(context.Background(), cache, "k", func() (*WindowedStats, error) {
		return &WindowedStats{TotalCount: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCount)
}

func TestCachedWindowedStats_BuildErrorIsNotCached(t *testing.T) {
	t.Setenv("ENABLE_STATS_CACHE", "true")
	cache := newFakeCache()
	boom := errors.New("boom")

	_, err := CachedWindowedStats(context.Background(), cache, "k", func() (*WindowedStats, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.sets)
}

func TestStatsCacheEnabled_DefaultsOff(t *testing.T) {
	t.Setenv("ENABLE_STATS_CACHE", "")
	assert.False(t, config.StatsCacheEnabled())
}
