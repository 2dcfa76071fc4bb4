package reports

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, time.March, 15, 18, 0, 0, 0, time.UTC)

func i64(v int64) *int64 { return &v }

func logAt(id string, typ models.ActivityType, date time.Time, a models.Amounts) *models.ImmersionLog {
	tuning := config.DefaultStatsTuning().Xp
	return &models.ImmersionLog{
		ID:      id,
		UserId:  1,
		Type:    typ,
		Amounts: a,
		Date:    date,
		Xp:      models.ComputeXp(tuning, typ, a),
	}
}

func sampleLogs() []*models.ImmersionLog {
	return []*models.ImmersionLog{
		logAt("old-reading", models.ActivityTypeReading, time.Date(2023, 12, 30, 9, 0, 0, 0, time.UTC),
			models.Amounts{TimeMinutes: i64(120), Chars: i64(24000)}),
		logAt("month-anime", models.ActivityTypeAnime, time.Date(2024, 3, 2, 21, 0, 0, 0, time.UTC),
			models.Amounts{Episodes: i64(3)}),
		logAt("today-reading", models.ActivityTypeReading, time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC),
			models.Amounts{TimeMinutes: i64(100), Chars: i64(3500)}),
		logAt("today-manga", models.ActivityTypeManga, time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC),
			models.Amounts{Pages: i64(30), TimeMinutes: i64(45)}),
		logAt("today-vn-untracked", models.ActivityTypeVn, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
			models.Amounts{Chars: i64(7000)}),
		logAt("today-anime-timed", models.ActivityTypeAnime, time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC),
			models.Amounts{Episodes: i64(1), TimeMinutes: i64(20)}),
		logAt("today-other", models.ActivityTypeOther, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			models.Amounts{}),
	}
}

func firstDate(logs []*models.ImmersionLog) *time.Time {
	d := logs[0].Date
	return &d
}

func TestResolveWindow(t *testing.T) {
	first := time.Date(2023, 12, 30, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		rng   models.StatsRange
		start time.Time
		days  int
	}{
		{models.StatsRangeToday, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), 1},
		{models.StatsRangeMonth, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 15},
		{models.StatsRangeYear, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 75},
		{models.StatsRangeTotal, time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC), 77},
	}
	for _, tc := range cases {
		t.Run(string(tc.rng), func(t *testing.T) {
			w, err := ResolveWindow(tc.rng, nil, &first, now, time.UTC)
			require.NoError(t, err)
			assert.True(t, tc.start.Equal(w.Start), "start %s", w.Start)
			assert.True(t, now.Equal(w.End))
			assert.Equal(t, tc.days, w.DaysElapsed)
			assert.Equal(t, models.AllActivityTypes, w.Types)
		})
	}
}

func TestResolveWindow_TotalWithoutLogs(t *testing.T) {
	w, err := ResolveWindow(models.StatsRangeTotal, nil, nil, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1, w.DaysElapsed)
}

func TestResolveWindow_UserTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 18:00 UTC on the 15th is already the 16th in Tokyo.
	w, err := ResolveWindow(models.StatsRangeToday, nil, nil, now, tokyo)
	require.NoError(t, err)
	assert.Equal(t, 16, w.Start.Day())
	assert.True(t, time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC).Equal(w.Start))
}

func TestResolveWindow_Rejects(t *testing.T) {
	_, err := ResolveWindow(models.StatsRangeToday, []models.ActivityType{"podcast"}, nil, now, time.UTC)
	assert.True(t, errors.Is(err, utils.ErrValidation))

	_, err = ResolveWindow(models.StatsRange("week"), nil, nil, now, time.UTC)
	assert.True(t, errors.Is(err, utils.ErrValidation))
}

func TestBuildWindowedStats_Today(t *testing.T) {
	tuning := config.DefaultStatsTuning()
	logs := sampleLogs()
	w, err := ResolveWindow(models.StatsRangeToday, nil, firstDate(logs), now, time.UTC)
	require.NoError(t, err)

	stats := BuildWindowedStats(logs, w, tuning)

	assert.Equal(t, int64(5), stats.TotalCount)
	assert.Equal(t, int64(100+45+20), stats.TotalTimeMinutes)
	assert.Equal(t, int64(145), stats.ReadingTimeMinutes)
	assert.Equal(t, int64(20), stats.ListeningTimeMinutes)
	assert.Equal(t, int64(0), stats.EstimatedTimeMinutes, "explicit anime time is not an estimate")
	assert.Equal(t, int64(2), stats.UntrackedCount, "vn without time and other without amounts")
	assert.Equal(t, 2.75, stats.TotalHours)
	assert.Equal(t, 2.75, stats.DailyAverageHours)

	require.Len(t, stats.ByType, len(models.AllActivityTypes))
	reading := stats.ByType[0]
	assert.Equal(t, models.ActivityTypeReading, reading.Type)
	assert.Equal(t, int64(1), reading.Count)
	assert.Equal(t, int64(225), reading.TotalXp)
	assert.Equal(t, int64(3500), reading.TotalChars)

	assert.Equal(t, int64(1), stats.HourBreakdown[8].Count)
	assert.Equal(t, int64(100), stats.HourBreakdown[8].Minutes)
	assert.Equal(t, int64(20), stats.HourBreakdown[17].Minutes)

	require.Len(t, stats.Daily, 1)
	assert.Equal(t, "2024-03-15", stats.Daily[0].Date)

	require.Len(t, stats.ReadingSpeed, 2)
	assert.Equal(t, "today-reading", stats.ReadingSpeed[0].LogId)
	require.NotNil(t, stats.ReadingSpeed[0].CharsPerHour)
	assert.Equal(t, 2100.0, *stats.ReadingSpeed[0].CharsPerHour)
	assert.Nil(t, stats.ReadingSpeed[0].PagesPerHour)
	require.NotNil(t, stats.ReadingSpeed[1].PagesPerHour)
	assert.Equal(t, 40.0, *stats.ReadingSpeed[1].PagesPerHour)
}

func TestBuildWindowedStats_AnimeEpisodeEstimate(t *testing.T) {
	tuning := config.DefaultStatsTuning()
	logs := sampleLogs()
	w, err := ResolveWindow(models.StatsRangeMonth, []models.ActivityType{models.ActivityTypeAnime}, firstDate(logs), now, time.UTC)
	require.NoError(t, err)

	stats := BuildWindowedStats(logs, w, tuning)

	require.Len(t, stats.ByType, 1)
	anime := stats.ByType[0]
	assert.Equal(t, int64(2), anime.Count)
	assert.Equal(t, int64(3*24+20), anime.TotalTimeMinutes)
	assert.Equal(t, int64(72), anime.EstimatedTimeMinutes)
	assert.Equal(t, int64(4), anime.TotalEpisodes)
	assert.Equal(t, int64(92), stats.ListeningTimeMinutes)
	assert.Nil(t, stats.ReadingSpeed, "no reading-class type in the filter")
}

func TestBuildWindowedStats_TodayNeverExceedsTotal(t *testing.T) {
	tuning := config.DefaultStatsTuning()
	logs := sampleLogs()
	filters := [][]models.ActivityType{
		nil,
		{models.ActivityTypeReading},
		{models.ActivityTypeAnime, models.ActivityTypeVn},
	}
	for _, filter := range filters {
		today, err := ResolveWindow(models.StatsRangeToday, filter, firstDate(logs), now, time.UTC)
		require.NoError(t, err)
		total, err := ResolveWindow(models.StatsRangeTotal, filter, firstDate(logs), now, time.UTC)
		require.NoError(t, err)

		a := BuildWindowedStats(logs, today, tuning)
		b := BuildWindowedStats(logs, total, tuning)

		assert.LessOrEqual(t, a.TotalCount, b.TotalCount)
		assert.LessOrEqual(t, a.TotalXp, b.TotalXp)
		assert.LessOrEqual(t, a.TotalChars, b.TotalChars)
		assert.LessOrEqual(t, a.TotalTimeMinutes, b.TotalTimeMinutes)
		assert.LessOrEqual(t, a.EstimatedTimeMinutes, b.EstimatedTimeMinutes)
		assert.LessOrEqual(t, a.UntrackedCount, b.UntrackedCount)
		assert.LessOrEqual(t, a.ReadingTimeMinutes, b.ReadingTimeMinutes)
		assert.LessOrEqual(t, a.ListeningTimeMinutes, b.ListeningTimeMinutes)
		for i := range a.ByType {
			assert.LessOrEqual(t, a.ByType[i].Count, b.ByType[i].Count)
			assert.LessOrEqual(t, a.ByType[i].TotalXp, b.ByType[i].TotalXp)
			assert.LessOrEqual(t, a.ByType[i].TotalChars, b.ByType[i].TotalChars)
			assert.LessOrEqual(t, a.ByType[i].TotalTimeMinutes, b.ByType[i].TotalTimeMinutes)
			assert.LessOrEqual(t, a.ByType[i].UntrackedCount, b.ByType[i].UntrackedCount)
		}
	}
}

func TestBuildWindowedStats_IgnoresLogsOutsideWindow(t *testing.T) {
	tuning := config.DefaultStatsTuning()
	w, err := ResolveWindow(models.StatsRangeToday, nil, nil, now, time.UTC)
	require.NoError(t, err)
	future := logAt("future", models.ActivityTypeVideo, now.Add(time.Hour), models.Amounts{TimeMinutes: i64(30)})
	yesterday := logAt("yesterday", models.ActivityTypeVideo, now.Add(-24*time.Hour), models.Amounts{TimeMinutes: i64(30)})

	stats := BuildWindowedStats([]*models.ImmersionLog{future, yesterday, nil}, w, tuning)
	assert.Equal(t, int64(0), stats.TotalCount)
	assert.Empty(t, stats.Daily)
}
