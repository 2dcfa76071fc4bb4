package reports

import (
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/shopspring/decimal"
)

// Window is a resolved analytics query: [Start, End] in the user's zone plus the type filter.
type Window struct {
	Range       models.StatsRange     `json:"range"`
	Start       time.Time             `json:"start"`
	End         time.Time             `json:"end"`
	DaysElapsed int                   `json:"daysElapsed"`
	Types       []models.ActivityType `json:"types"`
	Location    *time.Location        `json:"-"`
}

func (w Window) includesType(t models.ActivityType) bool {
	for _, x := range w.Types {
		if x == t {
			return true
		}
	}
	return false
}

func (w Window) includesReadingClass() bool {
	for _, t := range w.Types {
		if t.IsReading() {
			return true
		}
	}
	return false
}

// LogFilter is the store filter that covers the window.
func (w Window) LogFilter() models.LogFilter {
	start := w.Start.UTC()
	// End is inclusive; the store bound is exclusive.
	end := w.End.UTC().Add(time.Nanosecond)
	return models.LogFilter{From: &start, To: &end, Types: w.Types}
}

// ResolveWindow turns a range selector into bounds. An empty filter means every type.
// total starts at the first log's day; with no logs it behaves like today.
func ResolveWindow(rng models.StatsRange, filter []models.ActivityType, firstLogDate *time.Time, now time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	types := utils.UniqueSlice(filter)
	for _, t := range types {
		if !t.IsValid() {
			return Window{}, utils.NewValidationError("types", "unknown activity type "+string(t))
		}
	}
	if len(types) == 0 {
		types = append([]models.ActivityType(nil), models.AllActivityTypes...)
	}

	local := now.In(loc)
	today := utils.ConvertToDate(local, loc)
	w := Window{Range: rng, End: local, Types: types, Location: loc}

	switch rng {
	case models.StatsRangeToday:
		w.Start = today
	case models.StatsRangeMonth:
		w.Start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	case models.StatsRangeYear:
		w.Start = time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc)
	case models.StatsRangeTotal:
		w.Start = today
		if firstLogDate != nil {
			if first := utils.ConvertToDate(*firstLogDate, loc); first.Before(today) {
				w.Start = first
			}
		}
	default:
		return Window{}, utils.NewValidationError("range", "must be one of today, month, year, total")
	}
	w.DaysElapsed = calendarDays(w.Start, today) + 1
	return w, nil
}

// calendarDays counts local calendar days from a to b without being skewed by DST transitions.
func calendarDays(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

type TypeTotals struct {
	Type             models.ActivityType `json:"type"`
	Count            int64               `json:"count"`
	TotalXp          int64               `json:"totalXp"`
	TotalChars       int64               `json:"totalChars"`
	TotalPages       int64               `json:"totalPages"`
	TotalEpisodes    int64               `json:"totalEpisodes"`
	TotalTimeMinutes int64               `json:"totalTimeMinutes"`
	UntrackedCount   int64               `json:"untrackedCount"`

	// EstimatedTimeMinutes is the part of TotalTimeMinutes derived from anime episode counts, not measured.
	EstimatedTimeMinutes int64 `json:"estimatedTimeMinutes"`
}

type HourBucket struct {
	Hour    int   `json:"hour"`
	Count   int64 `json:"count"`
	Minutes int64 `json:"minutes"`
}

type DailyPoint struct {
	Date             string `json:"date"`
	Count            int64  `json:"count"`
	Xp               int64  `json:"xp"`
	ReadingMinutes   int64  `json:"readingMinutes"`
	ListeningMinutes int64  `json:"listeningMinutes"`
}

type ReadingSpeedPoint struct {
	LogId        string              `json:"logId"`
	Date         time.Time           `json:"date"`
	Type         models.ActivityType `json:"type"`
	CharsPerHour *float64            `json:"charsPerHour,omitempty"`
	PagesPerHour *float64            `json:"pagesPerHour,omitempty"`
}

type WindowedStats struct {
	Window Window       `json:"window"`
	ByType []TypeTotals `json:"byType"`

	TotalCount           int64 `json:"totalCount"`
	TotalXp              int64 `json:"totalXp"`
	TotalChars           int64 `json:"totalChars"`
	TotalTimeMinutes     int64 `json:"totalTimeMinutes"`
	EstimatedTimeMinutes int64 `json:"estimatedTimeMinutes"`
	UntrackedCount       int64 `json:"untrackedCount"`
	ReadingTimeMinutes   int64 `json:"readingTimeMinutes"`
	ListeningTimeMinutes int64 `json:"listeningTimeMinutes"`

	TotalHours        float64 `json:"totalHours"`
	ReadingHours      float64 `json:"readingHours"`
	ListeningHours    float64 `json:"listeningHours"`
	DailyAverageHours float64 `json:"dailyAverageHours"`

	HourBreakdown []HourBucket        `json:"hourBreakdown"`
	Daily         []DailyPoint        `json:"daily"`
	ReadingSpeed  []ReadingSpeedPoint `json:"readingSpeed,omitempty"`

	// LedgerVersion is the ledger version the report was built against; it keys the cache.
	LedgerVersion int64     `json:"ledgerVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// timeEquivalent returns the minutes a log accounts for and whether they are an estimate.
// ok is false for untracked logs.
func timeEquivalent(l *models.ImmersionLog, minutesPerEpisode int64) (minutes int64, estimated bool, ok bool) {
	if t := l.Time(); t > 0 {
		return t, false, true
	}
	if l.Type == models.ActivityTypeAnime && l.EpisodeCount() > 0 && minutesPerEpisode > 0 {
		return l.EpisodeCount() * minutesPerEpisode, true, true
	}
	return 0, false, false
}

func hours(minutes int64) float64 {
	return decimal.NewFromInt(minutes).Div(decimal.NewFromInt(60)).Round(2).InexactFloat64()
}

func perHour(amount, minutes int64) *float64 {
	v := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(60)).Div(decimal.NewFromInt(minutes)).Round(2).InexactFloat64()
	return &v
}

// BuildWindowedStats aggregates raw logs for the window. Logs outside the window or filter are ignored.
// It never reads the ledger.
func BuildWindowedStats(logs []*models.ImmersionLog, window Window, tuning config.StatsTuning) *WindowedStats {
	loc := window.Location
	if loc == nil {
		loc = time.UTC
	}
	stats := &WindowedStats{Window: window, HourBreakdown: make([]HourBucket, 24)}
	for h := range stats.HourBreakdown {
		stats.HourBreakdown[h].Hour = h
	}

	byType := map[models.ActivityType]*TypeTotals{}
	for _, t := range window.Types {
		byType[t] = &TypeTotals{Type: t}
	}
	daily := map[string]*DailyPoint{}
	withSpeed := window.includesReadingClass()

	for _, l := range logs {
		if l == nil || !window.includesType(l.Type) {
			continue
		}
		if l.Date.Before(window.Start) || l.Date.After(window.End) {
			continue
		}
		tt := byType[l.Type]
		tt.Count++
		tt.TotalXp += l.Xp
		tt.TotalChars += l.CharCount()
		tt.TotalPages += l.PageCount()
		tt.TotalEpisodes += l.EpisodeCount()

		minutes, estimated, tracked := timeEquivalent(l, tuning.AnimeMinutesPerEpisode)
		if !tracked {
			tt.UntrackedCount++
		}
		tt.TotalTimeMinutes += minutes
		if estimated {
			tt.EstimatedTimeMinutes += minutes
		}

		local := l.Date.In(loc)
		bucket := &stats.HourBreakdown[local.Hour()]
		bucket.Count++
		bucket.Minutes += minutes

		key := local.Format("2006-01-02")
		dp := daily[key]
		if dp == nil {
			dp = &DailyPoint{Date: key}
			daily[key] = dp
		}
		dp.Count++
		dp.Xp += l.Xp

		switch {
		case l.Type.IsReading():
			stats.ReadingTimeMinutes += minutes
			dp.ReadingMinutes += minutes
		case l.Type.IsListening():
			stats.ListeningTimeMinutes += minutes
			dp.ListeningMinutes += minutes
		}

		if withSpeed && l.Type.IsReading() && l.Time() > 0 && (l.CharCount() > 0 || l.PageCount() > 0) {
			p := ReadingSpeedPoint{LogId: l.ID, Date: l.Date, Type: l.Type}
			if l.CharCount() > 0 {
				p.CharsPerHour = perHour(l.CharCount(), l.Time())
			}
			if l.PageCount() > 0 {
				p.PagesPerHour = perHour(l.PageCount(), l.Time())
			}
			stats.ReadingSpeed = append(stats.ReadingSpeed, p)
		}
	}

	for _, t := range models.AllActivityTypes {
		tt, ok := byType[t]
		if !ok {
			continue
		}
		stats.ByType = append(stats.ByType, *tt)
		stats.TotalCount += tt.Count
		stats.TotalXp += tt.TotalXp
		stats.TotalChars += tt.TotalChars
		stats.TotalTimeMinutes += tt.TotalTimeMinutes
		stats.EstimatedTimeMinutes += tt.EstimatedTimeMinutes
		stats.UntrackedCount += tt.UntrackedCount
	}

	stats.Daily = make([]DailyPoint, 0, len(daily))
	for _, dp := range daily {
		stats.Daily = append(stats.Daily, *dp)
	}
	sort.Slice(stats.Daily, func(i, j int) bool { return stats.Daily[i].Date < stats.Daily[j].Date })

	stats.TotalHours = hours(stats.TotalTimeMinutes)
	stats.ReadingHours = hours(stats.ReadingTimeMinutes)
	stats.ListeningHours = hours(stats.ListeningTimeMinutes)
	if window.DaysElapsed > 0 {
		stats.DailyAverageHours = decimal.NewFromInt(stats.TotalTimeMinutes).
			Div(decimal.NewFromInt(60 * int64(window.DaysElapsed))).Round(2).InexactFloat64()
	}
	return stats
}
