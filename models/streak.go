package models

import (
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
)

// StreakState is the per-user streak triple. LastStreakDate is a UTC midnight or nil before the first log.
type StreakState struct {
	CurrentStreak  int        `json:"currentStreak"`
	LongestStreak  int        `json:"longestStreak"`
	LastStreakDate *time.Time `json:"lastStreakDate"`
}

// ApplyStreak advances s with a log dated d.
// A log dated before LastStreakDate restarts the streak; only RebuildStreak corrects the history.
func ApplyStreak(s StreakState, d time.Time) StreakState {
	day := utils.UTCDay(d)
	next := s
	if s.LastStreakDate == nil {
		next.CurrentStreak = 1
		next.LastStreakDate = &day
	} else {
		switch diff := utils.DayDiff(*s.LastStreakDate, day); {
		case diff == 0:
			return s
		case diff == 1:
			next.CurrentStreak++
			next.LastStreakDate = &day
		default:
			next.CurrentStreak = 1
			next.LastStreakDate = &day
		}
	}
	if next.CurrentStreak > next.LongestStreak {
		next.LongestStreak = next.CurrentStreak
	}
	return next
}

// RebuildStreak replays ApplyStreak over dates in ascending order from an empty state.
func RebuildStreak(dates []time.Time) StreakState {
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var s StreakState
	for _, d := range sorted {
		s = ApplyStreak(s, d)
	}
	return s
}

func (s StreakState) Equal(o StreakState) bool {
	if s.CurrentStreak != o.CurrentStreak || s.LongestStreak != o.LongestStreak {
		return false
	}
	if s.LastStreakDate == nil || o.LastStreakDate == nil {
		return s.LastStreakDate == nil && o.LastStreakDate == nil
	}
	return s.LastStreakDate.Equal(*o.LastStreakDate)
}
