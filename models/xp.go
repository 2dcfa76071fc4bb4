package models

import (
	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"github.com/shopspring/decimal"
)

// ComputeXp returns the XP a single log earns. It is pure: the same type and amounts always give the same value.
// Every measure is floored on its own before the type's combination rule is applied.
func ComputeXp(tuning config.XpTuning, t ActivityType, a Amounts) int64 {
	switch t {
	case ActivityTypeReading, ActivityTypeVn:
		return max(timeXp(tuning, a), charsXp(tuning, a))
	case ActivityTypeManga:
		return max(timeXp(tuning, a), charsXp(tuning, a), pagesXp(tuning, a))
	case ActivityTypeAnime:
		return episodeXp(a, tuning.TimeRatio, tuning.AnimeEpisodeMultiplier)
	case ActivityTypeVideo, ActivityTypeAudio:
		return timeXp(tuning, a)
	case ActivityTypeMovie:
		if a.Time() > 0 || !tuning.MovieEpisodeFallback {
			return timeXp(tuning, a)
		}
		return episodeXp(a, tuning.TimeRatio, tuning.MovieEpisodeMultiplier)
	}
	return 0
}

func timeXp(tuning config.XpTuning, a Amounts) int64 {
	return floorXp(decimal.NewFromInt(a.Time()).Mul(tuning.TimeRatio).Mul(tuning.TimeMultiplier))
}

// charsXp multiplies before dividing so the only rounding is the final floor.
func charsXp(tuning config.XpTuning, a Amounts) int64 {
	if tuning.CharsPerUnit.IsZero() {
		return 0
	}
	return floorXp(decimal.NewFromInt(a.CharCount()).Mul(tuning.CharsMultiplier).Div(tuning.CharsPerUnit))
}

func pagesXp(tuning config.XpTuning, a Amounts) int64 {
	return floorXp(decimal.NewFromInt(a.PageCount()).Mul(tuning.PagesMultiplier))
}

func episodeXp(a Amounts, ratio, multiplier decimal.Decimal) int64 {
	return floorXp(decimal.NewFromInt(a.EpisodeCount()).Mul(ratio).Mul(multiplier))
}

func floorXp(v decimal.Decimal) int64 {
	if !v.IsPositive() {
		return 0
	}
	return v.Floor().IntPart()
}
