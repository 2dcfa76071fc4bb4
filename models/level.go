package models

import (
	"math"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
)

// XpThresholdForLevel is the cumulative XP at which level starts. Level 1 starts at 0.
func XpThresholdForLevel(curve config.LevelCurve, level int) int64 {
	if level <= 1 {
		return 0
	}
	return int64(math.Floor(math.Pow(float64(level)/curve.Factor, curve.Exponent)))
}

// LevelForXp is the largest level whose threshold is <= xp, found top-down by binary search.
func LevelForXp(curve config.LevelCurve, xp int64) int {
	lo, hi := 1, max(curve.MaxLevel, 1)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if XpThresholdForLevel(curve, mid) <= xp {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// StepLevel moves level by at most one toward the level xp belongs to.
func StepLevel(curve config.LevelCurve, level int, xp int64) int {
	if level < 1 {
		return 1
	}
	if level < curve.MaxLevel && xp >= XpThresholdForLevel(curve, level+1) {
		return level + 1
	}
	if level > 1 && xp < XpThresholdForLevel(curve, level) {
		return level - 1
	}
	return level
}

// WalkLevel repeats StepLevel from the given level until it stops moving.
func WalkLevel(curve config.LevelCurve, from int, xp int64) int {
	level := StepLevel(curve, from, xp)
	for {
		next := StepLevel(curve, level, xp)
		if next == level {
			return level
		}
		level = next
	}
}

type LevelProgress struct {
	Level            int   `json:"level"`
	XpToCurrentLevel int64 `json:"xpToCurrentLevel"`
	XpToNextLevel    int64 `json:"xpToNextLevel"`
}

func progressAt(curve config.LevelCurve, level int) LevelProgress {
	return LevelProgress{
		Level:            level,
		XpToCurrentLevel: XpThresholdForLevel(curve, level),
		XpToNextLevel:    XpThresholdForLevel(curve, level+1),
	}
}

func ProgressFor(curve config.LevelCurve, xp int64) LevelProgress {
	return progressAt(curve, LevelForXp(curve, xp))
}
