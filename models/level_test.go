package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXpThresholdForLevel(t *testing.T) {
	curve := config.DefaultStatsTuning().Curve

	assert.Equal(t, int64(0), XpThresholdForLevel(curve, 1))
	assert.Equal(t, int64(0), XpThresholdForLevel(curve, 0))
	assert.Equal(t, int64(353), XpThresholdForLevel(curve, 2))
	assert.Equal(t, int64(717), XpThresholdForLevel(curve, 3))
	assert.Equal(t, int64(1754), XpThresholdForLevel(curve, 5))

	for level := 1; level < 500; level++ {
		require.Less(t, XpThresholdForLevel(curve, level), XpThresholdForLevel(curve, level+1), "level %d", level)
	}
}

func TestLevelForXp(t *testing.T) {
	curve := config.DefaultStatsTuning().Curve

	assert.Equal(t, 1, LevelForXp(curve, 0))
	assert.Equal(t, 1, LevelForXp(curve, -10))
	assert.Equal(t, 1, LevelForXp(curve, 352))
	assert.Equal(t, 2, LevelForXp(curve, 353))
	assert.Equal(t, 4, LevelForXp(curve, 1753))
	assert.Equal(t, 5, LevelForXp(curve, 1754))
}

func TestLevelForXp_MonotonicAndIdempotent(t *testing.T) {
	curve := config.DefaultStatsTuning().Curve

	prev := 0
	for xp := int64(0); xp < 250000; xp += 37 {
		level := LevelForXp(curve, xp)
		assert.GreaterOrEqual(t, level, prev)
		assert.Equal(t, level, LevelForXp(curve, xp))
		assert.Equal(t, level, WalkLevel(curve, level, xp), "re-deriving from an unchanged xp moves the level")
		prev = level
	}
}

func TestWalkLevel_AgreesWithTopDownSearch(t *testing.T) {
	curve := config.DefaultStatsTuning().Curve

	for xp := int64(0); xp < 100000; xp += 101 {
		assert.Equal(t, LevelForXp(curve, xp), WalkLevel(curve, 1, xp), "xp %d", xp)
	}
	// walking down after a large edit lands on the same level
	assert.Equal(t, LevelForXp(curve, 400), WalkLevel(curve, 40, 400))
}

func TestStepLevel_MovesAtMostOne(t *testing.T) {
	curve := config.DefaultStatsTuning().Curve

	assert.Equal(t, 2, StepLevel(curve, 1, 100000))
	assert.Equal(t, 9, StepLevel(curve, 10, 0))
	assert.Equal(t, 2, StepLevel(curve, 2, 400))
	assert.Equal(t, 1, StepLevel(curve, 0, 400))
}

func TestLevelForXp_CappedAtMaxLevel(t *testing.T) {
	curve := config.LevelCurve{Exponent: 1.75, Factor: 0.07, MaxLevel: 5}

	assert.Equal(t, 5, LevelForXp(curve, 1<<40))
	assert.Equal(t, 5, WalkLevel(curve, 1, 1<<40))
}

func TestProgressFor(t *testing.T) {
	curve := config.DefaultStatsTuning().Curve

	p := ProgressFor(curve, 500)
	assert.Equal(t, LevelProgress{Level: 2, XpToCurrentLevel: 353, XpToNextLevel: 717}, p)
}
