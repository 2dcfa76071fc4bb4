package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// XpTuning holds every factor of the XP formulas. Recalibrating XP is a change here, never in the calculator.
type XpTuning struct {
	// TimeRatio converts logged minutes into effective minutes (45/100).
	TimeRatio decimal.Decimal
	// TimeMultiplier is XP per effective minute.
	TimeMultiplier decimal.Decimal
	// CharsPerUnit is the number of characters worth one XP unit.
	CharsPerUnit decimal.Decimal
	// CharsMultiplier is XP per character unit.
	CharsMultiplier decimal.Decimal
	// PagesMultiplier is XP per manga page.
	PagesMultiplier decimal.Decimal
	// AnimeEpisodeMultiplier is XP per effective anime episode.
	AnimeEpisodeMultiplier decimal.Decimal
	// MovieEpisodeFallback lets a movie log without time earn episode-based XP.
	MovieEpisodeFallback bool
	// MovieEpisodeMultiplier is XP per effective movie "episode" when the fallback applies.
	MovieEpisodeMultiplier decimal.Decimal
}

// LevelCurve parameterises the level <-> cumulative XP mapping.
type LevelCurve struct {
	Exponent float64
	Factor   float64
	// MaxLevel caps level walks so a corrupt XP value cannot spin forever.
	MaxLevel int
}

// StatsTuning is everything the stats engine needs that is not user data.
type StatsTuning struct {
	Xp    XpTuning
	Curve LevelCurve
	// AnimeMinutesPerEpisode estimates watch time for anime logs without explicit time.
	AnimeMinutesPerEpisode int64
}

func DefaultStatsTuning() StatsTuning {
	return StatsTuning{
		Xp: XpTuning{
			TimeRatio:              decimal.RequireFromString("0.45"),
			TimeMultiplier:         decimal.NewFromInt(5),
			CharsPerUnit:           decimal.NewFromInt(350),
			CharsMultiplier:        decimal.NewFromInt(5),
			PagesMultiplier:        decimal.NewFromInt(5),
			AnimeEpisodeMultiplier: decimal.NewFromInt(29),
			MovieEpisodeFallback:   true,
			MovieEpisodeMultiplier: decimal.NewFromInt(29),
		},
		Curve: LevelCurve{
			Exponent: 1.75,
			Factor:   0.07,
			MaxLevel: 10000,
		},
		AnimeMinutesPerEpisode: 24,
	}
}

// xpTuningFile mirrors the YAML layout; absent keys keep their defaults.
type xpTuningFile struct {
	Xp struct {
		TimeRatio              *float64 `yaml:"time_ratio"`
		TimeMultiplier         *float64 `yaml:"time_multiplier"`
		CharsPerUnit           *float64 `yaml:"chars_per_unit"`
		CharsMultiplier        *float64 `yaml:"chars_multiplier"`
		PagesMultiplier        *float64 `yaml:"pages_multiplier"`
		AnimeEpisodeMultiplier *float64 `yaml:"anime_episode_multiplier"`
		MovieEpisodeFallback   *bool    `yaml:"movie_episode_fallback"`
		MovieEpisodeMultiplier *float64 `yaml:"movie_episode_multiplier"`
	} `yaml:"xp"`
	Level struct {
		Exponent *float64 `yaml:"exponent"`
		Factor   *float64 `yaml:"factor"`
		MaxLevel *int     `yaml:"max_level"`
	} `yaml:"level"`
	AnimeMinutesPerEpisode *int64 `yaml:"anime_minutes_per_episode"`
}

// ParseStatsTuning overlays a YAML document on the defaults and validates the result.
func ParseStatsTuning(data []byte) (StatsTuning, error) {
	t := DefaultStatsTuning()
	var f xpTuningFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return t, fmt.Errorf("parse xp tuning: %w", err)
	}
	setDecimal(&t.Xp.TimeRatio, f.Xp.TimeRatio)
	setDecimal(&t.Xp.TimeMultiplier, f.Xp.TimeMultiplier)
	setDecimal(&t.Xp.CharsPerUnit, f.Xp.CharsPerUnit)
	setDecimal(&t.Xp.CharsMultiplier, f.Xp.CharsMultiplier)
	setDecimal(&t.Xp.PagesMultiplier, f.Xp.PagesMultiplier)
	setDecimal(&t.Xp.AnimeEpisodeMultiplier, f.Xp.AnimeEpisodeMultiplier)
	setDecimal(&t.Xp.MovieEpisodeMultiplier, f.Xp.MovieEpisodeMultiplier)
	if f.Xp.MovieEpisodeFallback != nil {
		t.Xp.MovieEpisodeFallback = *f.Xp.MovieEpisodeFallback
	}
	if f.Level.Exponent != nil {
		t.Curve.Exponent = *f.Level.Exponent
	}
	if f.Level.Factor != nil {
		t.Curve.Factor = *f.Level.Factor
	}
	if f.Level.MaxLevel != nil {
		t.Curve.MaxLevel = *f.Level.MaxLevel
	}
	if f.AnimeMinutesPerEpisode != nil {
		t.AnimeMinutesPerEpisode = *f.AnimeMinutesPerEpisode
	}
	return t, t.Validate()
}

func (t StatsTuning) Validate() error {
	positive := map[string]decimal.Decimal{
		"time_ratio":               t.Xp.TimeRatio,
		"time_multiplier":          t.Xp.TimeMultiplier,
		"chars_per_unit":           t.Xp.CharsPerUnit,
		"chars_multiplier":         t.Xp.CharsMultiplier,
		"pages_multiplier":         t.Xp.PagesMultiplier,
		"anime_episode_multiplier": t.Xp.AnimeEpisodeMultiplier,
		"movie_episode_multiplier": t.Xp.MovieEpisodeMultiplier,
	}
	for name, v := range positive {
		if !v.IsPositive() {
			return fmt.Errorf("xp tuning %s must be > 0, got %s", name, v)
		}
	}
	if t.Curve.Exponent <= 0 || t.Curve.Factor <= 0 {
		return fmt.Errorf("level curve exponent and factor must be > 0")
	}
	if t.Curve.MaxLevel < 2 {
		return fmt.Errorf("level curve max_level must be >= 2")
	}
	if t.AnimeMinutesPerEpisode < 0 {
		return fmt.Errorf("anime_minutes_per_episode must be >= 0")
	}
	return nil
}

func setDecimal(dst *decimal.Decimal, v *float64) {
	if v != nil {
		*dst = decimal.NewFromFloat(*v)
	}
}

var (
	tuning     StatsTuning
	tuningErr  error
	tuningOnce sync.Once
)

// GetStatsTuning loads the tuning once: defaults, then XP_TUNING_FILE, then single-value env overrides.
func GetStatsTuning() (StatsTuning, error) {
	tuningOnce.Do(func() {
		tuning, tuningErr = LoadStatsTuning(os.Getenv("XP_TUNING_FILE"))
	})
	return tuning, tuningErr
}

func LoadStatsTuning(path string) (StatsTuning, error) {
	t := DefaultStatsTuning()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return t, fmt.Errorf("read xp tuning file: %w", err)
		}
		if t, err = ParseStatsTuning(data); err != nil {
			return t, err
		}
	}
	overrideDecimalFromEnv(&t.Xp.TimeRatio, "XP_TIME_RATIO")
	overrideDecimalFromEnv(&t.Xp.TimeMultiplier, "XP_TIME_MULTIPLIER")
	overrideDecimalFromEnv(&t.Xp.CharsPerUnit, "XP_CHARS_PER_UNIT")
	overrideDecimalFromEnv(&t.Xp.CharsMultiplier, "XP_CHARS_MULTIPLIER")
	overrideDecimalFromEnv(&t.Xp.PagesMultiplier, "XP_PAGES_MULTIPLIER")
	overrideDecimalFromEnv(&t.Xp.AnimeEpisodeMultiplier, "XP_ANIME_EPISODE_MULTIPLIER")
	t.Xp.MovieEpisodeFallback = boolFromEnv("XP_MOVIE_EPISODE_FALLBACK", t.Xp.MovieEpisodeFallback)
	t.Curve.Exponent = floatFromEnv("LEVEL_CURVE_EXPONENT", t.Curve.Exponent)
	t.Curve.Factor = floatFromEnv("LEVEL_CURVE_FACTOR", t.Curve.Factor)
	t.AnimeMinutesPerEpisode = int64(intFromEnv("ANIME_MINUTES_PER_EPISODE", int(t.AnimeMinutesPerEpisode)))
	return t, t.Validate()
}

func overrideDecimalFromEnv(dst *decimal.Decimal, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := decimal.NewFromString(v); err == nil {
		*dst = d
	}
}
