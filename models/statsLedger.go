package models

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
)

// StatTotals are the additive ledger fields. Each one must equal the sum of the contributions of the user's logs.
type StatTotals struct {
	LogCount int64 `gorm:"not null;default:0" json:"logCount"`

	UserXp      int64 `gorm:"not null;default:0" json:"userXp"`
	ReadingXp   int64 `gorm:"not null;default:0" json:"readingXp"`
	ListeningXp int64 `gorm:"not null;default:0" json:"listeningXp"`

	ReadingTime   int64 `gorm:"not null;default:0" json:"readingTime"`
	ListeningTime int64 `gorm:"not null;default:0" json:"listeningTime"`

	CharCountReading int64 `gorm:"not null;default:0" json:"charCountReading"`
	CharCountVn      int64 `gorm:"not null;default:0" json:"charCountVn"`
	CharCountManga   int64 `gorm:"not null;default:0" json:"charCountManga"`
	MangaPages       int64 `gorm:"not null;default:0" json:"mangaPages"`

	AnimeEpisodes      int64 `gorm:"not null;default:0" json:"animeEpisodes"`
	AnimeWatchingTime  int64 `gorm:"not null;default:0" json:"animeWatchingTime"`
	VideoWatchingTime  int64 `gorm:"not null;default:0" json:"videoWatchingTime"`
	AudioListeningTime int64 `gorm:"not null;default:0" json:"audioListeningTime"`
	MovieWatchingTime  int64 `gorm:"not null;default:0" json:"movieWatchingTime"`
	OtherTime          int64 `gorm:"not null;default:0" json:"otherTime"`
}

type totalField struct {
	name  string
	value *int64
}

func (t *StatTotals) fields() []totalField {
	return []totalField{
		{"logCount", &t.LogCount},
		{"userXp", &t.UserXp},
		{"readingXp", &t.ReadingXp},
		{"listeningXp", &t.ListeningXp},
		{"readingTime", &t.ReadingTime},
		{"listeningTime", &t.ListeningTime},
		{"charCountReading", &t.CharCountReading},
		{"charCountVn", &t.CharCountVn},
		{"charCountManga", &t.CharCountManga},
		{"mangaPages", &t.MangaPages},
		{"animeEpisodes", &t.AnimeEpisodes},
		{"animeWatchingTime", &t.AnimeWatchingTime},
		{"videoWatchingTime", &t.VideoWatchingTime},
		{"audioListeningTime", &t.AudioListeningTime},
		{"movieWatchingTime", &t.MovieWatchingTime},
		{"otherTime", &t.OtherTime},
	}
}

func (t StatTotals) Add(o StatTotals) StatTotals {
	out := t
	of, nf := o.fields(), out.fields()
	for i := range nf {
		*nf[i].value += *of[i].value
	}
	return out
}

func (t StatTotals) Sub(o StatTotals) StatTotals {
	out := t
	of, nf := o.fields(), out.fields()
	for i := range nf {
		*nf[i].value -= *of[i].value
	}
	return out
}

func (t StatTotals) IsZero() bool {
	return t == StatTotals{}
}

// FieldDrift is one ledger field that disagrees with the value rebuilt from the logs.
type FieldDrift struct {
	Field    string `json:"field"`
	Stored   int64  `json:"stored"`
	Expected int64  `json:"expected"`
}

// Drift lists the fields where t differs from expected, in a fixed order.
func (t StatTotals) Drift(expected StatTotals) []FieldDrift {
	var out []FieldDrift
	tf, ef := t.fields(), expected.fields()
	for i := range tf {
		if *tf[i].value != *ef[i].value {
			out = append(out, FieldDrift{Field: tf[i].name, Stored: *tf[i].value, Expected: *ef[i].value})
		}
	}
	return out
}

// Contribution is what one log adds to the ledger. A nil snapshot contributes nothing.
func Contribution(s *LogSnapshot) StatTotals {
	var c StatTotals
	if s == nil {
		return c
	}
	a := s.Amounts
	c.LogCount = 1
	c.UserXp = s.Xp

	switch s.Type {
	case ActivityTypeReading:
		c.ReadingXp = s.Xp
		c.CharCountReading = a.CharCount()
		c.ReadingTime = a.Time()
	case ActivityTypeVn:
		c.ReadingXp = s.Xp
		c.CharCountVn = a.CharCount()
		c.ReadingTime = a.Time()
	case ActivityTypeManga:
		c.ReadingXp = s.Xp
		c.MangaPages = a.PageCount()
		c.CharCountManga = a.CharCount()
		c.ReadingTime = a.Time()
	case ActivityTypeAnime:
		c.ListeningXp = s.Xp
		c.AnimeEpisodes = a.EpisodeCount()
		c.AnimeWatchingTime = a.Time()
		c.ListeningTime = a.Time()
	case ActivityTypeVideo:
		c.ListeningXp = s.Xp
		c.VideoWatchingTime = a.Time()
		c.ListeningTime = a.Time()
	case ActivityTypeAudio:
		c.ListeningXp = s.Xp
		c.AudioListeningTime = a.Time()
		c.ListeningTime = a.Time()
	case ActivityTypeMovie:
		c.ListeningXp = s.Xp
		c.MovieWatchingTime = a.Time()
		c.ListeningTime = a.Time()
	case ActivityTypeOther:
		c.OtherTime = a.Time()
	}
	return c
}

type StatsLedger struct {
	UserId     int `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	StatTotals `gorm:"embedded"`

	UserLevel            int   `gorm:"not null;default:1" json:"userLevel"`
	UserXpToCurrentLevel int64 `gorm:"not null;default:0" json:"userXpToCurrentLevel"`
	UserXpToNextLevel    int64 `gorm:"not null;default:0" json:"userXpToNextLevel"`

	ReadingLevel            int   `gorm:"not null;default:1" json:"readingLevel"`
	ReadingXpToCurrentLevel int64 `gorm:"not null;default:0" json:"readingXpToCurrentLevel"`
	ReadingXpToNextLevel    int64 `gorm:"not null;default:0" json:"readingXpToNextLevel"`

	ListeningLevel            int   `gorm:"not null;default:1" json:"listeningLevel"`
	ListeningXpToCurrentLevel int64 `gorm:"not null;default:0" json:"listeningXpToCurrentLevel"`
	ListeningXpToNextLevel    int64 `gorm:"not null;default:0" json:"listeningXpToNextLevel"`

	CurrentStreak  int        `gorm:"not null;default:0" json:"currentStreak"`
	LongestStreak  int        `gorm:"not null;default:0" json:"longestStreak"`
	LastStreakDate *time.Time `json:"lastStreakDate"`

	// Version is bumped on every save. 0 means the row does not exist yet.
	Version   int64     `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (StatsLedger) TableName() string { return "stats_ledgers" }

// NewStatsLedger is the ledger of a user without logs.
func NewStatsLedger(userId int, curve config.LevelCurve) StatsLedger {
	l := StatsLedger{UserId: userId}
	l.relevel(curve)
	return l
}

func (l StatsLedger) Streak() StreakState {
	return StreakState{
		CurrentStreak:  l.CurrentStreak,
		LongestStreak:  l.LongestStreak,
		LastStreakDate: l.LastStreakDate,
	}
}

func (l *StatsLedger) SetStreak(s StreakState) {
	l.CurrentStreak = s.CurrentStreak
	l.LongestStreak = s.LongestStreak
	l.LastStreakDate = s.LastStreakDate
}

// relevel walks each domain level one threshold at a time from its stored value to the level its XP belongs to.
func (l *StatsLedger) relevel(curve config.LevelCurve) {
	set := func(level *int, cur, next *int64, xp int64) {
		*level = WalkLevel(curve, *level, xp)
		p := progressAt(curve, *level)
		*cur, *next = p.XpToCurrentLevel, p.XpToNextLevel
	}
	set(&l.UserLevel, &l.UserXpToCurrentLevel, &l.UserXpToNextLevel, l.UserXp)
	set(&l.ReadingLevel, &l.ReadingXpToCurrentLevel, &l.ReadingXpToNextLevel, l.ReadingXp)
	set(&l.ListeningLevel, &l.ListeningXpToCurrentLevel, &l.ListeningXpToNextLevel, l.ListeningXp)
}

// ApplyTotals adds delta to the ledger and re-derives levels.
// A field that would go negative fails the whole application and the ledger is returned unchanged.
func ApplyTotals(ledger StatsLedger, curve config.LevelCurve, delta StatTotals) (StatsLedger, error) {
	next := ledger.StatTotals.Add(delta)
	nf, cf, df := next.fields(), ledger.StatTotals.fields(), delta.fields()
	for i := range nf {
		if *nf[i].value < 0 {
			return ledger, &utils.InternalConsistencyError{
				UserId:  ledger.UserId,
				Field:   nf[i].name,
				Current: *cf[i].value,
				Delta:   *df[i].value,
			}
		}
	}
	ledger.StatTotals = next
	ledger.relevel(curve)
	return ledger, nil
}

// Reconcile applies the change from prev to next. prev nil is a create, next nil is a delete.
// A type change is applied as a delete of the old type followed by a create of the new one.
func Reconcile(ledger StatsLedger, curve config.LevelCurve, prev, next *LogSnapshot) (StatsLedger, error) {
	if prev != nil && next != nil && prev.Type != next.Type {
		removed, err := ApplyTotals(ledger, curve, StatTotals{}.Sub(Contribution(prev)))
		if err != nil {
			return ledger, err
		}
		added, err := ApplyTotals(removed, curve, Contribution(next))
		if err != nil {
			return ledger, err
		}
		return added, nil
	}
	return ApplyTotals(ledger, curve, Contribution(next).Sub(Contribution(prev)))
}

// RebuildTotals folds every snapshot into an empty ledger. Streak fields are left zero.
func RebuildTotals(curve config.LevelCurve, snapshots []*LogSnapshot) (StatsLedger, error) {
	var sum StatTotals
	for _, s := range snapshots {
		if s == nil {
			continue
		}
		if !s.Type.IsValid() {
			return StatsLedger{}, fmt.Errorf("rebuild totals: unknown activity type %q", s.Type)
		}
		sum = sum.Add(Contribution(s))
	}
	return ApplyTotals(StatsLedger{UserLevel: 1, ReadingLevel: 1, ListeningLevel: 1}, curve, sum)
}
