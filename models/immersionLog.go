package models

import (
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Amounts are the raw measures of one immersion session. Which ones matter depends on the activity type.
type Amounts struct {
	TimeMinutes *int64 `gorm:"column:time_minutes" json:"timeMinutes,omitempty" validate:"omitempty,gte=0"`
	Pages       *int64 `gorm:"column:pages" json:"pages,omitempty" validate:"omitempty,gte=0"`
	Chars       *int64 `gorm:"column:chars" json:"chars,omitempty" validate:"omitempty,gte=0"`
	Episodes    *int64 `gorm:"column:episodes" json:"episodes,omitempty" validate:"omitempty,gte=0"`
}

func (a Amounts) Time() int64     { return utils.DereferencePtr(a.TimeMinutes) }
func (a Amounts) PageCount() int64 { return utils.DereferencePtr(a.Pages) }
func (a Amounts) CharCount() int64 { return utils.DereferencePtr(a.Chars) }
func (a Amounts) EpisodeCount() int64 {
	return utils.DereferencePtr(a.Episodes)
}

// clone detaches the pointers so snapshots cannot alias a live log.
func (a Amounts) clone() Amounts {
	cp := func(p *int64) *int64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return Amounts{
		TimeMinutes: cp(a.TimeMinutes),
		Pages:       cp(a.Pages),
		Chars:       cp(a.Chars),
		Episodes:    cp(a.Episodes),
	}
}

// requirementViolation returns the field and reason when a does not satisfy t's requirement set.
func (a Amounts) requirementViolation(t ActivityType) (string, string) {
	switch t {
	case ActivityTypeReading, ActivityTypeVn:
		if a.Time() <= 0 && a.CharCount() <= 0 {
			return "timeMinutes", string(t) + " requires timeMinutes or chars"
		}
	case ActivityTypeAnime:
		if a.EpisodeCount() <= 0 {
			return "episodes", "anime requires episodes"
		}
	case ActivityTypeManga:
		if a.PageCount() <= 0 && a.CharCount() <= 0 && a.Time() <= 0 {
			return "pages", "manga requires pages, chars or timeMinutes"
		}
	case ActivityTypeVideo, ActivityTypeAudio:
		if a.Time() <= 0 {
			return "timeMinutes", string(t) + " requires timeMinutes"
		}
	case ActivityTypeMovie:
		if a.Time() <= 0 && a.EpisodeCount() <= 0 {
			return "timeMinutes", "movie requires timeMinutes or episodes"
		}
	}
	return "", ""
}

// LogSnapshot is the reconciliation-relevant part of a log at one point in time.
type LogSnapshot struct {
	Type    ActivityType `json:"type"`
	Amounts Amounts      `json:"amounts"`
	Xp      int64        `json:"xp"`
	Date    time.Time    `json:"date"`
}

type ImmersionLog struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	UserId      int          `gorm:"not null;index:idx_log_user_date,priority:1" json:"userId"`
	Type        ActivityType `gorm:"size:16;not null" json:"type"`
	Amounts     `gorm:"embedded"`
	Description string    `gorm:"size:500" json:"description"`
	MediaId     *string   `gorm:"size:36;index" json:"mediaId,omitempty"`
	Date        time.Time `gorm:"not null;index:idx_log_user_date,priority:2" json:"date"`
	Xp          int64     `gorm:"not null;default:0" json:"xp"`
	// EditSnapshot holds the values from before the in-flight edit; it is cleared in the same transaction.
	EditSnapshot *LogSnapshot `gorm:"type:text;serializer:json" json:"-"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (l *ImmersionLog) Snapshot() *LogSnapshot {
	if l == nil {
		return nil
	}
	return &LogSnapshot{Type: l.Type, Amounts: l.Amounts.clone(), Xp: l.Xp, Date: l.Date}
}

// StreakDay is the UTC calendar day the log counts toward.
func (l *ImmersionLog) StreakDay() time.Time {
	return utils.UTCDay(l.Date)
}

type NewImmersionLog struct {
	Type        ActivityType `json:"type" validate:"required,activity_type"`
	Amounts     `validate:"-"`
	Description string     `json:"description" validate:"required,max=500"`
	Date        *time.Time `json:"date,omitempty"`
	MediaTitle  string     `json:"mediaTitle,omitempty" validate:"max=255"`
	ExternalId  string     `json:"externalId,omitempty" validate:"max=128"`
}

// ImmersionLogPatch replaces only the fields that are set.
type ImmersionLogPatch struct {
	Type        *ActivityType `json:"type,omitempty"`
	TimeMinutes *int64        `json:"timeMinutes,omitempty"`
	Pages       *int64        `json:"pages,omitempty"`
	Chars       *int64        `json:"chars,omitempty"`
	Episodes    *int64        `json:"episodes,omitempty"`
	Description *string       `json:"description,omitempty"`
	Date        *time.Time    `json:"date,omitempty"`
}

func (p ImmersionLogPatch) IsEmpty() bool {
	return p.Type == nil && p.TimeMinutes == nil && p.Pages == nil && p.Chars == nil &&
		p.Episodes == nil && p.Description == nil && p.Date == nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("activity_type", func(fl validator.FieldLevel) bool {
			t, ok := fl.Field().Interface().(ActivityType)
			return ok && t.IsValid()
		})
		validate.RegisterStructValidation(newImmersionLogStructLevel, NewImmersionLog{})
	})
	return validate
}

func newImmersionLogStructLevel(sl validator.StructLevel) {
	input := sl.Current().Interface().(NewImmersionLog)
	for name, v := range map[string]*int64{
		"timeMinutes": input.TimeMinutes,
		"pages":       input.Pages,
		"chars":       input.Chars,
		"episodes":    input.Episodes,
	} {
		if v != nil && *v < 0 {
			sl.ReportError(v, name, name, "gte", "0")
		}
	}
	if !input.Type.IsValid() {
		return
	}
	if field, _ := input.Amounts.requirementViolation(input.Type); field != "" {
		sl.ReportError(input.Amounts, field, field, "required_for_"+string(input.Type), "")
	}
}

// Validate checks field constraints and the type's requirement set.
func (input *NewImmersionLog) Validate(now time.Time) error {
	input.Description = strings.TrimSpace(input.Description)
	input.MediaTitle = strings.TrimSpace(input.MediaTitle)
	if err := getValidator().Struct(input); err != nil {
		return utils.ToValidationError(err)
	}
	if input.Date != nil && input.Date.After(now.Add(24*time.Hour)) {
		return utils.NewValidationError("date", "must not be in the future")
	}
	return nil
}

// BuildLog turns validated input into a log with a fresh id and computed XP.
func (input *NewImmersionLog) BuildLog(userId int, tuning config.XpTuning, now time.Time) *ImmersionLog {
	date := now.UTC()
	if input.Date != nil {
		date = input.Date.UTC()
	}
	log := &ImmersionLog{
		ID:          uuid.NewString(),
		UserId:      userId,
		Type:        input.Type,
		Amounts:     input.Amounts.clone(),
		Description: input.Description,
		Date:        date,
	}
	log.Xp = ComputeXp(tuning, log.Type, log.Amounts)
	return log
}

// ApplyPatch returns a patched copy of l with XP recomputed. l itself is not modified.
func (l *ImmersionLog) ApplyPatch(p ImmersionLogPatch, tuning config.XpTuning, now time.Time) (*ImmersionLog, error) {
	next := *l
	next.Amounts = l.Amounts.clone()
	next.EditSnapshot = nil
	if p.Type != nil {
		next.Type = *p.Type
	}
	if p.TimeMinutes != nil {
		next.TimeMinutes = utils.Ptr(*p.TimeMinutes)
	}
	if p.Pages != nil {
		next.Pages = utils.Ptr(*p.Pages)
	}
	if p.Chars != nil {
		next.Chars = utils.Ptr(*p.Chars)
	}
	if p.Episodes != nil {
		next.Episodes = utils.Ptr(*p.Episodes)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Date != nil {
		next.Date = p.Date.UTC()
	}

	check := NewImmersionLog{
		Type:        next.Type,
		Amounts:     next.Amounts,
		Description: next.Description,
		Date:        &next.Date,
	}
	if err := check.Validate(now); err != nil {
		return nil, err
	}
	next.Description = check.Description
	next.Xp = ComputeXp(tuning, next.Type, next.Amounts)
	return &next, nil
}
