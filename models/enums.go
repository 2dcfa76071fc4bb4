package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type ActivityType string

const (
	ActivityTypeReading ActivityType = "reading"
	ActivityTypeAnime   ActivityType = "anime"
	ActivityTypeManga   ActivityType = "manga"
	ActivityTypeVn      ActivityType = "vn"
	ActivityTypeVideo   ActivityType = "video"
	ActivityTypeAudio   ActivityType = "audio"
	ActivityTypeMovie   ActivityType = "movie"
	ActivityTypeOther   ActivityType = "other"
)

// AllActivityTypes is in display order.
var AllActivityTypes = []ActivityType{
	ActivityTypeReading,
	ActivityTypeAnime,
	ActivityTypeManga,
	ActivityTypeVn,
	ActivityTypeVideo,
	ActivityTypeAudio,
	ActivityTypeMovie,
	ActivityTypeOther,
}

func (t ActivityType) IsValid() bool {
	switch t {
	case ActivityTypeReading, ActivityTypeAnime, ActivityTypeManga, ActivityTypeVn,
		ActivityTypeVideo, ActivityTypeAudio, ActivityTypeMovie, ActivityTypeOther:
		return true
	}
	return false
}

// IsReading reports membership in the reading class {reading, manga, vn}.
func (t ActivityType) IsReading() bool {
	return t == ActivityTypeReading || t == ActivityTypeManga || t == ActivityTypeVn
}

// IsListening reports membership in the listening class {anime, video, movie, audio}.
func (t ActivityType) IsListening() bool {
	return t == ActivityTypeAnime || t == ActivityTypeVideo || t == ActivityTypeMovie || t == ActivityTypeAudio
}

func ParseActivityType(s string) (ActivityType, error) {
	t := ActivityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid activity type %q", s)
	}
	return t, nil
}

func (t *ActivityType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("activity type must be string")
	}
	parsed, err := ParseActivityType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t ActivityType) Value() (driver.Value, error) {
	return string(t), nil
}

func (t *ActivityType) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*t = ActivityType(v)
	case []byte:
		*t = ActivityType(v)
	default:
		return fmt.Errorf("cannot scan %T into ActivityType", value)
	}
	return nil
}

// StatsRange is the window selector of the analytics aggregator.
type StatsRange string

const (
	StatsRangeToday StatsRange = "today"
	StatsRangeMonth StatsRange = "month"
	StatsRangeYear  StatsRange = "year"
	StatsRangeTotal StatsRange = "total"
)

func ParseStatsRange(s string) (StatsRange, error) {
	r := StatsRange(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case StatsRangeToday, StatsRangeMonth, StatsRangeYear, StatsRangeTotal:
		return r, nil
	case "":
		return StatsRangeTotal, nil
	}
	return "", fmt.Errorf("invalid stats range %q", s)
}
