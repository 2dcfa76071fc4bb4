package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens validator errors into a field -> tag map.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["_"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		reason := ve.Tag()
		if ve.Param() != "" {
			reason += "=" + ve.Param()
		}
		errorResponse[LowercaseFirst(ve.Field())] = reason
	}
	return errorResponse
}

// ToValidationError converts validator output into the error taxonomy.
func ToValidationError(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Fields: ProcessValidationErrors(err)}
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	result := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

func Ptr[T any](v T) *T {
	return &v
}

func LowercaseFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" || strings.EqualFold(timezone, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}

// ConvertToDate returns midnight of t's calendar day in loc.
func ConvertToDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// UTCDay normalises an instant to UTC midnight, the granularity streaks are kept at.
func UTCDay(t time.Time) time.Time {
	return ConvertToDate(t, time.UTC)
}

// DayDiff is the number of calendar days from a to b (b - a), both normalised to UTC days.
func DayDiff(a, b time.Time) int {
	return int(UTCDay(b).Sub(UTCDay(a)).Hours() / 24)
}

// ParseDate accepts YYYY-MM-DD or RFC3339.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty date string")
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
