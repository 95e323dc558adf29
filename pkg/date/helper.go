package date

import (
	"errors"
	"time"
)

func ParseTime(input string) (time.Time, error) {
	t, _, err := ParseTimeWithFormat(input)
	return t, err
}

func ParseTimeWithFormat(input string) (time.Time, string, error) {
	allowedFormats := []string{
		"2006-01-02 15:04:05.000000Z07:00",
		"2006-01-02T15:04:05.000000Z07:00",
		"2006-01-02 15:04:05.000000",
		"2006-01-02T15:04:05.000000",
		"2006-01-02 15:04:05.000Z07:00",
		"2006-01-02T15:04:05.000Z07:00",
		"2006-01-02 15:04:05.000",
		"2006-01-02T15:04:05.000",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04Z07:00",
		"2006-01-02T15:04Z07:00",
		"2006-01-02 15:04",
		"2006-01-02T15:04",
		"2006-01-02",
	}

	for _, format := range allowedFormats {
		t, err := time.Parse(format, input)
		if err == nil {
			return t, format, nil
		}
	}

	return time.Time{}, "", errors.New("invalid datetime format")
}

// TruncateToDay drops the time-of-day component, keeping the location.
func TruncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
