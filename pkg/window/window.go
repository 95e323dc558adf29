package window

import (
	"time"

	"github.com/lodestar-data/lodestar/pkg/date"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/pkg/errors"
)

const (
	TimestampFormat = "2006-01-02 15:04:05.000000"
	DateFormat      = "2006-01-02"
)

// Window is the half-open time interval [Start, End) bound into one execution
// of an asset.
type Window struct {
	Start time.Time
	End   time.Time
}

func New(start, end time.Time) (Window, error) {
	if !start.Before(end) {
		return Window{}, errors.Errorf("the run window start '%s' must be before its end '%s'", start.Format(TimestampFormat), end.Format(TimestampFormat))
	}

	return Window{Start: start, End: end}, nil
}

// Truncate aligns the window to the given granularity. Date granularity drops
// the time-of-day component from both bounds.
func (w Window) Truncate(granularity pipeline.MaterializationTimeGranularity) Window {
	if granularity != pipeline.MaterializationTimeGranularityDate {
		return w
	}

	return Window{
		Start: date.TruncateToDay(w.Start),
		End:   date.TruncateToDay(w.End),
	}
}

// Format renders a bound the way the asset's granularity expects it in SQL.
func Format(t time.Time, granularity pipeline.MaterializationTimeGranularity) string {
	if granularity == pipeline.MaterializationTimeGranularityDate {
		return t.Format(DateFormat)
	}

	return t.Format(TimestampFormat)
}
