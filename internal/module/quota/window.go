package quota

import (
	"time"

	"go.uber.org/zap"
)

const dayKeyLayout = "2006-01-02"

// Window resolves instants to calendar-day buckets in a configured zone.
// Two instants map to the same day key iff they fall in the same local
// calendar day in that zone.
type Window struct {
	loc *time.Location
}

// NewWindow creates a window for the given IANA zone name. An invalid
// or empty zone falls back to UTC instead of failing startup.
func NewWindow(tz string, logger *zap.Logger) *Window {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("invalid time zone, falling back to UTC",
			zap.String("time_zone", tz),
			zap.Error(err),
		)
		loc = time.UTC
	}
	return &Window{loc: loc}
}

// Location returns the resolved time zone.
func (w *Window) Location() *time.Location {
	return w.loc
}

// DayKey returns the calendar-day bucket for t.
func (w *Window) DayKey(t time.Time) string {
	return t.In(w.loc).Format(dayKeyLayout)
}

// UntilRollover returns the duration from t until local midnight of the
// next day. It is used as counter expiry so a forgotten counter
// self-resets at day rollover. Never less than one second.
func (w *Window) UntilRollover(t time.Time) time.Duration {
	lt := t.In(w.loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, w.loc)
	d := next.Sub(lt)
	if d < time.Second {
		d = time.Second
	}
	return d
}
