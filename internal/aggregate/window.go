package aggregate

import (
	"errors"
	"fmt"
	"time"
)

// Window selects one UTC calendar day of raw events, optionally for a subset of projects.
type Window struct {
	From       time.Time
	To         time.Time
	ProjectIDs []string
}

// ErrBadWindow is returned for windows that are not exactly one UTC day.
var ErrBadWindow = errors.New("window must cover exactly one UTC day")

// Day returns the window for the UTC calendar day containing t.
func Day(t time.Time) Window {
	y, m, d := t.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Window{From: from, To: from.AddDate(0, 0, 1)}
}

// Yesterday is the last complete day before now, the target of the scheduled run.
func Yesterday(now time.Time) Window {
	return Day(now.UTC().AddDate(0, 0, -1))
}

// Today is the still-open current day, for on-demand low-latency refreshes.
func Today(now time.Time) Window {
	return Day(now)
}

// ParseDay parses a YYYY-MM-DD date into its window.
func ParseDay(s string) (Window, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Window{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrBadWindow, s)
	}
	return Day(t), nil
}

// Validate checks the window is a whole UTC day.
func (w Window) Validate() error {
	if !w.From.Equal(Day(w.From).From) || !w.To.Equal(w.From.AddDate(0, 0, 1)) {
		return fmt.Errorf("%w: [%s, %s)", ErrBadWindow, w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	}
	return nil
}
