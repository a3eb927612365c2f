package aggregate

import (
	"time"

	"github.com/PratikDhanave/tally/internal/models"
)

// rootPath is counted for pageviews that somehow carry no URL.
const rootPath = "/"

// Tally counts one project's events for one day into a DailyStat. Counting is
// order-independent, so the result depends only on the set of events.
//
// Page URLs are counted for pageview events only; every other dimension counts every
// event, with absent values falling into a fixed bucket instead of being dropped.
func Tally(projectID string, day time.Time, events []*models.Event) models.DailyStat {
	s := models.DailyStat{
		ProjectID:  projectID,
		Date:       Day(day).From,
		PageViews:  models.Counts{},
		Countries:  models.Counts{},
		Browsers:   models.Counts{},
		Screens:    models.Counts{},
		Referrers:  models.Counts{},
		Aggregated: true,
	}

	for _, ev := range events {
		if ev.Name == models.EventPageview {
			s.PageViews[or(ev.Properties.URL, rootPath)]++
		}
		s.Countries[or(ev.Geo.Country, models.UnknownBucket)]++
		s.Browsers[or(ev.Properties.Browser, models.OtherBucket)]++
		s.Screens[or(ev.Properties.Screen, models.UnknownBucket)]++
		s.Referrers[or(ev.Properties.Referrer, models.DirectBucket)]++
	}
	return s
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
