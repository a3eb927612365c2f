package models

import "time"

// Fallback buckets used when an event carries no value for a dimension.
const (
	UnknownBucket = "Unknown"
	DirectBucket  = "Direct"
	OtherBucket   = "Other"
)

// Counts is a frequency map for one dimension.
type Counts map[string]int64

// DailyStat is the per-project, per-day aggregate written by the aggregation job.
// Rows are replaced wholesale on every run, never incremented in place.
type DailyStat struct {
	ProjectID  string    `json:"project_id"`
	Date       time.Time `json:"date"`
	PageViews  Counts    `json:"page_views"`
	Countries  Counts    `json:"countries"`
	Browsers   Counts    `json:"browsers"`
	Screens    Counts    `json:"screens"`
	Referrers  Counts    `json:"referrers"`
	Aggregated bool      `json:"aggregated"`
}
