package models

import "time"

// Event names accepted by the ingestion endpoint.
const (
	EventPageview = "pageview"
	EventClick    = "click"
	EventCustom   = "custom"
)

// ValidEventName reports whether name belongs to the closed set of event names.
func ValidEventName(name string) bool {
	switch name {
	case EventPageview, EventClick, EventCustom:
		return true
	}
	return false
}

// TrackRequest is the POST /api/track payload sent by the browser tracker.
// eventId is optional; when absent the server assigns one.
type TrackRequest struct {
	Key      string `json:"key" binding:"required"`
	Name     string `json:"name" binding:"required,oneof=pageview click custom"`
	URL      string `json:"url" binding:"required"`
	Referrer string `json:"referrer,omitempty"`
	Screen   string `json:"screen,omitempty"`
	Language string `json:"language,omitempty"`
	EventID  string `json:"eventId,omitempty"`
}

// Properties is the descriptive bag stored with every event.
type Properties struct {
	URL      string `json:"url" bson:"url"`
	Referrer string `json:"referrer,omitempty" bson:"referrer,omitempty"`
	Screen   string `json:"screen,omitempty" bson:"screen,omitempty"`
	Language string `json:"language,omitempty" bson:"language,omitempty"`
	Browser  string `json:"browser,omitempty" bson:"browser,omitempty"`
}

// Geo is derived from edge-supplied request metadata.
type Geo struct {
	Country string `json:"country" bson:"country"`
	City    string `json:"city,omitempty" bson:"city,omitempty"`
}

// Event is one raw analytics occurrence. It is written once and never mutated.
type Event struct {
	ProjectID  string     `json:"projectId" bson:"projectId"`
	EventID    string     `json:"eventId" bson:"eventId"`
	Name       string     `json:"name" bson:"name"`
	Properties Properties `json:"properties" bson:"properties"`
	Geo        Geo        `json:"geo" bson:"geo"`
	Timestamp  time.Time  `json:"timestamp" bson:"timestamp"`
}
