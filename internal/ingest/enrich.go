package ingest

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/PratikDhanave/tally/internal/models"
)

// GeoHeaders names the request headers a trusted edge proxy fills with visitor location.
type GeoHeaders struct {
	Country string
	City    string
}

// GeoFromHeaders reads location from edge-supplied headers. No network call is made.
func GeoFromHeaders(h http.Header, names GeoHeaders) models.Geo {
	geo := models.Geo{Country: models.UnknownBucket}
	if names.Country != "" {
		if c := strings.TrimSpace(h.Get(names.Country)); c != "" {
			geo.Country = strings.ToUpper(c)
		}
	}
	if names.City != "" {
		if c := strings.TrimSpace(h.Get(names.City)); c != "" {
			// Edge providers URL-encode non-ASCII city names.
			if dec, err := url.QueryUnescape(c); err == nil {
				c = dec
			}
			geo.City = c
		}
	}
	return geo
}

// BrowserFromUA coarsely classifies a User-Agent into Edge, Firefox, Chrome, Safari or Other.
// Order matters: Edge and Chrome on iOS both also claim to be Chrome and Safari.
func BrowserFromUA(ua string) string {
	switch {
	case ua == "":
		return models.OtherBucket
	case strings.Contains(ua, "Edg/"), strings.Contains(ua, "Edge/"), strings.Contains(ua, "EdgiOS/"), strings.Contains(ua, "EdgA/"):
		return "Edge"
	case strings.Contains(ua, "Firefox/"), strings.Contains(ua, "FxiOS/"):
		return "Firefox"
	case strings.Contains(ua, "Chrome/"), strings.Contains(ua, "CriOS/"), strings.Contains(ua, "Chromium/"):
		return "Chrome"
	case strings.Contains(ua, "Safari/"):
		return "Safari"
	default:
		return models.OtherBucket
	}
}
