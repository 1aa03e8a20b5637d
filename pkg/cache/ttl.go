package cache

import "time"

// ttlByCategory is the static TTL table: every known
// endpoint category maps to a fixed freshness window. Categories not in
// this table fall back to defaultTTL.
var ttlByCategory = map[string]time.Duration{
	"trending":         1 * time.Hour,
	"dashboard":        2 * time.Hour,
	"cve-entity":       24 * time.Hour,
	"threat-actor":     7 * 24 * time.Hour,
	"malware":          7 * 24 * time.Hour,
	"detection-rules":  7 * 24 * time.Hour,
	"entity-search":    24 * time.Hour,
	"actor-relations":  24 * time.Hour,
	"tags":             24 * time.Hour,
	"search":           30 * time.Minute,
	"stream":           30 * time.Minute,
	"ioc":              6 * time.Hour,
	"profile":          1 * time.Hour,
	"batch":            6 * time.Hour,
}

const defaultTTL = 1 * time.Hour

// TTLFor returns the configured TTL for category, or defaultTTL if the
// category is unrecognized.
func TTLFor(category string) time.Duration {
	if ttl, ok := ttlByCategory[category]; ok {
		return ttl
	}
	return defaultTTL
}
