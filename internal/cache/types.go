package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no schema is published for a unit.
var ErrNotFound = errors.New("schema not published")

// Entry is the registry record of one published schema.
type Entry struct {
	DomainOS    string    `json:"domain_os"`
	Fingerprint string    `json:"fingerprint"`
	Width       int       `json:"width"`
	PublishedAt time.Time `json:"published_at"`
}

// Stats reports registry lookups since start.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Units   int64   `json:"units"`
}
