package predictor

import (
	"context"
	"errors"

	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/flow"
)

var (
	// ErrNoClassifier is returned when neither the unit nor the general
	// fallback has a loaded classifier.
	ErrNoClassifier = errors.New("no classifier for unit")
	// ErrInvalidRequest is returned for requests that name no unit and carry
	// no domain to derive one from.
	ErrInvalidRequest = errors.New("invalid prediction request")
)

// Request asks for the classification of one captured request. DomainOS
// may be empty, in which case it is derived from the record's domain and
// platform.
type Request struct {
	DomainOS string      `json:"domain_os,omitempty"`
	Record   flow.Record `json:"record"`
}

// Result is the outcome of a prediction.
type Result struct {
	DomainOS    string   `json:"domain_os"`
	UsedUnit    string   `json:"used_unit"`
	Fallback    bool     `json:"fallback"`
	Label       int      `json:"label"`
	Score       float64  `json:"score"`
	Matched     []string `json:"matched"`
	KnownValues []string `json:"known_values"`
}

// Unit is a loaded classifier: its schema, the variant that schema was
// built for, and the model trained on it.
type Unit struct {
	Schema  *features.Schema
	Variant features.Variant
	Model   classifier.Model
}

// UnitInfo describes a loaded unit for listings.
type UnitInfo struct {
	Name        string `json:"name"`
	Variant     string `json:"variant"`
	Width       int    `json:"width"`
	Terms       int    `json:"terms"`
	Fingerprint string `json:"fingerprint"`
}

// SchemaSource lists and fetches published schemas.
type SchemaSource interface {
	Units(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, domainOS string) (*features.Schema, error)
}

// FingerprintSource reports the published fingerprint of a unit's schema.
type FingerprintSource interface {
	Fingerprint(ctx context.Context, domainOS string) (string, error)
}

// ModelLoader opens the model trained on a schema.
type ModelLoader interface {
	Load(ctx context.Context, schema *features.Schema) (classifier.Model, error)
}
