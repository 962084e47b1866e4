package predictor

import (
	"context"
	"fmt"

	"github.com/raaihank/ad-sentinel/internal/dpi"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/flow"
)

// Predict classifies one record with the unit resolved for the request.
//
// The payload is searched once with the shared searcher. Matches of the
// unit's vocabulary fill its vector; matches of known sensitive values are
// reported. Variants without text are searched over the full request so
// that known values are still found.
func (r *Registry) Predict(ctx context.Context, req Request) (*Result, error) {
	rec := req.Record
	rec.Label = flow.Negative

	domainOS := req.DomainOS
	if domainOS == "" {
		if rec.Domain == "" {
			return nil, fmt.Errorf("%w: neither domain_os nor record domain given", ErrInvalidRequest)
		}
		platform := rec.Platform
		if platform == "" {
			platform = r.platform
		}
		domainOS = flow.UnitName(rec.Domain, platform)
	}

	r.mu.RLock()
	unit, fallback, err := r.lookup(domainOS)
	searcher := r.searcher
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	payload := unit.Variant.Text(&rec)
	if payload == "" {
		payload = features.URIHeaders(&rec)
	}
	buf := []byte(payload)
	matches, err := searcher.Search(buf, len(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	row := unit.Schema.VectorizeMatches(matches, &rec)
	label, score, err := unit.Model.Classify(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("classify with %s: %w", unit.Schema.Name, err)
	}

	patterns := dpi.Patterns(matches)
	matched := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if _, ok := unit.Schema.Vocabulary.Index(p); ok {
			matched = append(matched, p)
		}
	}
	findings := r.detector.Findings(patterns)
	known := make([]string, 0, len(findings))
	for _, f := range findings {
		known = append(known, f.Value)
	}

	return &Result{
		DomainOS:    domainOS,
		UsedUnit:    unit.Schema.Name,
		Fallback:    fallback,
		Label:       label,
		Score:       score,
		Matched:     matched,
		KnownValues: known,
	}, nil
}
