// Package experiment runs stratified cross-validation and final builds for
// every classifier unit of a dataset.
package experiment

import (
	"context"
	"errors"
	"time"

	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/vocabulary"
)

// ErrInsufficientData marks a unit skipped for having too few samples of a
// class.
var ErrInsufficientData = errors.New("insufficient samples")

// Status is the outcome of one unit.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// FoldReport holds the results of one cross-validation round.
type FoldReport struct {
	Fold        int                    `json:"fold"`
	Name        string                 `json:"name"`
	TrainSize   int                    `json:"train_size"`
	TestSize    int                    `json:"test_size"`
	Width       int                    `json:"width"`
	Fingerprint string                 `json:"fingerprint"`
	Diagnostics vocabulary.Diagnostics `json:"vocabulary"`
	Training    *classifier.Evaluation `json:"training"`
	Testing     *classifier.Evaluation `json:"testing"`
}

// FinalReport describes the model built on all records of a unit.
type FinalReport struct {
	Instances   int                    `json:"instances"`
	Counts      flow.LabelCounts       `json:"counts"`
	Width       int                    `json:"width"`
	Fingerprint string                 `json:"fingerprint"`
	SchemaPath  string                 `json:"schema_path"`
	Diagnostics vocabulary.Diagnostics `json:"vocabulary"`
	Training    *classifier.Evaluation `json:"training"`
}

// UnitReport is the outcome of one classifier unit.
type UnitReport struct {
	RunID    string         `json:"run_id"`
	DomainOS string         `json:"domain_os"`
	Group    flow.GroupInfo `json:"group"`
	Status   Status         `json:"status"`
	Folds    []FoldReport   `json:"folds,omitempty"`
	Final    *FinalReport   `json:"final,omitempty"`
	Error    string         `json:"error,omitempty"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration_ns"`
}

// Report aggregates every unit of one run.
type Report struct {
	RunID    string       `json:"run_id"`
	Variant  string       `json:"variant"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Units    []UnitReport `json:"units"`
}

// Count returns how many units ended with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, u := range r.Units {
		if u.Status == s {
			n++
		}
	}
	return n
}

// ResultRow pairs a test record with its held-out prediction.
type ResultRow struct {
	Record     *flow.Record
	Prediction flow.Prediction
}

// ResultSink receives results as units finish. Sinks are called from
// concurrent workers and must be safe for concurrent use.
type ResultSink interface {
	WriteUnit(ctx context.Context, unit *UnitReport, rows []ResultRow) error
	WriteReport(ctx context.Context, report *Report) error
}

// SchemaPublisher shares final schemas with prediction servers.
type SchemaPublisher interface {
	Publish(ctx context.Context, schema *features.Schema) error
}
