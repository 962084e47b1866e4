// Package classifier adapts external learners to feature matrices.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/raaihank/ad-sentinel/internal/features"
)

// Backend names accepted by New.
const (
	BackendWeka = "weka"
	BackendONNX = "onnx"
)

// ClassifierError describes a backend failure.
type ClassifierError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ClassifierError) Error() string {
	return e.Message
}

var (
	ErrUnsupported    = &ClassifierError{Type: "unsupported", Message: "operation not supported by backend"}
	ErrModelNotFound  = &ClassifierError{Type: "model_not_found", Message: "model not found"}
	ErrBackendFailed  = &ClassifierError{Type: "backend_failed", Message: "classifier backend failed"}
	ErrEmptyMatrix    = &ClassifierError{Type: "empty_matrix", Message: "matrix has no rows"}
	ErrOutputMismatch = errors.New("classifier output does not match input rows")
)

// Model is a trained classifier for one unit.
type Model interface {
	Name() string
	Width() int
	// Classify scores one vector laid out by the model's schema. Score is
	// the probability of the positive class.
	Classify(ctx context.Context, row []float64) (label int, score float64, err error)
}

// Backend fits and scores models. Implementations never expose model
// internals.
type Backend interface {
	Fit(ctx context.Context, name string, m *features.Matrix) (Model, error)
	Evaluate(ctx context.Context, model Model, m *features.Matrix) (*Evaluation, []Prediction, error)
	Load(ctx context.Context, schema *features.Schema) (Model, error)
}

// Prediction is the output for one matrix row.
type Prediction struct {
	RecordID  string  `json:"record_id"`
	Actual    int     `json:"actual"`
	Predicted int     `json:"predicted"`
	Score     float64 `json:"score"`
}

// Evaluation holds the summary statistics of one scoring pass.
type Evaluation struct {
	Name        string        `json:"name"`
	Instances   int           `json:"instances"`
	TP          int           `json:"tp"`
	TN          int           `json:"tn"`
	FP          int           `json:"fp"`
	FN          int           `json:"fn"`
	Accuracy    float64       `json:"accuracy"`
	FPR         float64       `json:"fpr"`
	FNR         float64       `json:"fnr"`
	Precision   float64       `json:"precision"`
	Recall      float64       `json:"recall"`
	Specificity float64       `json:"specificity"`
	FMeasure    float64       `json:"f_measure"`
	AUC         float64       `json:"auc"`
	TrainTime   time.Duration `json:"train_time_ns"`
	TestTime    time.Duration `json:"test_time_ns"`
	Error       string        `json:"error,omitempty"`
}
