//go:build onnx
// +build onnx

package classifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/features"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNX scores rows with externally trained models exported to ONNX. The
// model input is the feature vector without the label column.
type ONNX struct {
	modelDir string
	logger   *zap.Logger
}

var (
	ortInit    sync.Once
	ortInitErr error // outcome of the first initialisation, returned to every caller
)

// NewONNX initialises the ONNX Runtime environment. Requires build tag 'onnx'.
func NewONNX(cfg config.ClassifierConfig, logger *zap.Logger) (Backend, error) {
	ortInit.Do(func() {
		if shlib := cfg.ONNX.SharedLibrary; shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		} else if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnx runtime init failed: %w", ortInitErr)
	}
	return &ONNX{modelDir: cfg.ModelDir, logger: logger}, nil
}

// Fit is not supported; ONNX models are trained elsewhere.
func (o *ONNX) Fit(ctx context.Context, name string, m *features.Matrix) (Model, error) {
	return nil, fmt.Errorf("fit %s: %w", name, ErrUnsupported)
}

// Load opens <model_dir>/<name>.onnx.
func (o *ONNX) Load(ctx context.Context, schema *features.Schema) (Model, error) {
	path := filepath.Join(o.modelDir, schema.Name+".onnx")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect onnx model %s: %w", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx model %s has no inputs or outputs", path)
	}
	// Prefer a probability output when the exporter emits labels first.
	outputName := outputs[0].Name
	for _, out := range outputs {
		if out.Name == "probabilities" || out.Name == "output_probability" {
			outputName = out.Name
			break
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx session creation failed for %s: %w", path, err)
	}

	o.logger.Info("ONNX model loaded",
		zap.String("domain_os", schema.Name),
		zap.String("input", inputs[0].Name),
		zap.String("output", outputName))
	return &onnxModel{name: schema.Name, schema: schema, session: sess}, nil
}

// Evaluate classifies each row and summarizes the predictions.
func (o *ONNX) Evaluate(ctx context.Context, model Model, m *features.Matrix) (*Evaluation, []Prediction, error) {
	if err := m.Schema.Check(model.Width()); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	preds := make([]Prediction, 0, m.Len())
	for i, row := range m.Rows {
		label, score, err := model.Classify(ctx, row)
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, Prediction{RecordID: m.IDs[i], Actual: m.Label(i), Predicted: label, Score: score})
	}
	eval := Summarize(model.Name(), preds)
	eval.TestTime = time.Since(start)
	return eval, preds, nil
}

type onnxModel struct {
	name    string
	schema  *features.Schema
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

func (m *onnxModel) Name() string { return m.name }
func (m *onnxModel) Width() int   { return m.schema.Width() }

func (m *onnxModel) Classify(ctx context.Context, row []float64) (int, float64, error) {
	if err := m.schema.Check(len(row)); err != nil {
		return 0, 0, err
	}
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	n := len(row) - 1
	input := make([]float32, n)
	for i := 0; i < n; i++ {
		input[i] = float32(row[i])
	}
	tensor, err := ort.NewTensor[float32](ort.NewShape(1, int64(n)), input)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs := make([]ort.Value, 1)
	m.mu.Lock()
	err = m.session.Run([]ort.Value{tensor}, outputs)
	m.mu.Unlock()
	if err != nil {
		return 0, 0, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return 0, 0, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, 0, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	data := out.GetData()
	var score float64
	switch len(data) {
	case 1:
		score = float64(data[0])
	case 2:
		score = float64(data[1])
	default:
		return 0, 0, fmt.Errorf("unsupported output shape %v", out.GetShape())
	}
	label := 0
	if score >= 0.5 {
		label = 1
	}
	return label, score, nil
}
