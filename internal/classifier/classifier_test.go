package classifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/vocabulary"
	"go.uber.org/zap"
)

func TestSummarize(t *testing.T) {
	preds := []Prediction{
		{Actual: 1, Predicted: 1, Score: 0.9},
		{Actual: 1, Predicted: 1, Score: 0.8},
		{Actual: 1, Predicted: 0, Score: 0.4},
		{Actual: 0, Predicted: 1, Score: 0.6},
		{Actual: 0, Predicted: 0, Score: 0.1},
		{Actual: 0, Predicted: 0, Score: 0.2},
	}
	e := Summarize("testing-x_s0", preds)

	if e.TP != 2 || e.FN != 1 || e.FP != 1 || e.TN != 2 {
		t.Fatalf("Unexpected confusion matrix: %+v", e)
	}
	checks := map[string][2]float64{
		"accuracy":    {e.Accuracy, 4.0 / 6},
		"fpr":         {e.FPR, 1.0 / 3},
		"fnr":         {e.FNR, 1.0 / 3},
		"precision":   {e.Precision, 2.0 / 3},
		"recall":      {e.Recall, 2.0 / 3},
		"specificity": {e.Specificity, 2.0 / 3},
		"f_measure":   {e.FMeasure, 2.0 / 3},
		// 8 of 9 positive/negative pairs ranked correctly
		"auc": {e.AUC, 8.0 / 9},
	}
	for name, c := range checks {
		if math.Abs(c[0]-c[1]) > 1e-9 {
			t.Errorf("%s = %v, want %v", name, c[0], c[1])
		}
	}

	t.Run("Ties", func(t *testing.T) {
		e := Summarize("ties", []Prediction{
			{Actual: 1, Score: 0.5},
			{Actual: 0, Score: 0.5},
		})
		if e.AUC != 0.5 {
			t.Errorf("Tied scores should give AUC 0.5, got %v", e.AUC)
		}
	})

	t.Run("SingleClass", func(t *testing.T) {
		e := Summarize("pos", []Prediction{{Actual: 1, Predicted: 1, Score: 1}})
		if e.AUC != 0 || e.FPR != 0 || e.Accuracy != 1 {
			t.Errorf("Unexpected single-class evaluation: %+v", e)
		}
	})
}

func TestParsePredictions(t *testing.T) {
	out := `
=== Predictions on test data ===

    inst#     actual  predicted error prediction
        1        2:1        2:1       0.95
        2        1:0        2:1   +   0.6
        3        1:0        1:0       1

`
	rows, err := parsePredictions([]byte(out))
	if err != nil {
		t.Fatalf("parsePredictions failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0].predicted != 1 || rows[0].score != 0.95 {
		t.Errorf("Row 1: %+v", rows[0])
	}
	if rows[1].predicted != 1 || rows[1].score != 0.6 {
		t.Errorf("Row 2: %+v", rows[1])
	}
	if rows[2].predicted != 0 || rows[2].score != 0 {
		t.Errorf("Row 3 should score 0 for the positive class: %+v", rows[2])
	}

	t.Run("NoTable", func(t *testing.T) {
		if _, err := parsePredictions([]byte("Exception in thread main")); !errors.Is(err, ErrBackendFailed) {
			t.Errorf("Expected ErrBackendFailed, got %v", err)
		}
	})

	t.Run("BadClass", func(t *testing.T) {
		if _, err := parsePredictions([]byte("inst# actual predicted error prediction\n1 2:1 2:x 0.9\n")); err == nil {
			t.Error("Expected error for malformed class")
		}
	})
}

// fakeWeka stands in for the java process. Training writes a marker model;
// testing predicts positive whenever the first column is set.
type fakeWeka struct {
	calls [][]string
	fail  bool
}

func (f *fakeWeka) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if f.fail {
		return nil, errors.New("java: exit status 1")
	}
	opt := func(flag string) string {
		for i := 0; i < len(args)-1; i++ {
			if args[i] == flag {
				return args[i+1]
			}
		}
		return ""
	}
	if model := opt("-d"); model != "" {
		return nil, os.WriteFile(model, []byte("j48"), 0o644)
	}

	file, err := os.Open(opt("-T"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var b strings.Builder
	b.WriteString("\n=== Predictions on test data ===\n\n inst# actual predicted error prediction\n")
	inst := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "{") {
			continue
		}
		inst++
		predicted := "1:0"
		if strings.HasPrefix(line, "{0 ") {
			predicted = "2:1"
		}
		fmt.Fprintf(&b, "%d 1:0 %s 0.9\n", inst, predicted)
	}
	return []byte(b.String()), nil
}

func testMatrix(t *testing.T) *features.Matrix {
	t.Helper()
	vocab, _ := vocabulary.New([]string{"banner", "static"})
	schema, err := features.NewSchema("doubleclick.net_android", "url_path", vocab, nil)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}
	return &features.Matrix{
		Schema: schema,
		IDs:    []string{"a", "b", "c"},
		Rows: [][]float64{
			{2, 0, 1},
			{0, 1, 0},
			{1, 0, 0},
		},
	}
}

func TestWeka(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GetDefaults().Classifier
	cfg.ModelDir = dir
	runner := &fakeWeka{}
	w := NewWeka(cfg, runner, zap.NewNop())
	ctx := context.Background()
	m := testMatrix(t)

	model, err := w.Fit(ctx, "doubleclick.net_android", m)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	t.Run("FitArgs", func(t *testing.T) {
		args := strings.Join(runner.calls[0], " ")
		if !strings.Contains(args, j48Class+" -U -t ") || !strings.Contains(args, "-no-cv") {
			t.Errorf("Unexpected fit args: %s", args)
		}
		if _, err := os.Stat(filepath.Join(dir, "doubleclick.net_android.model")); err != nil {
			t.Errorf("Model not stored: %v", err)
		}
		if _, err := os.Stat(w.ARFFPath("doubleclick.net_android")); err != nil {
			t.Errorf("Training dump not stored: %v", err)
		}
	})

	t.Run("Evaluate", func(t *testing.T) {
		eval, preds, err := w.Evaluate(ctx, model, m)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if len(preds) != 3 || preds[0].RecordID != "a" || preds[0].Predicted != 1 || preds[1].Predicted != 0 {
			t.Errorf("Unexpected predictions: %+v", preds)
		}
		// c is predicted positive but labelled negative
		if eval.TP != 1 || eval.FP != 1 || eval.TN != 1 || eval.Instances != 3 {
			t.Errorf("Unexpected evaluation: %+v", eval)
		}
	})

	t.Run("Classify", func(t *testing.T) {
		label, score, err := model.Classify(ctx, []float64{3, 0, 0})
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if label != 1 || score != 0.9 {
			t.Errorf("Classify = %d, %v", label, score)
		}
		if _, _, err := model.Classify(ctx, []float64{1, 0}); !errors.Is(err, features.ErrSchemaMismatch) {
			t.Errorf("Expected ErrSchemaMismatch, got %v", err)
		}
	})

	t.Run("Load", func(t *testing.T) {
		loaded, err := w.Load(ctx, m.Schema)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Width() != 3 || loaded.Name() != "doubleclick.net_android" {
			t.Errorf("Unexpected model: %s/%d", loaded.Name(), loaded.Width())
		}
		other, _ := features.NewSchema("missing_android", "url_path", nil, nil)
		if _, err := w.Load(ctx, other); !errors.Is(err, ErrModelNotFound) {
			t.Errorf("Expected ErrModelNotFound, got %v", err)
		}
	})

	t.Run("EmptyMatrix", func(t *testing.T) {
		empty := &features.Matrix{Schema: m.Schema}
		if _, err := w.Fit(ctx, "empty", empty); !errors.Is(err, ErrEmptyMatrix) {
			t.Errorf("Expected ErrEmptyMatrix, got %v", err)
		}
	})

	t.Run("ProcessFailure", func(t *testing.T) {
		failing := NewWeka(cfg, &fakeWeka{fail: true}, zap.NewNop())
		if _, err := failing.Fit(ctx, "broken", m); !errors.Is(err, ErrBackendFailed) {
			t.Errorf("Expected ErrBackendFailed, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "broken.model")); !os.IsNotExist(err) {
			t.Error("Failed fit must not leave a model behind")
		}
	})
}

func TestNew(t *testing.T) {
	cfg := config.GetDefaults().Classifier
	if b, err := New(cfg, zap.NewNop()); err != nil || b == nil {
		t.Errorf("Default backend should be weka: %v", err)
	}
	cfg.Backend = "svm"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
