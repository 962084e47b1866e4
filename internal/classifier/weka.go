package classifier

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/raaihank/ad-sentinel/internal/artifact"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/features"
	"go.uber.org/zap"
)

const j48Class = "weka.classifiers.trees.J48"

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Weka trains and scores J48 decision trees through the Weka command line.
type Weka struct {
	cfg      config.WekaConfig
	modelDir string
	runner   Runner
	logger   *zap.Logger
}

// NewWeka creates a Weka backend. A nil runner executes real processes.
func NewWeka(cfg config.ClassifierConfig, runner Runner, logger *zap.Logger) *Weka {
	if runner == nil {
		runner = execRunner{}
	}
	return &Weka{
		cfg:      cfg.Weka,
		modelDir: cfg.ModelDir,
		runner:   runner,
		logger:   logger,
	}
}

// ModelPath returns where the model of a unit is stored.
func (w *Weka) ModelPath(name string) string {
	return filepath.Join(w.modelDir, name+".model")
}

// ARFFPath returns where the training dump of a unit is stored.
func (w *Weka) ARFFPath(name string) string {
	return filepath.Join(w.modelDir, "arff", name+".arff")
}

// Fit dumps the matrix as ARFF and trains a J48 tree on it.
func (w *Weka) Fit(ctx context.Context, name string, m *features.Matrix) (Model, error) {
	if m.Len() == 0 {
		return nil, fmt.Errorf("fit %s: %w", name, ErrEmptyMatrix)
	}

	trainPath := w.ARFFPath(name)
	if err := artifact.Write(trainPath, func(wr io.Writer) error {
		return features.WriteARFF(wr, name, m)
	}); err != nil {
		return nil, err
	}

	modelPath := w.ModelPath(name)
	tmpModel := modelPath + ".tmp"
	args := append([]string{"-cp", w.cfg.JarPath, j48Class}, w.cfg.Options...)
	args = append(args, "-t", trainPath, "-d", tmpModel, "-no-cv")

	start := time.Now()
	if _, err := w.run(ctx, args); err != nil {
		_ = os.Remove(tmpModel)
		return nil, fmt.Errorf("fit %s: %w", name, err)
	}
	if err := os.Rename(tmpModel, modelPath); err != nil {
		return nil, fmt.Errorf("failed to store model %s: %w", name, err)
	}

	w.logger.Debug("J48 model trained",
		zap.String("domain_os", name),
		zap.Int("instances", m.Len()),
		zap.Int("width", m.Schema.Width()),
		zap.Duration("duration", time.Since(start)))

	return &wekaModel{name: name, path: modelPath, schema: m.Schema, backend: w}, nil
}

// Evaluate scores every row of m with model.
func (w *Weka) Evaluate(ctx context.Context, model Model, m *features.Matrix) (*Evaluation, []Prediction, error) {
	wm, ok := model.(*wekaModel)
	if !ok {
		return nil, nil, fmt.Errorf("%w: model %s is not a weka model", ErrUnsupported, model.Name())
	}
	if err := m.Schema.Check(wm.Width()); err != nil {
		return nil, nil, err
	}

	start := time.Now()
	preds, err := w.predict(ctx, wm, m)
	if err != nil {
		return nil, nil, err
	}
	eval := Summarize(wm.name, preds)
	eval.TestTime = time.Since(start)
	return eval, preds, nil
}

// Load opens the stored model trained for schema.
func (w *Weka) Load(ctx context.Context, schema *features.Schema) (Model, error) {
	path := w.ModelPath(schema.Name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	return &wekaModel{name: schema.Name, path: path, schema: schema, backend: w}, nil
}

func (w *Weka) predict(ctx context.Context, wm *wekaModel, m *features.Matrix) ([]Prediction, error) {
	if m.Len() == 0 {
		return nil, nil
	}

	tmp, err := os.CreateTemp("", "adsentinel-*.arff")
	if err != nil {
		return nil, fmt.Errorf("failed to create test file: %w", err)
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriter(tmp)
	if err := features.WriteARFF(bw, wm.name, m); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	args := []string{"-cp", w.cfg.JarPath, j48Class, "-l", wm.path, "-T", tmp.Name(), "-p", "0"}
	out, err := w.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", wm.name, err)
	}

	rows, err := parsePredictions(out)
	if err != nil {
		return nil, err
	}
	if len(rows) != m.Len() {
		return nil, fmt.Errorf("%w: %d rows in, %d predictions out", ErrOutputMismatch, m.Len(), len(rows))
	}

	preds := make([]Prediction, len(rows))
	for i, r := range rows {
		preds[i] = Prediction{
			RecordID:  m.IDs[i],
			Actual:    m.Label(i),
			Predicted: r.predicted,
			Score:     r.score,
		}
	}
	return preds, nil
}

func (w *Weka) run(ctx context.Context, args []string) ([]byte, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	out, err := w.runner.Run(ctx, w.cfg.JavaPath, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendFailed, err)
	}
	return out, nil
}

type wekaModel struct {
	name    string
	path    string
	schema  *features.Schema
	backend *Weka
}

func (m *wekaModel) Name() string { return m.name }
func (m *wekaModel) Width() int   { return m.schema.Width() }

func (m *wekaModel) Classify(ctx context.Context, row []float64) (int, float64, error) {
	if err := m.schema.Check(len(row)); err != nil {
		return 0, 0, err
	}
	single := &features.Matrix{Schema: m.schema, IDs: []string{"row"}, Rows: [][]float64{row}}
	preds, err := m.backend.predict(ctx, m, single)
	if err != nil {
		return 0, 0, err
	}
	return preds[0].Predicted, preds[0].Score, nil
}

type parsedPrediction struct {
	inst      int
	predicted int
	score     float64
}

// parsePredictions reads the table printed by "-p 0":
//
//	inst#     actual  predicted error prediction
//	    1        2:1        2:1       0.95
//	    2        1:0        2:1   +   0.6
//
// The prediction column is the probability of the predicted class.
func parsePredictions(out []byte) ([]parsedPrediction, error) {
	var rows []parsedPrediction
	inTable := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inTable {
			inTable = strings.HasPrefix(line, "inst#")
			continue
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("malformed prediction line %q", line)
		}
		inst, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed instance number in %q", line)
		}
		predicted, err := classValue(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, line)
		}
		prob, err := strconv.ParseFloat(strings.TrimPrefix(fields[len(fields)-1], "*"), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed probability in %q", line)
		}
		score := prob
		if predicted == 0 {
			score = 1 - prob
		}
		rows = append(rows, parsedPrediction{inst: inst, predicted: predicted, score: score})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inTable {
		return nil, fmt.Errorf("%w: no prediction table in output", ErrBackendFailed)
	}
	return rows, nil
}

// classValue parses "index:value" into the 0/1 class value.
func classValue(field string) (int, error) {
	i := strings.IndexByte(field, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed class %q", field)
	}
	v, err := strconv.Atoi(field[i+1:])
	if err != nil || (v != 0 && v != 1) {
		return 0, fmt.Errorf("malformed class %q", field)
	}
	return v, nil
}
