package experiment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/raaihank/ad-sentinel/internal/artifact"
	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/splitter"
	"github.com/raaihank/ad-sentinel/internal/vocabulary"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options controls one experiment run.
type Options struct {
	Variant         features.Variant
	Search          string
	CrossValidation bool
	FinalBuild      bool
	MinSamples      int
	Seed            int64
	Workers         int
	ModelDir        string
}

// OptionsFromConfig resolves the configured variant and run switches.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	variant, err := features.LookupVariant(cfg.Trainer.Variant)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Variant:         variant,
		Search:          cfg.Trainer.Search,
		CrossValidation: cfg.Experiment.CrossValidation,
		FinalBuild:      cfg.Experiment.FinalBuild,
		MinSamples:      cfg.Data.MinSamples,
		Seed:            cfg.Experiment.Seed,
		Workers:         cfg.Experiment.Workers,
		ModelDir:        cfg.Classifier.ModelDir,
	}, nil
}

// Experiment drives vocabulary building, vectorization and the external
// classifier for each unit of a dataset.
type Experiment struct {
	opts      Options
	builder   *vocabulary.Builder
	backend   classifier.Backend
	folds     classifier.Backend
	sinks     []ResultSink
	publisher SchemaPublisher
	logger    *zap.Logger
}

// New creates an experiment.
func New(opts Options, builder *vocabulary.Builder, backend classifier.Backend, logger *zap.Logger) *Experiment {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Experiment{
		opts:    opts,
		builder: builder,
		backend: backend,
		folds:   backend,
		logger:  logger,
	}
}

// SetFoldBackend routes cross-validation fits to b, keeping their throwaway
// models out of the directory final builds are served from.
func (e *Experiment) SetFoldBackend(b classifier.Backend) {
	e.folds = b
}

// FoldClassifierConfig returns cfg's classifier settings with the model
// directory moved under the experiment output.
func FoldClassifierConfig(cfg *config.Config) config.ClassifierConfig {
	folds := cfg.Classifier
	folds.ModelDir = filepath.Join(cfg.Experiment.OutputDir, "folds")
	return folds
}

// AddSink registers a result sink.
func (e *Experiment) AddSink(s ResultSink) {
	e.sinks = append(e.sinks, s)
}

// SetPublisher registers where final schemas are shared.
func (e *Experiment) SetPublisher(p SchemaPublisher) {
	e.publisher = p
}

// Run processes every unit of the dataset. Units run in parallel; a failing
// unit is recorded in its report and does not stop its siblings. The
// returned error is only set when ctx ends the run early.
func (e *Experiment) Run(ctx context.Context, ds *flow.Dataset) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Variant: e.opts.Variant.Name,
		Started: time.Now().UTC(),
	}
	log := e.logger.With(zap.String("run_id", report.RunID))
	keys := ds.Index.Keys()
	log.Info("Experiment started",
		zap.String("variant", report.Variant),
		zap.Int("units", len(keys)),
		zap.Bool("cross_validation", e.opts.CrossValidation),
		zap.Bool("final_build", e.opts.FinalBuild),
		zap.Int("workers", e.opts.Workers))

	units := make([]UnitReport, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			units[i] = e.runUnit(gctx, report.RunID, ds, key)
			return nil
		})
	}
	_ = g.Wait()

	report.Units = units
	report.Finished = time.Now().UTC()
	for _, s := range e.sinks {
		if err := s.WriteReport(ctx, report); err != nil {
			log.Error("Failed to write report", zap.Error(err))
		}
	}

	log.Info("Experiment finished",
		zap.Int("completed", report.Count(StatusCompleted)),
		zap.Int("skipped", report.Count(StatusSkipped)),
		zap.Int("failed", report.Count(StatusFailed)),
		zap.Duration("duration", report.Finished.Sub(report.Started)))

	return report, ctx.Err()
}

func (e *Experiment) runUnit(ctx context.Context, runID string, ds *flow.Dataset, key string) UnitReport {
	info := ds.Index[key]
	unit := UnitReport{
		RunID:    runID,
		DomainOS: info.DomainOS(),
		Group:    info,
		Started:  time.Now().UTC(),
	}
	log := e.logger.With(zap.String("run_id", runID), zap.String("domain_os", unit.DomainOS))

	var rows []ResultRow
	err := func() error {
		counts := info.Counts()
		if counts.Positive < e.opts.MinSamples || counts.Negative < e.opts.MinSamples {
			return fmt.Errorf("%w: %d positive / %d negative, need %d of each",
				ErrInsufficientData, counts.Positive, counts.Negative, e.opts.MinSamples)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := ds.Load(key)
		if err != nil {
			return err
		}
		if e.opts.CrossValidation {
			folds, r, err := e.crossValidate(ctx, runID, unit.DomainOS, counts, records)
			if err != nil {
				return err
			}
			unit.Folds, rows = folds, r
		}
		if e.opts.FinalBuild {
			final, err := e.build(ctx, unit.DomainOS, records.Sorted())
			if err != nil {
				return err
			}
			unit.Final = final
		}
		return nil
	}()

	switch {
	case err == nil:
		unit.Status = StatusCompleted
	case errors.Is(err, ErrInsufficientData):
		unit.Status = StatusSkipped
		unit.Error = err.Error()
		log.Warn("Skipping unit", zap.Int("num_samples", info.NumSamples),
			zap.Int("num_positive", info.NumPositive), zap.Error(err))
	default:
		unit.Status = StatusFailed
		unit.Error = err.Error()
		log.Error("Unit failed", zap.Error(err))
	}
	unit.Duration = time.Since(unit.Started)

	if unit.Status != StatusSkipped {
		for _, s := range e.sinks {
			if err := s.WriteUnit(ctx, &unit, rows); err != nil {
				log.Error("Failed to write unit results", zap.Error(err))
			}
		}
	}
	if unit.Status == StatusCompleted {
		log.Info("Unit completed", zap.Int("folds", len(unit.Folds)), zap.Duration("duration", unit.Duration))
	}
	return unit
}

// crossValidate runs one round per bin. Each round builds its schema from
// the training bins only.
func (e *Experiment) crossValidate(ctx context.Context, runID, domainOS string, counts flow.LabelCounts, records flow.Records) ([]FoldReport, []ResultRow, error) {
	bins, err := splitter.Split(counts, records.Sorted(), splitter.NewRand(e.unitSeed(domainOS)))
	if err != nil {
		return nil, nil, err
	}

	folds := make([]FoldReport, 0, len(bins))
	var rows []ResultRow
	for i := range bins {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		name := fmt.Sprintf("%s_s%d", domainOS, i)
		test := records.Subset(sortedIDs(bins[i].IDs))
		train := records.Subset(sortedIDs(splitter.Complement(bins, i)))

		fold, preds, err := e.runFold(ctx, name, train, test)
		if err != nil {
			return nil, nil, fmt.Errorf("fold %d: %w", i, err)
		}
		fold.Fold = i
		folds = append(folds, *fold)

		now := time.Now().UTC()
		for _, p := range preds {
			rows = append(rows, ResultRow{
				Record: records[p.RecordID],
				Prediction: flow.Prediction{
					RunID:     runID,
					DomainOS:  domainOS,
					RecordID:  p.RecordID,
					Bin:       name,
					Actual:    p.Actual,
					Predicted: p.Predicted,
					Score:     p.Score,
					CreatedAt: now,
				},
			})
		}

		e.logger.Debug("Fold finished",
			zap.String("domain_os", domainOS),
			zap.Int("fold", i),
			zap.Int("train_size", fold.TrainSize),
			zap.Int("test_size", fold.TestSize),
			zap.Float64("accuracy", fold.Testing.Accuracy))
	}
	return folds, rows, nil
}

func (e *Experiment) runFold(ctx context.Context, name string, train, test []*flow.Record) (*FoldReport, []classifier.Prediction, error) {
	variant := e.opts.Variant
	schema, diag, err := features.BuildSchema(name, variant, train, e.builder)
	if err != nil {
		return nil, nil, err
	}
	trainM := features.TrainingMatrix(schema, variant, train)

	vz, err := features.NewVectorizer(schema, variant, e.opts.Search)
	if err != nil {
		return nil, nil, err
	}
	testM, err := vz.Matrix(ctx, test)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	model, err := e.folds.Fit(ctx, name, trainM)
	if err != nil {
		return nil, nil, err
	}
	trainTime := time.Since(start)

	trEval, _, err := e.folds.Evaluate(ctx, model, trainM)
	if err != nil {
		return nil, nil, err
	}
	trEval.Name = "training-" + name
	trEval.TrainTime = trainTime

	teEval, preds, err := e.folds.Evaluate(ctx, model, testM)
	if err != nil {
		return nil, nil, err
	}
	teEval.Name = "testing-" + name
	teEval.TrainTime = trainTime

	return &FoldReport{
		Name:        name,
		TrainSize:   len(train),
		TestSize:    len(test),
		Width:       schema.Width(),
		Fingerprint: schema.Fingerprint(),
		Diagnostics: diag,
		Training:    trEval,
		Testing:     teEval,
	}, preds, nil
}

// build trains the unit's deployable model on every record and persists its
// schema next to the model.
func (e *Experiment) build(ctx context.Context, domainOS string, records []*flow.Record) (*FinalReport, error) {
	variant := e.opts.Variant
	schema, diag, err := features.BuildSchema(domainOS, variant, records, e.builder)
	if err != nil {
		return nil, err
	}
	m := features.TrainingMatrix(schema, variant, records)

	start := time.Now()
	model, err := e.backend.Fit(ctx, domainOS, m)
	if err != nil {
		return nil, err
	}
	trainTime := time.Since(start)

	eval, _, err := e.backend.Evaluate(ctx, model, m)
	if err != nil {
		return nil, err
	}
	eval.Name = domainOS
	eval.TrainTime = trainTime

	schemaPath := SchemaPath(e.opts.ModelDir, domainOS)
	if err := artifact.WriteJSON(schemaPath, schema); err != nil {
		return nil, err
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, schema); err != nil {
			e.logger.Warn("Failed to publish schema", zap.String("domain_os", domainOS), zap.Error(err))
		}
	}

	return &FinalReport{
		Instances:   m.Len(),
		Counts:      m.Counts(),
		Width:       schema.Width(),
		Fingerprint: schema.Fingerprint(),
		SchemaPath:  schemaPath,
		Diagnostics: diag,
		Training:    eval,
	}, nil
}

// SchemaPath returns where the final schema of a unit is stored.
func SchemaPath(modelDir, domainOS string) string {
	return filepath.Join(modelDir, domainOS+".schema.json")
}

// unitSeed derives a per-unit seed so that units sharing a run seed still
// draw different splits. Zero keeps the time-based default.
func (e *Experiment) unitSeed(domainOS string) int64 {
	if e.opts.Seed == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(domainOS))
	seed := e.opts.Seed ^ int64(h.Sum64())
	if seed == 0 {
		seed = e.opts.Seed
	}
	return seed
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
