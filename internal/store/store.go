// Package store persists experiment results in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/experiment"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"go.uber.org/zap"
)

// predictionBatch bounds the rows of one multi-row insert.
const predictionBatch = 1000

const schemaSQL = `
CREATE TABLE IF NOT EXISTS experiment_runs (
	run_id     TEXT PRIMARY KEY,
	variant    TEXT NOT NULL,
	started    TIMESTAMPTZ NOT NULL,
	finished   TIMESTAMPTZ NOT NULL,
	completed  INTEGER NOT NULL,
	skipped    INTEGER NOT NULL,
	failed     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fold_evaluations (
	run_id      TEXT NOT NULL,
	domain_os   TEXT NOT NULL,
	name        TEXT NOT NULL,
	phase       TEXT NOT NULL,
	fold        INTEGER NOT NULL,
	instances   INTEGER NOT NULL,
	tp          INTEGER NOT NULL,
	tn          INTEGER NOT NULL,
	fp          INTEGER NOT NULL,
	fn          INTEGER NOT NULL,
	accuracy    DOUBLE PRECISION NOT NULL,
	fpr         DOUBLE PRECISION NOT NULL,
	fnr         DOUBLE PRECISION NOT NULL,
	precision   DOUBLE PRECISION NOT NULL,
	recall      DOUBLE PRECISION NOT NULL,
	specificity DOUBLE PRECISION NOT NULL,
	f_measure   DOUBLE PRECISION NOT NULL,
	auc         DOUBLE PRECISION NOT NULL,
	train_ms    BIGINT NOT NULL,
	test_ms     BIGINT NOT NULL,
	PRIMARY KEY (run_id, name)
);
CREATE TABLE IF NOT EXISTS record_predictions (
	run_id     TEXT NOT NULL,
	domain_os  TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	bin        TEXT NOT NULL,
	actual     SMALLINT NOT NULL,
	predicted  SMALLINT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (run_id, domain_os, record_id)
);`

// Store writes experiment results to PostgreSQL. It implements
// experiment.ResultSink.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects, configures the pool and creates missing tables.
func NewStore(cfg config.StorageConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &Store{db: db, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Result store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))
	return s, nil
}

// Migrate creates the result tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// evaluationRow is one row of fold_evaluations.
type evaluationRow struct {
	RunID       string  `db:"run_id"`
	DomainOS    string  `db:"domain_os"`
	Name        string  `db:"name"`
	Phase       string  `db:"phase"`
	Fold        int     `db:"fold"`
	Instances   int     `db:"instances"`
	TP          int     `db:"tp"`
	TN          int     `db:"tn"`
	FP          int     `db:"fp"`
	FN          int     `db:"fn"`
	Accuracy    float64 `db:"accuracy"`
	FPR         float64 `db:"fpr"`
	FNR         float64 `db:"fnr"`
	Precision   float64 `db:"precision"`
	Recall      float64 `db:"recall"`
	Specificity float64 `db:"specificity"`
	FMeasure    float64 `db:"f_measure"`
	AUC         float64 `db:"auc"`
	TrainMs     int64   `db:"train_ms"`
	TestMs      int64   `db:"test_ms"`
}

// Phases of fold_evaluations rows.
const (
	PhaseTraining  = "training"
	PhaseTesting   = "testing"
	PhaseFullBuild = "full_build"
)

func newEvaluationRow(runID, domainOS, phase string, fold int, e *classifier.Evaluation) evaluationRow {
	return evaluationRow{
		RunID:       runID,
		DomainOS:    domainOS,
		Name:        e.Name,
		Phase:       phase,
		Fold:        fold,
		Instances:   e.Instances,
		TP:          e.TP,
		TN:          e.TN,
		FP:          e.FP,
		FN:          e.FN,
		Accuracy:    e.Accuracy,
		FPR:         e.FPR,
		FNR:         e.FNR,
		Precision:   e.Precision,
		Recall:      e.Recall,
		Specificity: e.Specificity,
		FMeasure:    e.FMeasure,
		AUC:         e.AUC,
		TrainMs:     e.TrainTime.Milliseconds(),
		TestMs:      e.TestTime.Milliseconds(),
	}
}

// evaluationRows flattens a unit report. The full build is stored with
// fold -1.
func evaluationRows(unit *experiment.UnitReport) []evaluationRow {
	var rows []evaluationRow
	for _, f := range unit.Folds {
		if f.Training != nil {
			rows = append(rows, newEvaluationRow(unit.RunID, unit.DomainOS, PhaseTraining, f.Fold, f.Training))
		}
		if f.Testing != nil {
			rows = append(rows, newEvaluationRow(unit.RunID, unit.DomainOS, PhaseTesting, f.Fold, f.Testing))
		}
	}
	if unit.Final != nil && unit.Final.Training != nil {
		rows = append(rows, newEvaluationRow(unit.RunID, unit.DomainOS, PhaseFullBuild, -1, unit.Final.Training))
	}
	return rows
}

const insertEvaluation = `
	INSERT INTO fold_evaluations (run_id, domain_os, name, phase, fold, instances, tp, tn, fp, fn,
		accuracy, fpr, fnr, precision, recall, specificity, f_measure, auc, train_ms, test_ms)
	VALUES (:run_id, :domain_os, :name, :phase, :fold, :instances, :tp, :tn, :fp, :fn,
		:accuracy, :fpr, :fnr, :precision, :recall, :specificity, :f_measure, :auc, :train_ms, :test_ms)
	ON CONFLICT (run_id, name) DO NOTHING`

const insertPrediction = `
	INSERT INTO record_predictions (run_id, domain_os, record_id, bin, actual, predicted, score, created_at)
	VALUES (:run_id, :domain_os, :record_id, :bin, :actual, :predicted, :score, :created_at)
	ON CONFLICT (run_id, domain_os, record_id) DO NOTHING`

// WriteUnit stores the unit's evaluations and held-out predictions in one
// transaction.
func (s *Store) WriteUnit(ctx context.Context, unit *experiment.UnitReport, rows []experiment.ResultRow) error {
	evals := evaluationRows(unit)
	preds := make([]flow.Prediction, len(rows))
	for i, r := range rows {
		preds[i] = r.Prediction
	}
	if len(evals) == 0 && len(preds) == 0 {
		return nil
	}

	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(evals) > 0 {
		if _, err := tx.NamedExecContext(ctx, insertEvaluation, evals); err != nil {
			return fmt.Errorf("failed to insert evaluations: %w", err)
		}
	}
	for _, batch := range batches(preds, predictionBatch) {
		if _, err := tx.NamedExecContext(ctx, insertPrediction, batch); err != nil {
			return fmt.Errorf("failed to insert predictions: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}

	s.logger.Debug("Unit results stored",
		zap.String("domain_os", unit.DomainOS),
		zap.Int("evaluations", len(evals)),
		zap.Int("predictions", len(preds)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// WriteReport records the run summary.
func (s *Store) WriteReport(ctx context.Context, report *experiment.Report) error {
	query := `
		INSERT INTO experiment_runs (run_id, variant, started, finished, completed, skipped, failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			finished = EXCLUDED.finished,
			completed = EXCLUDED.completed,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed`

	_, err := s.db.ExecContext(ctx, query,
		report.RunID,
		report.Variant,
		report.Started,
		report.Finished,
		report.Count(experiment.StatusCompleted),
		report.Count(experiment.StatusSkipped),
		report.Count(experiment.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", report.RunID, err)
	}
	return nil
}

// Predictions returns the stored predictions of one unit in a run.
func (s *Store) Predictions(ctx context.Context, runID, domainOS string) ([]flow.Prediction, error) {
	var preds []flow.Prediction
	query := `
		SELECT run_id, domain_os, record_id, bin, actual, predicted, score, created_at
		FROM record_predictions
		WHERE run_id = $1 AND domain_os = $2
		ORDER BY record_id`
	if err := s.db.SelectContext(ctx, &preds, query, runID, domainOS); err != nil {
		return nil, fmt.Errorf("failed to load predictions: %w", err)
	}
	return preds, nil
}

// UnitStats summarizes the testing folds of one unit across a run.
type UnitStats struct {
	DomainOS    string  `db:"domain_os" json:"domain_os"`
	Folds       int     `db:"folds" json:"folds"`
	AvgAccuracy float64 `db:"avg_accuracy" json:"avg_accuracy"`
	AvgFMeasure float64 `db:"avg_f_measure" json:"avg_f_measure"`
	AvgAUC      float64 `db:"avg_auc" json:"avg_auc"`
}

// Stats averages the testing evaluations of a run per unit.
func (s *Store) Stats(ctx context.Context, runID string) ([]UnitStats, error) {
	var stats []UnitStats
	query := `
		SELECT
			domain_os,
			COUNT(*) AS folds,
			AVG(accuracy) AS avg_accuracy,
			AVG(f_measure) AS avg_f_measure,
			AVG(auc) AS avg_auc
		FROM fold_evaluations
		WHERE run_id = $1 AND phase = $2
		GROUP BY domain_os
		ORDER BY domain_os`
	if err := s.db.SelectContext(ctx, &stats, query, runID, PhaseTesting); err != nil {
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func batches(preds []flow.Prediction, size int) [][]flow.Prediction {
	var out [][]flow.Prediction
	for i := 0; i < len(preds); i += size {
		end := i + size
		if end > len(preds) {
			end = len(preds)
		}
		out = append(out, preds[i:end])
	}
	return out
}

// maskDatabaseURL masks the password of a database URL for logging.
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	start := strings.Index(userPart, "://") + 3
	colon := strings.LastIndex(userPart, ":")
	if colon < start {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
