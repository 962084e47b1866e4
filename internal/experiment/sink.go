package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/raaihank/ad-sentinel/internal/artifact"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"go.uber.org/zap"
)

const timestampLayout = "2006_01_02_15_04_05"

// FileSink writes results under an experiments directory:
//
//	logs/<timestamp><unit>_eval.json        per-fold training/testing statistics
//	logs/<timestamp><unit>_full_build.json  final build statistics
//	results/<unit>.json                     test records with their predictions
//	reports/<run id>.json                   the run report
type FileSink struct {
	dir   string
	codec *flow.Codec
	now   func() time.Time

	logger *zap.Logger
}

// NewFileSink creates a sink rooted at dir. Records are written back with
// their label under the codec's key.
func NewFileSink(dir string, codec *flow.Codec, logger *zap.Logger) *FileSink {
	return &FileSink{dir: dir, codec: codec, now: time.Now, logger: logger}
}

// WriteUnit implements ResultSink.
func (s *FileSink) WriteUnit(ctx context.Context, unit *UnitReport, rows []ResultRow) error {
	ts := s.now().Format(timestampLayout)

	if len(unit.Folds) > 0 {
		evals := make(map[string]interface{}, 2*len(unit.Folds))
		for _, f := range unit.Folds {
			evals["training-"+f.Name] = f.Training
			evals["testing-"+f.Name] = f.Testing
		}
		if err := artifact.WriteJSON(s.path("logs", ts+unit.DomainOS+"_eval.json"), evals); err != nil {
			return err
		}

		results, err := s.results(rows)
		if err != nil {
			return err
		}
		if err := artifact.WriteJSON(s.path("results", unit.DomainOS+".json"), results); err != nil {
			return err
		}
	}

	if unit.Final != nil {
		if err := artifact.WriteJSON(s.path("logs", ts+unit.DomainOS+"_full_build.json"), unit.Final); err != nil {
			return err
		}
	}

	s.logger.Debug("Unit results written",
		zap.String("domain_os", unit.DomainOS),
		zap.Int("rows", len(rows)))
	return nil
}

// WriteReport implements ResultSink.
func (s *FileSink) WriteReport(ctx context.Context, report *Report) error {
	return artifact.WriteJSON(s.path("reports", report.RunID+".json"), report)
}

// results renders rows as id -> record, with the prediction and its bin
// added to each record.
func (s *FileSink) results(rows []ResultRow) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(rows))
	for _, row := range rows {
		entry := map[string]interface{}{}
		if row.Record != nil {
			data, err := s.codec.EncodeRecord(row.Record)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &entry); err != nil {
				return nil, fmt.Errorf("record %s: %w", row.Prediction.RecordID, err)
			}
		}
		entry["predicted"] = row.Prediction.Predicted
		entry["score"] = row.Prediction.Score
		entry["bin"] = row.Prediction.Bin
		out[row.Prediction.RecordID] = entry
	}
	return out, nil
}

func (s *FileSink) path(sub, name string) string {
	return filepath.Join(s.dir, sub, name)
}
