package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/dpi"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/vocabulary"
	"go.uber.org/zap"
)

// fakeBackend predicts positive whenever any vocabulary or auxiliary column
// is set, and remembers which records and terms each model was fit on.
type fakeBackend struct {
	mu      sync.Mutex
	trained map[string]map[string]bool
	terms   map[string][]string
}

type fakeModel struct {
	name  string
	width int
}

func (m *fakeModel) Name() string { return m.name }
func (m *fakeModel) Width() int   { return m.width }

func (m *fakeModel) Classify(ctx context.Context, row []float64) (int, float64, error) {
	for _, v := range row[:len(row)-1] {
		if v > 0 {
			return 1, 1, nil
		}
	}
	return 0, 0, nil
}

func (b *fakeBackend) Fit(ctx context.Context, name string, m *features.Matrix) (classifier.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trained == nil {
		b.trained = make(map[string]map[string]bool)
		b.terms = make(map[string][]string)
	}
	ids := make(map[string]bool, m.Len())
	for _, id := range m.IDs {
		ids[id] = true
	}
	b.trained[name] = ids
	b.terms[name] = m.Schema.Vocabulary.Terms()
	return &fakeModel{name: name, width: m.Schema.Width()}, nil
}

func (b *fakeBackend) Evaluate(ctx context.Context, model classifier.Model, m *features.Matrix) (*classifier.Evaluation, []classifier.Prediction, error) {
	if err := m.Schema.Check(model.Width()); err != nil {
		return nil, nil, err
	}
	preds := make([]classifier.Prediction, m.Len())
	for i, row := range m.Rows {
		label, score, _ := model.Classify(ctx, row)
		preds[i] = classifier.Prediction{RecordID: m.IDs[i], Actual: m.Label(i), Predicted: label, Score: score}
	}
	return classifier.Summarize(model.Name(), preds), preds, nil
}

func (b *fakeBackend) Load(ctx context.Context, schema *features.Schema) (classifier.Model, error) {
	return &fakeModel{name: schema.Name, width: schema.Width()}, nil
}

type memorySink struct {
	mu     sync.Mutex
	units  map[string]*UnitReport
	rows   map[string][]ResultRow
	report *Report
}

func (s *memorySink) WriteUnit(ctx context.Context, unit *UnitReport, rows []ResultRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.units == nil {
		s.units = map[string]*UnitReport{}
		s.rows = map[string][]ResultRow{}
	}
	u := *unit
	s.units[unit.DomainOS] = &u
	s.rows[unit.DomainOS] = rows
	return nil
}

func (s *memorySink) WriteReport(ctx context.Context, report *Report) error {
	s.report = report
	return nil
}

func group(value string, pos, neg int) flow.Records {
	records := flow.Records{}
	for i := 0; i < pos; i++ {
		id := fmt.Sprintf("%s-p%02d", value, i)
		records[id] = &flow.Record{
			ID: id, Label: flow.Positive, Domain: value, Host: "ad." + value, Platform: "android",
			URI: fmt.Sprintf("/adserver/banner?slot=%d", i),
		}
	}
	for i := 0; i < neg; i++ {
		id := fmt.Sprintf("%s-n%02d", value, i)
		records[id] = &flow.Record{
			ID: id, Label: flow.Negative, Domain: value, Host: "www." + value, Platform: "android",
			URI: fmt.Sprintf("/%d", i),
		}
	}
	return records
}

// testGroup is one index entry; a nil records skips writing its file.
type testGroup struct {
	info    flow.GroupInfo
	records flow.Records
}

func indexed(value string, pos, neg int) testGroup {
	key := value + "_android"
	return testGroup{
		info:    flow.GroupInfo{Key: key, Value: value, Platform: "android", NumSamples: pos + neg, NumPositive: pos},
		records: group(value, pos, neg),
	}
}

func writeDataset(t *testing.T) *flow.Dataset {
	t.Helper()
	missing := indexed("missing.com", 12, 12)
	missing.records = nil
	return writeGroups(t, indexed("ads.com", 15, 12), indexed("tiny.com", 3, 20), missing)
}

func writeGroups(t *testing.T, groups ...testGroup) *flow.Dataset {
	t.Helper()
	dir := t.TempDir()
	codec, _ := flow.NewCodec(flow.LabelKeyAd)

	idx := flow.Index{}
	for _, g := range groups {
		idx[g.info.Key] = g.info
		if g.records == nil {
			continue
		}
		f, err := os.Create(filepath.Join(dir, g.info.Key+".json"))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		err = codec.EncodeGroup(f, g.records)
		f.Close()
		if err != nil {
			t.Fatalf("EncodeGroup failed: %v", err)
		}
	}

	f, err := os.Create(filepath.Join(dir, "index_dat.json"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := flow.EncodeIndex(f, idx, "domain"); err != nil {
		t.Fatalf("EncodeIndex failed: %v", err)
	}
	f.Close()

	ds, err := flow.OpenDataset(dir, "index_dat.json", "domain", flow.LabelKeyAd)
	if err != nil {
		t.Fatalf("OpenDataset failed: %v", err)
	}
	return ds
}

func testOptions(t *testing.T) Options {
	variant, _ := features.LookupVariant("url")
	return Options{
		Variant:         variant,
		Search:          "automaton",
		CrossValidation: true,
		FinalBuild:      true,
		MinSamples:      10,
		Seed:            42,
		Workers:         2,
		ModelDir:        t.TempDir(),
	}
}

func TestRun(t *testing.T) {
	ds := writeDataset(t)
	opts := testOptions(t)
	backend := &fakeBackend{}
	sink := &memorySink{}

	exp := New(opts, vocabulary.NewBuilder(zap.NewNop()), backend, zap.NewNop())
	exp.AddSink(sink)

	report, err := exp.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.RunID == "" || sink.report != report {
		t.Error("Report not delivered to sink")
	}

	status := map[string]Status{}
	for _, u := range report.Units {
		status[u.DomainOS] = u.Status
	}
	want := map[string]Status{
		"ads.com_android":     StatusCompleted,
		"tiny.com_android":    StatusSkipped,
		"missing.com_android": StatusFailed,
	}
	for unit, s := range want {
		if status[unit] != s {
			t.Errorf("%s: status %s, want %s", unit, status[unit], s)
		}
	}
	if _, ok := sink.units["tiny.com_android"]; ok {
		t.Error("Skipped units should not reach the sinks")
	}

	unit := sink.units["ads.com_android"]
	t.Run("Folds", func(t *testing.T) {
		if len(unit.Folds) != 5 {
			t.Fatalf("Expected 5 folds, got %d", len(unit.Folds))
		}
		for i, f := range unit.Folds {
			name := fmt.Sprintf("ads.com_android_s%d", i)
			if f.Name != name || f.Training.Name != "training-"+name || f.Testing.Name != "testing-"+name {
				t.Errorf("Fold %d misnamed: %s / %s / %s", i, f.Name, f.Training.Name, f.Testing.Name)
			}
			if f.TrainSize+f.TestSize != 27 {
				t.Errorf("Fold %d covers %d records", i, f.TrainSize+f.TestSize)
			}
		}
	})

	t.Run("HeldOutPredictions", func(t *testing.T) {
		rows := sink.rows["ads.com_android"]
		seen := map[string]int{}
		for _, r := range rows {
			seen[r.Prediction.RecordID]++
			if backend.trained[r.Prediction.Bin][r.Prediction.RecordID] {
				t.Errorf("Record %s was in the training set of its own fold %s", r.Prediction.RecordID, r.Prediction.Bin)
			}
			if r.Record == nil || r.Record.ID != r.Prediction.RecordID {
				t.Errorf("Row for %s lacks its record", r.Prediction.RecordID)
			}
		}
		if len(seen) != 27 {
			t.Errorf("Expected predictions for 27 records, got %d", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("Record %s predicted %d times", id, n)
			}
		}
	})

	t.Run("FinalBuild", func(t *testing.T) {
		if unit.Final == nil || unit.Final.Instances != 27 {
			t.Fatalf("Unexpected final report: %+v", unit.Final)
		}
		if len(backend.trained["ads.com_android"]) != 27 {
			t.Error("Final model should be fit on every record")
		}
		f, err := os.Open(SchemaPath(opts.ModelDir, "ads.com_android"))
		if err != nil {
			t.Fatalf("Schema not persisted: %v", err)
		}
		defer f.Close()
		var schema features.Schema
		if err := jsonDecode(f, &schema); err != nil {
			t.Fatalf("Persisted schema unreadable: %v", err)
		}
		if schema.Fingerprint() != unit.Final.Fingerprint {
			t.Error("Persisted schema fingerprint differs from report")
		}
	})
}

func TestRunFoldVocabularyExcludesTestBin(t *testing.T) {
	ads := indexed("ads.com", 15, 12)
	const term = "quuxleak"
	leaky := ads.records["ads.com-n00"]
	leaky.URI = "/0?a=" + term + "&b=" + term
	ds := writeGroups(t, ads)

	opts := testOptions(t)
	opts.FinalBuild = false
	backend := &fakeBackend{}
	sink := &memorySink{}
	exp := New(opts, vocabulary.NewBuilder(zap.NewNop()), backend, zap.NewNop())
	exp.AddSink(sink)
	if _, err := exp.Run(context.Background(), ds); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var testBin string
	for _, r := range sink.rows["ads.com_android"] {
		if r.Prediction.RecordID == leaky.ID {
			testBin = r.Prediction.Bin
		}
	}
	if testBin == "" {
		t.Fatalf("No held-out prediction for %s", leaky.ID)
	}

	has := func(terms []string) bool {
		for _, w := range terms {
			if w == term {
				return true
			}
		}
		return false
	}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("ads.com_android_s%d", i)
		if name == testBin {
			if has(backend.terms[name]) {
				t.Errorf("%s indexed %q although its only record was held out", name, term)
			}
			continue
		}
		if !has(backend.terms[name]) {
			t.Errorf("%s should index %q from its training bins", name, term)
		}
	}
}

func TestRunUnitFailuresAreIsolated(t *testing.T) {
	liar := indexed("liar.com", 12, 12)
	liar.info.NumPositive = 14
	ds := writeGroups(t, indexed("ads.com", 15, 12), liar)

	opts := testOptions(t)
	opts.Search = dpi.EngineNaive
	exp := New(opts, vocabulary.NewBuilder(zap.NewNop()), &fakeBackend{}, zap.NewNop())
	report, err := exp.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	status := map[string]*UnitReport{}
	for i := range report.Units {
		status[report.Units[i].DomainOS] = &report.Units[i]
	}
	if u := status["liar.com_android"]; u == nil || u.Status != StatusFailed || u.Error == "" {
		t.Errorf("Unit with mismatched counts should fail, got %+v", u)
	}
	if u := status["ads.com_android"]; u == nil || u.Status != StatusCompleted {
		t.Errorf("Healthy unit should complete next to a failing one, got %+v", u)
	}

	t.Run("UndecodableTestRecord", func(t *testing.T) {
		records, err := ds.Load("ads.com_android")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		bad := &flow.Record{ID: "bad", Label: flow.Positive, Domain: "ads.com", Host: "ad.ads.com", Platform: "android", URI: "/adserver/\xff"}
		_, _, err = exp.runFold(context.Background(), "ads.com_android_s0", records.Sorted(), []*flow.Record{bad})
		if !errors.Is(err, dpi.ErrInvalidUTF8) {
			t.Errorf("Expected ErrInvalidUTF8, got %v", err)
		}
	})
}

func TestFoldBackend(t *testing.T) {
	ds := writeDataset(t)
	final, folds := &fakeBackend{}, &fakeBackend{}
	exp := New(testOptions(t), vocabulary.NewBuilder(zap.NewNop()), final, zap.NewNop())
	exp.SetFoldBackend(folds)
	if _, err := exp.Run(context.Background(), ds); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(folds.trained) != 5 {
		t.Errorf("Expected 5 fold fits, got %d", len(folds.trained))
	}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("ads.com_android_s%d", i)
		if _, ok := folds.trained[name]; !ok {
			t.Errorf("%s was not fit on the fold backend", name)
		}
		if _, ok := final.trained[name]; ok {
			t.Errorf("%s leaked into the final model backend", name)
		}
	}
	if len(final.trained) != 1 || final.trained["ads.com_android"] == nil {
		t.Errorf("Final backend should only hold ads.com_android, got %d models", len(final.trained))
	}

	t.Run("Config", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Classifier.Backend = "weka"
		cfg.Classifier.ModelDir = "experiments/models"
		cfg.Experiment.OutputDir = "experiments"

		got := FoldClassifierConfig(cfg)
		if got.ModelDir != filepath.Join("experiments", "folds") {
			t.Errorf("Fold model dir = %s", got.ModelDir)
		}
		if got.Backend != "weka" || cfg.Classifier.ModelDir != "experiments/models" {
			t.Error("Fold config should copy the backend and leave the final model dir alone")
		}
	})
}

func TestRunDeterministic(t *testing.T) {
	ds := writeDataset(t)
	bins := func() map[string]string {
		sink := &memorySink{}
		opts := testOptions(t)
		opts.FinalBuild = false
		exp := New(opts, vocabulary.NewBuilder(zap.NewNop()), &fakeBackend{}, zap.NewNop())
		exp.AddSink(sink)
		if _, err := exp.Run(context.Background(), ds); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		out := map[string]string{}
		for _, r := range sink.rows["ads.com_android"] {
			out[r.Prediction.RecordID] = r.Prediction.Bin
		}
		return out
	}

	a, b := bins(), bins()
	for id, bin := range a {
		if b[id] != bin {
			t.Errorf("Record %s moved from %s to %s across runs with the same seed", id, bin, b[id])
		}
	}
}

func TestRunCanceled(t *testing.T) {
	ds := writeDataset(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exp := New(testOptions(t), vocabulary.NewBuilder(zap.NewNop()), &fakeBackend{}, zap.NewNop())
	report, err := exp.Run(ctx, ds)
	if err == nil {
		t.Fatal("Expected context error")
	}
	if report.Count(StatusCompleted) != 0 {
		t.Error("No unit should complete after cancellation")
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	codec, _ := flow.NewCodec(flow.LabelKeyAd)
	sink := NewFileSink(dir, codec, zap.NewNop())

	rec := &flow.Record{ID: "r1", Label: flow.Positive, Host: "ad.x.com", URI: "/ad"}
	unit := &UnitReport{
		RunID:    "run",
		DomainOS: "x.com_android",
		Folds: []FoldReport{{
			Name:     "x.com_android_s0",
			Training: &classifier.Evaluation{Name: "training-x.com_android_s0"},
			Testing:  &classifier.Evaluation{Name: "testing-x.com_android_s0"},
		}},
		Final: &FinalReport{Instances: 1},
	}
	rows := []ResultRow{{Record: rec, Prediction: flow.Prediction{RecordID: "r1", Bin: "x.com_android_s0", Predicted: 1}}}

	if err := sink.WriteUnit(context.Background(), unit, rows); err != nil {
		t.Fatalf("WriteUnit failed: %v", err)
	}
	if err := sink.WriteReport(context.Background(), &Report{RunID: "run"}); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	for _, pattern := range []string{
		"logs/*x.com_android_eval.json",
		"logs/*x.com_android_full_build.json",
		"results/x.com_android.json",
		"reports/run.json",
	} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		if len(matches) != 1 {
			t.Errorf("Expected one file for %s, got %v", pattern, matches)
		}
	}

	var results map[string]map[string]interface{}
	f, err := os.Open(filepath.Join(dir, "results", "x.com_android.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	if err := jsonDecode(f, &results); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	entry := results["r1"]
	if entry["ad"] != float64(1) || entry["predicted"] != float64(1) || entry["bin"] != "x.com_android_s0" || entry["uri"] != "/ad" {
		t.Errorf("Unexpected result entry: %v", entry)
	}
}

func jsonDecode(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
