package etl

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func writeParquet(t *testing.T, path string, rows ...parquetRow) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	w := parquet.NewWriter(f, parquet.SchemaOf(new(parquetRow)))
	for i := range rows {
		if err := w.Write(rows[i]); err != nil {
			t.Fatalf("parquet Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("parquet Close failed: %v", err)
	}
}

func TestDetectFileFormat(t *testing.T) {
	tests := map[string]FileFormat{
		"a.json":        FormatJSON,
		"a.JSONL":       FormatJSONL,
		"a.ndjson":      FormatJSONL,
		"dir/x.parquet": FormatParquet,
		"notes.txt":     FormatUnknown,
		"no_extension":  FormatUnknown,
	}
	for name, want := range tests {
		if got := DetectFileFormat(name); got != want {
			t.Errorf("DetectFileFormat(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestRegistrableDomain(t *testing.T) {
	tests := map[string]string{
		"cdn.ads.example.co.uk": "example.co.uk",
		"img.news.com:443":      "news.com",
		"Tracker.IO.":           "tracker.io",
		"10.1.2.3":              "10.1.2.3",
		"localhost":             "localhost",
	}
	for host, want := range tests {
		if got := registrableDomain(host); got != want {
			t.Errorf("registrableDomain(%q) = %q, want %q", host, got, want)
		}
	}
}

func TestPipeline(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()

	writeFile(t, filepath.Join(raw, "a.json"), `{
		"r1": {"host": "cdn.ads.example.co.uk", "uri": "/ad", "ad": 1},
		"r2": {"domain": "news.com", "host": "news.com", "uri": "/", "ad": 0},
		"r3": {"host": "x.com", "uri": "/", "ad": 5}
	}`)
	writeFile(t, filepath.Join(raw, "b.jsonl"),
		`{"id": "r4", "host": "img.news.com:443", "uri": "/i", "platform": "ios", "ad": 0}`+"\n"+
			`{"id": "r1", "host": "other.com", "uri": "/dup", "ad": 0}`+"\n"+
			`{bad`+"\n"+
			"\n"+
			`{"host": "10.1.2.3", "uri": "/x", "dst_ip": "10.1.2.3", "ad": 1}`+"\n")
	if err := os.Mkdir(filepath.Join(raw, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeParquet(t, filepath.Join(raw, "nested", "c.parquet"), parquetRow{
		ID:       "r5",
		Label:    1,
		Host:     "t.tracker.io",
		URI:      "/p?id=1",
		Headers:  `{"User-Agent": "x"}`,
		PIITypes: "imei, email",
		DstIP:    "192.0.2.1",
		DstPort:  443,
	})
	writeFile(t, filepath.Join(raw, "notes.txt"), "ignored")

	cfg := ConfigFromData(config.GetDefaults().Data, 2)
	cfg.ExcludeCIDRs = []string{"10.0.0.0/8"}
	p, err := NewPipeline(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	res, err := p.Run(context.Background(), []string{raw}, out)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	t.Run("Counts", func(t *testing.T) {
		want := ProcessingResult{Files: 3, Records: 8, Kept: 4, Invalid: 2, Excluded: 1, Duplicates: 1, Filled: 3, Groups: 4, Positive: 2}
		got := *res
		got.Duration, got.Errors = 0, nil
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Result = %+v, want %+v", got, want)
		}
		if len(res.Errors) != 0 {
			t.Errorf("Unexpected file errors: %v", res.Errors)
		}
	})

	ds, err := flow.OpenDataset(out, cfg.IndexFile, cfg.SplitKey, cfg.LabelKey)
	if err != nil {
		t.Fatalf("OpenDataset failed: %v", err)
	}

	t.Run("Index", func(t *testing.T) {
		wantKeys := []string{
			"example.co.uk_android.json",
			"general_android.json",
			"general_ios.json",
			"news.com_android.json",
			"news.com_ios.json",
			"tracker.io_android.json",
		}
		if !reflect.DeepEqual(ds.Index.Keys(), wantKeys) {
			t.Fatalf("Index keys = %v", ds.Index.Keys())
		}
		general := ds.Index["general_android.json"]
		if general.DomainOS() != "general_android" || general.NumSamples != 3 || general.NumPositive != 2 {
			t.Errorf("Unexpected general entry: %+v", general)
		}
		if ios := ds.Index["news.com_ios.json"]; ios.NumSamples != 1 || ios.Platform != "ios" {
			t.Errorf("Unexpected ios entry: %+v", ios)
		}
	})

	t.Run("Groups", func(t *testing.T) {
		records, err := ds.Load("tracker.io_android")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		rec := records["r5"]
		if rec == nil || rec.Label != flow.Positive || rec.Domain != "tracker.io" || rec.Headers["User-Agent"] != "x" {
			t.Fatalf("Unexpected record: %+v", rec)
		}
		if !reflect.DeepEqual(rec.PIITypes, []string{"imei", "email"}) || rec.DstPort != 443 {
			t.Errorf("Unexpected aux fields: %+v", rec)
		}

		first, err := ds.Load("example.co.uk_android")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if r1 := first["r1"]; r1 == nil || r1.URI != "/ad" {
			t.Errorf("Duplicate id should keep the first file's record, got %+v", r1)
		}
	})
}

func TestNewPipelineErrors(t *testing.T) {
	base := ConfigFromData(config.GetDefaults().Data, 1)

	bad := base
	bad.SplitKey = "host"
	if _, err := NewPipeline(bad, zap.NewNop()); err == nil {
		t.Error("Expected error for unsupported split key")
	}

	bad = base
	bad.ExcludeCIDRs = []string{"not-a-cidr"}
	if _, err := NewPipeline(bad, zap.NewNop()); err == nil {
		t.Error("Expected error for invalid CIDR")
	}
}
