package etl

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/ad-sentinel/internal/config"
)

// Config contains ETL pipeline configuration
type Config struct {
	SplitKey     string   // domain or package_name
	LabelKey     string   // ad or label
	Platform     string   // assigned to records without one
	GeneralGroup string   // split value of the per-platform catch-all group
	IndexFile    string   // index written next to the groups
	ExcludeCIDRs []string // records whose dst_ip falls inside are dropped
	Workers      int      // input files read in parallel
}

// ConfigFromData derives the pipeline configuration from the data section
func ConfigFromData(data config.DataConfig, workers int) Config {
	return Config{
		SplitKey:     data.SplitKey,
		LabelKey:     data.LabelKey,
		Platform:     data.Platform,
		GeneralGroup: data.GeneralGroup,
		IndexFile:    data.IndexFile,
		ExcludeCIDRs: data.ExcludeCIDRs,
		Workers:      workers,
	}
}

// ProcessingResult represents the result of preparing a dataset
type ProcessingResult struct {
	Files      int           `json:"files"`
	Records    int64         `json:"records"`
	Kept       int64         `json:"kept"`
	Invalid    int64         `json:"invalid"`
	Excluded   int64         `json:"excluded"`
	Duplicates int64         `json:"duplicates"`
	Filled     int64         `json:"domains_filled"`
	Groups     int           `json:"groups"`
	Positive   int64         `json:"positive"`
	Duration   time.Duration `json:"duration"`
	Errors     []string      `json:"errors,omitempty"`
}

// parquetRow is the columnar form of a capture. Headers are stored as a
// JSON object string and PII types as a comma separated list.
type parquetRow struct {
	ID          string `parquet:"id"`
	Label       int    `parquet:"label"`
	Domain      string `parquet:"domain"`
	Host        string `parquet:"host"`
	PackageName string `parquet:"package_name"`
	Platform    string `parquet:"platform"`
	URI         string `parquet:"uri"`
	Headers     string `parquet:"headers"`
	PIITypes    string `parquet:"pii_types"`
	DstIP       string `parquet:"dst_ip"`
	DstPort     int    `parquet:"dst_port"`
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatJSON    FileFormat = "json"    // object of id -> record
	FormatJSONL   FileFormat = "jsonl"   // one record per line, id under "id"
	FormatParquet FileFormat = "parquet" // parquetRow columns
	FormatUnknown FileFormat = ""
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".parquet":
		return FormatParquet
	default:
		return FormatUnknown
	}
}
