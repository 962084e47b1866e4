package flow

import (
	"fmt"
	"sort"
	"time"
)

// Label values used across the pipeline.
const (
	Negative = 0
	Positive = 1
)

// Supported label keys in capture files.
const (
	LabelKeyAd    = "ad"
	LabelKeyLabel = "label"
)

// Record is one captured network request. Records are immutable once loaded.
type Record struct {
	ID          string            `json:"-"`
	Label       int               `json:"-"`
	Domain      string            `json:"domain"`
	Host        string            `json:"host"`
	PackageName string            `json:"package_name"`
	Platform    string            `json:"platform"`
	URI         string            `json:"uri"`
	Headers     map[string]string `json:"headers,omitempty"`
	PIITypes    []string          `json:"pii_types"`
	DstIP       string            `json:"dst_ip,omitempty"`
	DstPort     int               `json:"dst_port,omitempty"`
}

// Records is a keyed collection of records belonging to one classifier unit.
type Records map[string]*Record

// IDs returns the record identifiers in lexical order.
func (r Records) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sorted returns the records ordered by identifier.
func (r Records) Sorted() []*Record {
	ids := r.IDs()
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, r[id])
	}
	return out
}

// Subset returns the records whose identifiers are listed, in the listed order.
func (r Records) Subset(ids []string) []*Record {
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Count scans the records and returns the observed label counts.
func (r Records) Count() LabelCounts {
	var c LabelCounts
	for _, rec := range r {
		if rec.Label == Positive {
			c.Positive++
		} else {
			c.Negative++
		}
	}
	return c
}

// LabelCounts holds declared or observed class sizes for one unit.
type LabelCounts struct {
	Positive int `json:"num_positive"`
	Negative int `json:"num_negative"`
}

// Total returns Positive + Negative.
func (c LabelCounts) Total() int {
	return c.Positive + c.Negative
}

// GroupInfo is one entry of the dataset index.
type GroupInfo struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Platform    string `json:"platform"`
	NumSamples  int    `json:"num_samples"`
	NumPositive int    `json:"num_positive"`
}

// Counts derives the declared label counts from the index entry.
func (g GroupInfo) Counts() LabelCounts {
	return LabelCounts{Positive: g.NumPositive, Negative: g.NumSamples - g.NumPositive}
}

// DomainOS returns the classifier unit name for this group.
func (g GroupInfo) DomainOS() string {
	return UnitName(g.Value, g.Platform)
}

// UnitName joins a split value and platform into a classifier unit name.
func UnitName(value, platform string) string {
	return fmt.Sprintf("%s_%s", value, platform)
}

// Index maps group file keys to their metadata.
type Index map[string]GroupInfo

// Keys returns the index keys in lexical order.
func (idx Index) Keys() []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prediction is a per-record classification written back after evaluation.
type Prediction struct {
	RunID     string    `json:"run_id" db:"run_id"`
	DomainOS  string    `json:"domain_os" db:"domain_os"`
	RecordID  string    `json:"record_id" db:"record_id"`
	Bin       string    `json:"bin" db:"bin"`
	Actual    int       `json:"actual" db:"actual"`
	Predicted int       `json:"predicted" db:"predicted"`
	Score     float64   `json:"score" db:"score"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
