package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raaihank/ad-sentinel/internal/dpi"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/tokenizer"
	"github.com/raaihank/ad-sentinel/internal/vocabulary"
)

// ErrSchemaMismatch is returned when a schema and the model or vector it is
// paired with disagree.
var ErrSchemaMismatch = errors.New("feature schema mismatch")

// ClassColumn names the label column.
const ClassColumn = "class=label"

// Schema fixes the column layout of one classifier unit: vocabulary
// columns, then auxiliary columns, then the label.
type Schema struct {
	Name       string
	Variant    string
	Vocabulary *vocabulary.Vocabulary
	Attributes []Attribute

	offsets []int
	width   int
}

// NewSchema assembles a schema and precomputes its column offsets.
func NewSchema(name, variant string, vocab *vocabulary.Vocabulary, attrs []Attribute) (*Schema, error) {
	if vocab == nil {
		vocab, _ = vocabulary.New(nil)
	}
	s := &Schema{Name: name, Variant: variant, Vocabulary: vocab, Attributes: attrs}
	for i := range s.Attributes {
		if err := s.Attributes[i].validate(); err != nil {
			return nil, err
		}
		s.Attributes[i].index()
	}
	s.layout()
	return s, nil
}

// BuildSchema derives a schema for a unit from its training records only.
func BuildSchema(name string, variant Variant, records []*flow.Record, builder *vocabulary.Builder) (*Schema, vocabulary.Diagnostics, error) {
	var (
		vocab *vocabulary.Vocabulary
		diag  vocabulary.Diagnostics
	)
	if variant.Extract != nil {
		res := builder.Build(records, variant.Extract)
		vocab, diag = res.Vocabulary, res.Diagnostics
	}

	attrs := make([]Attribute, 0, len(variant.Aux))
	for _, spec := range variant.Aux {
		var categories []string
		if spec.Kind != KindNumeric {
			categories = collectCategories(spec.Field, records)
		}
		attrs = append(attrs, newAttribute(spec, categories))
	}

	s, err := NewSchema(name, variant.Name, vocab, attrs)
	return s, diag, err
}

func (s *Schema) layout() {
	s.offsets = make([]int, len(s.Attributes))
	col := s.Vocabulary.Len()
	for i := range s.Attributes {
		s.offsets[i] = col
		col += s.Attributes[i].Width()
	}
	s.width = col + 1
}

// Width returns vocabulary size + auxiliary columns + 1.
func (s *Schema) Width() int {
	return s.width
}

// LabelColumn returns the index of the label column, always the last.
func (s *Schema) LabelColumn() int {
	return s.width - 1
}

// Columns returns the column names in order.
func (s *Schema) Columns() []string {
	cols := make([]string, 0, s.width)
	cols = append(cols, s.Vocabulary.Terms()...)
	for i := range s.Attributes {
		cols = append(cols, s.Attributes[i].Columns()...)
	}
	return append(cols, ClassColumn)
}

// Fingerprint identifies the exact column layout.
func (s *Schema) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(s.Variant))
	h.Write([]byte{0})
	h.Write([]byte(s.Vocabulary.Fingerprint()))
	for _, a := range s.Attributes {
		data, _ := json.Marshal(a)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Check verifies that a vector or model of the given width belongs to s.
func (s *Schema) Check(width int) error {
	if width != s.width {
		return fmt.Errorf("%w: %s has width %d, got %d", ErrSchemaMismatch, s.Name, s.width, width)
	}
	return nil
}

// VectorizeRecord builds the training vector of rec: each vocabulary column
// holds the term's token count in the record's own text.
func (s *Schema) VectorizeRecord(rec *flow.Record, extract TextExtractor) []float64 {
	v := make([]float64, s.width)
	if extract != nil && s.Vocabulary.Len() > 0 {
		freqs := tokenizer.Tokenize(extract(rec))
		for _, word := range freqs.Order {
			if idx, ok := s.Vocabulary.Index(word); ok {
				v[idx] = float64(freqs.Counts[word])
			}
		}
	}
	s.finish(v, rec)
	return v
}

// VectorizeMatches builds the prediction vector from search matches: each
// match of a vocabulary term increments its column. Matches for patterns
// outside the vocabulary are ignored. rec supplies auxiliary values and the
// label; it may be nil.
func (s *Schema) VectorizeMatches(matches []dpi.Match, rec *flow.Record) []float64 {
	v := make([]float64, s.width)
	for _, m := range matches {
		if idx, ok := s.Vocabulary.Index(m.Pattern); ok {
			v[idx]++
		}
	}
	s.finish(v, rec)
	return v
}

func (s *Schema) finish(v []float64, rec *flow.Record) {
	for i := range s.Attributes {
		a := &s.Attributes[i]
		a.encode(v[s.offsets[i]:s.offsets[i]+a.Width()], rec)
	}
	if rec != nil && rec.Label == flow.Positive {
		v[s.width-1] = 1
	}
}

type schemaJSON struct {
	Name        string                 `json:"name"`
	Variant     string                 `json:"variant"`
	Vocabulary  *vocabulary.Vocabulary `json:"vocabulary"`
	Attributes  []Attribute            `json:"attributes"`
	Width       int                    `json:"width"`
	Fingerprint string                 `json:"fingerprint"`
}

// MarshalJSON persists the schema with its width and fingerprint.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(schemaJSON{
		Name:        s.Name,
		Variant:     s.Variant,
		Vocabulary:  s.Vocabulary,
		Attributes:  s.Attributes,
		Width:       s.width,
		Fingerprint: s.Fingerprint(),
	})
}

// UnmarshalJSON restores a schema and verifies its width and fingerprint.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw schemaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewSchema(raw.Name, raw.Variant, raw.Vocabulary, raw.Attributes)
	if err != nil {
		return err
	}
	if raw.Width != 0 && raw.Width != built.width {
		return fmt.Errorf("%w: stored width %d, computed %d", ErrSchemaMismatch, raw.Width, built.width)
	}
	if raw.Fingerprint != "" && raw.Fingerprint != built.Fingerprint() {
		return fmt.Errorf("%w: fingerprint changed for %s", ErrSchemaMismatch, raw.Name)
	}
	*s = *built
	return nil
}
