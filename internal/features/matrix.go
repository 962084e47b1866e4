package features

import (
	"context"
	"fmt"

	"github.com/raaihank/ad-sentinel/internal/dpi"
	"github.com/raaihank/ad-sentinel/internal/flow"
)

// Matrix is a set of vectors sharing one schema. Rows[i] belongs to IDs[i].
type Matrix struct {
	Schema *Schema
	IDs    []string
	Rows   [][]float64
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	return len(m.Rows)
}

// Label returns the label of row i.
func (m *Matrix) Label(i int) int {
	return int(m.Rows[i][m.Schema.LabelColumn()])
}

// Counts returns the label counts of the matrix.
func (m *Matrix) Counts() flow.LabelCounts {
	var c flow.LabelCounts
	for i := range m.Rows {
		if m.Label(i) == flow.Positive {
			c.Positive++
		} else {
			c.Negative++
		}
	}
	return c
}

// TrainingMatrix vectorizes records on the frequency path.
func TrainingMatrix(schema *Schema, variant Variant, records []*flow.Record) *Matrix {
	m := &Matrix{
		Schema: schema,
		IDs:    make([]string, 0, len(records)),
		Rows:   make([][]float64, 0, len(records)),
	}
	for _, rec := range records {
		m.IDs = append(m.IDs, rec.ID)
		m.Rows = append(m.Rows, schema.VectorizeRecord(rec, variant.Extract))
	}
	return m
}

// Vectorizer vectorizes records on the search path: the variant's text is
// searched for the schema's vocabulary terms.
type Vectorizer struct {
	Schema   *Schema
	Variant  Variant
	searcher dpi.Searcher
}

// NewVectorizer initialises a searcher of the named engine with the
// schema's terms.
func NewVectorizer(schema *Schema, variant Variant, engine string) (*Vectorizer, error) {
	if schema.Variant != variant.Name {
		return nil, fmt.Errorf("%w: schema built for %s, variant is %s", ErrSchemaMismatch, schema.Variant, variant.Name)
	}
	searcher, err := dpi.New(engine)
	if err != nil {
		return nil, err
	}
	searcher.Init(schema.Vocabulary.Terms())
	return &Vectorizer{Schema: schema, Variant: variant, searcher: searcher}, nil
}

// Vectorize searches rec's text and returns its vector with the matches.
func (v *Vectorizer) Vectorize(rec *flow.Record) ([]float64, []dpi.Match, error) {
	var matches []dpi.Match
	if v.Variant.Extract != nil {
		text := []byte(v.Variant.Extract(rec))
		var err error
		matches, err = v.searcher.Search(text, len(text))
		if err != nil {
			return nil, nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
	}
	return v.Schema.VectorizeMatches(matches, rec), matches, nil
}

// Matrix vectorizes records on the search path. Any decoding failure aborts
// the whole matrix.
func (v *Vectorizer) Matrix(ctx context.Context, records []*flow.Record) (*Matrix, error) {
	m := &Matrix{
		Schema: v.Schema,
		IDs:    make([]string, 0, len(records)),
		Rows:   make([][]float64, 0, len(records)),
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, _, err := v.Vectorize(rec)
		if err != nil {
			return nil, err
		}
		m.IDs = append(m.IDs, rec.ID)
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}
