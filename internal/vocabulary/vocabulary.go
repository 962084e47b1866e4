package vocabulary

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Vocabulary maps accepted terms to dense, zero-based column indices.
// It is read-only once built and safe for concurrent use.
type Vocabulary struct {
	terms []string
	index map[string]int
}

// New builds a vocabulary from an ordered term list. Duplicates are rejected.
func New(terms []string) (*Vocabulary, error) {
	v := &Vocabulary{
		terms: make([]string, 0, len(terms)),
		index: make(map[string]int, len(terms)),
	}
	for _, term := range terms {
		if _, dup := v.index[term]; dup {
			return nil, fmt.Errorf("duplicate vocabulary term %q", term)
		}
		v.index[term] = len(v.terms)
		v.terms = append(v.terms, term)
	}
	return v, nil
}

// Index returns the column of term.
func (v *Vocabulary) Index(term string) (int, bool) {
	i, ok := v.index[term]
	return i, ok
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int {
	return len(v.terms)
}

// Terms returns the terms in index order. The slice must not be modified.
func (v *Vocabulary) Terms() []string {
	return v.terms
}

// Fingerprint identifies the exact ordered term list.
func (v *Vocabulary) Fingerprint() string {
	h := sha256.New()
	for _, term := range v.terms {
		h.Write([]byte(term))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON encodes the vocabulary as its ordered term list.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.terms)
}

// UnmarshalJSON decodes an ordered term list.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var terms []string
	if err := json.Unmarshal(data, &terms); err != nil {
		return err
	}
	built, err := New(terms)
	if err != nil {
		return err
	}
	*v = *built
	return nil
}

// TermTable accumulates raw token frequencies in first-encounter order.
// It is never threshold-filtered, so vocabularies for other thresholds can
// be derived from the same table.
type TermTable struct {
	order []string
	freq  map[string]int
}

// NewTermTable returns an empty table.
func NewTermTable() *TermTable {
	return &TermTable{freq: make(map[string]int)}
}

// Add adds count occurrences of term.
func (t *TermTable) Add(term string, count int) {
	if _, ok := t.freq[term]; !ok {
		t.order = append(t.order, term)
	}
	t.freq[term] += count
}

// Frequency returns the accumulated count of term.
func (t *TermTable) Frequency(term string) int {
	return t.freq[term]
}

// Len returns the number of distinct terms.
func (t *TermTable) Len() int {
	return len(t.order)
}

// Vocabulary indexes, in encounter order, every term whose frequency is at
// least theta.
func (t *TermTable) Vocabulary(theta int) *Vocabulary {
	v := &Vocabulary{index: make(map[string]int)}
	for _, term := range t.order {
		if t.freq[term] >= theta {
			v.index[term] = len(v.terms)
			v.terms = append(v.terms, term)
		}
	}
	return v
}
