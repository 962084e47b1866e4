package dpi

import (
	"strings"
	"unicode/utf8"
)

// Naive scans the payload once per pattern.
type Naive struct {
	patterns []string
}

// NewNaive returns an uninitialised naive searcher.
func NewNaive() *Naive {
	return &Naive{}
}

// Init replaces the pattern set.
func (n *Naive) Init(patterns []string) {
	n.patterns = dedupe(patterns)
}

// Search decodes buf[:size] once and reports every non-overlapping
// occurrence of each pattern.
func (n *Naive) Search(buf []byte, size int) ([]Match, error) {
	data, err := window(buf, size)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	text := string(data)

	var matches []Match
	for _, p := range n.patterns {
		pos, chars := 0, 0
		for {
			i := strings.Index(text[pos:], p)
			if i < 0 {
				break
			}
			end := pos + i + len(p)
			chars += utf8.RuneCountInString(text[pos:end])
			matches = append(matches, Match{Pattern: p, End: chars})
			pos = end
		}
	}
	return matches, nil
}
