// Package dpi finds vocabulary terms inside raw request payloads.
package dpi

import (
	"errors"
	"fmt"
)

// ErrInvalidUTF8 is returned when a payload cannot be decoded as UTF-8.
var ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

// Engine names accepted by New.
const (
	EngineNaive     = "naive"
	EngineAutomaton = "automaton"
)

// Match is one occurrence of a pattern. End is the offset, in decoded
// characters, just past the occurrence.
type Match struct {
	Pattern string `json:"pattern"`
	End     int    `json:"end"`
}

// Searcher reports pattern occurrences in a payload.
//
// Matches are grouped by pattern in the order patterns were given to Init,
// and within a pattern they are non-overlapping and ordered left to right.
// Init must not run concurrently with Search; Search itself is safe for
// concurrent use.
type Searcher interface {
	Init(patterns []string)
	Search(buf []byte, size int) ([]Match, error)
}

// New returns a searcher for the named engine.
func New(engine string) (Searcher, error) {
	switch engine {
	case EngineNaive, "":
		return NewNaive(), nil
	case EngineAutomaton:
		return NewAutomaton(), nil
	default:
		return nil, fmt.Errorf("unknown search engine: %s", engine)
	}
}

// Patterns collects the distinct patterns of a match list in first-seen order.
func Patterns(matches []Match) []string {
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, ok := seen[m.Pattern]; ok {
			continue
		}
		seen[m.Pattern] = struct{}{}
		out = append(out, m.Pattern)
	}
	return out
}

// dedupe drops empty and repeated patterns, keeping first-seen order.
func dedupe(patterns []string) []string {
	seen := make(map[string]struct{}, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func window(buf []byte, size int) ([]byte, error) {
	if size < 0 || size > len(buf) {
		return nil, fmt.Errorf("search size %d out of range [0,%d]", size, len(buf))
	}
	return buf[:size], nil
}
