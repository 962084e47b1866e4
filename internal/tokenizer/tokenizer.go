package tokenizer

import (
	"strings"
	"unicode"
)

// Delimiters split words in addition to Unicode whitespace.
const Delimiters = "&?=;,"

// Frequencies holds word counts for one line together with the order in
// which each distinct word was first seen.
type Frequencies struct {
	Order  []string
	Counts map[string]int
}

// Len returns the number of distinct words.
func (f Frequencies) Len() int {
	return len(f.Order)
}

// Tokenize splits a line into words and counts them. Casing and any
// punctuation at word edges are preserved.
func Tokenize(line string) Frequencies {
	words := strings.FieldsFunc(line, isSeparator)
	freqs := Frequencies{
		Order:  make([]string, 0, len(words)),
		Counts: make(map[string]int, len(words)),
	}
	for _, w := range words {
		if _, seen := freqs.Counts[w]; !seen {
			freqs.Order = append(freqs.Order, w)
		}
		freqs.Counts[w]++
	}
	return freqs
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(Delimiters, r)
}
