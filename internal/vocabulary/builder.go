package vocabulary

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/tokenizer"
	"go.uber.org/zap"
)

// Defaults for the builder filters.
const (
	DefaultTheta         = 2
	DefaultMinTermLength = 4
	DefaultMarker        = "xxxx"
)

// Redactor reports whether a token carries a masking marker.
type Redactor interface {
	IsRedacted(token string) bool
}

// MarkerRedactor matches tokens containing any marker, case-insensitively.
type MarkerRedactor []string

// IsRedacted implements Redactor.
func (m MarkerRedactor) IsRedacted(token string) bool {
	lower := strings.ToLower(token)
	for _, marker := range m {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Diagnostics counts what the filters did during one build.
type Diagnostics struct {
	Records   int `json:"records"`
	Tokens    int `json:"tokens"`
	Short     int `json:"short"`
	Stopwords int `json:"stopwords"`
	Numeric   int `json:"numeric"`
	Redacted  int `json:"redacted"`
	Kept      int `json:"kept"`
	TableSize int `json:"table_size"`
	VocabSize int `json:"vocab_size"`
}

// Result is the output of one vocabulary build.
type Result struct {
	Vocabulary  *Vocabulary
	Table       *TermTable
	Diagnostics Diagnostics
}

// Builder derives a vocabulary from record text.
type Builder struct {
	Stopwords     map[string]struct{}
	MinTermLength int
	Theta         int
	Redactor      Redactor
	logger        *zap.Logger
}

// NewBuilder returns a builder with the default filters.
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{
		Stopwords:     map[string]struct{}{},
		MinTermLength: DefaultMinTermLength,
		Theta:         DefaultTheta,
		Redactor:      MarkerRedactor{DefaultMarker},
		logger:        logger,
	}
}

// Build tokenizes the text extracted from each record, in the given order,
// and indexes the accepted terms whose frequency reaches the threshold. An
// empty corpus yields an empty vocabulary.
func (b *Builder) Build(records []*flow.Record, extract func(*flow.Record) string) *Result {
	table := NewTermTable()
	var diag Diagnostics

	for _, rec := range records {
		diag.Records++
		freqs := tokenizer.Tokenize(extract(rec))
		for _, word := range freqs.Order {
			diag.Tokens++
			switch b.classify(word) {
			case rejectShort:
				diag.Short++
			case rejectStopword:
				diag.Stopwords++
			case rejectNumeric:
				diag.Numeric++
			case rejectRedacted:
				diag.Redacted++
			default:
				diag.Kept++
				table.Add(word, freqs.Counts[word])
			}
		}
	}

	vocab := table.Vocabulary(b.Theta)
	diag.TableSize = table.Len()
	diag.VocabSize = vocab.Len()

	if b.logger != nil {
		b.logger.Debug("Vocabulary built",
			zap.Int("records", diag.Records),
			zap.Int("tokens", diag.Tokens),
			zap.Int("kept", diag.Kept),
			zap.Int("table_size", diag.TableSize),
			zap.Int("vocab_size", diag.VocabSize),
			zap.Int("theta", b.Theta))
	}

	return &Result{Vocabulary: vocab, Table: table, Diagnostics: diag}
}

// Accepts reports whether a raw token would be admitted to the term table.
func (b *Builder) Accepts(word string) bool {
	return b.classify(word) == accepted
}

type verdict int

const (
	accepted verdict = iota
	rejectShort
	rejectStopword
	rejectNumeric
	rejectRedacted
)

func (b *Builder) classify(word string) verdict {
	norm := strings.ToLower(Normalize(word))
	if len([]rune(norm)) < b.MinTermLength {
		return rejectShort
	}
	if _, ok := b.Stopwords[norm]; ok {
		return rejectStopword
	}
	if isAllDigits(norm) {
		return rejectNumeric
	}
	if b.Redactor != nil && b.Redactor.IsRedacted(norm) {
		return rejectRedacted
	}
	return accepted
}

// Normalize strips at most one leading and one trailing character that is
// neither a letter nor a digit.
func Normalize(word string) string {
	runes := []rune(word)
	start, end := 0, len(runes)
	if end > start && !isAlnum(runes[start]) {
		start++
	}
	if end > start && !isAlnum(runes[end-1]) {
		end--
	}
	return string(runes[start:end])
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// LoadStopwords reads a stopword file. Each line holds a word, optionally
// followed by a tab and a count. Words are lowercased.
func LoadStopwords(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stopwords file: %w", err)
	}
	defer f.Close()

	words := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stopwords file: %w", err)
	}
	return words, nil
}
