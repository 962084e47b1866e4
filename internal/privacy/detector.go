package privacy

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/raaihank/ad-sentinel/internal/config"
	"go.uber.org/zap"
)

// Detector recognises redacted tokens and holds the list of known
// sensitive values (device ids, emails, ...) to look for at prediction time.
type Detector struct {
	rules  []RedactionRule
	known  map[string]struct{}
	logger *zap.Logger
	mu     sync.RWMutex
}

// New creates a detector from the privacy configuration
func New(cfg config.PrivacyConfig, logger *zap.Logger) (*Detector, error) {
	d := &Detector{
		known:  make(map[string]struct{}),
		logger: logger,
	}

	for _, marker := range cfg.RedactionMarkers {
		if marker == "" {
			continue
		}
		d.rules = append(d.rules, RedactionRule{
			Name:    marker,
			Pattern: regexp.MustCompile("(?i)" + regexp.QuoteMeta(marker)),
		})
	}

	d.add(cfg.KnownValues)
	if cfg.KnownValuesFile != "" {
		values, err := LoadKnownValues(cfg.KnownValuesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known values: %w", err)
		}
		d.add(values)
	}

	logger.Info("Privacy detector initialized",
		zap.Int("redaction_rules", len(d.rules)),
		zap.Int("known_values", len(d.known)))

	return d, nil
}

// IsRedacted reports whether a token carries a masking marker
func (d *Detector) IsRedacted(token string) bool {
	for _, rule := range d.rules {
		if rule.Pattern.MatchString(token) {
			return true
		}
	}
	return false
}

// KnownValues returns the known sensitive values in lexical order
func (d *Detector) KnownValues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	values := make([]string, 0, len(d.known))
	for v := range d.known {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// IsKnown reports whether value is a known sensitive value
func (d *Detector) IsKnown(value string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.known[value]
	return ok
}

// AddKnownValues extends the known value list and returns how many were new
func (d *Detector) AddKnownValues(values []string) int {
	added := d.add(values)
	if added > 0 {
		d.logger.Info("Known sensitive values added", zap.Int("added", added))
	}
	return added
}

// Findings tallies which known values appear among matched patterns
func (d *Detector) Findings(matched []string) []Finding {
	counts := make(map[string]int)
	for _, m := range matched {
		if d.IsKnown(m) {
			counts[m]++
		}
	}

	findings := make([]Finding, 0, len(counts))
	for v, c := range counts {
		findings = append(findings, Finding{Value: v, Count: c})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Value < findings[j].Value })
	return findings
}

func (d *Detector) add(values []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := d.known[v]; !ok {
			d.known[v] = struct{}{}
			added++
		}
	}
	return added
}

// LoadKnownValues reads one value per line; blank lines and # comments are skipped
func LoadKnownValues(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var values []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values = append(values, line)
	}
	return values, scanner.Err()
}
