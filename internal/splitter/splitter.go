// Package splitter partitions a labeled record set into stratified folds.
package splitter

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/raaihank/ad-sentinel/internal/flow"
)

// NumFolds is the number of bins produced by Split.
const NumFolds = 5

// ErrIntegrity matches any IntegrityError with errors.Is.
var ErrIntegrity = errors.New("label counts do not match records")

// IntegrityError reports declared counts that disagree with the records.
type IntegrityError struct {
	Declared flow.LabelCounts `json:"declared"`
	Scanned  flow.LabelCounts `json:"scanned"`
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: declared %d positive / %d negative, scanned %d / %d",
		ErrIntegrity, e.Declared.Positive, e.Declared.Negative, e.Scanned.Positive, e.Scanned.Negative)
}

// Is makes errors.Is(err, ErrIntegrity) hold.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Bin is one fold of record identifiers.
type Bin struct {
	Index    int      `json:"index"`
	IDs      []string `json:"ids"`
	Positive int      `json:"positive"`
	Negative int      `json:"negative"`
}

// Size returns the number of ids in the bin.
func (b Bin) Size() int {
	return len(b.IDs)
}

// NewRand returns the random source for one Split call. A zero seed uses
// the current time.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Split distributes records over NumFolds bins. Each bin first draws
// P/NumFolds positives and N/NumFolds negatives without replacement; the
// leftovers then go one each to the lowest-indexed bins, positives first.
// All randomness comes from rng, so the outcome depends only on its seed.
func Split(counts flow.LabelCounts, records []*flow.Record, rng *rand.Rand) ([]Bin, error) {
	var pos, neg []string
	for _, rec := range records {
		if rec.Label == flow.Positive {
			pos = append(pos, rec.ID)
		} else {
			neg = append(neg, rec.ID)
		}
	}
	scanned := flow.LabelCounts{Positive: len(pos), Negative: len(neg)}
	if scanned != counts {
		return nil, &IntegrityError{Declared: counts, Scanned: scanned}
	}
	if err := checkUnique(pos, neg); err != nil {
		return nil, err
	}

	sort.Strings(pos)
	sort.Strings(neg)

	bins := make([]Bin, NumFolds)
	for i := range bins {
		bins[i] = Bin{Index: i, IDs: make([]string, 0, len(records)/NumFolds+2)}
	}

	minPos, minNeg := len(pos)/NumFolds, len(neg)/NumFolds
	for i := range bins {
		pos = draw(&bins[i], pos, minPos, rng)
		bins[i].Positive = minPos
		neg = draw(&bins[i], neg, minNeg, rng)
		bins[i].Negative = minNeg
	}

	// Remainders, in pool order.
	for i, id := range pos {
		bins[i].IDs = append(bins[i].IDs, id)
		bins[i].Positive++
	}
	for i, id := range neg {
		bins[i].IDs = append(bins[i].IDs, id)
		bins[i].Negative++
	}

	return bins, nil
}

// draw moves n uniformly chosen ids from pool into b and returns what is
// left of the pool.
func draw(b *Bin, pool []string, n int, rng *rand.Rand) []string {
	for k := 0; k < n; k++ {
		j := rng.Intn(len(pool))
		b.IDs = append(b.IDs, pool[j])
		last := len(pool) - 1
		pool[j] = pool[last]
		pool = pool[:last]
	}
	return pool
}

func checkUnique(lists ...[]string) error {
	seen := make(map[string]struct{})
	for _, ids := range lists {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				return fmt.Errorf("%w: duplicate record id %q", ErrIntegrity, id)
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

// Complement returns the ids of every bin except skip, in bin order.
func Complement(bins []Bin, skip int) []string {
	var out []string
	for _, b := range bins {
		if b.Index == skip {
			continue
		}
		out = append(out, b.IDs...)
	}
	return out
}
