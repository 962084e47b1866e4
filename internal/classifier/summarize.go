package classifier

import (
	"sort"

	"github.com/raaihank/ad-sentinel/internal/flow"
)

// Summarize computes evaluation statistics from per-row predictions.
// Ratios with an empty denominator are 0. AUC is the Mann-Whitney estimate
// over the positive-class scores, 0 when either class is absent.
func Summarize(name string, preds []Prediction) *Evaluation {
	e := &Evaluation{Name: name, Instances: len(preds)}
	for _, p := range preds {
		switch {
		case p.Actual == flow.Positive && p.Predicted == flow.Positive:
			e.TP++
		case p.Actual == flow.Positive:
			e.FN++
		case p.Predicted == flow.Positive:
			e.FP++
		default:
			e.TN++
		}
	}

	e.Accuracy = ratio(e.TP+e.TN, e.Instances)
	e.FPR = ratio(e.FP, e.FP+e.TN)
	e.FNR = ratio(e.FN, e.FN+e.TP)
	e.Precision = ratio(e.TP, e.TP+e.FP)
	e.Recall = ratio(e.TP, e.TP+e.FN)
	e.Specificity = ratio(e.TN, e.TN+e.FP)
	if e.Precision+e.Recall > 0 {
		e.FMeasure = 2 * e.Precision * e.Recall / (e.Precision + e.Recall)
	}
	e.AUC = auc(preds)
	return e
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// auc ranks scores ascending, averaging ranks over ties.
func auc(preds []Prediction) float64 {
	idx := make([]int, len(preds))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return preds[idx[a]].Score < preds[idx[b]].Score
	})

	var pos, neg int
	var rankSum float64
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && preds[idx[j]].Score == preds[idx[i]].Score {
			j++
		}
		// ranks i+1..j share their mean
		rank := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if preds[idx[k]].Actual == flow.Positive {
				pos++
				rankSum += rank
			} else {
				neg++
			}
		}
		i = j
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	return (rankSum - float64(pos*(pos+1))/2) / float64(pos*neg)
}
