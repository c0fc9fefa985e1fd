package parameters

import (
	"math"

	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/results"
)

const (
	targetScore         = 70.0
	lowScoreFactor      = 0.3
	groundTruthFactor   = 0.5
	severityShareFactor = 0.2
	evenShare           = 0.25
	confidenceHalfPoint = 20.0
	maxScaleIterations  = 20
	scaleShrinkPerRound = 0.75
)

// signalSource names the evidence a category delta was derived from.
type signalSource string

const (
	sourceGroundTruth signalSource = "ground_truth"
	sourceScores      signalSource = "scores"
	sourceFindings    signalSource = "findings"
	sourceNone        signalSource = "none"
)

type categorySignal struct {
	Delta   float64
	Source  signalSource
	Samples int
}

// deriveSignals computes one clamped weight delta per category.
//
// Confirmed scores win over predicted scores, which win over finding severities.
// A category whose predictions run above confirmed scores gains weight; so does a
// category with low average scores or with a larger than even share of findings.
func deriveSignals(history []results.Record, maxAdjustment float64) map[orgconfig.Category]categorySignal {
	out := make(map[orgconfig.Category]categorySignal, len(orgconfig.Categories))
	shares := severityShares(history)

	for _, c := range orgconfig.Categories {
		var gtSum, scoreSum float64
		var gtN, scoreN int
		for _, rec := range history {
			if rec.Scores == nil {
				continue
			}
			scoreSum += rec.Scores.Get(c)
			scoreN++
			if rec.Confirmed != nil {
				gtSum += rec.Scores.Get(c) - rec.Confirmed.Get(c)
				gtN++
			}
		}

		sig := categorySignal{Source: sourceNone}
		switch {
		case gtN > 0:
			sig = categorySignal{Delta: gtSum / float64(gtN) * groundTruthFactor, Source: sourceGroundTruth, Samples: gtN}
		case scoreN > 0:
			sig = categorySignal{Source: sourceScores, Samples: scoreN}
			if avg := scoreSum / float64(scoreN); avg < targetScore {
				sig.Delta = (targetScore - avg) * lowScoreFactor
			}
		case shares != nil:
			sig = categorySignal{Delta: (shares[c] - evenShare) * 100 * severityShareFactor, Source: sourceFindings, Samples: len(history)}
		}
		sig.Delta = clamp(sig.Delta, maxAdjustment)
		out[c] = sig
	}
	return out
}

// severityShares returns each category's share of severity-weighted findings, or nil without findings.
func severityShares(history []results.Record) map[orgconfig.Category]float64 {
	weighted := make(map[orgconfig.Category]float64, len(orgconfig.Categories))
	total := 0.0
	for _, rec := range history {
		for c, counts := range rec.Findings {
			if !c.Valid() {
				continue
			}
			w := counts.Weighted()
			weighted[c] += w
			total += w
		}
	}
	if total <= 0 {
		return nil
	}
	for c := range weighted {
		weighted[c] /= total
	}
	return weighted
}

// applyDeltas adds deltas to base and renormalizes. When renormalization pushes any
// category further than maxAdjustment from base, the deltas are scaled down and retried.
// Renormalization is always the last step, so the result sums to 100.
func applyDeltas(base orgconfig.Weights, signals map[orgconfig.Category]categorySignal, maxAdjustment float64) (orgconfig.Weights, map[orgconfig.Category]float64) {
	scale := 1.0
	for i := 0; i < maxScaleIterations; i++ {
		var adjusted orgconfig.Weights
		for _, c := range orgconfig.Categories {
			adjusted.Set(c, base.Get(c)+signals[c].Delta*scale)
		}
		final := adjusted.Normalized()
		diffs, ok := weightDiffs(base, final, maxAdjustment)
		if ok {
			return final, diffs
		}
		scale *= scaleShrinkPerRound
	}
	final := base.Normalized()
	diffs, ok := weightDiffs(base, final, maxAdjustment)
	if !ok {
		diffs = map[orgconfig.Category]float64{}
	}
	return final, diffs
}

func weightDiffs(base, final orgconfig.Weights, maxAdjustment float64) (map[orgconfig.Category]float64, bool) {
	diffs := make(map[orgconfig.Category]float64)
	for _, c := range orgconfig.Categories {
		d := math.Round((final.Get(c)-base.Get(c))*100) / 100
		if math.Abs(d) > maxAdjustment {
			return nil, false
		}
		if d != 0 {
			diffs[c] = d
		}
	}
	return diffs, true
}

// confidence grows with sample size, stays in [0,1) and never decreases as n grows.
func confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	v := float64(n) / (float64(n) + confidenceHalfPoint)
	return math.Round(v*10000) / 10000
}

func clamp(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
