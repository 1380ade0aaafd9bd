package safety

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

// Options tunes the calibration layer.
type Options struct {
	// SelfConsistencyK is the total sample count when resampling triggers,
	// including the original decision.
	SelfConsistencyK int
	// SelfConsistencyTrigger is the confidence below which a decision is
	// resampled for a majority vote.
	SelfConsistencyTrigger float64
	// ConformalAlpha is the miscoverage rate for the conformal threshold.
	ConformalAlpha float64
	// HighImpactThreshold is the confidence below which a decision routes to
	// a human reviewer regardless of status.
	HighImpactThreshold float64
}

// DefaultOptions mirror the production tuning.
func DefaultOptions() Options {
	return Options{
		SelfConsistencyK:       3,
		SelfConsistencyTrigger: 0.7,
		ConformalAlpha:         0.1,
		HighImpactThreshold:    0.85,
	}
}

// Sampler re-runs the decision that produced a result. The calibrator calls
// it when a low-confidence decision needs corroboration.
type Sampler func(ctx context.Context) (model.CriterionResult, error)

// Calibrator owns a decision between its raw form and final emission. It
// never flips uncertain toward a definite status; every adjustment moves
// toward the safer outcome.
type Calibrator struct {
	opts Options
}

// New builds a calibrator. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Calibrator {
	def := DefaultOptions()
	if opts.SelfConsistencyK <= 1 {
		opts.SelfConsistencyK = def.SelfConsistencyK
	}
	if opts.SelfConsistencyTrigger <= 0 {
		opts.SelfConsistencyTrigger = def.SelfConsistencyTrigger
	}
	if opts.ConformalAlpha <= 0 || opts.ConformalAlpha >= 1 {
		opts.ConformalAlpha = def.ConformalAlpha
	}
	if opts.HighImpactThreshold <= 0 {
		opts.HighImpactThreshold = def.HighImpactThreshold
	}
	return &Calibrator{opts: opts}
}

// SelfConsistency resamples a low-confidence decision and returns the
// majority-vote result. Decisions at or above the trigger pass through
// untouched. Sampler failures shrink the vote pool instead of aborting; a
// tie resolves to uncertain.
func (c *Calibrator) SelfConsistency(ctx context.Context, result model.CriterionResult, resample Sampler) model.CriterionResult {
	if result.Confidence >= c.opts.SelfConsistencyTrigger || resample == nil {
		return result
	}

	samples := []model.CriterionResult{result}
	for len(samples) < c.opts.SelfConsistencyK {
		sample, err := resample(ctx)
		if err != nil {
			zap.L().Warn("self-consistency resample failed",
				zap.String("criterion_id", result.CriterionID),
				zap.Error(err),
			)
			break
		}
		samples = append(samples, sample)
	}
	if len(samples) < 2 {
		return result
	}

	votes := map[model.DecisionStatus]int{}
	for _, s := range samples {
		votes[s.Status]++
	}

	winner := model.StatusUncertain
	best := 0
	tied := false
	for status, n := range votes {
		switch {
		case n > best:
			winner, best, tied = status, n, false
		case n == best && status != winner:
			tied = true
		}
	}
	if tied {
		winner = model.StatusUncertain
	}

	// Serve the strongest agreeing sample with the pool's mean confidence.
	var agreed []model.CriterionResult
	sum := 0.0
	for _, s := range samples {
		if s.Status == winner {
			agreed = append(agreed, s)
			sum += s.Confidence
		}
	}
	if len(agreed) == 0 {
		out := result
		out.Status = model.StatusUncertain
		out.ReasonCode = model.ReasonAgentUncertain
		return out
	}

	out := agreed[0]
	for _, s := range agreed[1:] {
		if s.Confidence > out.Confidence {
			out = s
		}
	}
	out.Confidence = sum / float64(len(agreed))
	out.Breakdown.CFinal = out.Confidence
	out.Breakdown.CJoint = out.Confidence

	zap.L().Info("self-consistency vote",
		zap.String("criterion_id", result.CriterionID),
		zap.Int("samples", len(samples)),
		zap.String("status", string(out.Status)),
		zap.Float64("confidence", out.Confidence),
	)
	return out
}

// ConformalThreshold computes the split-conformal nonconformity quantile over
// a calibration pool of historical confidence scores. A zero return means
// the pool is empty and conformal gating should be skipped.
func (c *Calibrator) ConformalThreshold(scores []float64) float64 {
	n := len(scores)
	if n == 0 {
		return 0
	}

	nonconformity := make([]float64, n)
	for i, s := range scores {
		nonconformity[i] = 1 - s
	}
	sort.Float64s(nonconformity)

	k := int(math.Ceil(float64(n+1) * (1 - c.opts.ConformalAlpha)))
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}
	return nonconformity[k-1]
}

// ApplyConformal flags a decision whose nonconformity exceeds the threshold.
// A non-positive threshold (empty calibration pool) is a no-op.
func (c *Calibrator) ApplyConformal(result model.CriterionResult, threshold float64) model.CriterionResult {
	if threshold <= 0 {
		return result
	}
	if 1-result.Confidence <= threshold {
		return result
	}

	out := result
	out.Status = model.StatusUncertain
	out.ReasonCode = model.ReasonConformalAmbiguity
	zap.L().Info("conformal gate flagged decision",
		zap.String("criterion_id", result.CriterionID),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("threshold", threshold),
	)
	return out
}

// ShouldRouteToHuman reports whether a decision needs human review: any
// uncertain status, or a definite status below the high-impact confidence
// floor.
func (c *Calibrator) ShouldRouteToHuman(result model.CriterionResult) bool {
	if result.Status == model.StatusUncertain {
		return true
	}
	return result.Confidence < c.opts.HighImpactThreshold
}
