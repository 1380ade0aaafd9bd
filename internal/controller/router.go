package controller

import (
	"context"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-health/priorauth-cli/internal/model"
	"github.com/meridian-health/priorauth-cli/internal/safety"
	"github.com/meridian-health/priorauth-cli/internal/store"
)

// Mode names the routing decision recorded on each evaluation.
type Mode string

const (
	ModeHeuristic Mode = "heuristic"
	ModeLLM       Mode = "llm"
	ModeShadow    Mode = "shadow"
	ModeAB        Mode = "ab"
)

// shadowDivergenceDelta is the confidence gap above which a shadow run with
// matching statuses still counts as a mismatch.
const shadowDivergenceDelta = 0.05

// Evaluator decides one criterion. Both decision paths implement it.
type Evaluator interface {
	EvaluateCriterion(ctx context.Context, criterionID string, bundle *model.CaseBundle) model.CriterionResult
}

// Metrics is the telemetry surface the router emits to. A nil recorder
// disables it.
type Metrics interface {
	RecordEvaluation(mode, status string)
	RecordFallback()
	RecordABAssignment(arm string)
	RecordShadowMismatch()
	RecordHumanReview()
}

// Options selects the routing behavior. Resolution order: shadow wins over
// llm, llm wins over the A/B draw, and heuristic is the floor.
type Options struct {
	UseLLM          bool
	ShadowMode      bool
	FallbackEnabled bool
	ABRatio         float64
	// CalibrationWindow caps the historical scores pulled for the conformal
	// gate.
	CalibrationWindow int
}

// Router dispatches criterion evaluations to a decision path, applies safety
// calibration, and persists the outcome.
type Router struct {
	heuristic  Evaluator
	agent      Evaluator
	calibrator *safety.Calibrator
	decisions  store.Store
	metrics    Metrics
	opts       Options

	// randFloat is swapped in tests to script the A/B draw.
	randFloat func() float64
}

// NewRouter builds a router. agent, decisions, and metrics may be nil; a nil
// agent disables every LLM-routed mode.
func NewRouter(heuristic, agent Evaluator, calibrator *safety.Calibrator, decisions store.Store, metrics Metrics, opts Options) *Router {
	if calibrator == nil {
		calibrator = safety.New(safety.Options{})
	}
	if opts.CalibrationWindow <= 0 {
		opts.CalibrationWindow = 500
	}
	return &Router{
		heuristic:  heuristic,
		agent:      agent,
		calibrator: calibrator,
		decisions:  decisions,
		metrics:    metrics,
		opts:       opts,
		randFloat:  rand.Float64,
	}
}

// Evaluate decides every criterion the bundle names. The policy document id
// is annotated once before any evaluation runs.
func (r *Router) Evaluate(ctx context.Context, bundle *model.CaseBundle, docID string) []model.CriterionResult {
	if docID != "" {
		bundle.SetPolicyDocID(docID)
	}

	criteria := bundle.Criteria()
	results := make([]model.CriterionResult, 0, len(criteria))
	for _, criterionID := range criteria {
		results = append(results, r.evaluateOne(ctx, criterionID, bundle))
	}
	return results
}

func (r *Router) evaluateOne(ctx context.Context, criterionID string, bundle *model.CaseBundle) model.CriterionResult {
	mode, path := r.resolveMode()

	var result model.CriterionResult
	switch mode {
	case ModeShadow:
		result = r.runShadow(ctx, criterionID, bundle)
	default:
		result = path.EvaluateCriterion(ctx, criterionID, bundle)
		if path == r.agent && agentFailed(result) && r.opts.FallbackEnabled {
			zap.L().Warn("agent evaluation failed, serving rule path",
				zap.String("criterion_id", criterionID),
				zap.String("reason_code", result.ReasonCode),
			)
			if r.metrics != nil {
				r.metrics.RecordFallback()
			}
			result = r.heuristic.EvaluateCriterion(ctx, criterionID, bundle)
			path = r.heuristic
		}
	}

	result = r.calibrate(ctx, criterionID, bundle, result, path)

	humanReview := r.calibrator.ShouldRouteToHuman(result)
	if humanReview {
		zap.L().Info("routing decision to human review",
			zap.String("criterion_id", criterionID),
			zap.String("status", string(result.Status)),
			zap.Float64("confidence", result.Confidence),
		)
		if r.metrics != nil {
			r.metrics.RecordHumanReview()
		}
	}
	if r.metrics != nil {
		r.metrics.RecordEvaluation(string(mode), string(result.Status))
	}

	r.persist(ctx, bundle, string(mode), humanReview, result)
	return result
}

// resolveMode picks the routing mode and the evaluator that serves it.
// Shadow and A/B modes require an agent; without one everything degrades to
// the rule path.
func (r *Router) resolveMode() (Mode, Evaluator) {
	if r.agent == nil {
		return ModeHeuristic, r.heuristic
	}
	if r.opts.ShadowMode {
		return ModeShadow, r.heuristic
	}
	if r.opts.UseLLM {
		return ModeLLM, r.agent
	}
	if r.opts.ABRatio > 0 {
		if r.randFloat() < r.opts.ABRatio {
			if r.metrics != nil {
				r.metrics.RecordABAssignment("llm")
			}
			return ModeAB, r.agent
		}
		if r.metrics != nil {
			r.metrics.RecordABAssignment("heuristic")
		}
		return ModeAB, r.heuristic
	}
	return ModeHeuristic, r.heuristic
}

// runShadow evaluates both paths concurrently, serves the rule decision, and
// logs any divergence. The agent result never reaches the caller.
func (r *Router) runShadow(ctx context.Context, criterionID string, bundle *model.CaseBundle) model.CriterionResult {
	var served, shadowed model.CriterionResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		served = r.heuristic.EvaluateCriterion(gctx, criterionID, bundle)
		return nil
	})
	g.Go(func() error {
		shadowed = r.agent.EvaluateCriterion(gctx, criterionID, bundle)
		return nil
	})
	_ = g.Wait()

	if served.Status != shadowed.Status ||
		math.Abs(served.Confidence-shadowed.Confidence) > shadowDivergenceDelta {
		zap.L().Warn("shadow divergence",
			zap.String("criterion_id", criterionID),
			zap.String("served_status", string(served.Status)),
			zap.String("shadow_status", string(shadowed.Status)),
			zap.Float64("served_confidence", served.Confidence),
			zap.Float64("shadow_confidence", shadowed.Confidence),
		)
		if r.metrics != nil {
			r.metrics.RecordShadowMismatch()
		}
	}
	return served
}

// calibrate applies self-consistency resampling and the conformal gate.
// The rule path is deterministic, so resampling it is a no-op vote; only
// agent decisions gain anything from self-consistency.
func (r *Router) calibrate(ctx context.Context, criterionID string, bundle *model.CaseBundle, result model.CriterionResult, servedBy Evaluator) model.CriterionResult {
	if r.agent != nil && servedBy == r.agent {
		result = r.calibrator.SelfConsistency(ctx, result, func(ctx context.Context) (model.CriterionResult, error) {
			return r.agent.EvaluateCriterion(ctx, criterionID, bundle), nil
		})
	}

	if r.decisions != nil {
		scores, err := r.decisions.ListCalibrationScores(ctx, bundle.PolicyID, criterionID, r.opts.CalibrationWindow)
		if err != nil {
			zap.L().Warn("calibration pool unavailable", zap.Error(err))
			return result
		}
		threshold := r.calibrator.ConformalThreshold(scores)
		result = r.calibrator.ApplyConformal(result, threshold)
	}
	return result
}

// persist saves the decision best-effort; storage trouble never blocks a
// decision.
func (r *Router) persist(ctx context.Context, bundle *model.CaseBundle, mode string, humanReview bool, result model.CriterionResult) {
	if r.decisions == nil {
		return
	}
	rec := store.DecisionRecord{
		CaseID:      bundle.CaseID,
		PolicyID:    bundle.PolicyID,
		CriterionID: result.CriterionID,
		Mode:        mode,
		Status:      string(result.Status),
		Confidence:  result.Confidence,
		ReasonCode:  result.ReasonCode,
		HumanReview: humanReview,
		Result:      result,
	}
	if err := r.decisions.SaveDecision(ctx, rec); err != nil {
		zap.L().Warn("decision persistence failed",
			zap.String("case_id", bundle.CaseID),
			zap.String("criterion_id", result.CriterionID),
			zap.Error(err),
		)
	}
}

// agentFailed reports whether an agent result is an operational failure
// rather than a substantive uncertain decision.
func agentFailed(result model.CriterionResult) bool {
	if result.Status != model.StatusUncertain {
		return false
	}
	return result.ReasonCode == model.ReasonAgentError || result.ReasonCode == model.ReasonToolTimeout
}
