package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-health/priorauth-cli/internal/model"
	"github.com/meridian-health/priorauth-cli/internal/rules"
)

// Retriever is the policy search capability the rule path needs.
type Retriever interface {
	Search(ctx context.Context, query, docID string) model.RetrievalResult
}

// Confidence assigned to the rule decision itself, by outcome. Definite
// outcomes are trusted more than uncertain ones.
const (
	ruleFinalMet       = 0.95
	ruleFinalMissing   = 0.90
	ruleFinalUncertain = 0.60
)

// Heuristic is the deterministic decision path: retrieve the policy language
// for a criterion, then run the rule validator over the case facts. The
// validation itself never depends on retrieval; retrieval supplies the
// citation and the tree-confidence component.
type Heuristic struct {
	retriever Retriever
	validator *rules.Validator
}

// NewHeuristic builds the rule path over a retriever and validator.
func NewHeuristic(retriever Retriever, validator *rules.Validator) *Heuristic {
	return &Heuristic{retriever: retriever, validator: validator}
}

// EvaluateCriterion produces a decision for one criterion.
func (h *Heuristic) EvaluateCriterion(ctx context.Context, criterionID string, bundle *model.CaseBundle) model.CriterionResult {
	start := time.Now()

	query := fmt.Sprintf("requirements for %s", criterionID)
	retrieval := h.retriever.Search(ctx, query, bundle.PolicyDocID())

	validation := h.validator.Validate(criterionID, bundle.Facts)
	status := validation.DecisionStatus()

	cFinal := ruleFinalUncertain
	switch status {
	case model.StatusMet:
		cFinal = ruleFinalMet
	case model.StatusMissing:
		cFinal = ruleFinalMissing
	}
	breakdown := model.NewProductBreakdown(retrieval.Confidence, validation.OverallConfidence, cFinal)

	trace := []model.ReasoningStep{
		{
			Step:   1,
			Action: "search_policy",
			Observation: fmt.Sprintf("method=%s nodes=%d spans=%d",
				retrieval.Method, len(retrieval.Nodes), len(retrieval.Spans)),
		},
		{Step: 2, Action: "validate_rules", Observation: validation.Rationale},
		{
			Step:        3,
			Action:      "decide",
			Observation: fmt.Sprintf("Status: %s, Confidence: %.2f", status, breakdown.CJoint),
		},
	}

	return model.CriterionResult{
		CriterionID:      criterionID,
		Status:           status,
		Citation:         h.citation(retrieval, bundle),
		Rationale:        validation.Rationale,
		Confidence:       breakdown.CJoint,
		Breakdown:        breakdown,
		SearchTrajectory: retrieval.Trajectory,
		RetrievalMethod:  retrieval.Method,
		ReasonCode:       validation.ReasonCode,
		ReasoningTrace:   trace,
		LatencyMS:        time.Since(start).Milliseconds(),
	}
}

func (h *Heuristic) citation(retrieval model.RetrievalResult, bundle *model.CaseBundle) model.Citation {
	version := bundle.MetadataString("policy_version_id")
	if version == "" {
		version = "v1.0"
	}

	node, ok := retrieval.TopNode()
	if !ok {
		return model.Citation{
			Doc:     bundle.PolicyDocID(),
			Version: version,
			Section: "N/A",
			Pages:   []int{},
		}
	}
	if node.Version != "" {
		version = node.Version
	}

	doc := node.DocID
	if doc == "" {
		doc = bundle.PolicyDocID()
	}
	pages := node.Pages
	if pages == nil {
		pages = []int{}
	}
	return model.Citation{
		Doc:     doc,
		Version: version,
		Section: node.Section,
		Pages:   pages,
	}
}
