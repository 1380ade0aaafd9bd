package model

import "strings"

// DecisionStatus is the terminal outcome for a single criterion.
type DecisionStatus string

const (
	StatusMet       DecisionStatus = "met"
	StatusMissing   DecisionStatus = "missing"
	StatusUncertain DecisionStatus = "uncertain"
)

// ParseStatus maps a status string onto DecisionStatus. Unknown or empty
// values resolve to uncertain, the universal insufficient-information state.
func ParseStatus(s string) DecisionStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "met":
		return StatusMet
	case "missing":
		return StatusMissing
	default:
		return StatusUncertain
	}
}

// Reason codes attached to decisions and retrieval results.
const (
	ReasonInsufficientDocumentation = "insufficient_documentation"
	ReasonCriteriaNotMet            = "criteria_not_met"
	ReasonToolTimeout               = "tool_timeout"
	ReasonAgentError                = "agent_error"
	ReasonConformalAmbiguity        = "conformal_ambiguity"
	ReasonAgentUncertain            = "agent_uncertain"
	ReasonRateLimited               = "rate_limited"
	ReasonMissingDocID              = "missing_doc_id"
	ReasonRetrievalUnavailable      = "retrieval_unavailable"
	ReasonRetrievalError            = "retrieval_error"
	ReasonNoRelevantNodes           = "no_relevant_nodes"
)

// Citation points at the policy language a decision rests on.
type Citation struct {
	Doc     string `json:"doc"`
	Version string `json:"version"`
	Section string `json:"section"`
	Pages   []int  `json:"pages"`
}

// ConfidenceBreakdown decomposes a decision's confidence by pipeline stage:
// retrieval (tree), evidence alignment (span), final decision, and their
// combination. How CJoint is combined differs by decision path: the rule
// path multiplies the three components, the LLM path reports the model's
// scalar directly. Both policies are intentional; see DESIGN.md.
type ConfidenceBreakdown struct {
	CTree  float64 `json:"c_tree"`
	CSpan  float64 `json:"c_span"`
	CFinal float64 `json:"c_final"`
	CJoint float64 `json:"c_joint"`
}

// NewProductBreakdown builds the rule-path breakdown where the joint
// confidence is the clamped product of the three components.
func NewProductBreakdown(cTree, cSpan, cFinal float64) ConfidenceBreakdown {
	joint := cTree * cSpan * cFinal
	if joint > 1 {
		joint = 1
	}
	if joint < 0 {
		joint = 0
	}
	return ConfidenceBreakdown{CTree: cTree, CSpan: cSpan, CFinal: cFinal, CJoint: joint}
}

// ReasoningStep is one entry in the audit trace of an evaluation.
type ReasoningStep struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Observation string `json:"observation"`
}

// ToolCallRecord captures one tool invocation for telemetry, in call order.
type ToolCallRecord struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	TimedOut  bool   `json:"timed_out"`
}

// CriterionResult is the decision for a single policy criterion. It is
// produced exactly once per criterion per evaluation and never mutated
// afterwards except by the safety calibrator, which owns the result between
// raw decision and final emission.
type CriterionResult struct {
	CriterionID      string              `json:"criterion_id"`
	Status           DecisionStatus      `json:"status"`
	Citation         Citation            `json:"citation"`
	Rationale        string              `json:"rationale"`
	Confidence       float64             `json:"confidence"`
	Breakdown        ConfidenceBreakdown `json:"confidence_breakdown"`
	SearchTrajectory []string            `json:"search_trajectory"`
	RetrievalMethod  string              `json:"retrieval_method"`
	ReasonCode       string              `json:"reason_code,omitempty"`
	ReasoningTrace   []ReasoningStep     `json:"reasoning_trace"`
	ToolCalls        []ToolCallRecord    `json:"tool_calls,omitempty"`
	LatencyMS        int64               `json:"latency_ms"`
}
