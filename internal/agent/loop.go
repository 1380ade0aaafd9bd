package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/llm"
	"github.com/meridian-health/priorauth-cli/internal/model"
)

const (
	// traceObservationLimit bounds observations stored in the working trace.
	traceObservationLimit = 500
	// resultObservationLimit bounds observations in the emitted result.
	resultObservationLimit = 200
)

// LoopOptions tunes the reasoning loop.
type LoopOptions struct {
	MaxIterations int
	Temperature   *float64
	MaxTokens     int64
	SystemPrompt  string
}

// Loop drives the bounded tool-calling state machine for one criterion at a
// time. Each iteration is one model call followed by tool execution; the
// loop ends on finish, a terminal error, or the iteration bound.
type Loop struct {
	client llm.Client
	kit    *Toolkit
	opts   LoopOptions
}

// NewLoop builds a reasoning loop over the completion client and toolkit.
func NewLoop(client llm.Client, kit *Toolkit, opts LoopOptions) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = systemPrompt
	}
	return &Loop{client: client, kit: kit, opts: opts}
}

// finishArgs is the parsed payload of the finish tool call.
type finishArgs struct {
	Status        string  `json:"status"`
	Rationale     string  `json:"rationale"`
	Confidence    float64 `json:"confidence"`
	PolicySection string  `json:"policy_section"`
	PolicyPages   []int   `json:"policy_pages"`
	EvidenceDocID string  `json:"evidence_doc_id"`
	EvidencePage  int     `json:"evidence_page"`
}

// EvaluateCriterion runs the loop for one criterion and always returns a
// result; every failure mode degrades to an uncertain decision.
func (l *Loop) EvaluateCriterion(ctx context.Context, criterionID string, bundle *model.CaseBundle) model.CriterionResult {
	exec := l.kit.NewExecutor(bundle)
	start := time.Now()

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: buildUserPrompt(criterionID, bundle)},
	}

	var trace []model.ReasoningStep
	var toolRecords []model.ToolCallRecord

	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		resp, err := l.client.Complete(ctx, llm.Request{
			System:      l.opts.SystemPrompt,
			Messages:    messages,
			Tools:       ToolDefinitions(),
			ToolChoice:  llm.ToolChoiceAuto,
			Temperature: l.opts.Temperature,
			MaxTokens:   l.opts.MaxTokens,
		})
		if err != nil {
			return l.errorResult(criterionID, bundle, "LLM call failed: "+err.Error(),
				model.ReasonAgentError, trace, toolRecords, start)
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if call.Name != ToolFinish {
				continue
			}
			var args finishArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return l.errorResult(criterionID, bundle, "Failed to parse finish() arguments",
					model.ReasonAgentError, trace, toolRecords, start)
			}
			trace = append(trace, model.ReasoningStep{
				Step:        iteration,
				Action:      ToolFinish,
				Observation: fmt.Sprintf("Status: %s, Confidence: %.2f", args.Status, args.Confidence),
			})
			return l.finishResult(criterionID, bundle, args, exec, trace, toolRecords, start)
		}

		if len(resp.ToolCalls) > 0 {
			var results []llm.ToolResult
			for _, call := range resp.ToolCalls {
				outcome := exec.Execute(ctx, call.Name, call.Args)
				toolRecords = append(toolRecords, model.ToolCallRecord{
					Name:      call.Name,
					Success:   outcome.Success,
					LatencyMS: outcome.LatencyMS,
					Attempts:  outcome.Attempts,
					TimedOut:  outcome.TimedOut,
				})
				trace = append(trace, model.ReasoningStep{
					Step:        iteration,
					Action:      call.Name,
					Observation: truncate(outcome.Payload, traceObservationLimit),
				})
				if outcome.TimedOut {
					return l.errorResult(criterionID, bundle,
						fmt.Sprintf("tool %s timed out after %d attempts", call.Name, outcome.Attempts),
						model.ReasonToolTimeout, trace, toolRecords, start)
				}
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID,
					Content:    outcome.Payload,
					IsError:    !outcome.Success,
				})
			}
			messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
			continue
		}

		if resp.FinishReason == llm.FinishStop {
			return l.errorResult(criterionID, bundle, "Agent stopped without calling finish()",
				model.ReasonAgentError, trace, toolRecords, start)
		}
	}

	return l.errorResult(criterionID, bundle,
		fmt.Sprintf("Max iterations (%d) reached", l.opts.MaxIterations),
		model.ReasonAgentError, trace, toolRecords, start)
}

func (l *Loop) finishResult(
	criterionID string,
	bundle *model.CaseBundle,
	args finishArgs,
	exec *Executor,
	trace []model.ReasoningStep,
	toolRecords []model.ToolCallRecord,
	start time.Time,
) model.CriterionResult {
	status := model.ParseStatus(args.Status)
	confidence := clamp01(args.Confidence)

	reasonCode := ""
	if status == model.StatusUncertain {
		reasonCode = model.ReasonAgentUncertain
	}

	version := bundle.MetadataString("policy_version_id")
	if version == "" {
		version = "v1.0"
	}

	result := model.CriterionResult{
		CriterionID: criterionID,
		Status:      status,
		Citation: model.Citation{
			Doc:     bundle.PolicyDocID(),
			Version: version,
			Section: args.PolicySection,
			Pages:   args.PolicyPages,
		},
		Rationale:  args.Rationale,
		Confidence: confidence,
		// The model's reported scalar is taken as both the final and joint
		// confidence; retrieval and alignment carry fixed priors on this
		// path. The rule path computes a product instead.
		Breakdown: model.ConfidenceBreakdown{
			CTree:  0.9,
			CSpan:  0.85,
			CFinal: confidence,
			CJoint: confidence,
		},
		SearchTrajectory: exec.Trajectory(),
		RetrievalMethod:  model.MethodTreeLLM,
		ReasonCode:       reasonCode,
		ReasoningTrace:   capObservations(trace),
		ToolCalls:        toolRecords,
		LatencyMS:        time.Since(start).Milliseconds(),
	}
	if result.Rationale == "" {
		result.Rationale = "No rationale provided"
	}

	l.logTerminal(result)
	return result
}

func (l *Loop) errorResult(
	criterionID string,
	bundle *model.CaseBundle,
	msg, reasonCode string,
	trace []model.ReasoningStep,
	toolRecords []model.ToolCallRecord,
	start time.Time,
) model.CriterionResult {
	result := model.CriterionResult{
		CriterionID: criterionID,
		Status:      model.StatusUncertain,
		Citation: model.Citation{
			Doc:     bundle.PolicyDocID(),
			Version: "N/A",
			Section: "N/A",
			Pages:   []int{},
		},
		Rationale:       "Agent error: " + msg,
		Confidence:      0,
		Breakdown:       model.ConfidenceBreakdown{},
		RetrievalMethod: model.MethodTreeLLM,
		ReasonCode:      reasonCode,
		ReasoningTrace:  capObservations(trace),
		ToolCalls:       toolRecords,
		LatencyMS:       time.Since(start).Milliseconds(),
	}
	l.logTerminal(result)
	return result
}

func (l *Loop) logTerminal(result model.CriterionResult) {
	zap.L().Info("criterion evaluated",
		zap.String("criterion_id", result.CriterionID),
		zap.String("status", string(result.Status)),
		zap.Float64("confidence", result.Confidence),
		zap.String("reason_code", result.ReasonCode),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.Int64("latency_ms", result.LatencyMS),
	)
}

// capObservations bounds observation text in the emitted trace without
// touching the working copy.
func capObservations(trace []model.ReasoningStep) []model.ReasoningStep {
	out := make([]model.ReasoningStep, len(trace))
	for i, step := range trace {
		step.Observation = truncate(step.Observation, resultObservationLimit)
		out[i] = step
	}
	return out
}

func buildUserPrompt(criterionID string, bundle *model.CaseBundle) string {
	var fields strings.Builder
	for _, f := range bundle.Facts {
		fmt.Fprintf(&fields, "- %s: %v (confidence: %.2f)\n", f.FieldName, f.Value, f.Confidence)
	}
	summary := fields.String()
	if summary == "" {
		summary = "No fields available."
	}

	return fmt.Sprintf(`# Task

Evaluate whether this case meets the requirements for criterion: **%s**

# Available Case Information

The following fields were extracted from case documents:

%s

# Your Task

1. Use search_policy() to find relevant policy requirements
2. Use get_case_fact() to retrieve specific case values as needed
3. Compare policy requirements against case facts
4. Call finish() with your determination

Begin your analysis now.
`, criterionID, summary)
}
