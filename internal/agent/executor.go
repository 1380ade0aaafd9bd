package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-health/priorauth-cli/internal/evidence"
	"github.com/meridian-health/priorauth-cli/internal/model"
	"github.com/meridian-health/priorauth-cli/internal/resilience"
)

// PolicySearcher is the retrieval capability the executor needs.
type PolicySearcher interface {
	Search(ctx context.Context, query, docID string) model.RetrievalResult
	NarrowNode(ctx context.Context, docID, nodeID, query string) ([]model.Span, error)
}

// EvidenceSearcher is the clinical-evidence capability behind pubmed_search.
type EvidenceSearcher interface {
	Search(ctx context.Context, condition, treatment string) ([]evidence.Study, string, error)
}

// ToolMetrics records tool telemetry. A nil recorder disables it.
type ToolMetrics interface {
	RecordToolCall(name string, success bool)
}

// ExecOptions controls per-tool execution policy.
type ExecOptions struct {
	// DefaultTimeout bounds a single tool attempt.
	DefaultTimeout time.Duration
	// TimeoutOverrides replaces the default for named tools.
	TimeoutOverrides map[string]time.Duration
	// RetryLimit is the number of extra attempts granted after a timeout.
	// Non-timeout failures never retry; they go back to the model as
	// failure observations instead.
	RetryLimit int
	// RateLimits caps calls per minute for named tools.
	RateLimits map[string]int
}

// DefaultExecOptions mirror the production tuning.
func DefaultExecOptions() ExecOptions {
	return ExecOptions{
		DefaultTimeout: 12 * time.Second,
		RetryLimit:     1,
		RateLimits: map[string]int{
			ToolPubMedSearch: 30,
			ToolSearchPolicy: 120,
		},
	}
}

// Toolkit holds the dependencies shared by all evaluations: the retrieval
// orchestrator, the evidence client, and the per-tool rate limiters.
type Toolkit struct {
	search   PolicySearcher
	pubmed   EvidenceSearcher
	opts     ExecOptions
	limiters map[string]*rate.Limiter
	metrics  ToolMetrics
}

// NewToolkit builds the shared tool dependencies. pubmed and metrics may be
// nil.
func NewToolkit(search PolicySearcher, pubmed EvidenceSearcher, opts ExecOptions, metrics ToolMetrics) *Toolkit {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 12 * time.Second
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = 0
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimits))
	for name, perMinute := range opts.RateLimits {
		if perMinute <= 0 {
			continue
		}
		limiters[name] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	return &Toolkit{search: search, pubmed: pubmed, opts: opts, limiters: limiters, metrics: metrics}
}

// NewExecutor builds a per-evaluation executor. The node cache is scoped to
// one criterion evaluation and discarded with the executor.
func (t *Toolkit) NewExecutor(bundle *model.CaseBundle) *Executor {
	return &Executor{
		kit:       t,
		bundle:    bundle,
		nodeCache: make(map[string]model.NodeReference),
	}
}

// Executor runs tools for a single criterion evaluation.
type Executor struct {
	kit        *Toolkit
	bundle     *model.CaseBundle
	nodeCache  map[string]model.NodeReference
	trajectory []string
}

// Outcome is the result of one tool invocation.
type Outcome struct {
	// Payload is the JSON observation handed back to the model.
	Payload string
	// Success mirrors the payload's success flag.
	Success bool
	// Attempts counts every attempt including retries after timeouts.
	Attempts int
	// TimedOut marks timeout exhaustion, a terminal condition for the loop.
	TimedOut  bool
	LatencyMS int64
}

// Trajectory returns the search paths accumulated by search_policy calls.
func (e *Executor) Trajectory() []string {
	return e.trajectory
}

type handler func(ctx context.Context, args map[string]any) (any, error)

// Execute dispatches one tool call, applying the rate limit, the per-tool
// timeout, and the timeout-only retry policy.
func (e *Executor) Execute(ctx context.Context, name string, rawArgs json.RawMessage) Outcome {
	start := time.Now()
	args := map[string]any{}
	if len(rawArgs) > 0 {
		// Malformed arguments degrade to an empty map; the handler reports
		// the missing parameter as a failure observation.
		_ = json.Unmarshal(rawArgs, &args)
	}

	fn, known := e.handlers()[name]
	if !known {
		return e.finishOutcome(name, start, failurePayload(fmt.Sprintf("Unknown tool: %s", name), ""), 1)
	}

	if limiter, ok := e.kit.limiters[name]; ok && !limiter.Allow() {
		return e.finishOutcome(name, start,
			failurePayload(fmt.Sprintf("rate limit exceeded for %s", name), model.ReasonRateLimited), 1)
	}

	timeout := e.kit.opts.DefaultTimeout
	if override, ok := e.kit.opts.TimeoutOverrides[name]; ok && override > 0 {
		timeout = override
	}

	attempts := 0
	for {
		attempts++
		payload, err := resilience.RunWithTimeout(ctx, name, timeout, func(ctx context.Context) (any, error) {
			return fn(ctx, args)
		})
		if err == nil {
			return e.finishOutcome(name, start, successPayload(payload), attempts)
		}
		if resilience.IsTimeout(err) {
			if attempts <= e.kit.opts.RetryLimit {
				continue
			}
			out := e.finishOutcome(name, start,
				failurePayload(err.Error(), model.ReasonToolTimeout), attempts)
			out.TimedOut = true
			return out
		}
		return e.finishOutcome(name, start, failurePayload(err.Error(), ""), attempts)
	}
}

func (e *Executor) finishOutcome(name string, start time.Time, payload map[string]any, attempts int) Outcome {
	success, _ := payload["success"].(bool)
	data, err := json.Marshal(payload)
	if err != nil {
		success = false
		data = []byte(`{"success":false,"error":"unencodable tool result"}`)
	}
	if e.kit.metrics != nil {
		e.kit.metrics.RecordToolCall(name, success)
	}
	return Outcome{
		Payload:   string(data),
		Success:   success,
		Attempts:  attempts,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

func successPayload(payload any) map[string]any {
	m, ok := payload.(map[string]any)
	if !ok {
		return map[string]any{"success": true, "result": payload}
	}
	if _, has := m["success"]; !has {
		m["success"] = true
	}
	return m
}

func failurePayload(msg, reasonCode string) map[string]any {
	payload := map[string]any{"success": false, "error": msg}
	if reasonCode != "" {
		payload["reason_code"] = reasonCode
	}
	return payload
}

func (e *Executor) handlers() map[string]handler {
	return map[string]handler{
		ToolSearchPolicy:         e.searchPolicy,
		ToolGetCaseFact:          e.getCaseFact,
		ToolNarrowNodeSpans:      e.narrowNodeSpans,
		ToolXrefCriterion:        e.xrefCriterion,
		ToolPolicyVersionAsOf:    e.policyVersionAsOf,
		ToolAggregateConfidence:  e.aggregateConfidence,
		ToolDetectContradictions: e.detectContradictions,
		ToolPubMedSearch:         e.pubmedSearch,
		ToolValidateCodes:        e.validateCodes,
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (e *Executor) searchPolicy(ctx context.Context, args map[string]any) (any, error) {
	query := argString(args, "query")
	if query == "" {
		return failurePayload("query is required", ""), nil
	}
	docID := e.bundle.PolicyDocID()
	if docID == "" {
		return map[string]any{
			"success": false,
			"error":   "policy_document_id not found in case bundle metadata",
			"message": "Cannot search policy without document ID.",
		}, nil
	}

	result := e.kit.search.Search(ctx, query, docID)
	e.trajectory = append(e.trajectory, result.Trajectory...)

	nodes := make([]map[string]any, 0, len(result.Nodes))
	for i, node := range result.Nodes {
		e.nodeCache[node.NodeID] = node
		preview := ""
		if i < len(result.Spans) {
			preview = truncate(result.Spans[i].Text, 200)
		}
		nodes = append(nodes, map[string]any{
			"node_id":      node.NodeID,
			"title":        node.Title,
			"section":      node.Section,
			"pages":        node.Pages,
			"text_preview": preview,
		})
	}

	payload := map[string]any{
		"success":          result.Success(),
		"nodes":            nodes,
		"trajectory":       result.Trajectory,
		"confidence":       result.Confidence,
		"retrieval_method": result.Method,
	}
	if result.ReasonCode != "" {
		payload["reason_code"] = result.ReasonCode
	}
	if result.Err != "" {
		payload["error"] = result.Err
	}
	return payload, nil
}

var fieldNameSep = strings.NewReplacer(" ", "_", "-", "_")

func (e *Executor) getCaseFact(_ context.Context, args map[string]any) (any, error) {
	fieldName := argString(args, "field_name")
	if fieldName == "" {
		return failurePayload("field_name is required", ""), nil
	}
	normalized := fieldNameSep.Replace(strings.ToLower(fieldName))

	for _, fact := range e.bundle.Facts {
		if fieldNameSep.Replace(strings.ToLower(fact.FieldName)) == normalized {
			return map[string]any{
				"success":    true,
				"field_name": fact.FieldName,
				"value":      fact.Value,
				"confidence": fact.Confidence,
				"doc_id":     fact.DocID,
				"page":       fact.Page,
				"bbox":       fact.BBox,
			}, nil
		}
	}

	available := make([]string, 0, len(e.bundle.Facts))
	for _, fact := range e.bundle.Facts {
		available = append(available, fact.FieldName)
	}
	return map[string]any{
		"success":          false,
		"message":          fmt.Sprintf("Field '%s' not found in case bundle.", fieldName),
		"available_fields": available,
	}, nil
}

func (e *Executor) narrowNodeSpans(ctx context.Context, args map[string]any) (any, error) {
	nodeID := argString(args, "node_id")
	query := argString(args, "query")
	if nodeID == "" || query == "" {
		return failurePayload("node_id and query are required", ""), nil
	}
	node, cached := e.nodeCache[nodeID]
	if !cached {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("Node %s not found. Call search_policy first.", nodeID),
		}, nil
	}

	spans, err := e.kit.search.NarrowNode(ctx, node.DocID, nodeID, query)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return map[string]any{
			"success": false,
			"message": "No paragraphs in the node matched the query.",
			"node_id": nodeID,
		}, nil
	}

	ranked := make([]map[string]any, 0, len(spans))
	for _, span := range spans {
		ranked = append(ranked, map[string]any{
			"text":  span.Text,
			"score": span.Score,
		})
	}
	return map[string]any{"success": true, "node_id": nodeID, "spans": ranked}, nil
}

var criterionTokens = regexp.MustCompile(`[^a-z0-9]+`)

func (e *Executor) xrefCriterion(_ context.Context, args map[string]any) (any, error) {
	criterionID := argString(args, "criterion_id")
	if criterionID == "" {
		return failurePayload("criterion_id is required", ""), nil
	}

	var tokens []string
	for _, tok := range criterionTokens.Split(strings.ToLower(criterionID), -1) {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}

	var related []map[string]any
	var citations []map[string]any
	for _, node := range e.nodeCache {
		title := strings.ToLower(node.Title)
		for _, tok := range tokens {
			if strings.Contains(title, tok) {
				related = append(related, map[string]any{
					"node_id": node.NodeID,
					"title":   node.Title,
					"section": node.Section,
					"reason":  "title_match",
				})
				for _, page := range node.Pages {
					citations = append(citations, map[string]any{
						"page":    page,
						"section": node.Section,
					})
				}
				break
			}
		}
	}

	return map[string]any{
		"success":       true,
		"criterion_id":  criterionID,
		"related_nodes": related,
		"citations":     citations,
	}, nil
}

func (e *Executor) policyVersionAsOf(_ context.Context, args map[string]any) (any, error) {
	policyID := argString(args, "policy_id")
	asOf := argString(args, "as_of_date")

	versionID := e.bundle.MetadataString("policy_version_id")
	if versionID == "" {
		versionID = e.bundle.MetadataString("version_id")
	}
	if versionID == "" {
		versionID = "unknown"
	}

	return map[string]any{
		"success":         true,
		"policy_id":       policyID,
		"as_of_date":      asOf,
		"version_id":      versionID,
		"effective_start": e.bundle.MetadataString("effective_start"),
		"effective_end":   e.bundle.MetadataString("effective_end"),
		"diffs":           []any{},
	}, nil
}

func (e *Executor) aggregateConfidence(_ context.Context, args map[string]any) (any, error) {
	results, _ := args["criteria_results"].([]any)
	if len(results) == 0 {
		return map[string]any{"success": true, "score": 0.0, "per_criterion": []any{}}, nil
	}

	perCriterion := make([]map[string]any, 0, len(results))
	total := 0.0
	for _, raw := range results {
		res, _ := raw.(map[string]any)
		id, _ := res["id"].(string)
		if id == "" {
			id = "unknown"
		}

		var score float64
		var drivers []string
		if c, ok := res["confidence"].(float64); ok {
			score = clamp01(c)
			drivers = append(drivers, "provided_confidence")
		} else {
			switch strings.ToLower(fmt.Sprint(res["status"])) {
			case "met":
				score = 0.85
			case "missing":
				score = 0.15
			default:
				score = 0.5
			}
		}
		if status, ok := res["status"].(string); ok && status != "" {
			drivers = append(drivers, "status:"+status)
		}

		total += score
		perCriterion = append(perCriterion, map[string]any{
			"id":      id,
			"score":   score,
			"drivers": drivers,
		})
	}

	return map[string]any{
		"success":       true,
		"score":         total / float64(len(results)),
		"per_criterion": perCriterion,
	}, nil
}

func (e *Executor) detectContradictions(_ context.Context, args map[string]any) (any, error) {
	findings, _ := args["findings"].([]any)

	var conflicts []map[string]any
	for _, raw := range findings {
		finding, _ := raw.(map[string]any)
		criterionID, _ := finding["criterion_id"].(string)
		if criterionID == "" {
			criterionID = "unknown"
		}
		evidenceList, _ := finding["evidence"].([]any)

		var support, oppose []any
		for _, item := range evidenceList {
			ev, _ := item.(map[string]any)
			switch strings.ToLower(fmt.Sprint(ev["stance"])) {
			case "support":
				support = append(support, ev)
			case "oppose":
				oppose = append(oppose, ev)
			}
		}
		if len(support) > 0 && len(oppose) > 0 {
			conflicts = append(conflicts, map[string]any{
				"criterion_id": criterionID,
				"reason":       "support_and_oppose_present",
				"conflicting_evidence": map[string]any{
					"support": cap5(support),
					"oppose":  cap5(oppose),
				},
			})
		}
	}

	return map[string]any{"success": true, "conflicts": conflicts, "resolved": false}, nil
}

func (e *Executor) pubmedSearch(ctx context.Context, args map[string]any) (any, error) {
	condition := argString(args, "condition")
	treatment := argString(args, "treatment")

	if e.kit.pubmed == nil {
		return map[string]any{
			"success":   true,
			"condition": condition,
			"treatment": treatment,
			"studies":   []any{},
			"summary":   "PubMed search not connected; returning no studies in offline mode.",
		}, nil
	}

	studies, summary, err := e.kit.pubmed.Search(ctx, condition, treatment)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":   true,
		"condition": condition,
		"treatment": treatment,
		"studies":   studies,
		"summary":   summary,
	}, nil
}

// icd10Pattern excludes the reserved 'U' block per ICD-10-CM.
var (
	icd10Pattern = regexp.MustCompile(`^[A-TV-Z][0-9]{2}(?:\.[A-Z0-9]{1,4})?$`)
	cptPattern   = regexp.MustCompile(`^[0-9]{5}$`)
)

func (e *Executor) validateCodes(_ context.Context, args map[string]any) (any, error) {
	var icdValid, cptValid bool
	var icdNorm, cptNorm string
	var suggestions []string

	if raw := argString(args, "icd10"); raw != "" {
		icdNorm = strings.ToUpper(strings.TrimSpace(raw))
		icdValid = icd10Pattern.MatchString(icdNorm)
		if !icdValid && len(icdNorm) >= 4 && !strings.Contains(icdNorm, ".") {
			candidate := icdNorm[:3] + "." + icdNorm[3:]
			if icd10Pattern.MatchString(candidate) {
				suggestions = append(suggestions, candidate)
			}
		}
	}
	if raw := argString(args, "cpt"); raw != "" {
		cptNorm = strings.TrimSpace(raw)
		cptValid = cptPattern.MatchString(cptNorm)
	}

	if suggestions == nil {
		suggestions = []string{}
	}
	return map[string]any{
		"success":    true,
		"valid":      icdValid || cptValid,
		"normalized": map[string]any{"icd10": icdNorm, "cpt": cptNorm},
		"suggested":  suggestions,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cap5(items []any) []any {
	if len(items) > 5 {
		return items[:5]
	}
	return items
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
