// Package monitoring collects in-process counters for the decision pipeline.
package monitoring

import (
	"sync"
	"time"
)

// ToolStats aggregates calls for one tool.
type ToolStats struct {
	Calls    int `json:"calls"`
	Failures int `json:"failures"`
}

// Snapshot is a point-in-time view of the recorder's counters.
type Snapshot struct {
	// Evaluations counted by routing mode, then by decision status.
	Evaluations map[string]map[string]int `json:"evaluations"`

	// Fallbacks counts LLM evaluations served by the rule path after an
	// agent failure.
	Fallbacks int `json:"fallbacks"`

	// ABAssignments counts A/B draws by arm.
	ABAssignments map[string]int `json:"ab_assignments"`

	// ShadowMismatches counts shadow runs whose paths diverged.
	ShadowMismatches int `json:"shadow_mismatches"`

	// HumanReviews counts decisions routed to a human reviewer.
	HumanReviews int `json:"human_reviews"`

	// Tools aggregates per-tool call outcomes.
	Tools map[string]ToolStats `json:"tools"`

	CollectedAt time.Time `json:"collected_at"`
}

// Recorder accumulates pipeline counters. All methods are safe for
// concurrent use.
type Recorder struct {
	mu               sync.Mutex
	evaluations      map[string]map[string]int
	fallbacks        int
	abAssignments    map[string]int
	shadowMismatches int
	humanReviews     int
	tools            map[string]ToolStats
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		evaluations:   make(map[string]map[string]int),
		abAssignments: make(map[string]int),
		tools:         make(map[string]ToolStats),
	}
}

// RecordEvaluation counts one completed criterion evaluation.
func (r *Recorder) RecordEvaluation(mode, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byStatus, ok := r.evaluations[mode]
	if !ok {
		byStatus = make(map[string]int)
		r.evaluations[mode] = byStatus
	}
	byStatus[status]++
}

// RecordFallback counts one rule-path fallback after an agent failure.
func (r *Recorder) RecordFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks++
}

// RecordABAssignment counts one A/B draw for the given arm.
func (r *Recorder) RecordABAssignment(arm string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abAssignments[arm]++
}

// RecordShadowMismatch counts one shadow-mode divergence.
func (r *Recorder) RecordShadowMismatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadowMismatches++
}

// RecordHumanReview counts one decision routed to human review.
func (r *Recorder) RecordHumanReview() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.humanReviews++
}

// RecordToolCall counts one tool invocation.
func (r *Recorder) RecordToolCall(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.tools[name]
	stats.Calls++
	if !success {
		stats.Failures++
	}
	r.tools[name] = stats
}

// Snapshot returns a deep copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	evaluations := make(map[string]map[string]int, len(r.evaluations))
	for mode, byStatus := range r.evaluations {
		inner := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			inner[status] = n
		}
		evaluations[mode] = inner
	}

	abAssignments := make(map[string]int, len(r.abAssignments))
	for arm, n := range r.abAssignments {
		abAssignments[arm] = n
	}

	tools := make(map[string]ToolStats, len(r.tools))
	for name, stats := range r.tools {
		tools[name] = stats
	}

	return Snapshot{
		Evaluations:      evaluations,
		Fallbacks:        r.fallbacks,
		ABAssignments:    abAssignments,
		ShadowMismatches: r.shadowMismatches,
		HumanReviews:     r.humanReviews,
		Tools:            tools,
		CollectedAt:      time.Now().UTC(),
	}
}
