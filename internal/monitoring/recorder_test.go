package monitoring

import (
	"sync"
	"testing"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder()

	r.RecordEvaluation("heuristic", "met")
	r.RecordEvaluation("heuristic", "met")
	r.RecordEvaluation("llm", "uncertain")
	r.RecordFallback()
	r.RecordABAssignment("llm")
	r.RecordABAssignment("heuristic")
	r.RecordShadowMismatch()
	r.RecordHumanReview()
	r.RecordToolCall("search_policy", true)
	r.RecordToolCall("search_policy", false)
	r.RecordToolCall("get_case_fact", true)

	snap := r.Snapshot()
	if snap.Evaluations["heuristic"]["met"] != 2 {
		t.Errorf("heuristic/met = %d", snap.Evaluations["heuristic"]["met"])
	}
	if snap.Evaluations["llm"]["uncertain"] != 1 {
		t.Errorf("llm/uncertain = %d", snap.Evaluations["llm"]["uncertain"])
	}
	if snap.Fallbacks != 1 {
		t.Errorf("fallbacks = %d", snap.Fallbacks)
	}
	if snap.ABAssignments["llm"] != 1 || snap.ABAssignments["heuristic"] != 1 {
		t.Errorf("ab = %v", snap.ABAssignments)
	}
	if snap.ShadowMismatches != 1 {
		t.Errorf("shadow mismatches = %d", snap.ShadowMismatches)
	}
	if snap.HumanReviews != 1 {
		t.Errorf("human reviews = %d", snap.HumanReviews)
	}
	if got := snap.Tools["search_policy"]; got.Calls != 2 || got.Failures != 1 {
		t.Errorf("search_policy stats = %+v", got)
	}
	if got := snap.Tools["get_case_fact"]; got.Calls != 1 || got.Failures != 0 {
		t.Errorf("get_case_fact stats = %+v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRecorder()
	r.RecordEvaluation("llm", "met")

	snap := r.Snapshot()
	snap.Evaluations["llm"]["met"] = 99
	snap.Tools["injected"] = ToolStats{Calls: 1}

	fresh := r.Snapshot()
	if fresh.Evaluations["llm"]["met"] != 1 {
		t.Errorf("snapshot mutation leaked into recorder: %v", fresh.Evaluations)
	}
	if _, ok := fresh.Tools["injected"]; ok {
		t.Error("tool map shared with snapshot")
	}
}

func TestRecorderConcurrency(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordEvaluation("llm", "met")
				r.RecordToolCall("search_policy", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	if snap.Evaluations["llm"]["met"] != 800 {
		t.Errorf("evaluations = %d, want 800", snap.Evaluations["llm"]["met"])
	}
	if snap.Tools["search_policy"].Calls != 800 {
		t.Errorf("tool calls = %d, want 800", snap.Tools["search_policy"].Calls)
	}
}
