package safety

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

func decision(status model.DecisionStatus, confidence float64) model.CriterionResult {
	return model.CriterionResult{
		CriterionID: "lumbar-mri-pt",
		Status:      status,
		Confidence:  confidence,
		Breakdown: model.ConfidenceBreakdown{
			CTree: 0.9, CSpan: 0.85, CFinal: confidence, CJoint: confidence,
		},
	}
}

func sampler(results ...model.CriterionResult) Sampler {
	i := 0
	return func(context.Context) (model.CriterionResult, error) {
		if i >= len(results) {
			return model.CriterionResult{}, errors.New("sampler exhausted")
		}
		r := results[i]
		i++
		return r, nil
	}
}

func TestSelfConsistencySkipsConfidentDecisions(t *testing.T) {
	cal := New(Options{})
	called := false
	resample := func(context.Context) (model.CriterionResult, error) {
		called = true
		return decision(model.StatusMet, 0.9), nil
	}

	in := decision(model.StatusMet, 0.8)
	out := cal.SelfConsistency(context.Background(), in, resample)
	if called {
		t.Error("resample must not run at or above the trigger")
	}
	if out.Confidence != 0.8 {
		t.Errorf("confidence = %v", out.Confidence)
	}
}

func TestSelfConsistencyMajorityVote(t *testing.T) {
	cal := New(Options{SelfConsistencyK: 3, SelfConsistencyTrigger: 0.7})
	in := decision(model.StatusUncertain, 0.5)
	out := cal.SelfConsistency(context.Background(), in,
		sampler(decision(model.StatusMet, 0.8), decision(model.StatusMet, 0.9)))

	if out.Status != model.StatusMet {
		t.Fatalf("status = %s", out.Status)
	}
	want := (0.8 + 0.9) / 2
	if math.Abs(out.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", out.Confidence, want)
	}
	if out.Breakdown.CJoint != out.Confidence {
		t.Errorf("breakdown not updated: %+v", out.Breakdown)
	}
}

func TestSelfConsistencyTieResolvesUncertain(t *testing.T) {
	cal := New(Options{SelfConsistencyK: 2, SelfConsistencyTrigger: 0.7})
	in := decision(model.StatusMet, 0.6)
	out := cal.SelfConsistency(context.Background(), in,
		sampler(decision(model.StatusMissing, 0.65)))

	if out.Status != model.StatusUncertain {
		t.Errorf("status = %s, tie must resolve to uncertain", out.Status)
	}
}

func TestSelfConsistencySamplerFailureShrinksPool(t *testing.T) {
	cal := New(Options{SelfConsistencyK: 3, SelfConsistencyTrigger: 0.7})
	in := decision(model.StatusMet, 0.6)
	// One good sample, then the sampler fails. The vote proceeds with 2.
	out := cal.SelfConsistency(context.Background(), in,
		sampler(decision(model.StatusMet, 0.8)))

	if out.Status != model.StatusMet {
		t.Errorf("status = %s", out.Status)
	}
	want := (0.6 + 0.8) / 2
	if math.Abs(out.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", out.Confidence, want)
	}
}

func TestSelfConsistencyAllFailuresReturnOriginal(t *testing.T) {
	cal := New(Options{SelfConsistencyK: 3, SelfConsistencyTrigger: 0.7})
	in := decision(model.StatusMet, 0.6)
	out := cal.SelfConsistency(context.Background(), in, sampler())
	if out.Status != model.StatusMet || out.Confidence != 0.6 {
		t.Errorf("result changed without a vote: %+v", out)
	}
}

func TestConformalThresholdQuantile(t *testing.T) {
	cal := New(Options{ConformalAlpha: 0.1})

	// n=9, k=ceil(10*0.9)=9: the largest nonconformity.
	scores := []float64{0.95, 0.9, 0.85, 0.8, 0.75, 0.7, 0.65, 0.6, 0.55}
	got := cal.ConformalThreshold(scores)
	if math.Abs(got-0.45) > 1e-9 {
		t.Errorf("threshold = %v, want 0.45", got)
	}

	// n=19, k=ceil(20*0.9)=18: the second-largest nonconformity.
	scores = make([]float64, 19)
	for i := range scores {
		scores[i] = 1 - float64(i+1)/100 // nonconformity 0.01..0.19
	}
	got = cal.ConformalThreshold(scores)
	if math.Abs(got-0.18) > 1e-9 {
		t.Errorf("threshold = %v, want 0.18", got)
	}
}

func TestConformalThresholdEmptyPool(t *testing.T) {
	cal := New(Options{})
	if got := cal.ConformalThreshold(nil); got != 0 {
		t.Errorf("threshold = %v, want 0", got)
	}
}

func TestApplyConformal(t *testing.T) {
	cal := New(Options{})

	flagged := cal.ApplyConformal(decision(model.StatusMet, 0.6), 0.3)
	if flagged.Status != model.StatusUncertain {
		t.Errorf("status = %s", flagged.Status)
	}
	if flagged.ReasonCode != model.ReasonConformalAmbiguity {
		t.Errorf("reason code = %q", flagged.ReasonCode)
	}

	passed := cal.ApplyConformal(decision(model.StatusMet, 0.9), 0.3)
	if passed.Status != model.StatusMet {
		t.Errorf("status = %s", passed.Status)
	}

	// Empty pool disables the gate entirely.
	skipped := cal.ApplyConformal(decision(model.StatusMet, 0.1), 0)
	if skipped.Status != model.StatusMet {
		t.Errorf("status = %s, zero threshold must be a no-op", skipped.Status)
	}
}

func TestShouldRouteToHuman(t *testing.T) {
	cal := New(Options{HighImpactThreshold: 0.85})
	cases := []struct {
		result model.CriterionResult
		want   bool
	}{
		{decision(model.StatusUncertain, 0.99), true},
		{decision(model.StatusMet, 0.84), true},
		{decision(model.StatusMet, 0.85), false},
		{decision(model.StatusMissing, 0.5), true},
		{decision(model.StatusMissing, 0.9), false},
	}
	for i, tc := range cases {
		if got := cal.ShouldRouteToHuman(tc.result); got != tc.want {
			t.Errorf("case %d: got %v, want %v", i, got, tc.want)
		}
	}
}
