package rules

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

func fact(field string, value any, conf float64) model.Fact {
	return model.Fact{FieldName: field, Value: value, Confidence: conf}
}

func approvedCase() []model.Fact {
	return []model.Fact{
		fact("age", 45.0, 1.0),
		fact("primary_diagnosis", "M54.5", 0.95),
		fact("conservative_treatment_weeks", 8.0, 0.90),
	}
}

func TestValidateApprovedCase(t *testing.T) {
	v := NewValidator(DefaultRuleSet())
	result := v.Validate("LCD-L34220:default", approvedCase())

	if result.Status != StatusReady {
		t.Fatalf("status = %q, want ready (rationale: %s)", result.Status, result.Rationale)
	}
	if result.ReasonCode != "" {
		t.Errorf("reason_code = %q, want empty", result.ReasonCode)
	}
	if result.DecisionStatus() != model.StatusMet {
		t.Errorf("decision status = %s, want met", result.DecisionStatus())
	}
	// Overall confidence is the minimum of the critical checks.
	if result.OverallConfidence != 0.90 {
		t.Errorf("overall confidence = %f, want 0.90", result.OverallConfidence)
	}
}

func TestValidateUnderage(t *testing.T) {
	facts := approvedCase()
	facts[0] = fact("age", 16.0, 1.0)

	v := NewValidator(DefaultRuleSet())
	result := v.Validate("LCD-L34220:default", facts)

	if result.Status != StatusNotReady {
		t.Fatalf("status = %q, want not_ready", result.Status)
	}
	if result.ReasonCode != model.ReasonCriteriaNotMet {
		t.Errorf("reason_code = %q, want criteria_not_met", result.ReasonCode)
	}
	if result.DecisionStatus() != model.StatusMissing {
		t.Errorf("decision status = %s, want missing", result.DecisionStatus())
	}
}

func TestValidateLowConfidenceDiagnosis(t *testing.T) {
	facts := approvedCase()
	facts[1] = fact("primary_diagnosis", "M54.5", 0.50)

	v := NewValidator(DefaultRuleSet())
	result := v.Validate("LCD-L34220:default", facts)

	if result.Status != StatusUnknown {
		t.Fatalf("status = %q, want uncertain", result.Status)
	}
	if result.ReasonCode != model.ReasonInsufficientDocumentation {
		t.Errorf("reason_code = %q, want insufficient_documentation", result.ReasonCode)
	}
}

func TestValidateRedFlagBypass(t *testing.T) {
	facts := []model.Fact{
		fact("age", 45.0, 1.0),
		fact("primary_diagnosis", "M54.5", 0.95),
		fact("conservative_treatment_weeks", 0.0, 0.90),
		fact("red_flag_confirmed", true, 0.95),
		fact("red_flag_type", "progressive neurological deficit", 0.95),
	}

	v := NewValidator(DefaultRuleSet())
	result := v.Validate("LCD-L34220:default", facts)

	if result.Status != StatusReady {
		t.Fatalf("status = %q, want ready (rationale: %s)", result.Status, result.Rationale)
	}
	treatment := result.Checks["treatment"]
	if !treatment.Valid {
		t.Error("treatment check not bypassed")
	}
	if treatment.Reason != "Conservative treatment requirement bypassed due to red flags" {
		t.Errorf("treatment reason = %q", treatment.Reason)
	}
}

func TestValidateUnapprovedDiagnosis(t *testing.T) {
	facts := approvedCase()
	facts[1] = fact("primary_diagnosis", "M79.3", 0.95)

	v := NewValidator(DefaultRuleSet())
	result := v.Validate("LCD-L34220:default", facts)

	if result.Status != StatusNotReady {
		t.Fatalf("status = %q, want not_ready", result.Status)
	}
	if result.ReasonCode != model.ReasonCriteriaNotMet {
		t.Errorf("reason_code = %q", result.ReasonCode)
	}
}

func TestValidateIsPure(t *testing.T) {
	v := NewValidator(DefaultRuleSet())
	facts := approvedCase()

	first := v.Validate("c1", facts)
	for i := 0; i < 10; i++ {
		again := v.Validate("c1", facts)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, first, again)
		}
	}
}

func TestValidateMonotonicity(t *testing.T) {
	// Raising a fact's confidence above threshold must not downgrade a
	// passing sub-check, holding the other categories fixed.
	v := NewValidator(DefaultRuleSet())
	facts := approvedCase()
	base := v.Validate("c1", facts)
	if !base.Checks["age"].Valid {
		t.Fatal("age check not valid in base case")
	}

	for _, conf := range []float64{0.76, 0.85, 0.99, 1.0} {
		facts[0] = fact("age", 45.0, conf)
		result := v.Validate("c1", facts)
		if !result.Checks["age"].Valid {
			t.Errorf("age check failed at confidence %f", conf)
		}
	}
}

func TestValidateMissingFacts(t *testing.T) {
	v := NewValidator(DefaultRuleSet())
	result := v.Validate("c1", nil)

	if result.Status != StatusUnknown {
		t.Fatalf("status = %q, want uncertain", result.Status)
	}
	if result.OverallConfidence != 0 {
		t.Errorf("overall confidence = %f, want 0", result.OverallConfidence)
	}
}

func TestValidateSecondaryDiagnosisCounts(t *testing.T) {
	facts := []model.Fact{
		fact("age", 45.0, 1.0),
		fact("primary_diagnosis", "Z99.9", 0.95),
		fact("secondary_diagnosis", "M48.06", 0.90),
		fact("conservative_treatment_weeks", 8.0, 0.90),
	}

	v := NewValidator(DefaultRuleSet())
	result := v.Validate("c1", facts)

	if result.Status != StatusReady {
		t.Fatalf("status = %q, want ready (rationale: %s)", result.Status, result.Rationale)
	}
}

func TestValidateNonNumericAge(t *testing.T) {
	facts := approvedCase()
	facts[0] = fact("age", "forty-five", 0.95)

	v := NewValidator(DefaultRuleSet())
	result := v.Validate("c1", facts)

	// Non-numeric value zeroes the check confidence, so the case becomes
	// uncertain rather than not_ready.
	if result.Status != StatusUnknown {
		t.Fatalf("status = %q, want uncertain", result.Status)
	}
}

func TestDecisionStatusMapping(t *testing.T) {
	cases := map[string]model.DecisionStatus{
		"ready":     model.StatusMet,
		"not_ready": model.StatusMissing,
		"not-ready": model.StatusMissing,
		"uncertain": model.StatusUncertain,
		"bogus":     model.StatusUncertain,
	}
	for status, want := range cases {
		got := CriterionValidation{Status: status}.DecisionStatus()
		if got != want {
			t.Errorf("DecisionStatus(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestLoadRuleSetOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	yaml := "min_age: 21\nconfidence_threshold: 0.8\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	rs, err := LoadRuleSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rs.MinAge != 21 {
		t.Errorf("min_age = %d", rs.MinAge)
	}
	if rs.ConfidenceThreshold != 0.8 {
		t.Errorf("confidence_threshold = %f", rs.ConfidenceThreshold)
	}
	// Unset fields keep defaults.
	if rs.MinTreatmentWeeks != 6 {
		t.Errorf("min_treatment_weeks = %d", rs.MinTreatmentWeeks)
	}
	if len(rs.ApprovedDiagnoses) == 0 {
		t.Error("approved diagnoses lost")
	}
}

func TestLoadRuleSetBadThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("confidence_threshold: 1.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRuleSet(path); err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}
}
