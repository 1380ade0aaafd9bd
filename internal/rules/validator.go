package rules

import (
	"fmt"
	"strings"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

// Validation statuses. They map onto decision statuses via DecisionStatus.
const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
	StatusUnknown  = "uncertain"
)

// CheckResult is the outcome of one sub-check (age, diagnosis, red flags,
// treatment duration).
type CheckResult struct {
	Valid           bool         `json:"valid"`
	Confidence      float64      `json:"confidence"`
	Reason          string       `json:"reason"`
	SupportingFacts []model.Fact `json:"supporting_facts,omitempty"`
}

// CriterionValidation is the complete validation verdict for one criterion.
type CriterionValidation struct {
	CriterionID       string                 `json:"criterion_id"`
	Status            string                 `json:"status"`
	Checks            map[string]CheckResult `json:"checks"`
	OverallConfidence float64                `json:"overall_confidence"`
	Rationale         string                 `json:"rationale"`
	ReasonCode        string                 `json:"reason_code,omitempty"`
}

// DecisionStatus maps the validation status onto the decision enum:
// ready becomes met, not_ready becomes missing, anything else uncertain.
func (v CriterionValidation) DecisionStatus() model.DecisionStatus {
	switch strings.ReplaceAll(strings.ToLower(v.Status), "-", "_") {
	case StatusReady:
		return model.StatusMet
	case StatusNotReady:
		return model.StatusMissing
	default:
		return model.StatusUncertain
	}
}

// Validator applies the rule set to case facts.
type Validator struct {
	rules    RuleSet
	approved map[string]struct{}
}

// NewValidator builds a validator over the given rule set.
func NewValidator(rs RuleSet) *Validator {
	approved := make(map[string]struct{}, len(rs.ApprovedDiagnoses))
	for _, code := range rs.ApprovedDiagnoses {
		approved[code] = struct{}{}
	}
	return &Validator{rules: rs, approved: approved}
}

// Validate runs every sub-check over the facts and aggregates the result.
// The red-flag check runs before treatment because a valid red flag bypasses
// the treatment-duration requirement.
func (v *Validator) Validate(criterionID string, facts []model.Fact) CriterionValidation {
	byField := groupByField(facts)
	checks := make(map[string]CheckResult, 4)

	checks["age"] = v.checkAge(byField["age"])

	diagnosisFacts := append(append([]model.Fact{}, byField["primary_diagnosis"]...), byField["secondary_diagnosis"]...)
	checks["diagnosis"] = v.checkDiagnosis(diagnosisFacts)

	redFlags := v.checkRedFlags(byField)
	checks["red_flags"] = redFlags

	checks["treatment"] = v.checkTreatment(byField["conservative_treatment_weeks"], redFlags.Valid)

	return v.aggregate(criterionID, checks)
}

func groupByField(facts []model.Fact) map[string][]model.Fact {
	grouped := make(map[string][]model.Fact)
	for _, f := range facts {
		if f.FieldName == "" {
			continue
		}
		grouped[f.FieldName] = append(grouped[f.FieldName], f)
	}
	return grouped
}

// highestConfidence returns the fact with the largest confidence. Ties keep
// the earlier fact.
func highestConfidence(facts []model.Fact) model.Fact {
	best := facts[0]
	for _, f := range facts[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	return best
}

func (v *Validator) checkAge(ageFacts []model.Fact) CheckResult {
	if len(ageFacts) == 0 {
		return CheckResult{Reason: "Age information missing"}
	}

	fact := highestConfidence(ageFacts)
	if fact.Confidence < v.rules.ConfidenceThreshold {
		return CheckResult{
			Confidence:      fact.Confidence,
			Reason:          fmt.Sprintf("Age documentation has low confidence (%.2f)", fact.Confidence),
			SupportingFacts: []model.Fact{fact},
		}
	}

	age, ok := fact.NumericValue()
	if !ok {
		return CheckResult{
			Reason:          fmt.Sprintf("Age value is not numeric: %v", fact.Value),
			SupportingFacts: []model.Fact{fact},
		}
	}

	if age >= float64(v.rules.MinAge) {
		return CheckResult{
			Valid:           true,
			Confidence:      fact.Confidence,
			Reason:          fmt.Sprintf("Patient age %g meets minimum requirement of %d", age, v.rules.MinAge),
			SupportingFacts: []model.Fact{fact},
		}
	}
	return CheckResult{
		Confidence:      fact.Confidence,
		Reason:          fmt.Sprintf("Patient age %g is below minimum of %d", age, v.rules.MinAge),
		SupportingFacts: []model.Fact{fact},
	}
}

func (v *Validator) checkDiagnosis(diagnosisFacts []model.Fact) CheckResult {
	if len(diagnosisFacts) == 0 {
		return CheckResult{Reason: "Diagnosis code missing"}
	}

	var approved, unapproved []model.Fact
	for _, fact := range diagnosisFacts {
		code := strings.TrimSpace(fact.StringValue())
		// A single low-confidence code makes the whole diagnosis unusable.
		if fact.Confidence < v.rules.ConfidenceThreshold {
			return CheckResult{
				Confidence:      fact.Confidence,
				Reason:          fmt.Sprintf("Diagnosis code %s has low confidence (%.2f)", code, fact.Confidence),
				SupportingFacts: []model.Fact{fact},
			}
		}
		if _, ok := v.approved[code]; ok {
			approved = append(approved, fact)
		} else {
			unapproved = append(unapproved, fact)
		}
	}

	if len(approved) > 0 {
		best := highestConfidence(approved)
		return CheckResult{
			Valid:           true,
			Confidence:      best.Confidence,
			Reason:          fmt.Sprintf("Diagnosis %s is in approved ICD-10-CM list", strings.TrimSpace(best.StringValue())),
			SupportingFacts: []model.Fact{best},
		}
	}
	first := unapproved[0]
	return CheckResult{
		Confidence:      first.Confidence,
		Reason:          fmt.Sprintf("Diagnosis %s is not in approved ICD-10-CM list for lumbar MRI", strings.TrimSpace(first.StringValue())),
		SupportingFacts: []model.Fact{first},
	}
}

func (v *Validator) checkRedFlags(byField map[string][]model.Fact) CheckResult {
	confirmed := byField["red_flag_confirmed"]
	flagTypes := byField["red_flag_type"]
	present := byField["red_flag_present"]

	if len(confirmed) > 0 {
		fact := confirmed[0]
		if val, ok := fact.BoolValue(); ok && val && fact.Confidence >= v.rules.ConfidenceThreshold && len(flagTypes) > 0 {
			flagType := strings.ToLower(flagTypes[0].StringValue())
			for _, known := range v.rules.RedFlagConditions {
				if strings.Contains(flagType, known) {
					return CheckResult{
						Valid:           true,
						Confidence:      fact.Confidence,
						Reason:          "Red flag present: " + flagType,
						SupportingFacts: append([]model.Fact{fact}, flagTypes...),
					}
				}
			}
		}
	}

	if len(present) > 0 {
		fact := present[0]
		if val, ok := fact.BoolValue(); ok && val && fact.Confidence < v.rules.ConfidenceThreshold {
			return CheckResult{
				Confidence:      fact.Confidence,
				Reason:          "Red flag reported but confidence too low",
				SupportingFacts: []model.Fact{fact},
			}
		}
	}

	return CheckResult{Confidence: 1.0, Reason: "No red flags present"}
}

func (v *Validator) checkTreatment(treatmentFacts []model.Fact, bypass bool) CheckResult {
	if bypass {
		return CheckResult{
			Valid:      true,
			Confidence: 1.0,
			Reason:     "Conservative treatment requirement bypassed due to red flags",
		}
	}

	if len(treatmentFacts) == 0 {
		return CheckResult{Reason: "Conservative treatment duration not documented"}
	}

	fact := highestConfidence(treatmentFacts)
	if fact.Confidence < v.rules.ConfidenceThreshold {
		return CheckResult{
			Confidence:      fact.Confidence,
			Reason:          fmt.Sprintf("Treatment duration has low confidence (%.2f)", fact.Confidence),
			SupportingFacts: []model.Fact{fact},
		}
	}

	weeks, ok := fact.NumericValue()
	if !ok {
		return CheckResult{
			Reason:          fmt.Sprintf("Treatment duration is not numeric: %v", fact.Value),
			SupportingFacts: []model.Fact{fact},
		}
	}

	if weeks >= float64(v.rules.MinTreatmentWeeks) {
		return CheckResult{
			Valid:           true,
			Confidence:      fact.Confidence,
			Reason:          fmt.Sprintf("Conservative treatment %g weeks meets minimum of %d", weeks, v.rules.MinTreatmentWeeks),
			SupportingFacts: []model.Fact{fact},
		}
	}
	return CheckResult{
		Confidence:      fact.Confidence,
		Reason:          fmt.Sprintf("Conservative treatment %g weeks is below minimum of %d", weeks, v.rules.MinTreatmentWeeks),
		SupportingFacts: []model.Fact{fact},
	}
}

// criticalChecks participate in the status decision and the confidence
// minimum. Red flags are advisory: they only gate the treatment bypass.
var criticalChecks = []string{"age", "diagnosis", "treatment"}

func (v *Validator) aggregate(criterionID string, checks map[string]CheckResult) CriterionValidation {
	var lowConfidence, failed []string

	for _, name := range criticalChecks {
		check, ok := checks[name]
		if !ok {
			continue
		}
		if check.Confidence < v.rules.ConfidenceThreshold {
			lowConfidence = append(lowConfidence, name)
		} else if !check.Valid && name != "treatment" {
			failed = append(failed, name)
		}
	}

	// Treatment failure counts only when red flags did not bypass it.
	if treatment, ok := checks["treatment"]; ok && !treatment.Valid {
		if redFlags, ok := checks["red_flags"]; !ok || !redFlags.Valid {
			failed = append(failed, "treatment")
		}
	}

	overall := 0.0
	first := true
	for _, name := range criticalChecks {
		check, ok := checks[name]
		if !ok {
			continue
		}
		if first || check.Confidence < overall {
			overall = check.Confidence
			first = false
		}
	}

	var status, reasonCode, rationale string
	switch {
	case len(lowConfidence) > 0:
		status = StatusUnknown
		reasonCode = model.ReasonInsufficientDocumentation
		rationale = fmt.Sprintf(
			"Unable to determine: %s have insufficient documentation. Requires additional documentation or clarification.",
			strings.Join(lowConfidence, ", "))
	case len(failed) > 0:
		status = StatusNotReady
		reasonCode = model.ReasonCriteriaNotMet
		var failures []string
		for _, name := range failed {
			failures = append(failures, checks[name].Reason)
		}
		rationale = "Policy requirements not met: " + strings.Join(failures, " ")
	default:
		status = StatusReady
		var successes []string
		for _, name := range criticalChecks {
			if check, ok := checks[name]; ok && check.Valid {
				successes = append(successes, check.Reason)
			}
		}
		rationale = "Patient meets all criteria: " + strings.Join(successes, " ")
	}

	return CriterionValidation{
		CriterionID:       criterionID,
		Status:            status,
		Checks:            checks,
		OverallConfidence: overall,
		Rationale:         rationale,
		ReasonCode:        reasonCode,
	}
}
