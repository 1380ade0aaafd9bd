// Package rules implements the deterministic criteria validator for lumbar
// MRI prior authorization (LCD-L34220). Validation is pure: the same facts
// and rule set always produce the same result.
package rules

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleSet holds the policy thresholds and code tables the validator applies.
type RuleSet struct {
	MinAge              int      `yaml:"min_age"`
	MinTreatmentWeeks   int      `yaml:"min_treatment_weeks"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	ApprovedDiagnoses   []string `yaml:"approved_diagnoses"`
	RedFlagConditions   []string `yaml:"red_flag_conditions"`
}

// DefaultRuleSet returns the LCD-L34220 rule table.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		MinAge:              18,
		MinTreatmentWeeks:   6,
		ConfidenceThreshold: 0.75,
		ApprovedDiagnoses: []string{
			"M48.06", // Spinal stenosis, lumbar region
			"M48.07", // Spinal stenosis, lumbosacral region
			"M51.16", // Intervertebral disc disorders with radiculopathy, lumbar
			"M51.36", // Other intervertebral disc degeneration, lumbar
			"M51.37", // Other intervertebral disc degeneration, lumbosacral
			"M54.5",  // Low back pain
			"M99.99", // Other biomechanical lesions
		},
		RedFlagConditions: []string{
			"progressive neurological deficit",
			"cauda equina syndrome",
			"suspected tumor",
			"suspected infection",
			"suspected fracture",
			"bowel or bladder dysfunction",
		},
	}
}

// LoadRuleSet reads a rule set from a YAML file. Fields left unset in the
// file keep their defaults, so a file can override just the thresholds.
func LoadRuleSet(path string) (RuleSet, error) {
	rs := DefaultRuleSet()
	data, err := os.ReadFile(path)
	if err != nil {
		return rs, eris.Wrap(err, "rules: read rule set")
	}
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return rs, eris.Wrap(err, "rules: parse rule set")
	}
	if rs.ConfidenceThreshold <= 0 || rs.ConfidenceThreshold > 1 {
		return rs, eris.Errorf("rules: confidence_threshold %.2f outside (0, 1]", rs.ConfidenceThreshold)
	}
	return rs, nil
}
