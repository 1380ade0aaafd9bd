package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-health/priorauth-cli/internal/safety"
	"github.com/meridian-health/priorauth-cli/internal/store"
)

var (
	calibrationPolicyID    string
	calibrationCriterionID string
	calibrationWindow      int
)

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Report the conformal threshold for a criterion",
	Long: `calibration pulls the recent decision confidences for one criterion
from the store and prints the conformal nonconformity threshold the router
would apply to new decisions.`,
	RunE: runCalibration,
}

func init() {
	calibrationCmd.Flags().StringVar(&calibrationPolicyID, "policy", "", "policy id (required)")
	calibrationCmd.Flags().StringVar(&calibrationCriterionID, "criterion", "", "criterion id (required)")
	calibrationCmd.Flags().IntVar(&calibrationWindow, "window", 0, "score window size (defaults to safety.calibration_window)")
	rootCmd.AddCommand(calibrationCmd)
}

type calibrationReport struct {
	PolicyID    string         `json:"policy_id"`
	CriterionID string         `json:"criterion_id"`
	Scores      int            `json:"scores"`
	Alpha       float64        `json:"alpha"`
	Threshold   float64        `json:"threshold"`
	MinScore    float64        `json:"min_score,omitempty"`
	MeanScore   float64        `json:"mean_score,omitempty"`
	MaxScore    float64        `json:"max_score,omitempty"`
	Statuses    map[string]int `json:"statuses,omitempty"`
}

func runCalibration(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate("calibration"); err != nil {
		return err
	}
	if calibrationPolicyID == "" || calibrationCriterionID == "" {
		return eris.New("calibration: --policy and --criterion are required")
	}

	ctx := cmd.Context()
	st, err := initStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	window := calibrationWindow
	if window <= 0 {
		window = cfg.Safety.CalibrationWindow
	}
	scores, err := st.ListCalibrationScores(ctx, calibrationPolicyID, calibrationCriterionID, window)
	if err != nil {
		return err
	}

	calibrator := safety.New(safety.Options{ConformalAlpha: cfg.Safety.ConformalAlpha})
	report := calibrationReport{
		PolicyID:    calibrationPolicyID,
		CriterionID: calibrationCriterionID,
		Scores:      len(scores),
		Alpha:       cfg.Safety.ConformalAlpha,
		Threshold:   calibrator.ConformalThreshold(scores),
	}
	if len(scores) > 0 {
		min, max, sum := scores[0], scores[0], 0.0
		for _, s := range scores {
			if s < min {
				min = s
			}
			if s > max {
				max = s
			}
			sum += s
		}
		report.MinScore = min
		report.MaxScore = max
		report.MeanScore = sum / float64(len(scores))
	}

	records, err := st.ListDecisions(ctx, store.DecisionFilter{PolicyID: calibrationPolicyID, Limit: window})
	if err != nil {
		return err
	}
	statuses := make(map[string]int)
	for _, rec := range records {
		if rec.CriterionID == calibrationCriterionID {
			statuses[rec.Status]++
		}
	}
	if len(statuses) > 0 {
		report.Statuses = statuses
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
