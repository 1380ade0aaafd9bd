package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-health/priorauth-cli/internal/store"
)

func seedCalibrationHistory(t *testing.T) {
	t.Helper()
	st, err := initStore(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()

	recs := []store.DecisionRecord{
		{CaseID: "case-010", PolicyID: "LCD-L34220", CriterionID: "lumbar-mri-pt", Mode: "heuristic", Status: "met", Confidence: 0.95},
		{CaseID: "case-011", PolicyID: "LCD-L34220", CriterionID: "lumbar-mri-pt", Mode: "heuristic", Status: "met", Confidence: 0.90},
		{CaseID: "case-012", PolicyID: "LCD-L34220", CriterionID: "lumbar-mri-pt", Mode: "llm", Status: "uncertain", Confidence: 0.50},
		{CaseID: "case-013", PolicyID: "LCD-L34220", CriterionID: "other-criterion", Mode: "heuristic", Status: "met", Confidence: 0.99},
	}
	n, err := st.SaveDecisionBatch(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestCalibrationReport(t *testing.T) {
	cfg = testConfig(t)
	seedCalibrationHistory(t)

	calibrationPolicyID = "LCD-L34220"
	calibrationCriterionID = "lumbar-mri-pt"
	calibrationWindow = 10
	t.Cleanup(func() {
		calibrationPolicyID, calibrationCriterionID, calibrationWindow = "", "", 0
	})

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())

	require.NoError(t, runCalibration(cmd, nil))

	var report calibrationReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, "LCD-L34220", report.PolicyID)
	assert.Equal(t, 2, report.Scores, "uncertain decisions are excluded from the pool")
	assert.InDelta(t, 0.90, report.MinScore, 0.001)
	assert.InDelta(t, 0.95, report.MaxScore, 0.001)
	assert.InDelta(t, 0.925, report.MeanScore, 0.001)
	assert.Greater(t, report.Threshold, 0.0)
	assert.Equal(t, 2, report.Statuses["met"])
	assert.Equal(t, 1, report.Statuses["uncertain"])
	assert.NotContains(t, report.Statuses, "missing")
}

func TestCalibrationRequiresFlags(t *testing.T) {
	cfg = testConfig(t)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	err := runCalibration(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--policy and --criterion are required")
}
