package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDecisionsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestReadDecisionRecords(t *testing.T) {
	path := writeDecisionsFile(t, `{"case_id":"case-001","policy_id":"LCD-L34220","criterion_id":"lumbar-mri-pt","mode":"heuristic","status":"met","confidence":0.93}

{"case_id":"case-002","policy_id":"LCD-L34220","criterion_id":"lumbar-mri-pt","mode":"llm","status":"missing","confidence":0.88}
`)

	recs, err := readDecisionRecords(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "case-001", recs[0].CaseID)
	assert.Equal(t, "heuristic", recs[0].Mode)
	assert.Equal(t, "missing", recs[1].Status)
	assert.InDelta(t, 0.88, recs[1].Confidence, 0.001)
}

func TestReadDecisionRecordsRejectsMalformedLine(t *testing.T) {
	path := writeDecisionsFile(t, `{"case_id":"case-001","policy_id":"LCD-L34220","criterion_id":"c1"}
{not json
`)

	_, err := readDecisionRecords(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse line 2")
}

func TestReadDecisionRecordsRequiresIdentifiers(t *testing.T) {
	path := writeDecisionsFile(t, `{"case_id":"case-001","status":"met"}
`)

	_, err := readDecisionRecords(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1 missing")
}

func TestReadDecisionRecordsMissingFile(t *testing.T) {
	_, err := readDecisionRecords(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open decisions file")
}
