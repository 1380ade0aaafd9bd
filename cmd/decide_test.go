package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCaseFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestReadBundleFromFile(t *testing.T) {
	path := writeCaseFile(t, approvedCaseJSON)

	bundle, err := readBundle([]string{path})
	require.NoError(t, err)
	assert.Equal(t, "case-001", bundle.CaseID)
	assert.Equal(t, "LCD-L34220", bundle.PolicyID)
	assert.Len(t, bundle.Facts, 3)
	assert.Equal(t, []string{"lumbar-mri-conservative-treatment"}, bundle.Criteria())
}

func TestReadBundleRejectsMalformedJSON(t *testing.T) {
	path := writeCaseFile(t, "{not json")

	_, err := readBundle([]string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse case bundle")
}

func TestReadBundleRequiresCaseID(t *testing.T) {
	path := writeCaseFile(t, `{"policy_id": "LCD-L34220", "facts": []}`)

	_, err := readBundle([]string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "case_id is required")
}

func TestReadBundleRequiresPolicyID(t *testing.T) {
	path := writeCaseFile(t, `{"case_id": "case-001", "facts": []}`)

	_, err := readBundle([]string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy_id is required")
}

func TestReadBundleMissingFile(t *testing.T) {
	_, err := readBundle([]string{filepath.Join(t.TempDir(), "absent.json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read case file")
}
