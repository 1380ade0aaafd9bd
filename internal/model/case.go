package model

import (
	"fmt"
	"strconv"
)

// Fact is a single extracted case field with provenance. Facts arrive from
// an upstream extraction stage and are never mutated here.
type Fact struct {
	FieldName  string    `json:"field_name"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	DocID      string    `json:"doc_id,omitempty"`
	Page       int       `json:"page,omitempty"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// NumericValue returns the fact value as a float64 when it is numeric or a
// numeric string. JSON decoding yields float64 for numbers, so that is the
// common case.
func (f Fact) NumericValue() (float64, bool) {
	switch v := f.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// StringValue renders the fact value as a string.
func (f Fact) StringValue() string {
	if s, ok := f.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", f.Value)
}

// BoolValue returns the fact value as a bool when it is one.
func (f Fact) BoolValue() (bool, bool) {
	b, ok := f.Value.(bool)
	return b, ok
}

// CaseBundle holds everything known about one authorization request: the
// extracted facts and the policy linkage. It is created once per request and
// immutable during evaluation except for the policy-document-id annotation
// written once at evaluation start.
type CaseBundle struct {
	CaseID   string         `json:"case_id"`
	PolicyID string         `json:"policy_id"`
	Facts    []Fact         `json:"facts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PolicyDocIDKey is the metadata key carrying the policy document id
// annotation set by the controller at evaluation start.
const PolicyDocIDKey = "policy_document_id"

// SetPolicyDocID records the resolved policy document id on the bundle.
func (b *CaseBundle) SetPolicyDocID(docID string) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]any, 1)
	}
	b.Metadata[PolicyDocIDKey] = docID
}

// PolicyDocID returns the annotated policy document id, if set.
func (b *CaseBundle) PolicyDocID() string {
	s, _ := b.Metadata[PolicyDocIDKey].(string)
	return s
}

// MetadataString returns a string metadata value by key.
func (b *CaseBundle) MetadataString(key string) string {
	s, _ := b.Metadata[key].(string)
	return s
}

// Criteria resolves the criterion ids to evaluate: the explicit `criteria`
// list when present, else a single `criterion_id`, else a synthesized
// "{policy}:default".
func (b *CaseBundle) Criteria() []string {
	if raw, ok := b.Metadata["criteria"]; ok {
		var ids []string
		switch list := raw.(type) {
		case []string:
			ids = append(ids, list...)
		case []any:
			for _, item := range list {
				if s, ok := item.(string); ok && s != "" {
					ids = append(ids, s)
				}
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	if id := b.MetadataString("criterion_id"); id != "" {
		return []string{id}
	}
	return []string{b.PolicyID + ":default"}
}

// FactsByField groups facts by field name, preserving input order within
// each group.
func (b *CaseBundle) FactsByField() map[string][]Fact {
	grouped := make(map[string][]Fact)
	for _, f := range b.Facts {
		if f.FieldName == "" {
			continue
		}
		grouped[f.FieldName] = append(grouped[f.FieldName], f)
	}
	return grouped
}
