package agent

import "github.com/meridian-health/priorauth-cli/internal/llm"

// Tool names. The executor dispatches on these; "finish" is intercepted by
// the loop and never reaches the executor.
const (
	ToolSearchPolicy         = "search_policy"
	ToolGetCaseFact          = "get_case_fact"
	ToolNarrowNodeSpans      = "narrow_node_spans"
	ToolXrefCriterion        = "xref_criterion"
	ToolPolicyVersionAsOf    = "policy_version_asof"
	ToolAggregateConfidence  = "aggregate_confidence"
	ToolDetectContradictions = "detect_contradictions"
	ToolPubMedSearch         = "pubmed_search"
	ToolValidateCodes        = "validate_codes"
	ToolFinish               = "finish"
)

// ToolDefinitions returns the schemas exposed to the model.
func ToolDefinitions() []llm.Tool {
	return []llm.Tool{
		{
			Name: ToolSearchPolicy,
			Description: "Search the policy document tree. Use this to find relevant policy " +
				"sections and requirements. Returns node ids, page references, relevant " +
				"paragraphs, and the search trajectory.",
			Parameters: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Natural language query describing what policy information you need (e.g., 'What are the age requirements for lumbar MRI?')",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "Number of nodes to retrieve (default: 3)",
				},
			},
		},
		{
			Name: ToolGetCaseFact,
			Description: "Retrieve a specific field value from the case bundle. Returns the " +
				"field value with confidence score and document location.",
			Parameters: map[string]any{
				"field_name": map[string]any{
					"type":        "string",
					"description": "Name of the field to retrieve (e.g., 'age', 'primary_diagnosis', 'conservative_treatment_weeks')",
				},
			},
		},
		{
			Name: ToolNarrowNodeSpans,
			Description: "Rank paragraphs within a selected policy node against a query. Only " +
				"use when policy spans are too long or noisy. Returns the most relevant paragraphs.",
			Parameters: map[string]any{
				"node_id": map[string]any{
					"type":        "string",
					"description": "Node id from a search_policy result",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Specific requirement you are looking for within the node",
				},
			},
		},
		{
			Name: ToolXrefCriterion,
			Description: "Cross-reference related policy sections for a criterion. Use when a " +
				"criterion is ambiguous or references 'see also'. Returns related nodes and citations.",
			Parameters: map[string]any{
				"criterion_id": map[string]any{
					"type":        "string",
					"description": "Criterion identifier from metadata (e.g., 'lumbar-mri-pt')",
				},
			},
		},
		{
			Name: ToolPolicyVersionAsOf,
			Description: "Resolve the policy version effective on a date and list diffs. Use " +
				"when the case has a service date or version constraints.",
			Parameters: map[string]any{
				"policy_id": map[string]any{
					"type":        "string",
					"description": "Policy identifier (e.g., 'LCD-L34220')",
				},
				"as_of_date": map[string]any{
					"type":        "string",
					"description": "Date in YYYY-MM-DD format to resolve the effective version",
				},
			},
		},
		{
			Name: ToolAggregateConfidence,
			Description: "Aggregate confidence across interim criterion outcomes. Use before " +
				"finishing to compute final decision confidence.",
			Parameters: map[string]any{
				"criteria_results": map[string]any{
					"type":        "array",
					"description": "Per-criterion interim outcomes with id, status, and optional confidence",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":         map[string]any{"type": "string"},
							"status":     map[string]any{"type": "string", "enum": []string{"met", "missing", "uncertain"}},
							"confidence": map[string]any{"type": "number"},
						},
					},
				},
			},
		},
		{
			Name: ToolDetectContradictions,
			Description: "Detect conflicting evidence across findings. Use when signals " +
				"disagree or sources conflict.",
			Parameters: map[string]any{
				"findings": map[string]any{
					"type":        "array",
					"description": "Evidence sets with stances per criterion",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"criterion_id": map[string]any{"type": "string"},
							"evidence": map[string]any{
								"type": "array",
								"items": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"node_id": map[string]any{"type": "string"},
										"snippet": map[string]any{"type": "string"},
										"stance":  map[string]any{"type": "string", "enum": []string{"support", "oppose", "neutral"}},
									},
								},
							},
						},
					},
				},
			},
		},
		{
			Name: ToolPubMedSearch,
			Description: "Search PubMed for clinical evidence on a condition and treatment. " +
				"Use sparingly for borderline cases or when the policy instructs to consult evidence.",
			Parameters: map[string]any{
				"condition": map[string]any{
					"type":        "string",
					"description": "Condition or diagnosis (e.g., 'low back pain')",
				},
				"treatment": map[string]any{
					"type":        "string",
					"description": "Treatment or procedure (e.g., 'lumbar MRI')",
				},
			},
		},
		{
			Name: ToolValidateCodes,
			Description: "Validate and normalize ICD-10-CM and CPT codes. Use before comparing " +
				"codes to policy inclusion or exclusion lists.",
			Parameters: map[string]any{
				"icd10": map[string]any{
					"type":        "string",
					"description": "ICD-10-CM diagnosis code (optional)",
				},
				"cpt": map[string]any{
					"type":        "string",
					"description": "CPT procedure code (optional)",
				},
			},
		},
		{
			Name: ToolFinish,
			Description: "Submit your final decision after analyzing policy and case facts. " +
				"You MUST call this when you have enough information. Status values: 'met' " +
				"(requirement satisfied), 'missing' (requirement not met), 'uncertain' (insufficient info).",
			Parameters: map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"met", "missing", "uncertain"},
					"description": "Final decision status",
				},
				"rationale": map[string]any{
					"type":        "string",
					"description": "Clear explanation of your reasoning (2-3 sentences)",
				},
				"confidence": map[string]any{
					"type":        "number",
					"description": "Your confidence in this decision (0.0-1.0). Use <0.65 for uncertain cases.",
				},
				"policy_section": map[string]any{
					"type":        "string",
					"description": "Section path from the policy tree (e.g., 'Section 2.1.3')",
				},
				"policy_pages": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "integer"},
					"description": "Page numbers where the requirement is stated",
				},
				"evidence_doc_id": map[string]any{
					"type":        "string",
					"description": "Document id where evidence was found (if applicable)",
				},
				"evidence_page": map[string]any{
					"type":        "integer",
					"description": "Page number of the evidence (if applicable)",
				},
			},
		},
	}
}
