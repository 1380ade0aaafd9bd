package model

// Retrieval method tags recorded on results and decisions.
const (
	MethodTreeLLM    = "tree-llm"
	MethodTreeHybrid = "tree-hybrid"
	MethodFTSFall    = "fts-fallback"
	MethodNone       = "none"
)

// NodeReference identifies one policy-tree node returned by search, with its
// relevance score and the page span it covers.
type NodeReference struct {
	NodeID  string  `json:"node_id"`
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Pages   []int   `json:"pages"`
	Section string  `json:"section"`
	Version string  `json:"version"`
}

// Span is one evidence text span inside a node.
type Span struct {
	NodeID string  `json:"node_id"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Tokens int     `json:"tokens"`
}

// RetrievalResult is what the orchestrator hands back for one query. A failed
// retrieval is expressed as an empty result with a reason code, never as an
// error that aborts the criterion.
type RetrievalResult struct {
	Query      string          `json:"query"`
	Nodes      []NodeReference `json:"nodes"`
	Spans      []Span          `json:"spans"`
	Trajectory []string        `json:"search_trajectory,omitempty"`
	Method     string          `json:"method"`
	Confidence float64         `json:"confidence"`
	ReasonCode string          `json:"reason_code,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// EmptyRetrieval builds the zero-confidence failure result.
func EmptyRetrieval(query, reasonCode, errMsg string) RetrievalResult {
	return RetrievalResult{
		Query:      query,
		Method:     MethodNone,
		Confidence: 0,
		ReasonCode: reasonCode,
		Err:        errMsg,
	}
}

// Success reports whether the retrieval produced at least one node.
func (r RetrievalResult) Success() bool {
	return len(r.Nodes) > 0
}

// TopNode returns the highest-scoring node. Nodes arrive sorted by score
// descending from every backend.
func (r RetrievalResult) TopNode() (NodeReference, bool) {
	if len(r.Nodes) == 0 {
		return NodeReference{}, false
	}
	return r.Nodes[0], true
}

// TotalSpanTokens sums token counts over all spans.
func (r RetrievalResult) TotalSpanTokens() int {
	total := 0
	for _, s := range r.Spans {
		total += s.Tokens
	}
	return total
}
