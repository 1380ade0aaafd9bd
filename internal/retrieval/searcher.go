// Package retrieval finds the policy-tree nodes and evidence spans relevant
// to a criterion query, escalating from plain tree search to hybrid search
// and a keyword fallback as result quality degrades.
package retrieval

import (
	"context"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

// SearchResponse is the raw payload a backend returns for one query.
type SearchResponse struct {
	Nodes      []model.NodeReference
	Spans      []model.Span
	Trajectory []string
}

// TreeSearcher is the policy-tree search backend contract. Backends are
// chosen at construction: a remote HTTP store or an in-memory stub.
type TreeSearcher interface {
	// TreeSearch runs the LLM-guided tree traversal.
	TreeSearch(ctx context.Context, docID, query string, topK int) (SearchResponse, error)
	// HybridSearch combines tree traversal with dense scoring.
	HybridSearch(ctx context.Context, docID, query string, topK int) (SearchResponse, error)
	// NodeContent fetches the full text of one node.
	NodeContent(ctx context.Context, docID, nodeID string) (string, error)
	// Available reports whether the backend is configured and reachable
	// in principle (credentials present).
	Available() bool
}
