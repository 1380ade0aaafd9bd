package retrieval

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

// Options tunes the escalation behavior.
type Options struct {
	// TopK caps the nodes requested from the backend.
	TopK int
	// HybridThreshold is the normalized score variance above which the
	// tree result is considered ambiguous and hybrid search re-runs.
	HybridThreshold float64
	// SpanTokenThreshold is the aggregate span token count above which the
	// keyword fallback narrows spans to paragraphs.
	SpanTokenThreshold int
}

// DefaultOptions mirror the production tuning.
func DefaultOptions() Options {
	return Options{TopK: 3, HybridThreshold: 0.15, SpanTokenThreshold: 2000}
}

// Orchestrator runs the search escalation ladder over a TreeSearcher
// backend. Every failure mode becomes an empty result with a reason code so
// a criterion evaluation never aborts on retrieval trouble.
type Orchestrator struct {
	backend TreeSearcher
	opts    Options
}

// NewOrchestrator builds an orchestrator over the given backend.
func NewOrchestrator(backend TreeSearcher, opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.HybridThreshold <= 0 {
		opts.HybridThreshold = 0.15
	}
	if opts.SpanTokenThreshold <= 0 {
		opts.SpanTokenThreshold = 2000
	}
	return &Orchestrator{backend: backend, opts: opts}
}

// Search resolves the query against the policy document.
func (o *Orchestrator) Search(ctx context.Context, query, docID string) model.RetrievalResult {
	if docID == "" {
		return model.EmptyRetrieval(query, model.ReasonMissingDocID, "doc_id is required for retrieval")
	}
	if !o.backend.Available() {
		return model.EmptyRetrieval(query, model.ReasonRetrievalUnavailable, "retrieval backend is not configured")
	}

	resp, err := o.backend.TreeSearch(ctx, docID, query, o.opts.TopK)
	if err != nil {
		return model.EmptyRetrieval(query, model.ReasonRetrievalError, err.Error())
	}
	result := buildResult(query, resp, model.MethodTreeLLM)

	if ambiguity := scoreAmbiguity(resp.Nodes); ambiguity > o.opts.HybridThreshold {
		hybrid, err := o.backend.HybridSearch(ctx, docID, query, o.opts.TopK)
		if err != nil {
			return model.EmptyRetrieval(query, model.ReasonRetrievalError, err.Error())
		}
		result = buildResult(query, hybrid, model.MethodTreeHybrid)
	}

	if len(result.Spans) > 0 && result.TotalSpanTokens() > o.opts.SpanTokenThreshold {
		if narrowed := o.narrowSpans(ctx, query, docID, result.Nodes); len(narrowed) > 0 {
			result.Spans = narrowed
			result.Method = model.MethodFTSFall
		}
	}

	zap.L().Info("retrieval completed",
		zap.String("method", result.Method),
		zap.Int("nodes", len(result.Nodes)),
		zap.Int("spans", len(result.Spans)),
	)
	return result
}

func buildResult(query string, resp SearchResponse, method string) model.RetrievalResult {
	result := model.RetrievalResult{
		Query:      query,
		Nodes:      resp.Nodes,
		Spans:      resp.Spans,
		Trajectory: resp.Trajectory,
		Method:     method,
	}
	if len(resp.Nodes) > 0 {
		result.Confidence = 0.9
	} else {
		result.ReasonCode = model.ReasonNoRelevantNodes
	}
	return result
}

// scoreAmbiguity is the variance of scores normalized by the maximum.
// A flat score distribution (everything near the top score) is unambiguous;
// spread-out scores mean the tree could not separate candidates.
func scoreAmbiguity(nodes []model.NodeReference) float64 {
	if len(nodes) < 2 {
		return 0
	}
	maxScore := nodes[0].Score
	for _, n := range nodes[1:] {
		if n.Score > maxScore {
			maxScore = n.Score
		}
	}
	if maxScore == 0 {
		return 1.0
	}

	mean := 0.0
	for _, n := range nodes {
		mean += n.Score / maxScore
	}
	mean /= float64(len(nodes))

	variance := 0.0
	for _, n := range nodes {
		d := n.Score/maxScore - mean
		variance += d * d
	}
	return variance / float64(len(nodes))
}

// NarrowNode ranks the paragraphs of a single node against a query. It backs
// the span-tightening tool; an empty return means nothing matched.
func (o *Orchestrator) NarrowNode(ctx context.Context, docID, nodeID, query string) ([]model.Span, error) {
	text, err := o.backend.NodeContent(ctx, docID, nodeID)
	if err != nil {
		return nil, err
	}
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil, nil
	}

	index, err := newSpanIndex()
	if err != nil {
		return nil, err
	}
	defer index.Close()

	if err := index.Load(paragraphs); err != nil {
		return nil, err
	}
	hits, err := index.Top(query, o.opts.TopK)
	if err != nil {
		return nil, err
	}

	spans := make([]model.Span, 0, len(hits))
	for _, hit := range hits {
		spans = append(spans, model.Span{
			NodeID: nodeID,
			Text:   hit.Text,
			Score:  hit.Score,
			Tokens: len(strings.Fields(hit.Text)),
		})
	}
	return spans, nil
}

// narrowSpans pulls full node text, splits it into paragraphs, and keeps the
// best keyword matches per node. Failures on individual nodes are skipped;
// an empty return leaves the original spans in place.
func (o *Orchestrator) narrowSpans(ctx context.Context, query, docID string, nodes []model.NodeReference) []model.Span {
	index, err := newSpanIndex()
	if err != nil {
		zap.L().Warn("span index unavailable", zap.Error(err))
		return nil
	}
	defer index.Close()

	var narrowed []model.Span
	for _, node := range nodes {
		text, err := o.backend.NodeContent(ctx, docID, node.NodeID)
		if err != nil || text == "" {
			continue
		}
		paragraphs := splitParagraphs(text)
		if len(paragraphs) == 0 {
			continue
		}
		if err := index.Load(paragraphs); err != nil {
			continue
		}
		hits, err := index.Top(query, o.opts.TopK)
		if err != nil {
			continue
		}
		for _, hit := range hits {
			narrowed = append(narrowed, model.Span{
				NodeID: node.NodeID,
				Text:   hit.Text,
				Score:  hit.Score,
				Tokens: len(strings.Fields(hit.Text)),
			})
		}
	}
	return narrowed
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
