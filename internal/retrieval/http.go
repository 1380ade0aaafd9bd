package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridian-health/priorauth-cli/internal/model"
	"github.com/meridian-health/priorauth-cli/internal/resilience"
)

// HTTPClient talks to a remote policy-tree store over its JSON API. Calls go
// through a circuit breaker and retry only on transient failures.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewHTTPClient builds a remote backend client. An empty apiKey leaves the
// backend unavailable, which the orchestrator reports as a reason code
// rather than an error.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	retry.OnRetry = resilience.RetryLogger("treestore", "search")
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		retry:   retry,
	}
}

// Available reports whether credentials are configured.
func (c *HTTPClient) Available() bool {
	return c.apiKey != "" && c.baseURL != ""
}

type searchRequest struct {
	DocID string `json:"doc_id"`
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type wireSpan struct {
	Text  string  `json:"relevant_content"`
	Score float64 `json:"score"`
}

type wireNode struct {
	NodeID   string     `json:"node_id"`
	Title    string     `json:"title"`
	Score    float64    `json:"score"`
	Pages    []int      `json:"pages"`
	Section  string     `json:"section"`
	Version  string     `json:"version"`
	Contents []wireSpan `json:"relevant_contents"`
}

type searchResponse struct {
	Nodes      []wireNode `json:"nodes"`
	Results    []wireNode `json:"results"`
	Trajectory []string   `json:"search_trajectory"`
}

// TreeSearch runs the LLM-guided tree traversal.
func (c *HTTPClient) TreeSearch(ctx context.Context, docID, query string, topK int) (SearchResponse, error) {
	return c.search(ctx, "/v1/search/tree", docID, query, topK)
}

// HybridSearch combines tree traversal with dense scoring.
func (c *HTTPClient) HybridSearch(ctx context.Context, docID, query string, topK int) (SearchResponse, error) {
	return c.search(ctx, "/v1/search/hybrid", docID, query, topK)
}

func (c *HTTPClient) search(ctx context.Context, path, docID, query string, topK int) (SearchResponse, error) {
	body, err := json.Marshal(searchRequest{DocID: docID, Query: query, TopK: topK})
	if err != nil {
		return SearchResponse{}, eris.Wrap(err, "retrieval: marshal search request")
	}

	raw, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.post(ctx, path, body)
		})
	})
	if err != nil {
		return SearchResponse{}, err
	}

	var resp searchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SearchResponse{}, eris.Wrap(err, "retrieval: decode search response")
	}
	nodes := resp.Nodes
	if len(nodes) == 0 {
		nodes = resp.Results
	}
	return convertResponse(docID, nodes, resp.Trajectory), nil
}

// NodeContent fetches the full text of one node.
func (c *HTTPClient) NodeContent(ctx context.Context, docID, nodeID string) (string, error) {
	url := fmt.Sprintf("%s/v1/docs/%s/nodes/%s", c.baseURL, docID, nodeID)
	raw, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.get(ctx, url)
		})
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", eris.Wrap(err, "retrieval: decode node content")
	}
	return payload.Text, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: build request")
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("retrieval: status %d from %s", resp.StatusCode, req.URL.Path)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return data, nil
}

func convertResponse(docID string, nodes []wireNode, trajectory []string) SearchResponse {
	out := SearchResponse{Trajectory: trajectory}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, model.NodeReference{
			NodeID:  n.NodeID,
			DocID:   docID,
			Title:   n.Title,
			Score:   n.Score,
			Pages:   n.Pages,
			Section: n.Section,
			Version: n.Version,
		})
		for _, s := range n.Contents {
			out.Spans = append(out.Spans, model.Span{
				NodeID: n.NodeID,
				Text:   s.Text,
				Score:  s.Score,
				Tokens: len(strings.Fields(s.Text)),
			})
		}
	}
	return out
}
