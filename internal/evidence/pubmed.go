package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-health/priorauth-cli/internal/resilience"
)

// DefaultBaseURL is the NCBI E-utilities endpoint.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// Study is one PubMed record relevant to a condition/treatment pair.
type Study struct {
	PMID    string `json:"pmid"`
	Title   string `json:"title"`
	Journal string `json:"journal"`
	Year    int    `json:"year"`
	URL     string `json:"url"`
}

// Options configures the PubMed client.
type Options struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	CacheTTL   time.Duration
	// RatePerSecond caps outbound requests. NCBI allows 3/s without a key
	// and 10/s with one.
	RatePerSecond float64
	Timeout       time.Duration
}

// DefaultOptions mirror the NCBI guidance for keyless clients.
func DefaultOptions() Options {
	return Options{
		BaseURL:       DefaultBaseURL,
		MaxResults:    5,
		CacheTTL:      15 * time.Minute,
		RatePerSecond: 3,
		Timeout:       10 * time.Second,
	}
}

type cacheEntry struct {
	studies []Study
	summary string
	expires time.Time
}

// Client queries PubMed through the esearch/esummary JSON endpoints, with a
// request rate limit and a short-lived response cache.
type Client struct {
	baseURL string
	apiKey  string
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient builds a PubMed client. Zero-valued options fall back to
// DefaultOptions.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = def.MaxResults
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = def.RatePerSecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	retry.InitialBackoff = 300 * time.Millisecond
	retry.OnRetry = resilience.RetryLogger("pubmed", "search")

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		retry:   retry,
		cache:   make(map[string]cacheEntry),
	}
}

// Search returns studies matching the condition and treatment, plus a short
// textual summary for the model.
func (c *Client) Search(ctx context.Context, condition, treatment string) ([]Study, string, error) {
	term := buildTerm(condition, treatment)
	if term == "" {
		return nil, "", eris.New("pubmed: condition or treatment is required")
	}

	if studies, summary, ok := c.cached(term); ok {
		return studies, summary, nil
	}

	ids, err := c.esearch(ctx, term)
	if err != nil {
		return nil, "", err
	}
	if len(ids) == 0 {
		summary := fmt.Sprintf("No PubMed studies found for %q.", term)
		c.store(term, nil, summary)
		return nil, summary, nil
	}

	studies, err := c.esummary(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	summary := fmt.Sprintf("Found %d PubMed studies for %q.", len(studies), term)
	c.store(term, studies, summary)

	zap.L().Debug("pubmed search completed",
		zap.String("term", term),
		zap.Int("studies", len(studies)),
	)
	return studies, summary, nil
}

func buildTerm(condition, treatment string) string {
	condition = strings.TrimSpace(condition)
	treatment = strings.TrimSpace(treatment)
	switch {
	case condition != "" && treatment != "":
		return condition + " AND " + treatment
	case condition != "":
		return condition
	default:
		return treatment
	}
}

func (c *Client) cached(term string) ([]Study, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[term]
	if !ok || time.Now().After(entry.expires) {
		return nil, "", false
	}
	return entry.studies, entry.summary, true
}

func (c *Client) store(term string, studies []Study, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[term] = cacheEntry{
		studies: studies,
		summary: summary,
		expires: time.Now().Add(c.opts.CacheTTL),
	}
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (c *Client) esearch(ctx context.Context, term string) ([]string, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", term)
	params.Set("retmode", "json")
	params.Set("retmax", strconv.Itoa(c.opts.MaxResults))
	params.Set("sort", "relevance")

	body, err := c.get(ctx, "/esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var parsed esearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "pubmed: decode esearch response")
	}
	return parsed.Result.IDList, nil
}

type esummaryDoc struct {
	Title           string `json:"title"`
	FullJournalName string `json:"fulljournalname"`
	PubDate         string `json:"pubdate"`
}

func (c *Client) esummary(ctx context.Context, ids []string) ([]Study, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(ids, ","))
	params.Set("retmode", "json")

	body, err := c.get(ctx, "/esummary.fcgi", params)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, eris.Wrap(err, "pubmed: decode esummary response")
	}

	studies := make([]Study, 0, len(ids))
	for _, id := range ids {
		raw, ok := envelope.Result[id]
		if !ok {
			continue
		}
		var doc esummaryDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		studies = append(studies, Study{
			PMID:    id,
			Title:   doc.Title,
			Journal: doc.FullJournalName,
			Year:    parseYear(doc.PubDate),
			URL:     "https://pubmed.ncbi.nlm.nih.gov/" + id + "/",
		})
	}
	return studies, nil
}

// parseYear pulls the leading year out of a pubdate like "2021 Jan 15".
func parseYear(pubDate string) int {
	fields := strings.Fields(pubDate)
	if len(fields) == 0 {
		return 0
	}
	year, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return year
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	endpoint := c.baseURL + path + "?" + params.Encode()

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pubmed: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, eris.Wrap(err, "pubmed: build request")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "pubmed: http request"), 0)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "pubmed: read response"), 0)
		}
		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("pubmed: unexpected status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}
		return body, nil
	})
}
