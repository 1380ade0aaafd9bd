package evidence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/esearch.fcgi"):
			if !strings.Contains(r.URL.Query().Get("term"), "low back pain") {
				w.Write([]byte(`{"esearchresult":{"idlist":[]}}`))
				return
			}
			w.Write([]byte(`{"esearchresult":{"idlist":["11111","22222"]}}`))
		case strings.HasSuffix(r.URL.Path, "/esummary.fcgi"):
			w.Write([]byte(`{"result":{
				"uids":["11111","22222"],
				"11111":{"title":"MRI for chronic low back pain","fulljournalname":"Spine","pubdate":"2021 Jan 15"},
				"22222":{"title":"Conservative therapy outcomes","fulljournalname":"J Orthop","pubdate":"2019"}
			}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:       baseURL,
		MaxResults:    5,
		CacheTTL:      time.Minute,
		RatePerSecond: 1000,
		Timeout:       2 * time.Second,
	}
}

func TestSearchReturnsStudies(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	client := NewClient(testOptions(srv.URL))
	studies, summary, err := client.Search(context.Background(), "low back pain", "lumbar MRI")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(studies) != 2 {
		t.Fatalf("expected 2 studies, got %d", len(studies))
	}
	if studies[0].PMID != "11111" || studies[0].Year != 2021 {
		t.Errorf("unexpected first study: %+v", studies[0])
	}
	if studies[0].Journal != "Spine" {
		t.Errorf("journal = %q", studies[0].Journal)
	}
	if !strings.Contains(studies[1].URL, "22222") {
		t.Errorf("url = %q", studies[1].URL)
	}
	if !strings.Contains(summary, "2 PubMed studies") {
		t.Errorf("summary = %q", summary)
	}
}

func TestSearchNoResults(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	client := NewClient(testOptions(srv.URL))
	studies, summary, err := client.Search(context.Background(), "unrelated condition", "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(studies) != 0 {
		t.Fatalf("expected no studies, got %d", len(studies))
	}
	if !strings.Contains(summary, "No PubMed studies") {
		t.Errorf("summary = %q", summary)
	}
}

func TestSearchUsesCache(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits)
	defer srv.Close()

	client := NewClient(testOptions(srv.URL))
	ctx := context.Background()
	if _, _, err := client.Search(ctx, "low back pain", "lumbar MRI"); err != nil {
		t.Fatalf("first Search: %v", err)
	}
	first := hits.Load()
	if _, _, err := client.Search(ctx, "low back pain", "lumbar MRI"); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if hits.Load() != first {
		t.Errorf("expected cache hit, server requests went %d -> %d", first, hits.Load())
	}
}

func TestSearchRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"esearchresult":{"idlist":[]}}`))
	}))
	defer srv.Close()

	client := NewClient(testOptions(srv.URL))
	client.retry.InitialBackoff = time.Millisecond
	if _, _, err := client.Search(context.Background(), "anything", ""); err != nil {
		t.Fatalf("Search after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 server calls, got %d", calls.Load())
	}
}

func TestSearchRequiresTerm(t *testing.T) {
	client := NewClient(testOptions("http://localhost:1"))
	if _, _, err := client.Search(context.Background(), "  ", ""); err == nil {
		t.Fatal("expected error for empty term")
	}
}

func TestBuildTerm(t *testing.T) {
	cases := []struct {
		condition, treatment, want string
	}{
		{"low back pain", "lumbar MRI", "low back pain AND lumbar MRI"},
		{"low back pain", "", "low back pain"},
		{"", "lumbar MRI", "lumbar MRI"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := buildTerm(tc.condition, tc.treatment); got != tc.want {
			t.Errorf("buildTerm(%q, %q) = %q, want %q", tc.condition, tc.treatment, got, tc.want)
		}
	}
}

func TestParseYear(t *testing.T) {
	if got := parseYear("2021 Jan 15"); got != 2021 {
		t.Errorf("parseYear = %d", got)
	}
	if got := parseYear(""); got != 0 {
		t.Errorf("parseYear empty = %d", got)
	}
	if got := parseYear("Winter 2020"); got != 0 {
		t.Errorf("parseYear non-numeric = %d", got)
	}
}
