package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

// StubDoc is one seeded document for the in-memory backend.
type StubDoc struct {
	DocID    string
	Version  string
	Sections []StubSection
}

// StubSection is a seeded policy section with its text.
type StubSection struct {
	NodeID  string
	Title   string
	Section string
	Pages   []int
	Text    string
}

// Stub is an in-memory TreeSearcher used for local development and tests.
// Scoring is lexical overlap between query terms and section text, which is
// deterministic and good enough to exercise every escalation path.
type Stub struct {
	docs map[string]StubDoc
}

// NewStub builds a stub backend over the given documents.
func NewStub(docs ...StubDoc) *Stub {
	byID := make(map[string]StubDoc, len(docs))
	for _, d := range docs {
		byID[d.DocID] = d
	}
	return &Stub{docs: byID}
}

// Available always reports true; the stub needs no credentials.
func (s *Stub) Available() bool { return true }

// TreeSearch scores sections by term overlap.
func (s *Stub) TreeSearch(ctx context.Context, docID, query string, topK int) (SearchResponse, error) {
	return s.search(docID, query, topK, 1.0)
}

// HybridSearch behaves like TreeSearch with a mild score boost, standing in
// for the dense re-scoring of the real backend.
func (s *Stub) HybridSearch(ctx context.Context, docID, query string, topK int) (SearchResponse, error) {
	return s.search(docID, query, topK, 1.1)
}

// NodeContent returns the seeded section text.
func (s *Stub) NodeContent(ctx context.Context, docID, nodeID string) (string, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return "", nil
	}
	for _, sec := range doc.Sections {
		if sec.NodeID == nodeID {
			return sec.Text, nil
		}
	}
	return "", nil
}

func (s *Stub) search(docID, query string, topK int, boost float64) (SearchResponse, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return SearchResponse{}, nil
	}
	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		section StubSection
		score   float64
	}
	var hits []scored
	for _, sec := range doc.Sections {
		text := strings.ToLower(sec.Title + " " + sec.Text)
		matches := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		score := boost * float64(matches) / float64(len(terms))
		if score > 1 {
			score = 1
		}
		hits = append(hits, scored{section: sec, score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	resp := SearchResponse{Trajectory: []string{doc.DocID}}
	for _, h := range hits {
		resp.Trajectory = append(resp.Trajectory, h.section.Title)
		resp.Nodes = append(resp.Nodes, model.NodeReference{
			NodeID:  h.section.NodeID,
			DocID:   doc.DocID,
			Title:   h.section.Title,
			Score:   h.score,
			Pages:   h.section.Pages,
			Section: h.section.Section,
			Version: doc.Version,
		})
		text := h.section.Text
		resp.Spans = append(resp.Spans, model.Span{
			NodeID: h.section.NodeID,
			Text:   text,
			Score:  h.score,
			Tokens: len(strings.Fields(text)),
		})
	}
	return resp, nil
}

// DefaultStubDoc seeds the lumbar MRI policy used in local development.
func DefaultStubDoc() StubDoc {
	return StubDoc{
		DocID:   "LCD-L34220",
		Version: "2024-01",
		Sections: []StubSection{
			{
				NodeID:  "n-coverage",
				Title:   "Coverage Indications",
				Section: "§2.1",
				Pages:   []int{3, 4},
				Text: "Lumbar MRI is considered medically necessary for adults aged 18 or " +
					"older with an approved diagnosis when conservative treatment of at " +
					"least 6 weeks has failed.\n\nApproved diagnoses include spinal " +
					"stenosis, intervertebral disc disorders with radiculopathy, disc " +
					"degeneration, and low back pain.",
			},
			{
				NodeID:  "n-redflags",
				Title:   "Red Flag Conditions",
				Section: "§2.2",
				Pages:   []int{5},
				Text: "The conservative treatment requirement is waived when red flag " +
					"conditions are present: progressive neurological deficit, cauda " +
					"equina syndrome, suspected tumor, suspected infection, suspected " +
					"fracture, or bowel or bladder dysfunction.",
			},
			{
				NodeID:  "n-limits",
				Title:   "Limitations",
				Section: "§3.1",
				Pages:   []int{7},
				Text: "Repeat imaging within 12 months requires documentation of new or " +
					"progressive symptoms.\n\nImaging for uncomplicated acute low back " +
					"pain within the first six weeks is not covered.",
			},
		},
	}
}
