package retrieval

import (
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// spanIndex is an ephemeral in-memory FTS5 index used to narrow long node
// spans down to the best-matching paragraphs. One index lives for a single
// Search call.
type spanIndex struct {
	db *sql.DB
}

func newSpanIndex() (*spanIndex, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: open span index")
	}
	if _, err := db.Exec("CREATE VIRTUAL TABLE paragraphs USING fts5(idx UNINDEXED, content)"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "retrieval: create fts table")
	}
	return &spanIndex{db: db}, nil
}

func (s *spanIndex) Close() error {
	return s.db.Close()
}

// Load replaces the indexed paragraphs.
func (s *spanIndex) Load(paragraphs []string) error {
	if _, err := s.db.Exec("DELETE FROM paragraphs"); err != nil {
		return eris.Wrap(err, "retrieval: clear fts table")
	}
	for i, p := range paragraphs {
		if _, err := s.db.Exec("INSERT INTO paragraphs(idx, content) VALUES (?, ?)", i, p); err != nil {
			return eris.Wrap(err, "retrieval: index paragraph")
		}
	}
	return nil
}

type rankedParagraph struct {
	Index int
	Text  string
	Score float64
}

// Top returns the best-matching paragraphs by bm25 rank (lower is better,
// so results come back best first).
func (s *spanIndex) Top(query string, k int) ([]rankedParagraph, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT idx, content, bm25(paragraphs) AS score
		 FROM paragraphs WHERE paragraphs MATCH ?
		 ORDER BY score LIMIT ?`, match, k)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: fts query")
	}
	defer rows.Close()

	var out []rankedParagraph
	for rows.Next() {
		var p rankedParagraph
		if err := rows.Scan(&p.Index, &p.Text, &p.Score); err != nil {
			return nil, eris.Wrap(err, "retrieval: scan fts row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ftsQuery quotes each query term so raw criterion text cannot trip the FTS5
// query parser. Terms are OR'd: any match keeps a paragraph in the ranking.
func ftsQuery(query string) string {
	var terms []string
	for _, term := range strings.Fields(query) {
		term = strings.Trim(term, `"'`)
		if term == "" {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(term, `"`, "")+`"`)
	}
	return strings.Join(terms, " OR ")
}
