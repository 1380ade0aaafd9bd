package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL,
	policy_id    TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	confidence   REAL NOT NULL DEFAULT 0,
	reason_code  TEXT,
	human_review INTEGER NOT NULL DEFAULT 0,
	result       TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_decisions_case_id ON decisions(case_id);
CREATE INDEX IF NOT EXISTS idx_decisions_policy_criterion ON decisions(policy_id, criterion_id);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, rec DecisionRecord) error {
	rec.normalize()

	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal decision result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CaseID, rec.PolicyID, rec.CriterionID, rec.Mode, rec.Status,
		rec.Confidence, rec.ReasonCode, boolToInt(rec.HumanReview), string(resultJSON), rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert decision")
}

func (s *SQLiteStore) SaveDecisionBatch(ctx context.Context, recs []DecisionRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO decisions (id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare batch insert")
	}
	defer stmt.Close()

	var n int64
	for i := range recs {
		rec := recs[i]
		rec.normalize()
		resultJSON, err := json.Marshal(rec.Result)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal decision result")
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.CaseID, rec.PolicyID, rec.CriterionID, rec.Mode, rec.Status,
			rec.Confidence, rec.ReasonCode, boolToInt(rec.HumanReview), string(resultJSON), rec.CreatedAt,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: batch insert decision")
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit batch")
	}
	return n, nil
}

func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at
		 FROM decisions WHERE id = ?`,
		id,
	)
	return scanDecision(row)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	query := `SELECT id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at
	          FROM decisions WHERE 1=1`
	var args []any

	if filter.CaseID != "" {
		query += ` AND case_id = ?`
		args = append(args, filter.CaseID)
	}
	if filter.PolicyID != "" {
		query += ` AND policy_id = ?`
		args = append(args, filter.PolicyID)
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, filter.Mode)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) ListCalibrationScores(ctx context.Context, policyID, criterionID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT confidence FROM decisions
		 WHERE policy_id = ? AND criterion_id = ? AND status != 'uncertain'
		 ORDER BY created_at DESC LIMIT ?`,
		policyID, criterionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calibration scores")
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calibration score")
		}
		scores = append(scores, c)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: calibration scores iterate")
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDecision(row scannable) (*DecisionRecord, error) {
	var rec DecisionRecord
	var reasonCode sql.NullString
	var humanReview int
	var resultJSON string

	err := row.Scan(&rec.ID, &rec.CaseID, &rec.PolicyID, &rec.CriterionID, &rec.Mode,
		&rec.Status, &rec.Confidence, &reasonCode, &humanReview, &resultJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("decision not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan decision")
	}

	rec.ReasonCode = reasonCode.String
	rec.HumanReview = humanReview != 0
	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal decision result")
	}
	return &rec, nil
}
