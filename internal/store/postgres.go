package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/meridian-health/priorauth-cli/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations.
var preparedStatements = map[string]string{
	"insert_decision": `INSERT INTO decisions (id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at)
	                    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	"get_decision": `SELECT id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at
	                 FROM decisions WHERE id = $1`,
	"calibration_scores": `SELECT confidence FROM decisions
	                       WHERE policy_id = $1 AND criterion_id = $2 AND status != 'uncertain'
	                       ORDER BY created_at DESC LIMIT $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests inject pgxmock here.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., calibration backfills).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	case_id      TEXT NOT NULL,
	policy_id    TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason_code  TEXT,
	human_review BOOLEAN NOT NULL DEFAULT FALSE,
	result       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_decisions_case_id ON decisions(case_id);
CREATE INDEX IF NOT EXISTS idx_decisions_policy_criterion ON decisions(policy_id, criterion_id);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveDecision(ctx context.Context, rec DecisionRecord) error {
	rec.normalize()

	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal decision result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.CaseID, rec.PolicyID, rec.CriterionID, rec.Mode, rec.Status,
		rec.Confidence, rec.ReasonCode, rec.HumanReview, string(resultJSON), rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert decision")
}

// decisionColumns matches the COPY column order used by SaveDecisionBatch.
var decisionColumns = []string{
	"id", "case_id", "policy_id", "criterion_id", "mode", "status",
	"confidence", "reason_code", "human_review", "result", "created_at",
}

func (s *PostgresStore) SaveDecisionBatch(ctx context.Context, recs []DecisionRecord) (int64, error) {
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		rec := recs[i]
		rec.normalize()
		resultJSON, err := json.Marshal(rec.Result)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal decision result")
		}
		rows = append(rows, []any{
			rec.ID, rec.CaseID, rec.PolicyID, rec.CriterionID, rec.Mode, rec.Status,
			rec.Confidence, rec.ReasonCode, rec.HumanReview, string(resultJSON), rec.CreatedAt,
		})
	}
	return db.CopyFrom(ctx, s.pool, "decisions", decisionColumns, rows)
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*DecisionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at
		 FROM decisions WHERE id = $1`,
		id,
	)
	rec, err := scanPostgresDecision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("decision not found")
	}
	return rec, err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	query := `SELECT id, case_id, policy_id, criterion_id, mode, status, confidence, reason_code, human_review, result, created_at
	          FROM decisions WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.CaseID != "" {
		query += ` AND case_id = ` + arg(filter.CaseID)
	}
	if filter.PolicyID != "" {
		query += ` AND policy_id = ` + arg(filter.PolicyID)
	}
	if filter.Mode != "" {
		query += ` AND mode = ` + arg(filter.Mode)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		rec, err := scanPostgresDecision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) ListCalibrationScores(ctx context.Context, policyID, criterionID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT confidence FROM decisions
		 WHERE policy_id = $1 AND criterion_id = $2 AND status != 'uncertain'
		 ORDER BY created_at DESC LIMIT $3`,
		policyID, criterionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calibration scores")
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "postgres: scan calibration score")
		}
		scores = append(scores, c)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: calibration scores iterate")
}

func scanPostgresDecision(row scannable) (*DecisionRecord, error) {
	var rec DecisionRecord
	var reasonCode *string
	var resultJSON string

	err := row.Scan(&rec.ID, &rec.CaseID, &rec.PolicyID, &rec.CriterionID, &rec.Mode,
		&rec.Status, &rec.Confidence, &reasonCode, &rec.HumanReview, &resultJSON, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan decision")
	}

	if reasonCode != nil {
		rec.ReasonCode = *reasonCode
	}
	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal decision result")
	}
	return &rec, nil
}
