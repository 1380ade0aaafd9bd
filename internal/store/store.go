package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

func newDecisionID() string {
	return uuid.New().String()
}

// DecisionRecord is one persisted criterion decision with its audit payload.
type DecisionRecord struct {
	ID          string                `json:"id"`
	CaseID      string                `json:"case_id"`
	PolicyID    string                `json:"policy_id"`
	CriterionID string                `json:"criterion_id"`
	Mode        string                `json:"mode"`
	Status      string                `json:"status"`
	Confidence  float64               `json:"confidence"`
	ReasonCode  string                `json:"reason_code,omitempty"`
	HumanReview bool                  `json:"human_review"`
	Result      model.CriterionResult `json:"result"`
	CreatedAt   time.Time             `json:"created_at"`
}

// DecisionFilter specifies criteria for listing decisions.
type DecisionFilter struct {
	CaseID   string `json:"case_id,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// normalize fills in the generated id and timestamp before a write.
func (r *DecisionRecord) normalize() {
	if r.ID == "" {
		r.ID = newDecisionID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// Store defines the persistence interface for the decision pipeline.
type Store interface {
	// Decisions
	SaveDecision(ctx context.Context, rec DecisionRecord) error
	GetDecision(ctx context.Context, id string) (*DecisionRecord, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error)

	// SaveDecisionBatch bulk-loads decision records, used to seed the
	// calibration pool from exported history. Returns the rows written.
	SaveDecisionBatch(ctx context.Context, recs []DecisionRecord) (int64, error)

	// ListCalibrationScores returns recent definite-decision confidences for
	// a policy/criterion pair, newest first. Uncertain decisions are excluded
	// so the conformal pool reflects only committed outcomes.
	ListCalibrationScores(ctx context.Context, policyID, criterionID string, limit int) ([]float64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
