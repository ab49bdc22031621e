package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/fraud-engine/internal/models"
)

var ErrAssessmentNotFound = errors.New("fraud assessment not found")

// AssessmentRepository persists fraud assessments. The table is insert-only;
// an assessment is never updated after it is written, except for the optional
// post-hoc review columns owned by the review workflow.
type AssessmentRepository struct {
	db *Database
}

// NewAssessmentRepository creates a new assessment repository
func NewAssessmentRepository(db *Database) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

// Create inserts a new assessment record.
func (r *AssessmentRepository) Create(ctx context.Context, assessment *models.FraudAssessment) error {
	query := `
		INSERT INTO fraud_assessments (
			id, user_id, transaction_id, score, risk_level,
			rules, triggered_rules, ml_score, action, reason, confidence,
			assessment_time_ms, requires_manual_review, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	rulesJSON, err := json.Marshal(assessment.Rules)
	if err != nil {
		return err
	}

	var triggered []string
	for _, rule := range assessment.Rules {
		if rule.Triggered {
			triggered = append(triggered, rule.RuleName)
		}
	}

	_, err = r.db.Pool.Exec(ctx, query,
		assessment.ID,
		assessment.UserID,
		assessment.TransactionID,
		assessment.Score,
		string(assessment.RiskLevel),
		rulesJSON,
		pq.Array(triggered),
		assessment.MLScore,
		string(assessment.Action),
		assessment.Reason,
		assessment.Confidence,
		assessment.AssessmentTimeMs,
		assessment.RequiresManualReview,
		assessment.CreatedAt,
	)

	return err
}

// GetByID retrieves an assessment by its id.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAssessment, error) {
	query := selectAssessment + ` WHERE id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByTransactionID retrieves the assessment for a transaction.
func (r *AssessmentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.FraudAssessment, error) {
	query := selectAssessment + ` WHERE transaction_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, transactionID))
}

const selectAssessment = `
	SELECT id, user_id, transaction_id, score, risk_level,
		   rules, ml_score, action, reason, confidence,
		   assessment_time_ms, requires_manual_review, created_at,
		   reviewed_by, reviewed_at, review_notes
	FROM fraud_assessments
`

func (r *AssessmentRepository) scanOne(row pgx.Row) (*models.FraudAssessment, error) {
	a := &models.FraudAssessment{}
	var riskLevel, action string
	var rulesJSON []byte

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.TransactionID,
		&a.Score,
		&riskLevel,
		&rulesJSON,
		&a.MLScore,
		&action,
		&a.Reason,
		&a.Confidence,
		&a.AssessmentTimeMs,
		&a.RequiresManualReview,
		&a.CreatedAt,
		&a.ReviewedBy,
		&a.ReviewedAt,
		&a.ReviewNotes,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssessmentNotFound
		}
		return nil, err
	}

	a.RiskLevel = models.RiskLevel(riskLevel)
	a.Action = models.FraudAction(action)

	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &a.Rules); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Statistics aggregates assessment outcomes between two instants.
func (r *AssessmentRepository) Statistics(ctx context.Context, start, end time.Time) (*models.AssessmentStatistics, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE action = 'APPROVE'),
			COUNT(*) FILTER (WHERE action = 'HOLD'),
			COUNT(*) FILTER (WHERE action = 'REJECT'),
			COUNT(*) FILTER (WHERE action = 'MANUAL_REVIEW'),
			COALESCE(AVG(score), 0),
			COUNT(*) FILTER (WHERE risk_level = 'HIGH'),
			COUNT(*) FILTER (WHERE risk_level = 'CRITICAL')
		FROM fraud_assessments
		WHERE created_at >= $1 AND created_at < $2
	`

	stats := &models.AssessmentStatistics{
		PeriodStart: start,
		PeriodEnd:   end,
	}

	err := r.db.Pool.QueryRow(ctx, query, start, end).Scan(
		&stats.TotalAssessments,
		&stats.ApprovedCount,
		&stats.HeldCount,
		&stats.RejectedCount,
		&stats.ManualReviewCount,
		&stats.AverageScore,
		&stats.HighRiskCount,
		&stats.CriticalRiskCount,
	)

	if err != nil {
		return nil, err
	}

	return stats, nil
}
