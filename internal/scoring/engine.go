package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/profile"
)

// ProfileSource yields user risk profiles and manages their cache entries.
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*models.UserRiskProfile, profile.Origin, error)
	Invalidate(ctx context.Context, userID string) error
	Synthesize(userID string) *models.UserRiskProfile
}

// MLSignal produces an optional model score for a transaction.
type MLSignal interface {
	Score(ctx context.Context, tx *models.Transaction, profile *models.UserRiskProfile) *float64
}

// AssessmentStore persists completed assessments.
type AssessmentStore interface {
	Create(ctx context.Context, assessment *models.FraudAssessment) error
}

// AlertSink receives fire-and-forget alerts for high-risk assessments.
type AlertSink interface {
	Emit(ctx context.Context, alert *models.FraudAlert) error
}

// Fusion coefficients for the weighted rule sum and the model score.
const (
	ruleFusionWeight = 0.6
	mlFusionWeight   = 0.4
)

// Engine orchestrates one fraud assessment: profile, rules and model in
// parallel, fusion, persistence, alerting. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	profiles ProfileSource
	rules    *RuleEngine
	model    MLSignal
	store    AssessmentStore
	alerts   AlertSink
	deadline time.Duration
}

// NewEngine wires the assessment pipeline.
func NewEngine(profiles ProfileSource, rules *RuleEngine, model MLSignal, store AssessmentStore, alerts AlertSink, deadline time.Duration) *Engine {
	return &Engine{
		profiles: profiles,
		rules:    rules,
		model:    model,
		store:    store,
		alerts:   alerts,
		deadline: deadline,
	}
}

// Assess scores one transaction end to end. Rule and model failures degrade
// the assessment; profile-store, persistence, and timeout failures are the
// only fatal paths.
func (e *Engine) Assess(ctx context.Context, req *models.FraudDetectionRequest) *models.FraudDetectionResponse {
	start := time.Now()
	correlationID := fmt.Sprintf("fraud_%d", start.Unix())

	if req == nil || req.Transaction == nil {
		return e.failure(correlationID, start, "No transaction provided")
	}
	tx := req.Transaction

	assessCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	userProfile, origin, err := e.profiles.Get(assessCtx, tx.UserID)
	profileUnavailable := false
	if err != nil {
		// Degraded profile store: score against the default profile
		// rather than refusing the assessment.
		log.Error().Err(err).Str("correlation_id", correlationID).Str("user_id", tx.UserID).Msg("Profile lookup failed; using default profile")
		userProfile = e.profiles.Synthesize(tx.UserID)
		origin = profile.OriginSynthesized
		profileUnavailable = true
	}

	var ruleResults []models.FraudRuleResult
	var mlScore *float64

	g, gctx := errgroup.WithContext(assessCtx)
	g.Go(func() error {
		ruleResults = e.rules.Evaluate(gctx, tx, userProfile)
		return nil
	})
	g.Go(func() error {
		mlScore = e.model.Score(gctx, tx, userProfile)
		return nil
	})
	_ = g.Wait()

	if len(ruleResults) == 0 && assessCtx.Err() != nil {
		log.Error().Str("correlation_id", correlationID).Str("transaction_id", tx.ID).Msg("Assessment deadline expired before any rule completed")
		return e.failure(correlationID, start, "assessment timed out")
	}
	if assessCtx.Err() != nil {
		// Partial rule set; the model signal is dropped rather than fused
		// against an incomplete picture.
		mlScore = nil
	}

	finalScore := fuse(ruleResults, mlScore)
	riskLevel := models.LevelForScore(finalScore)
	action := resolveAction(finalScore, ruleResults)

	assessment := &models.FraudAssessment{
		ID:                   uuid.New(),
		UserID:               tx.UserID,
		TransactionID:        tx.ID,
		Score:                finalScore,
		RiskLevel:            riskLevel,
		Rules:                ruleResults,
		MLScore:              mlScore,
		Action:               action,
		Reason:               buildReason(ruleResults, mlScore, finalScore, profileUnavailable),
		Confidence:           confidence(ruleResults, mlScore),
		AssessmentTimeMs:     float64(time.Since(start).Microseconds()) / 1000,
		CreatedAt:            time.Now().UTC(),
		RequiresManualReview: action == models.ActionManualReview,
	}

	// Persistence of a finished assessment is never cancelled by the
	// request deadline.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.Create(persistCtx, assessment); err != nil {
		log.Error().Err(err).Str("correlation_id", correlationID).Str("transaction_id", tx.ID).Msg("Failed to persist assessment")
		return e.failure(correlationID, start, fmt.Sprintf("failed to persist assessment: %v", err))
	}

	if err := e.profiles.Invalidate(persistCtx, tx.UserID); err != nil {
		log.Warn().Err(err).Str("correlation_id", correlationID).Str("user_id", tx.UserID).Msg("Profile cache invalidation failed")
	}

	if riskLevel == models.RiskLevelHigh || riskLevel == models.RiskLevelCritical {
		alert := &models.FraudAlert{
			AssessmentID: assessment.ID,
			UserID:       assessment.UserID,
			Score:        assessment.Score,
			RiskLevel:    assessment.RiskLevel,
		}
		if err := e.alerts.Emit(persistCtx, alert); err != nil {
			log.Warn().Err(err).Str("correlation_id", correlationID).Str("assessment_id", assessment.ID.String()).Msg("Alert emission failed")
		}
	}

	log.Info().
		Str("correlation_id", correlationID).
		Str("transaction_id", tx.ID).
		Str("user_id", tx.UserID).
		Str("profile_origin", string(origin)).
		Float64("score", finalScore).
		Str("risk_level", string(riskLevel)).
		Str("action", string(action)).
		Float64("duration_ms", assessment.AssessmentTimeMs).
		Msg("Fraud assessment completed")

	return &models.FraudDetectionResponse{
		Success:          true,
		Assessment:       assessment,
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		CorrelationID:    correlationID,
	}
}

func (e *Engine) failure(correlationID string, start time.Time, msg string) *models.FraudDetectionResponse {
	return &models.FraudDetectionResponse{
		Success:          false,
		Error:            msg,
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		CorrelationID:    correlationID,
	}
}

// fuse combines the weighted rule sum with the optional model score. With no
// model signal the rule sum stands alone.
func fuse(results []models.FraudRuleResult, mlScore *float64) float64 {
	var ruleSum float64
	for _, r := range results {
		ruleSum += r.Score
	}

	if mlScore == nil {
		return clip01(ruleSum)
	}
	return clip01(ruleFusionWeight*ruleSum + mlFusionWeight*(*mlScore))
}

func resolveAction(score float64, results []models.FraudRuleResult) models.FraudAction {
	switch {
	case score >= 0.8:
		return models.ActionReject
	case score >= 0.6:
		return models.ActionHold
	case score >= 0.3:
		for _, r := range results {
			if r.Triggered && r.Score > 0.5 {
				return models.ActionManualReview
			}
		}
		return models.ActionApprove
	default:
		return models.ActionApprove
	}
}

func buildReason(results []models.FraudRuleResult, mlScore *float64, finalScore float64, profileUnavailable bool) string {
	var parts []string

	if profileUnavailable {
		parts = append(parts, "profile_unavailable")
	}

	var triggered []string
	for _, r := range results {
		if r.Triggered {
			triggered = append(triggered, r.RuleName)
		}
	}
	if len(triggered) > 0 {
		parts = append(parts, "Rules triggered: "+strings.Join(triggered, ", "))
	}

	if mlScore != nil {
		parts = append(parts, fmt.Sprintf("ML score: %.3f", *mlScore))
	}

	parts = append(parts, fmt.Sprintf("Final score: %.3f", finalScore))

	return strings.Join(parts, "; ")
}

// confidence scales the mean of the available risk indicators by how much
// they agree with each other.
func confidence(results []models.FraudRuleResult, mlScore *float64) float64 {
	var indicators []float64

	var triggeredSum float64
	for _, r := range results {
		if r.Triggered {
			triggeredSum += r.Score
		}
	}
	if triggeredSum > 0 {
		indicators = append(indicators, triggeredSum)
	}
	if mlScore != nil {
		indicators = append(indicators, *mlScore)
	}

	switch len(indicators) {
	case 0:
		return 0.5
	case 1:
		return clip01(indicators[0])
	default:
		min, max := indicators[0], indicators[0]
		var sum float64
		for _, v := range indicators {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			sum += v
		}
		agreement := 1 - (max - min)
		return clip01(sum / float64(len(indicators)) * agreement)
	}
}
