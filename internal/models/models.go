package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskLevel buckets a fraud score into a discrete severity band.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// LevelForScore maps a score in [0,1] onto its risk band. Bands are
// half-open with inclusive lower bounds: <0.3 LOW, <0.6 MEDIUM, <0.8 HIGH,
// >=0.8 CRITICAL.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskLevelCritical
	case score >= 0.6:
		return RiskLevelHigh
	case score >= 0.3:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// FraudAction is the dispositive action resolved for an assessment.
type FraudAction string

const (
	ActionApprove      FraudAction = "APPROVE"
	ActionHold         FraudAction = "HOLD"
	ActionReject       FraudAction = "REJECT"
	ActionManualReview FraudAction = "MANUAL_REVIEW"
)

// TransactionType enum values
type TransactionType string

const (
	TypePayment    TransactionType = "PAYMENT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeRefund     TransactionType = "REFUND"
)

// VerificationLevel enum values
const (
	VerificationNone     = "NONE"
	VerificationBasic    = "BASIC"
	VerificationEnhanced = "ENHANCED"
	VerificationPremium  = "PREMIUM"
)

// Money is a scalar amount in a declared ISO-4217 currency. No FX conversion
// happens anywhere in the engine; amounts are compared within their currency.
type Money struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Precision int             `json:"precision"`
}

// NewMoney builds a Money value from a float amount.
func NewMoney(amount float64, currency string) Money {
	return Money{
		Amount:    decimal.NewFromFloat(amount),
		Currency:  currency,
		Precision: 2,
	}
}

// Float64 returns the scalar amount for scoring arithmetic.
func (m Money) Float64() float64 {
	return m.Amount.InexactFloat64()
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// GeoLocation is a point with administrative context.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
}

// DeviceFingerprint identifies the initiating device. Identity is the
// fingerprint string alone; the rest is diagnostic context.
type DeviceFingerprint struct {
	Fingerprint      string `json:"fingerprint"`
	UserAgent        string `json:"user_agent"`
	IPAddress        string `json:"ip_address"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Language         string `json:"language,omitempty"`
	Platform         string `json:"platform,omitempty"`
}

// Transaction is the candidate transaction under assessment.
type Transaction struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	Type              TransactionType   `json:"type"`
	Amount            Money             `json:"amount"`
	Timestamp         time.Time         `json:"timestamp"`
	DeviceFingerprint DeviceFingerprint `json:"device_fingerprint"`
	Geolocation       GeoLocation       `json:"geolocation"`
	RecipientID       string            `json:"recipient_id,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          JSONB             `json:"metadata,omitempty"`
}

// UserRiskProfile is the cached risk snapshot for a user. All ratio fields
// stay in [0,1]; counts are non-negative.
type UserRiskProfile struct {
	UserID                   string    `json:"user_id"`
	BaseScore                float64   `json:"base_score"`
	TransactionHistoryScore  float64   `json:"transaction_history_score"`
	AgeScore                 float64   `json:"age_score"`
	VelocityScore            float64   `json:"velocity_score"`
	VerificationLevel        string    `json:"verification_level"`
	DisputeRate              float64   `json:"dispute_rate"`
	TotalTransactions        int       `json:"total_transactions"`
	TotalAmount              Money     `json:"total_amount"`
	AverageTransactionAmount Money     `json:"average_transaction_amount"`
	AccountAgeDays           int       `json:"account_age_days"`
	FailedAttempts24h        int       `json:"failed_attempts_24h"`
	RiskLevel                RiskLevel `json:"risk_level"`
	LastUpdated              time.Time `json:"last_updated"`
}

// FraudRuleResult is one rule's verdict. Score is already weight-scaled,
// so the sum across a catalog is bounded by the sum of weights.
type FraudRuleResult struct {
	RuleName        string  `json:"rule_name"`
	Triggered       bool    `json:"triggered"`
	Score           float64 `json:"score"`
	Details         JSONB   `json:"details"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

// FraudAssessment is the immutable scored record produced for one
// transaction. Only the post-hoc review fields may be filled in later.
type FraudAssessment struct {
	ID                   uuid.UUID         `json:"id"`
	UserID               string            `json:"user_id"`
	TransactionID        string            `json:"transaction_id"`
	Score                float64           `json:"score"`
	RiskLevel            RiskLevel         `json:"risk_level"`
	Rules                []FraudRuleResult `json:"rules"`
	MLScore              *float64          `json:"ml_score,omitempty"`
	Action               FraudAction       `json:"action"`
	Reason               string            `json:"reason"`
	Confidence           float64           `json:"confidence"`
	AssessmentTimeMs     float64           `json:"assessment_time_ms"`
	CreatedAt            time.Time         `json:"created_at"`
	RequiresManualReview bool              `json:"requires_manual_review"`
	ReviewedBy           *string           `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time        `json:"reviewed_at,omitempty"`
	ReviewNotes          *string           `json:"review_notes,omitempty"`
}

// VelocityCheck is one (window, max-count, max-amount) limit over the user's
// recent transaction stream.
type VelocityCheck struct {
	WindowMinutes   int    `json:"window_minutes"`
	MaxTransactions int    `json:"max_transactions"`
	MaxAmount       *Money `json:"max_amount,omitempty"`
}

// TypicalLocation is a high-frequency coordinate from recent history.
type TypicalLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Frequency int     `json:"frequency"`
}

// FraudDetectionRequest is the assessment input. Only transactional
// assessment is supported; WithdrawalRequest is reserved.
type FraudDetectionRequest struct {
	UserID            string       `json:"user_id"`
	Transaction       *Transaction `json:"transaction,omitempty"`
	WithdrawalRequest JSONB        `json:"withdrawal_request,omitempty"`
	Context           JSONB        `json:"context,omitempty"`
	ForceAssessment   bool         `json:"force_assessment"`
}

// FraudDetectionResponse is the assessment output envelope.
type FraudDetectionResponse struct {
	Success          bool             `json:"success"`
	Assessment       *FraudAssessment `json:"assessment,omitempty"`
	Error            string           `json:"error,omitempty"`
	ProcessingTimeMs float64          `json:"processing_time_ms"`
	CorrelationID    string           `json:"correlation_id"`
}

// FraudAlert is the fire-and-forget payload emitted for HIGH and CRITICAL
// assessments.
type FraudAlert struct {
	AssessmentID uuid.UUID `json:"assessment_id"`
	UserID       string    `json:"user_id"`
	Score        float64   `json:"score"`
	RiskLevel    RiskLevel `json:"risk_level"`
}

// AssessmentStatistics aggregates assessment outcomes over a period.
type AssessmentStatistics struct {
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	TotalAssessments  int       `json:"total_assessments"`
	ApprovedCount     int       `json:"approved_count"`
	HeldCount         int       `json:"held_count"`
	RejectedCount     int       `json:"rejected_count"`
	ManualReviewCount int       `json:"manual_review_count"`
	AverageScore      float64   `json:"average_score"`
	HighRiskCount     int       `json:"high_risk_count"`
	CriticalRiskCount int       `json:"critical_risk_count"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
