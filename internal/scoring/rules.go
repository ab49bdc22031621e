package scoring

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// History answers the aggregator queries rule evaluators and the model
// scorer depend on.
type History interface {
	CountInWindow(ctx context.Context, userID string, windowMinutes int, now time.Time) (int, error)
	AmountSumInWindow(ctx context.Context, userID string, windowMinutes int, now time.Time) (float64, error)
	TypicalLocations(ctx context.Context, userID string) ([]models.TypicalLocation, error)
	TypicalHours(ctx context.Context, userID string) (map[int]int, error)
	KnownDevices(ctx context.Context, userID string) (map[string]bool, error)
	IsDeviceBlacklisted(ctx context.Context, fingerprint string) (bool, error)
}

// Evaluator computes one rule's raw score in [0,1] and its trigger verdict.
// The engine applies the catalog weight afterwards.
type Evaluator func(ctx context.Context, tx *models.Transaction, profile *models.UserRiskProfile) (triggered bool, rawScore float64, details models.JSONB, err error)

// Rule is one registry entry. Adding a rule is a registry insertion, not a
// code branch.
type Rule struct {
	Name       string
	Weight     float64
	Enabled    bool
	ActionHint models.FraudAction
	Evaluate   Evaluator
}

// Rule catalog names.
const (
	RuleVelocityCheck      = "VELOCITY_CHECK"
	RuleAmountAnomaly      = "AMOUNT_ANOMALY"
	RuleGeolocationAnomaly = "GEOLOCATION_ANOMALY"
	RuleDeviceFingerprint  = "DEVICE_FINGERPRINT"
	RuleTimePattern        = "TIME_PATTERN"
)

type velocityWindow struct {
	Period string
	Check  models.VelocityCheck
}

func defaultVelocityWindows() []velocityWindow {
	daily := models.NewMoney(10000, "USD")
	weekly := models.NewMoney(50000, "USD")
	return []velocityWindow{
		{Period: "hourly", Check: models.VelocityCheck{WindowMinutes: 60, MaxTransactions: 10}},
		{Period: "daily", Check: models.VelocityCheck{WindowMinutes: 1440, MaxTransactions: 50, MaxAmount: &daily}},
		{Period: "weekly", Check: models.VelocityCheck{WindowMinutes: 10080, MaxTransactions: 200, MaxAmount: &weekly}},
	}
}

// RuleEngine dispatches enabled rules concurrently and collates results in
// registration order.
type RuleEngine struct {
	history History
	windows []velocityWindow
	rules   []Rule
}

// NewRuleEngine builds the engine with the default catalog.
func NewRuleEngine(history History) *RuleEngine {
	e := &RuleEngine{
		history: history,
		windows: defaultVelocityWindows(),
	}

	e.rules = []Rule{
		{Name: RuleVelocityCheck, Weight: 0.30, Enabled: true, ActionHint: models.ActionHold, Evaluate: e.checkVelocity},
		{Name: RuleAmountAnomaly, Weight: 0.25, Enabled: true, ActionHint: models.ActionManualReview, Evaluate: e.checkAmountAnomaly},
		{Name: RuleGeolocationAnomaly, Weight: 0.20, Enabled: true, ActionHint: models.ActionHold, Evaluate: e.checkGeolocationAnomaly},
		{Name: RuleDeviceFingerprint, Weight: 0.15, Enabled: true, ActionHint: models.ActionManualReview, Evaluate: e.checkDeviceFingerprint},
		{Name: RuleTimePattern, Weight: 0.10, Enabled: true, ActionHint: models.ActionManualReview, Evaluate: e.checkTimePattern},
	}

	if sum := e.WeightSum(); math.Abs(sum-1.0) > 1e-9 {
		log.Warn().Float64("weight_sum", sum).Msg("Rule weights do not sum to 1.0; fused scores remain clipped to [0,1]")
	}

	return e
}

// Rules returns a copy of the registry in registration order.
func (e *RuleEngine) Rules() []Rule {
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// WeightSum returns the sum of enabled rule weights.
func (e *RuleEngine) WeightSum() float64 {
	var sum float64
	for _, r := range e.rules {
		if r.Enabled {
			sum += r.Weight
		}
	}
	return sum
}

// Evaluate runs all enabled rules concurrently against one transaction and
// returns their results in registration order. An evaluator failure yields a
// non-triggered zero-score result carrying the error; it never fails the
// assessment. When ctx expires before all evaluators finish, only the
// completed results are returned.
func (e *RuleEngine) Evaluate(ctx context.Context, tx *models.Transaction, profile *models.UserRiskProfile) []models.FraudRuleResult {
	enabled := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	var mu sync.Mutex
	results := make([]models.FraudRuleResult, len(enabled))
	completed := make([]bool, len(enabled))

	var wg sync.WaitGroup
	for i, rule := range enabled {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			res := e.runRule(ctx, rule, tx, profile)
			mu.Lock()
			results[i] = res
			completed[i] = true
			mu.Unlock()
		}(i, rule)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("transaction_id", tx.ID).Msg("Rule evaluation deadline expired; returning partial results")
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]models.FraudRuleResult, 0, len(enabled))
	for i := range enabled {
		if completed[i] {
			out = append(out, results[i])
		}
	}
	return out
}

func (e *RuleEngine) runRule(ctx context.Context, rule Rule, tx *models.Transaction, profile *models.UserRiskProfile) models.FraudRuleResult {
	start := time.Now()

	triggered, raw, details, err := rule.Evaluate(ctx, tx, profile)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		log.Error().Err(err).Str("rule", rule.Name).Str("transaction_id", tx.ID).Msg("Rule evaluation failed")
		return models.FraudRuleResult{
			RuleName:        rule.Name,
			Triggered:       false,
			Score:           0,
			Details:         models.JSONB{"error": err.Error()},
			ExecutionTimeMs: elapsed,
		}
	}

	if details == nil {
		details = models.JSONB{}
	}

	return models.FraudRuleResult{
		RuleName:        rule.Name,
		Triggered:       triggered,
		Score:           raw * rule.Weight,
		Details:         details,
		ExecutionTimeMs: elapsed,
	}
}

// checkVelocity compares windowed counts and amount sums against the
// configured limits. The raw score is the max over windows: 0.8 for a count
// breach, 0.9 for an amount breach.
func (e *RuleEngine) checkVelocity(ctx context.Context, tx *models.Transaction, _ *models.UserRiskProfile) (bool, float64, models.JSONB, error) {
	triggered := false
	score := 0.0
	details := models.JSONB{}

	for _, w := range e.windows {
		count, err := e.history.CountInWindow(ctx, tx.UserID, w.Check.WindowMinutes, tx.Timestamp)
		if err != nil {
			return false, 0, nil, err
		}

		exceeded := count > w.Check.MaxTransactions
		if exceeded {
			triggered = true
			score = math.Max(score, 0.8)
		}
		details[w.Period] = models.JSONB{
			"count":    count,
			"limit":    w.Check.MaxTransactions,
			"exceeded": exceeded,
		}

		if w.Check.MaxAmount != nil {
			total, err := e.history.AmountSumInWindow(ctx, tx.UserID, w.Check.WindowMinutes, tx.Timestamp)
			if err != nil {
				return false, 0, nil, err
			}

			amountExceeded := total > w.Check.MaxAmount.Float64()
			if amountExceeded {
				triggered = true
				score = math.Max(score, 0.9)
			}
			details[w.Period+"_amount"] = models.JSONB{
				"total":    total,
				"limit":    w.Check.MaxAmount.Float64(),
				"exceeded": amountExceeded,
			}
		}
	}

	return triggered, score, details, nil
}

// checkAmountAnomaly flags transactions whose normalized deviation from the
// user's average exceeds 3. The deviation is |x-avg|/avg, not a true
// z-score; no stddev is available on the profile.
func (e *RuleEngine) checkAmountAnomaly(_ context.Context, tx *models.Transaction, profile *models.UserRiskProfile) (bool, float64, models.JSONB, error) {
	if profile.TotalTransactions == 0 {
		return false, 0, models.JSONB{}, nil
	}

	avg := profile.AverageTransactionAmount.Float64()
	if avg <= 0 {
		return false, 0, models.JSONB{}, nil
	}

	current := tx.Amount.Float64()
	deviation := math.Abs(current-avg) / avg

	triggered := deviation > 3
	score := 0.0
	if triggered {
		score = math.Min(0.8, deviation/5)
	}

	details := models.JSONB{
		"current_amount": current,
		"average_amount": avg,
		"deviation":      deviation,
		"threshold":      3.0,
	}

	return triggered, score, details, nil
}

// checkGeolocationAnomaly flags transactions farther than 1000 km from every
// typical location, scaling the raw score with distance up to 0.7.
func (e *RuleEngine) checkGeolocationAnomaly(ctx context.Context, tx *models.Transaction, _ *models.UserRiskProfile) (bool, float64, models.JSONB, error) {
	locations, err := e.history.TypicalLocations(ctx, tx.UserID)
	if err != nil {
		return false, 0, nil, err
	}

	if len(locations) == 0 {
		return false, 0, models.JSONB{"status": "no_location_history"}, nil
	}

	minDistance := math.Inf(1)
	for _, loc := range locations {
		d := DistanceKm(tx.Geolocation.Latitude, tx.Geolocation.Longitude, loc.Latitude, loc.Longitude)
		minDistance = math.Min(minDistance, d)
	}

	triggered := minDistance > 1000
	score := 0.0
	if triggered {
		score = math.Min(0.7, minDistance/5000)
	}

	details := models.JSONB{
		"current_location": models.JSONB{
			"lat":     tx.Geolocation.Latitude,
			"lon":     tx.Geolocation.Longitude,
			"country": tx.Geolocation.Country,
		},
		"min_distance_km": minDistance,
		"threshold_km":    1000.0,
	}

	return triggered, score, details, nil
}

// checkDeviceFingerprint flags unknown devices (raw 0.5) and blacklisted
// ones (raw 1.0).
func (e *RuleEngine) checkDeviceFingerprint(ctx context.Context, tx *models.Transaction, _ *models.UserRiskProfile) (bool, float64, models.JSONB, error) {
	known, err := e.history.KnownDevices(ctx, tx.UserID)
	if err != nil {
		return false, 0, nil, err
	}

	fingerprint := tx.DeviceFingerprint.Fingerprint
	isKnown := known[fingerprint]

	blacklisted := false
	triggered := false
	score := 0.0

	if !isKnown {
		triggered = true
		score = 0.5

		blacklisted, err = e.history.IsDeviceBlacklisted(ctx, fingerprint)
		if err != nil {
			return false, 0, nil, err
		}
		if blacklisted {
			score = 1.0
		}
	}

	details := models.JSONB{
		"device_fingerprint":  fingerprint,
		"is_known_device":     isKnown,
		"known_devices_count": len(known),
		"is_blacklisted":      blacklisted,
	}

	return triggered, score, details, nil
}

// checkTimePattern flags transactions at hours covering less than 5% of the
// user's historical activity.
func (e *RuleEngine) checkTimePattern(ctx context.Context, tx *models.Transaction, _ *models.UserRiskProfile) (bool, float64, models.JSONB, error) {
	hours, err := e.history.TypicalHours(ctx, tx.UserID)
	if err != nil {
		return false, 0, nil, err
	}

	if len(hours) == 0 {
		return false, 0, models.JSONB{"status": "no_transaction_history"}, nil
	}

	currentHour := HourOfDay(tx.Timestamp)
	frequency := hours[currentHour]

	total := 0
	for _, f := range hours {
		total += f
	}
	if total == 0 {
		return false, 0, models.JSONB{"status": "no_transaction_history"}, nil
	}

	probability := float64(frequency) / float64(total)

	triggered := probability < 0.05
	score := 0.0
	if triggered {
		score = 0.4
	}

	details := models.JSONB{
		"current_hour":     currentHour,
		"hour_frequency":   frequency,
		"total_frequency":  total,
		"hour_probability": probability,
		"threshold":        0.05,
	}

	return triggered, score, details, nil
}
