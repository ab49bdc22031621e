package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
)

// fakeHistory is an in-memory History with injectable failures and latency.
type fakeHistory struct {
	counts       map[int]int
	sums         map[int]float64
	locations    []models.TypicalLocation
	hours        map[int]int
	devices      map[string]bool
	blacklist    map[string]bool
	countErr     error
	sumErr       error
	locationErr  error
	hourErr      error
	deviceErr    error
	blacklistErr error
	countDelay   time.Duration
	delay        time.Duration
}

func (f *fakeHistory) CountInWindow(_ context.Context, _ string, windowMinutes int, _ time.Time) (int, error) {
	f.sleep(f.countDelay)
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[windowMinutes], nil
}

func (f *fakeHistory) AmountSumInWindow(_ context.Context, _ string, windowMinutes int, _ time.Time) (float64, error) {
	f.sleep(0)
	if f.sumErr != nil {
		return 0, f.sumErr
	}
	return f.sums[windowMinutes], nil
}

func (f *fakeHistory) TypicalLocations(_ context.Context, _ string) ([]models.TypicalLocation, error) {
	f.sleep(0)
	if f.locationErr != nil {
		return nil, f.locationErr
	}
	return f.locations, nil
}

func (f *fakeHistory) TypicalHours(_ context.Context, _ string) (map[int]int, error) {
	f.sleep(0)
	if f.hourErr != nil {
		return nil, f.hourErr
	}
	return f.hours, nil
}

func (f *fakeHistory) KnownDevices(_ context.Context, _ string) (map[string]bool, error) {
	f.sleep(0)
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	return f.devices, nil
}

func (f *fakeHistory) IsDeviceBlacklisted(_ context.Context, fingerprint string) (bool, error) {
	f.sleep(0)
	if f.blacklistErr != nil {
		return false, f.blacklistErr
	}
	return f.blacklist[fingerprint], nil
}

func (f *fakeHistory) sleep(extra time.Duration) {
	if d := f.delay + extra; d > 0 {
		time.Sleep(d)
	}
}

// quietHistory produces no anomalies for testTransaction.
func quietHistory() *fakeHistory {
	return &fakeHistory{
		counts: map[int]int{},
		sums:   map[int]float64{},
		locations: []models.TypicalLocation{
			{Latitude: 40.7128, Longitude: -74.006, Frequency: 80},
		},
		hours:     map[int]int{14: 90, 15: 10},
		devices:   map[string]bool{"device-abc": true},
		blacklist: map[string]bool{},
	}
}

// emptyHistory mimics a user with no transaction history at all.
func emptyHistory() *fakeHistory {
	return &fakeHistory{
		counts:    map[int]int{},
		sums:      map[int]float64{},
		hours:     map[int]int{},
		devices:   map[string]bool{},
		blacklist: map[string]bool{},
	}
}

func testTransaction() *models.Transaction {
	return &models.Transaction{
		ID:        "tx-001",
		UserID:    "user-001",
		Type:      models.TypePayment,
		Amount:    models.NewMoney(50, "USD"),
		Timestamp: time.Date(2026, 8, 10, 14, 0, 0, 0, time.UTC),
		DeviceFingerprint: models.DeviceFingerprint{
			Fingerprint: "device-abc",
			IPAddress:   "10.1.2.3",
		},
		Geolocation: models.GeoLocation{Latitude: 40.7128, Longitude: -74.006, Country: "US"},
	}
}

func establishedProfile() *models.UserRiskProfile {
	return &models.UserRiskProfile{
		UserID:                   "user-001",
		BaseScore:                0.2,
		TransactionHistoryScore:  0.1,
		AgeScore:                 0.1,
		VerificationLevel:        models.VerificationEnhanced,
		TotalTransactions:        200,
		TotalAmount:              models.NewMoney(10000, "USD"),
		AverageTransactionAmount: models.NewMoney(50, "USD"),
		AccountAgeDays:           400,
		RiskLevel:                models.RiskLevelLow,
		LastUpdated:              time.Now().UTC(),
	}
}

func resultByName(t *testing.T, results []models.FraudRuleResult, name string) models.FraudRuleResult {
	t.Helper()
	for _, r := range results {
		if r.RuleName == name {
			return r
		}
	}
	t.Fatalf("no result for rule %s", name)
	return models.FraudRuleResult{}
}

func TestRuleWeightsSumToOne(t *testing.T) {
	engine := NewRuleEngine(quietHistory())
	assert.InDelta(t, 1.0, engine.WeightSum(), 1e-9)
}

func TestVelocity_HourlyCountExceeded(t *testing.T) {
	history := quietHistory()
	history.counts[60] = 15

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleVelocityCheck)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 0.8*0.30, res.Score, 1e-9)

	hourly, ok := res.Details["hourly"].(models.JSONB)
	require.True(t, ok)
	assert.Equal(t, true, hourly["exceeded"])
	assert.Equal(t, 15, hourly["count"])
}

func TestVelocity_DailyAmountExceeded(t *testing.T) {
	history := quietHistory()
	history.sums[1440] = 15000

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleVelocityCheck)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 0.9*0.30, res.Score, 1e-9)

	daily, ok := res.Details["daily_amount"].(models.JSONB)
	require.True(t, ok)
	assert.Equal(t, true, daily["exceeded"])
}

func TestVelocity_WithinLimits(t *testing.T) {
	history := quietHistory()
	history.counts[60] = 5
	history.sums[1440] = 500

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleVelocityCheck)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.Score)
}

func TestAmountAnomaly_LargeDeviation(t *testing.T) {
	tx := testTransaction()
	tx.Amount = models.NewMoney(2000, "USD")

	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), tx, establishedProfile())

	res := resultByName(t, results, RuleAmountAnomaly)
	assert.True(t, res.Triggered)
	// deviation 39 caps the raw score at 0.8
	assert.InDelta(t, 0.8*0.25, res.Score, 1e-9)
	assert.InDelta(t, 39.0, res.Details["deviation"].(float64), 1e-9)
}

func TestAmountAnomaly_NoHistory(t *testing.T) {
	profile := establishedProfile()
	profile.TotalTransactions = 0

	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), testTransaction(), profile)

	res := resultByName(t, results, RuleAmountAnomaly)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.Score)
}

func TestAmountAnomaly_SmallDeviation(t *testing.T) {
	tx := testTransaction()
	tx.Amount = models.NewMoney(120, "USD")

	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), tx, establishedProfile())

	res := resultByName(t, results, RuleAmountAnomaly)
	assert.False(t, res.Triggered)
}

func TestGeolocation_FarFromTypical(t *testing.T) {
	tx := testTransaction()
	// Tokyo, roughly 10800 km from the New York typical location.
	tx.Geolocation = models.GeoLocation{Latitude: 35.6762, Longitude: 139.6503, Country: "JP"}

	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), tx, establishedProfile())

	res := resultByName(t, results, RuleGeolocationAnomaly)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 0.7*0.20, res.Score, 1e-9)
	assert.Greater(t, res.Details["min_distance_km"].(float64), 1000.0)
}

func TestGeolocation_NoHistory(t *testing.T) {
	history := quietHistory()
	history.locations = nil

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleGeolocationAnomaly)
	assert.False(t, res.Triggered)
	assert.Equal(t, "no_location_history", res.Details["status"])
}

func TestGeolocation_ModerateDistanceScaled(t *testing.T) {
	history := quietHistory()
	// ~2000 km away: triggered, raw 2000/5000 = 0.4 stays under the 0.7 cap.
	history.locations = []models.TypicalLocation{
		{Latitude: 40.7128, Longitude: -97.9, Frequency: 50},
	}

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleGeolocationAnomaly)
	assert.True(t, res.Triggered)
	distance := res.Details["min_distance_km"].(float64)
	assert.InDelta(t, distance/5000*0.20, res.Score, 1e-9)
	assert.Less(t, res.Score, 0.7*0.20)
}

func TestDevice_Unknown(t *testing.T) {
	tx := testTransaction()
	tx.DeviceFingerprint.Fingerprint = "device-new"

	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), tx, establishedProfile())

	res := resultByName(t, results, RuleDeviceFingerprint)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 0.5*0.15, res.Score, 1e-9)
	assert.Equal(t, false, res.Details["is_known_device"])
	assert.Equal(t, false, res.Details["is_blacklisted"])
}

func TestDevice_Blacklisted(t *testing.T) {
	history := quietHistory()
	history.blacklist["device-evil"] = true

	tx := testTransaction()
	tx.DeviceFingerprint.Fingerprint = "device-evil"

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), tx, establishedProfile())

	res := resultByName(t, results, RuleDeviceFingerprint)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 1.0*0.15, res.Score, 1e-9)
	assert.Equal(t, true, res.Details["is_blacklisted"])
}

func TestDevice_Known(t *testing.T) {
	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleDeviceFingerprint)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.Score)
	assert.Equal(t, true, res.Details["is_known_device"])
}

func TestTimePattern_RareHour(t *testing.T) {
	history := quietHistory()
	history.hours = map[int]int{3: 1, 14: 99}

	tx := testTransaction()
	tx.Timestamp = time.Date(2026, 8, 10, 3, 12, 0, 0, time.UTC)

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), tx, establishedProfile())

	res := resultByName(t, results, RuleTimePattern)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 0.4*0.10, res.Score, 1e-9)
	assert.InDelta(t, 0.01, res.Details["hour_probability"].(float64), 1e-9)
}

func TestTimePattern_CommonHour(t *testing.T) {
	engine := NewRuleEngine(quietHistory())
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleTimePattern)
	assert.False(t, res.Triggered)
}

func TestTimePattern_NoHistory(t *testing.T) {
	history := quietHistory()
	history.hours = map[int]int{}

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())

	res := resultByName(t, results, RuleTimePattern)
	assert.False(t, res.Triggered)
	assert.Equal(t, "no_transaction_history", res.Details["status"])
}

func TestEvaluate_OrderIsStable(t *testing.T) {
	engine := NewRuleEngine(quietHistory())
	expected := []string{
		RuleVelocityCheck,
		RuleAmountAnomaly,
		RuleGeolocationAnomaly,
		RuleDeviceFingerprint,
		RuleTimePattern,
	}

	for i := 0; i < 5; i++ {
		results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())
		require.Len(t, results, len(expected))
		for j, name := range expected {
			assert.Equal(t, name, results[j].RuleName)
		}
	}
}

func TestEvaluate_FailureIsolated(t *testing.T) {
	history := quietHistory()
	history.locationErr = errors.New("aggregator down")

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), testTransaction(), establishedProfile())
	require.Len(t, results, 5)

	res := resultByName(t, results, RuleGeolocationAnomaly)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.Score)
	assert.Equal(t, "aggregator down", res.Details["error"])

	// Other rules are unaffected.
	assert.NotContains(t, resultByName(t, results, RuleDeviceFingerprint).Details, "error")
}

func TestEvaluate_ScoreBoundedByWeight(t *testing.T) {
	history := quietHistory()
	history.counts[60] = 100
	history.sums[1440] = 1e9
	history.sums[10080] = 1e9
	history.locations = []models.TypicalLocation{{Latitude: -40, Longitude: 100, Frequency: 1}}
	history.hours = map[int]int{5: 1000}
	history.devices = map[string]bool{}
	history.blacklist = map[string]bool{"device-abc": true}

	tx := testTransaction()
	tx.Amount = models.NewMoney(1e7, "USD")

	engine := NewRuleEngine(history)
	results := engine.Evaluate(context.Background(), tx, establishedProfile())
	require.Len(t, results, 5)

	weights := map[string]float64{}
	for _, r := range engine.Rules() {
		weights[r.Name] = r.Weight
	}
	for _, res := range results {
		assert.LessOrEqual(t, res.Score, weights[res.RuleName]+1e-9, res.RuleName)
		assert.GreaterOrEqual(t, res.Score, 0.0, res.RuleName)
	}
}

func TestEvaluate_PartialResultsOnDeadline(t *testing.T) {
	history := quietHistory()
	history.countDelay = 300 * time.Millisecond

	engine := NewRuleEngine(history)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results := engine.Evaluate(ctx, testTransaction(), establishedProfile())

	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.RuleName
	}
	assert.NotContains(t, names, RuleVelocityCheck)
	assert.Contains(t, names, RuleAmountAnomaly)
	assert.Contains(t, names, RuleDeviceFingerprint)
}
