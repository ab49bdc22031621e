package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
)

func TestDistanceKm_Symmetric(t *testing.T) {
	// Paris and London.
	d1 := DistanceKm(48.8566, 2.3522, 51.5074, -0.1278)
	d2 := DistanceKm(51.5074, -0.1278, 48.8566, 2.3522)

	assert.InDelta(t, d1, d2, 1e-9)
	assert.InDelta(t, 344, d1, 5)
}

func TestDistanceKm_ZeroForSamePoint(t *testing.T) {
	assert.Zero(t, DistanceKm(40.7128, -74.006, 40.7128, -74.006))
}

func TestDistanceKm_Antipodal(t *testing.T) {
	// Half the Earth's circumference, roughly 20015 km.
	d := DistanceKm(0, 0, 0, 180)
	assert.InDelta(t, 20015, d, 10)
}

func TestHourOfDay_NormalizesToUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 8, 10, 22, 30, 0, 0, est)
	assert.Equal(t, 3, HourOfDay(ts))
}

func TestDayOfWeek_MondayIsZero(t *testing.T) {
	monday := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 8, 9, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, DayOfWeek(monday))
	assert.Equal(t, 6, DayOfWeek(sunday))
}

func TestExtractFeatures_OrderAndValues(t *testing.T) {
	tx := testTransaction()
	tx.Amount = models.NewMoney(150, "USD")

	p := establishedProfile()
	p.FailedAttempts24h = 2

	features := extractFeatures(tx, p, true, false)
	require.Len(t, features, len(featureNames))

	assert.InDelta(t, 150, features[0], 1e-9)          // amount
	assert.InDelta(t, 14, features[1], 1e-9)           // hour_of_day
	assert.InDelta(t, 0, features[2], 1e-9)            // day_of_week (Monday)
	assert.InDelta(t, 400, features[3], 1e-9)          // user_age_days
	assert.InDelta(t, 200, features[4], 1e-9)          // transaction_count
	assert.InDelta(t, 50, features[5], 1e-9)           // avg_amount
	assert.InDelta(t, 2, features[6], 1e-9)            // failed_attempts_24h
	assert.InDelta(t, 1, features[7], 1e-9)            // geolocation_change
	assert.InDelta(t, 0, features[8], 1e-9)            // device_change
	assert.InDelta(t, 100.0/50.0, features[9], 1e-9)   // amount_deviation
}

func TestExtractFeatures_ZeroAverageGuard(t *testing.T) {
	tx := testTransaction()
	tx.Amount = models.NewMoney(25, "USD")

	p := establishedProfile()
	p.AverageTransactionAmount = models.NewMoney(0, "USD")

	features := extractFeatures(tx, p, false, false)
	// Denominator is max(avg, 1) so a zero average never divides by zero.
	assert.InDelta(t, 25, features[9], 1e-9)
}
