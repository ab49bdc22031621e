package scoring

import (
	"math"
	"time"

	"github.com/enterprise/fraud-engine/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two coordinates in
// kilometers (Haversine).
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlon1 := lon1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	rlon2 := lon2 * math.Pi / 180

	dlat := rlat2 - rlat1
	dlon := rlon2 - rlon1

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return earthRadiusKm * c
}

// HourOfDay returns the UTC hour in [0,23].
func HourOfDay(t time.Time) int {
	return t.UTC().Hour()
}

// DayOfWeek returns the ISO weekday index with Monday = 0.
func DayOfWeek(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}

// featureNames is the fixed feature vector order consumed by the model
// scorer. The persisted feature-name artifact must match it.
var featureNames = []string{
	"amount",
	"hour_of_day",
	"day_of_week",
	"user_age_days",
	"transaction_count",
	"avg_amount",
	"failed_attempts_24h",
	"geolocation_change",
	"device_change",
	"amount_deviation",
}

// extractFeatures builds the 10-element model feature vector. The novelty
// flags must already be resolved from the history store.
func extractFeatures(tx *models.Transaction, p *models.UserRiskProfile, newLocation, newDevice bool) []float64 {
	amount := tx.Amount.Float64()
	avg := p.AverageTransactionAmount.Float64()

	locFlag := 0.0
	if newLocation {
		locFlag = 1.0
	}
	devFlag := 0.0
	if newDevice {
		devFlag = 1.0
	}

	return []float64{
		amount,
		float64(HourOfDay(tx.Timestamp)),
		float64(DayOfWeek(tx.Timestamp)),
		float64(p.AccountAgeDays),
		float64(p.TotalTransactions),
		avg,
		float64(p.FailedAttempts24h),
		locFlag,
		devFlag,
		math.Abs(amount-avg) / math.Max(avg, 1),
	}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
