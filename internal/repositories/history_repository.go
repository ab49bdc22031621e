package repositories

import (
	"context"
	"time"

	"github.com/enterprise/fraud-engine/internal/models"
)

// HistoryRepository answers pure queries over the historical transaction
// stream: windowed aggregates, typical locations and hours, known devices,
// and the device blacklist. It never writes.
type HistoryRepository struct {
	db *Database
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *Database) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// CountInWindow counts the user's transactions in [now - window, now].
func (r *HistoryRepository) CountInWindow(ctx context.Context, userID string, windowMinutes int, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE user_id = $1
		AND timestamp >= $2
		AND timestamp <= $3
	`

	windowStart := now.Add(-time.Duration(windowMinutes) * time.Minute)

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, userID, windowStart, now).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AmountSumInWindow sums the user's transaction amounts over the same window.
func (r *HistoryRepository) AmountSumInWindow(ctx context.Context, userID string, windowMinutes int, now time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1
		AND timestamp >= $2
		AND timestamp <= $3
	`

	windowStart := now.Add(-time.Duration(windowMinutes) * time.Minute)

	var total float64
	if err := r.db.Pool.QueryRow(ctx, query, userID, windowStart, now).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// TypicalLocations returns the user's top 10 transaction coordinates by
// frequency over the last 30 days.
func (r *HistoryRepository) TypicalLocations(ctx context.Context, userID string) ([]models.TypicalLocation, error) {
	query := `
		SELECT g.latitude, g.longitude, COUNT(*) AS frequency
		FROM transactions t
		JOIN geolocations g ON t.geolocation_id = g.id
		WHERE t.user_id = $1
		AND t.timestamp >= $2
		GROUP BY g.latitude, g.longitude
		ORDER BY frequency DESC
		LIMIT 10
	`

	since := time.Now().UTC().AddDate(0, 0, -30)

	rows, err := r.db.Pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.TypicalLocation
	for rows.Next() {
		var loc models.TypicalLocation
		if err := rows.Scan(&loc.Latitude, &loc.Longitude, &loc.Frequency); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}

	return locations, rows.Err()
}

// TypicalHours returns the user's transaction count per UTC hour over the
// last 30 days.
func (r *HistoryRepository) TypicalHours(ctx context.Context, userID string) (map[int]int, error) {
	query := `
		SELECT EXTRACT(HOUR FROM timestamp AT TIME ZONE 'UTC')::int AS hour, COUNT(*) AS frequency
		FROM transactions
		WHERE user_id = $1
		AND timestamp >= $2
		GROUP BY hour
	`

	since := time.Now().UTC().AddDate(0, 0, -30)

	rows, err := r.db.Pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hours := make(map[int]int)
	for rows.Next() {
		var hour, frequency int
		if err := rows.Scan(&hour, &frequency); err != nil {
			return nil, err
		}
		hours[hour] = frequency
	}

	return hours, rows.Err()
}

// KnownDevices returns the set of device fingerprints observed for the user.
func (r *HistoryRepository) KnownDevices(ctx context.Context, userID string) (map[string]bool, error) {
	query := `
		SELECT DISTINCT device_fingerprint
		FROM transactions
		WHERE user_id = $1
		AND device_fingerprint <> ''
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make(map[string]bool)
	for rows.Next() {
		var fingerprint string
		if err := rows.Scan(&fingerprint); err != nil {
			return nil, err
		}
		devices[fingerprint] = true
	}

	return devices, rows.Err()
}

// IsDeviceBlacklisted checks the fingerprint against the blacklist table.
func (r *HistoryRepository) IsDeviceBlacklisted(ctx context.Context, fingerprint string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM device_blacklist
			WHERE fingerprint = $1 AND active = true
		)
	`

	var blacklisted bool
	if err := r.db.Pool.QueryRow(ctx, query, fingerprint).Scan(&blacklisted); err != nil {
		return false, err
	}
	return blacklisted, nil
}
