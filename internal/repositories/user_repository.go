package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

var ErrUserNotFound = errors.New("user not found")

// UserStatsRow is the authoritative-store snapshot that feeds risk profile
// derivation. Stats columns default to zero for users with no history row.
type UserStatsRow struct {
	UserID            string
	CreatedAt         time.Time
	VerificationLevel string
	TotalTransactions int
	TotalAmount       float64
	AvgAmount         float64
	FailedAttempts24h int
}

// UserRepository reads user and transaction-stat rows for profile building
type UserRepository struct {
	db *Database
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *Database) *UserRepository {
	return &UserRepository{db: db}
}

// GetStats retrieves the user row joined with aggregate transaction stats.
// Returns ErrUserNotFound for unknown users so callers can synthesize a
// default profile.
func (r *UserRepository) GetStats(ctx context.Context, userID string) (*UserStatsRow, error) {
	query := `
		SELECT
			u.id,
			u.created_at,
			u.verification_level,
			COALESCE(stats.total_transactions, 0) AS total_transactions,
			COALESCE(stats.total_amount, 0) AS total_amount,
			COALESCE(stats.avg_amount, 0) AS avg_amount,
			COALESCE(stats.failed_attempts_24h, 0) AS failed_attempts_24h
		FROM users u
		LEFT JOIN user_transaction_stats stats ON u.id = stats.user_id
		WHERE u.id = $1
	`

	row := &UserStatsRow{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&row.UserID,
		&row.CreatedAt,
		&row.VerificationLevel,
		&row.TotalTransactions,
		&row.TotalAmount,
		&row.AvgAmount,
		&row.FailedAttempts24h,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return row, nil
}
