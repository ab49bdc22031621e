package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/cache"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

// Origin records where a profile came from. Downstream scoring is ignorant
// of origin; tests and diagnostics are not.
type Origin string

const (
	OriginCached      Origin = "cached"
	OriginLoaded      Origin = "loaded"
	OriginSynthesized Origin = "synthesized"
)

// UserSource reads the authoritative user + stats row.
type UserSource interface {
	GetStats(ctx context.Context, userID string) (*repositories.UserStatsRow, error)
}

// Cache is the TTL key/value store holding profile snapshots.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Store serves user risk profiles cache-through: cache hit, else the
// authoritative store, else a synthesized default for unknown users.
type Store struct {
	users UserSource
	cache Cache
	ttl   time.Duration
}

// NewStore creates a profile store with the given cache TTL.
func NewStore(users UserSource, c Cache, ttl time.Duration) *Store {
	return &Store{users: users, cache: c, ttl: ttl}
}

// Get returns the risk profile for a user along with its origin.
func (s *Store) Get(ctx context.Context, userID string) (*models.UserRiskProfile, Origin, error) {
	key := cache.ProfileKey(userID)

	var cached models.UserRiskProfile
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, OriginCached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		// Degraded cache is not fatal; fall through to the store.
		log.Warn().Err(err).Str("user_id", userID).Msg("Profile cache read failed")
	}

	row, err := s.users.GetStats(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			p := s.Synthesize(userID)
			s.cacheProfile(ctx, key, p)
			return p, OriginSynthesized, nil
		}
		return nil, "", fmt.Errorf("profile lookup failed: %w", err)
	}

	p := buildProfile(row, time.Now().UTC())
	s.cacheProfile(ctx, key, p)
	return p, OriginLoaded, nil
}

// Invalidate removes the cached profile entry for a user.
func (s *Store) Invalidate(ctx context.Context, userID string) error {
	return s.cache.Delete(ctx, cache.ProfileKey(userID))
}

// Synthesize builds the default high-risk profile for an unknown user.
func (s *Store) Synthesize(userID string) *models.UserRiskProfile {
	return &models.UserRiskProfile{
		UserID:                   userID,
		BaseScore:                0.7,
		TransactionHistoryScore:  0.0,
		AgeScore:                 0.8,
		VelocityScore:            0.0,
		VerificationLevel:        models.VerificationNone,
		DisputeRate:              0.0,
		TotalTransactions:        0,
		TotalAmount:              models.NewMoney(0, "USD"),
		AverageTransactionAmount: models.NewMoney(0, "USD"),
		AccountAgeDays:           0,
		FailedAttempts24h:        0,
		RiskLevel:                models.RiskLevelMedium,
		LastUpdated:              time.Now().UTC(),
	}
}

func (s *Store) cacheProfile(ctx context.Context, key string, p *models.UserRiskProfile) {
	if err := s.cache.Set(ctx, key, p, s.ttl); err != nil {
		log.Warn().Err(err).Str("user_id", p.UserID).Msg("Failed to cache profile")
	}
}

func buildProfile(row *repositories.UserStatsRow, now time.Time) *models.UserRiskProfile {
	ageDays := int(now.Sub(row.CreatedAt).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}

	base := baseScore(ageDays, row.VerificationLevel, row.TotalTransactions)

	return &models.UserRiskProfile{
		UserID:                   row.UserID,
		BaseScore:                base,
		TransactionHistoryScore:  historyScore(row.TotalTransactions),
		AgeScore:                 ageScore(ageDays),
		VelocityScore:            0.0,
		VerificationLevel:        row.VerificationLevel,
		DisputeRate:              0.0,
		TotalTransactions:        row.TotalTransactions,
		TotalAmount:              models.NewMoney(row.TotalAmount, "USD"),
		AverageTransactionAmount: models.NewMoney(row.AvgAmount, "USD"),
		AccountAgeDays:           ageDays,
		FailedAttempts24h:        row.FailedAttempts24h,
		RiskLevel:                models.LevelForScore(base),
		LastUpdated:              now,
	}
}

// baseScore starts at 0.5 and moves with account age, verification level,
// and transaction history, clipped to [0,1].
func baseScore(ageDays int, verificationLevel string, totalTransactions int) float64 {
	score := 0.5

	switch {
	case ageDays < 7:
		score += 0.3
	case ageDays < 30:
		score += 0.2
	case ageDays < 90:
		score += 0.1
	}

	switch verificationLevel {
	case models.VerificationNone:
		score += 0.3
	case models.VerificationBasic:
		score += 0.1
	case models.VerificationEnhanced:
		score -= 0.1
	case models.VerificationPremium:
		score -= 0.2
	default:
		score += 0.1
	}

	switch {
	case totalTransactions == 0:
		score += 0.2
	case totalTransactions < 10:
		score += 0.1
	case totalTransactions > 100:
		score -= 0.1
	}

	return clip01(score)
}

func historyScore(totalTransactions int) float64 {
	switch {
	case totalTransactions == 0:
		return 0.8
	case totalTransactions < 10:
		return 0.6
	case totalTransactions < 50:
		return 0.3
	default:
		return 0.1
	}
}

func ageScore(ageDays int) float64 {
	switch {
	case ageDays < 7:
		return 0.9
	case ageDays < 30:
		return 0.7
	case ageDays < 90:
		return 0.4
	case ageDays < 365:
		return 0.2
	default:
		return 0.1
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
