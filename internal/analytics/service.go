package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/enterprise/fraud-engine/internal/cache"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

// AnalyticsService provides assessment reporting over the persisted
// assessment stream.
type AnalyticsService struct {
	assessmentRepo *repositories.AssessmentRepository
	cacheClient    *cache.Client
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(assessmentRepo *repositories.AssessmentRepository, cacheClient *cache.Client) *AnalyticsService {
	return &AnalyticsService{
		assessmentRepo: assessmentRepo,
		cacheClient:    cacheClient,
	}
}

// GetStatistics aggregates assessment outcomes over the trailing period.
func (s *AnalyticsService) GetStatistics(ctx context.Context, hours int) (*models.AssessmentStatistics, error) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	cacheKey := fmt.Sprintf("assessment_stats:%dh", hours)
	var cached models.AssessmentStatistics
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	stats, err := s.assessmentRepo.Statistics(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment statistics: %w", err)
	}

	if s.cacheClient != nil {
		_ = s.cacheClient.Set(ctx, cacheKey, stats, time.Minute)
	}

	return stats, nil
}
