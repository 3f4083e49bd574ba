package service

import (
	"context"
	"time"

	"github.com/apitrail/apitrail/internal/models"
	"github.com/apitrail/apitrail/internal/repository"
	"github.com/google/uuid"
)

type AnalyticsService struct {
	repository *repository.RequestLogRepository
}

func NewAnalyticsService(repo *repository.RequestLogRepository) *AnalyticsService {
	return &AnalyticsService{repository: repo}
}

// Holds analytics summary data
type AnalyticsSummary struct {
	TotalRequests   int64                    `json:"total_requests"`
	AvgResponseTime float64                  `json:"avg_response_time_ms"`
	P50ResponseTime int                      `json:"p50_response_time_ms"`
	P95ResponseTime int                      `json:"p95_response_time_ms"`
	P99ResponseTime int                      `json:"p99_response_time_ms"`
	ErrorRate       float64                  `json:"error_rate"`
	SuccessRate     float64                  `json:"success_rate"`
	ClientErrorRate float64                  `json:"client_error_rate"`
	ServerErrorRate float64                  `json:"server_error_rate"`
	TopEndpoints    []map[string]interface{} `json:"top_endpoints"`
}

// Holds time-series analytics data
type TimeSeriesData struct {
	Hour            time.Time `json:"hour"`
	Count           int64     `json:"count"`
	AvgResponseTime float64   `json:"avg_response_time"`
}

// Filters for log listing
type LogFilter struct {
	StatusCode *int
	UserID     *uuid.UUID
	PathPrefix string
}

// Retrieves analytics summary for a time range
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{}

	totalRequests, err := s.repository.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = totalRequests

	if totalRequests == 0 {
		return summary, nil
	}

	avgResponseTime, err := s.repository.GetAverageResponseTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgResponseTime = avgResponseTime

	p50, _ := s.repository.GetPercentile(ctx, from, to, 0.50)
	summary.P50ResponseTime = p50

	p95, _ := s.repository.GetPercentile(ctx, from, to, 0.95)
	summary.P95ResponseTime = p95

	p99, _ := s.repository.GetPercentile(ctx, from, to, 0.99)
	summary.P99ResponseTime = p99

	clientErrors, err := s.repository.CountByStatusCodeRange(ctx, 400, 499, from, to)
	if err != nil {
		return nil, err
	}

	serverErrors, err := s.repository.CountByStatusCodeRange(ctx, 500, 599, from, to)
	if err != nil {
		return nil, err
	}

	totalErrors := clientErrors + serverErrors
	summary.ErrorRate = (float64(totalErrors) / float64(totalRequests)) * 100
	summary.SuccessRate = 100 - summary.ErrorRate
	summary.ClientErrorRate = (float64(clientErrors) / float64(totalRequests)) * 100
	summary.ServerErrorRate = (float64(serverErrors) / float64(totalRequests)) * 100

	topEndpoints, err := s.repository.GetTopEndpoints(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopEndpoints = topEndpoints

	return summary, nil
}

// Retrieves time-series data
func (s *AnalyticsService) GetTimeSeriesData(ctx context.Context, from, to time.Time) ([]TimeSeriesData, error) {
	hourlyStats, err := s.repository.GetHourlyStats(ctx, from, to)
	if err != nil {
		return nil, err
	}

	timeSeries := make([]TimeSeriesData, 0, len(hourlyStats))
	for _, stat := range hourlyStats {
		timeSeries = append(timeSeries, TimeSeriesData{
			Hour:            stat["hour"].(time.Time),
			Count:           stat["count"].(int64),
			AvgResponseTime: stat["avg_response_time"].(float64),
		})
	}

	return timeSeries, nil
}

// Retrieves request logs with pagination and filtering
func (s *AnalyticsService) GetLogs(ctx context.Context, from, to time.Time, filter LogFilter, limit, offset int) ([]models.RequestLog, error) {
	switch {
	case filter.StatusCode != nil:
		return s.repository.FindByStatusCode(ctx, *filter.StatusCode, from, to, limit, offset)
	case filter.UserID != nil:
		return s.repository.FindByUser(ctx, *filter.UserID, from, to, limit, offset)
	case filter.PathPrefix != "":
		return s.repository.FindByPathPrefix(ctx, filter.PathPrefix, from, to, limit, offset)
	default:
		return s.repository.FindByTimeRange(ctx, from, to, limit, offset)
	}
}

// Deletes logs older than the specified retention period
func (s *AnalyticsService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutOffDate := time.Now().AddDate(0, 0, -retentionDays)
	return s.repository.DeleteOldLogs(ctx, cutOffDate)
}
