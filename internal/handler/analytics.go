package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/apitrail/apitrail/internal/repository"
	"github.com/apitrail/apitrail/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AnalyticsHandler struct {
	service *service.AnalyticsService
	recent  *repository.RecentLogCache
}

func NewAnalyticsHandler(service *service.AnalyticsService, recent *repository.RecentLogCache) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, recent: recent}
}

// Handles GET /admin/analytics
func (h *AnalyticsHandler) GetSummary(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	summary, err := h.service.GetSummary(ctx, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Handles GET /admin/analytics/timeseries
func (h *AnalyticsHandler) GetTimeSeries(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	timeSeriesData, err := h.service.GetTimeSeriesData(ctx, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, timeSeriesData)
}

// Handles GET /admin/logs
func (h *AnalyticsHandler) GetLogs(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Parse pagination
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	var filter service.LogFilter
	if statusStr := c.Query("status"); statusStr != "" {
		if s, err := strconv.Atoi(statusStr); err == nil {
			filter.StatusCode = &s
		}
	}
	if userStr := c.Query("user"); userStr != "" {
		userID, err := uuid.Parse(userStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
			return
		}
		filter.UserID = &userID
	}
	filter.PathPrefix = c.Query("path")

	ctx := c.Request.Context()
	logs, err := h.service.GetLogs(ctx, from, to, filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"limit":  limit,
		"offset": offset,
	})
}

// Handles GET /admin/logs/recent - served from the redis trail
func (h *AnalyticsHandler) GetRecentLogs(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	logs, err := h.recent.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Handles DELETE /admin/logs - prunes logs past retention
func (h *AnalyticsHandler) Cleanup(c *gin.Context) {
	retentionDays := 30
	if daysStr := c.Query("retention_days"); daysStr != "" {
		if d, err := strconv.Atoi(daysStr); err == nil && d > 0 {
			retentionDays = d
		}
	}

	deleted, err := h.service.CleanupOldLogs(c.Request.Context(), retentionDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	// Default: last 24 hours
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		parsedFrom, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			// Try Unix timestamp
			if timestamp, err := strconv.ParseInt(fromStr, 10, 64); err == nil {
				parsedFrom = time.Unix(timestamp, 0)
			} else {
				return time.Time{}, time.Time{}, err
			}
		}
		from = parsedFrom
	}

	if toStr := c.Query("to"); toStr != "" {
		parsedTo, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			// Try Unix timestamp
			if timestamp, err := strconv.ParseInt(toStr, 10, 64); err == nil {
				parsedTo = time.Unix(timestamp, 0)
			} else {
				return time.Time{}, time.Time{}, err
			}
		}
		to = parsedTo
	}

	return from, to, nil
}
