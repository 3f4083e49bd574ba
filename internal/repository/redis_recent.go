package repository

import (
	"context"
	"encoding/json"

	"github.com/apitrail/apitrail/internal/models"
	"github.com/apitrail/apitrail/internal/storage"
)

const recentListKey = "apitrail:recent_logs"

// Keeps a capped trail of the most recent request logs in a redis
// list, so the recent-activity endpoint never touches postgres.
type RecentLogCache struct {
	redis   *storage.RedisClient
	listMax int
}

func NewRecentLogCache(redis *storage.RedisClient, listMax int) *RecentLogCache {
	if listMax <= 0 {
		listMax = 1000
	}
	return &RecentLogCache{
		redis:   redis,
		listMax: listMax,
	}
}

// Pushes an entry onto the trail and trims it to the cap
func (c *RecentLogCache) Push(ctx context.Context, entry *models.RequestLog) error {
	if entry == nil {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.redis.LPush(ctx, recentListKey, string(payload)); err != nil {
		return err
	}

	return c.redis.LTrim(ctx, recentListKey, 0, int64(c.listMax-1))
}

// Returns the newest entries, most recent first
func (c *RecentLogCache) Recent(ctx context.Context, limit int) ([]models.RequestLog, error) {
	if limit <= 0 || limit > c.listMax {
		limit = 100
	}

	items, err := c.redis.LRange(ctx, recentListKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	logs := make([]models.RequestLog, 0, len(items))
	for _, item := range items {
		var entry models.RequestLog
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			// Skip entries written by an incompatible version
			continue
		}
		logs = append(logs, entry)
	}

	return logs, nil
}
