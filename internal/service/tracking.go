package service

import (
	"context"
	"time"

	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/models"
	"github.com/apitrail/apitrail/internal/pkg/logger"
	"github.com/apitrail/apitrail/internal/repository"
	"github.com/apitrail/apitrail/internal/tracking"
)

// TrackingService is the persistence sink for finished request logs.
// Entries are queued on a buffered channel and batch-inserted by a
// background worker so the request path never waits on postgres.
type TrackingService struct {
	logChan       chan *models.RequestLog
	repo          *repository.RequestLogRepository
	recent        *repository.RecentLogCache
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

func NewTrackingService(repo *repository.RequestLogRepository, recent *repository.RecentLogCache, cfg config.TrackingConfig) *TrackingService {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := time.Duration(cfg.FlushIntervalSecs) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	s := &TrackingService{
		logChan:       make(chan *models.RequestLog, bufferSize),
		repo:          repo,
		recent:        recent,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	go s.processLogs()

	return s
}

// Persist implements tracking.Sink. A full buffer fails fast with a
// PersistenceError rather than blocking the request.
func (s *TrackingService) Persist(ctx context.Context, entry *models.RequestLog) error {
	select {
	case s.logChan <- entry:
		return nil
	default:
		return &tracking.PersistenceError{Err: errBufferFull}
	}
}

func (s *TrackingService) processLogs() {
	defer close(s.done)

	batch := make([]*models.RequestLog, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-s.logChan:
			if !ok {
				s.flush(batch)
				return
			}

			s.pushRecent(entry)
			batch = append(batch, entry)

			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = make([]*models.RequestLog, 0, s.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]*models.RequestLog, 0, s.batchSize)
			}
		}
	}
}

func (s *TrackingService) flush(batch []*models.RequestLog) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.repo.CreateBatch(ctx, batch); err != nil {
		logger.Error("failed to insert request log batch", "error", err, "size", len(batch))
	}
}

func (s *TrackingService) pushRecent(entry *models.RequestLog) {
	if s.recent == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.recent.Push(ctx, entry); err != nil {
		logger.Warn("failed to push entry to recent trail", "error", err)
	}
}

// Close drains the queue, flushes the final batch and stops the worker
func (s *TrackingService) Close() {
	close(s.logChan)
	<-s.done
}
