package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reachforge/identity-api/pkg/config"
	"github.com/reachforge/identity-api/pkg/jobs"
)

type credentialPurger interface {
	DeleteRefreshTokensOlderThan(ctx context.Context, olderThanDays int) (int64, error)
	DeleteSessionsOlderThan(ctx context.Context, olderThanDays int) (int64, error)
}

// CleanupService periodically purges refresh tokens and sessions that have
// been revoked or expired for longer than the retention window. Purge runs
// go through a worker queue so transient storage failures are retried with
// backoff instead of waiting for the next tick.
type CleanupService struct {
	repo    credentialPurger
	cfg     config.RetentionConfig
	queue   *jobs.Queue
	logger  *zap.Logger
	metrics *MetricsService
}

// NewCleanupService constructs the sweeper.
func NewCleanupService(repo credentialPurger, cfg config.RetentionConfig, logger *zap.Logger, metrics *MetricsService) *CleanupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenRetentionDays <= 0 {
		cfg.TokenRetentionDays = 30
	}
	if cfg.SessionRetentionDays <= 0 {
		cfg.SessionRetentionDays = 7
	}

	s := &CleanupService{repo: repo, cfg: cfg, logger: logger, metrics: metrics}
	s.queue = jobs.NewQueue("credential-retention", s.handlePurge, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: cfg.SweepRetries,
		RetryDelay: cfg.SweepRetryDelay,
		Logger:     logger,
	})
	return s
}

// Start boots the worker and the ticker that schedules purge runs. The
// sweeper shares no locks with request handling; it only deletes rows
// already past the retention window.
func (s *CleanupService) Start(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.queue.Start(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.queue.Stop()
				return
			case <-ticker.C:
				if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: "purge"}); err != nil {
					s.logger.Warn("failed to enqueue retention purge", zap.Error(err))
				}
			}
		}
	}()
}

// PurgeOnce deletes stale records immediately and returns the counts.
func (s *CleanupService) PurgeOnce(ctx context.Context) (tokens int64, sessions int64, err error) {
	tokens, err = s.repo.DeleteRefreshTokensOlderThan(ctx, s.cfg.TokenRetentionDays)
	if err != nil {
		return 0, 0, err
	}
	sessions, err = s.repo.DeleteSessionsOlderThan(ctx, s.cfg.SessionRetentionDays)
	if err != nil {
		return tokens, 0, err
	}

	if s.metrics != nil {
		s.metrics.RecordRetentionPurge("refresh_tokens", tokens)
		s.metrics.RecordRetentionPurge("sessions", sessions)
	}
	return tokens, sessions, nil
}

func (s *CleanupService) handlePurge(ctx context.Context, job jobs.Job) error {
	tokens, sessions, err := s.PurgeOnce(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("retention purge completed",
		zap.Int64("refresh_tokens_deleted", tokens),
		zap.Int64("sessions_deleted", sessions))
	return nil
}
