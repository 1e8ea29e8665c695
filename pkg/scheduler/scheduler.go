// Package scheduler queues periodic syncs for connected credentials whose
// sync interval has elapsed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/orchestrator"
	"github.com/Ramsey-B/sage/pkg/repositories"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	// DefaultPollInterval is the default interval between scheduling runs
	DefaultPollInterval = 60 * time.Second

	// DefaultLockTTL bounds how long one instance may hold the cycle lock
	DefaultLockTTL = 60 * time.Second

	// DefaultBatchSize is the number of due credentials fetched per poll
	DefaultBatchSize = 100

	// DefaultSyncInterval applies to credentials without their own interval
	DefaultSyncInterval = time.Hour

	// CycleLockKey serializes scheduling cycles across instances
	CycleLockKey = "scheduler:cycle"
)

// DueLister finds credentials due for a sync across every workspace.
type DueLister interface {
	ListDue(ctx context.Context, defaultIntervalMinutes, limit int) ([]repositories.DueCredential, error)
}

// Enqueuer queues sync jobs. *orchestrator.Orchestrator satisfies it.
type Enqueuer interface {
	EnqueueSync(ctx context.Context, workspaceID uuid.UUID, src string, jobType models.SyncJobType) (*orchestrator.EnqueueResult, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check for due credentials
	PollInterval time.Duration

	// LockTTL is how long the cycle lock is held at most
	LockTTL time.Duration

	// BatchSize is the maximum number of syncs queued per poll
	BatchSize int

	// DefaultSyncInterval applies when a credential has no interval setting
	DefaultSyncInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:        DefaultPollInterval,
		LockTTL:             DefaultLockTTL,
		BatchSize:           DefaultBatchSize,
		DefaultSyncInterval: DefaultSyncInterval,
	}
}

// Scheduler polls for due credentials and queues their syncs
type Scheduler struct {
	repo     DueLister
	enqueuer Enqueuer
	locker   orchestrator.Locker
	config   Config
	logger   ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewScheduler(repo DueLister, enqueuer Enqueuer, locker orchestrator.Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.DefaultSyncInterval < time.Minute {
		config.DefaultSyncInterval = DefaultSyncInterval
	}

	return &Scheduler{
		repo:     repo,
		enqueuer: enqueuer,
		locker:   locker,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s batch_size=%d",
		s.config.PollInterval, s.config.BatchSize)

	go s.pollLoop(context.WithoutCancel(ctx))

	s.logger.WithContext(ctx).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler poll loop stopping")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// CycleResult counts what one scheduling cycle did.
type CycleResult struct {
	Due       int
	Queued    int
	Coalesced int
	Failed    int
	// Another instance held the cycle lock
	Skipped bool
}

// RunCycle queues a sync for every due credential. Only one instance runs a
// cycle at a time; the others skip it.
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunCycle")
	defer span.End()

	var result CycleResult
	start := time.Now()

	lease, err := s.locker.Acquire(ctx, CycleLockKey, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSyncInProgress) {
			s.logger.WithContext(ctx).Debug("Scheduling cycle running elsewhere, skipping")
		} else {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to acquire scheduler lock")
		}
		result.Skipped = true
		return result
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to release scheduler lock")
		}
	}()

	due, err := s.repo.ListDue(ctx, int(s.config.DefaultSyncInterval/time.Minute), s.config.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list due credentials")
		return result
	}
	result.Due = len(due)
	if len(due) == 0 {
		s.logger.WithContext(ctx).Debug("No credentials due for sync")
		return result
	}

	for _, cred := range due {
		select {
		case <-s.stopCh:
			return result
		default:
		}

		jobType := models.SyncJobTypeIncremental
		if cred.LastSyncedAt == nil {
			jobType = models.SyncJobTypeInitial
		}

		credCtx := appctx.SetWorkspaceID(ctx, cred.WorkspaceID.String())
		enqueued, err := s.enqueuer.EnqueueSync(credCtx, cred.WorkspaceID, cred.Source, jobType)
		if err != nil {
			result.Failed++
			s.logger.WithContext(credCtx).WithError(err).Warnf("Failed to schedule %s sync", cred.Source)
			continue
		}
		if enqueued.Coalesced {
			result.Coalesced++
			continue
		}
		result.Queued++
		metrics.RecordSchedulerEnqueue(cred.Source, string(jobType))
	}

	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: due=%d queued=%d coalesced=%d failed=%d duration=%s",
		result.Due, result.Queued, result.Coalesced, result.Failed, time.Since(start))
	return result
}
