package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between scheduling runs
	DefaultPollInterval = 5 * time.Minute

	// ClaimKeyPrefix is the prefix for per-location scheduling claims
	ClaimKeyPrefix = "scheduler:hydration:"
)

// LocationSource lists the locations hydration is scheduled for.
type LocationSource interface {
	ListInstalled(ctx context.Context) ([]models.Location, error)
}

// Claimer lets one replica claim a location for a poll interval.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, locationID, jobType string, payload map[string]any) error
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often hydration jobs are enqueued per location
	PollInterval time.Duration

	// BatchSize is passed to each detail_hydration job as its contact limit
	BatchSize int
}

// Scheduler periodically enqueues detail hydration for every installed location.
type Scheduler struct {
	locations LocationSource
	claimer   Claimer
	jobs      Enqueuer
	config    Config
	logger    ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler. claimer may be nil for a single replica.
func NewScheduler(locations LocationSource, claimer Claimer, jobs Enqueuer, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &Scheduler{
		locations: locations,
		claimer:   claimer,
		jobs:      jobs,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
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

	s.logger.WithContext(ctx).Infof("Starting hydration scheduler: poll_interval=%s", s.config.PollInterval)

	go s.pollLoop(context.WithoutCancel(ctx))
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

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle enqueues one detail_hydration job per installed location not claimed by another
// replica in the current interval. It returns the number of jobs enqueued.
func (s *Scheduler) RunCycle(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunCycle")
	defer span.End()

	start := time.Now()
	locations, err := s.locations.ListInstalled(ctx)
	if err != nil {
		tracing.Fail(span, err)
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list installed locations")
		return 0
	}

	ids := ectolinq.Map(ectolinq.Filter(locations, func(l models.Location) bool {
		return l.LocationID != ""
	}), func(l models.Location) string {
		return l.LocationID
	})

	scheduled, skipped := 0, 0
	for _, locationID := range ids {
		ok, err := s.schedule(ctx, locationID)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to schedule hydration for location %s", locationID)
			continue
		}
		if !ok {
			skipped++
			continue
		}
		scheduled++
	}

	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: scheduled=%d skipped=%d duration=%s",
		scheduled, skipped, time.Since(start))
	return scheduled
}

func (s *Scheduler) schedule(ctx context.Context, locationID string) (bool, error) {
	ctx = appctx.SetLocationID(ctx, locationID)

	if s.claimer != nil {
		// claims outlive the cycle so other replicas skip this interval
		claimed, err := s.claimer.Claim(ctx, ClaimKeyPrefix+locationID, s.config.PollInterval)
		if err != nil || !claimed {
			return false, err
		}
	}

	payload := map[string]any{}
	if s.config.BatchSize > 0 {
		payload["limit"] = s.config.BatchSize
	}
	if err := s.jobs.Enqueue(ctx, locationID, queue.JobTypeDetailHydration, payload); err != nil {
		return false, err
	}
	metrics.SchedulerJobsEnqueued.Inc()
	return true, nil
}
