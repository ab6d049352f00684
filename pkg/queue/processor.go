package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrInvalidJobMessage marks a stream entry with no decodable job or no job type.
	ErrInvalidJobMessage = errors.New("invalid job message")

	// ErrUnknownJobType marks a job whose type has no registered sync handler.
	ErrUnknownJobType = errors.New("unknown job type")
)

const (
	// DefaultBatchSize jobs are read per XREADGROUP call.
	DefaultBatchSize = 10

	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries redeliveries are allowed before a sync job is dead-lettered.
	DefaultMaxRetries = 3

	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is how long a delivered job may sit unacknowledged before another
	// worker takes it over.
	DefaultClaimMinIdle = 60 * time.Second
)

// Handler runs one job. Returning a *PermanentError sends the job straight to the DLQ;
// any other error leaves it pending to be reclaimed and retried.
type Handler func(ctx context.Context, job *redis.JobMessage) error

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Reason models.DeadLetterReason
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the processor dead-letters the job without retrying.
func Permanent(reason models.DeadLetterReason, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// Streams is the subset of *redis.Streams the processor consumes through.
type Streams interface {
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]goredis.XPendingExt, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.StreamMessage, error)
	Range(ctx context.Context, stream, start, end string) ([]redis.StreamMessage, error)
}

// DeadLetters receives jobs that will not be retried.
type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// ProcessorConfig configures the sync worker pool. ConsumerName must differ per instance since it
// owns the jobs delivered to it until another worker claims them.
type ProcessorConfig struct {
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
	MaxRetries    int
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	WorkerCount   int
}

// DefaultProcessorConfig names the consumer after the host so restarts reclaim their own jobs.
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "clover:jobs",
		ConsumerGroup: "clover-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// JobResult is the outcome of one delivery of a sync job.
type JobResult struct {
	JobID     string
	MessageID string
	Success   bool
	Error     error
	Duration  time.Duration
}

// Processor runs dependent syncs and hydration off the request path on a Redis Streams queue.
type Processor struct {
	streams  Streams
	dlq      DeadLetters
	handlers map[string]Handler
	config   ProcessorConfig
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

func NewProcessor(streams Streams, dlq DeadLetters, config ProcessorConfig, logger ectologger.Logger) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		dlq:      dlq,
		handlers: make(map[string]Handler),
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

// Register binds a handler to a job type. It must be called before Start.
func (p *Processor) Register(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

// Start creates the consumer group and launches the workers along with the consume and claim loops.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("sync job processor is already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting sync workers on %s as %s/%s with %d workers",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.logger.WithContext(ctx).WithError(err).Errorf("Could not create consumer group %s", p.config.ConsumerGroup)
		return fmt.Errorf("create consumer group %s on %s: %w", p.config.ConsumerGroup, p.config.Stream, err)
	}

	// background loops outlive the startup context
	runCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(runCtx, &wg, i)
	}

	var feeders sync.WaitGroup
	feeders.Add(2)
	go p.consumeLoop(runCtx, &feeders)
	go p.claimLoop(runCtx, &feeders)

	go func() {
		<-p.stopCh
		feeders.Wait()
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Sync workers running")
	return nil
}

// Stop lets in-flight jobs finish, or returns ctx.Err() if they outlast ctx.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Draining sync workers")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Sync workers drained")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Sync workers still busy at shutdown deadline")
		return ctx.Err()
	}

	return nil
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("Could not read sync jobs from %s", p.config.Stream)
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages reclaims failed or abandoned jobs and dead-letters those past MaxRetries.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Could not list unacknowledged sync jobs")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount <= int64(p.config.MaxRetries) {
			staleIDs = append(staleIDs, msg.ID)
			continue
		}
		p.logger.WithContext(ctx).Warnf("Sync job %s was delivered %d times, dead-lettering", msg.ID, msg.RetryCount)
		p.moveToDLQ(ctx, msg.ID, nil, int(msg.RetryCount), models.DLQReasonMaxRetries, "exceeded maximum retry count")
	}

	if len(staleIDs) == 0 {
		return
	}

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Could not take over idle sync jobs")
		return
	}

	p.logger.WithContext(ctx).Infof("Took over %d idle sync jobs", len(claimed))
	for _, msg := range claimed {
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return
		default:
			// workers busy; still pending, so the next pass retries it
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Sync worker %d up", id)
	for msg := range p.jobsCh {
		p.handleMessage(ctx, msg)
	}
	p.logger.WithContext(ctx).Debugf("Sync worker %d done", id)
}

// handleMessage runs one message and acks, dead-letters or leaves it pending.
func (p *Processor) handleMessage(ctx context.Context, msg redis.StreamMessage) *JobResult {
	result := p.processJob(ctx, msg)

	var permanent *PermanentError
	switch {
	case result.Success:
		if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("Could not acknowledge sync job %s; it will run again", msg.ID)
		}
	case errors.As(result.Error, &permanent):
		p.moveToDLQ(ctx, msg.ID, msg.Job, 0, permanent.Reason, permanent.Error())
	default:
		p.logger.WithContext(ctx).WithError(result.Error).Warnf("Sync job %s left pending for redelivery", result.JobID)
	}
	return result
}

func (p *Processor) processJob(ctx context.Context, msg redis.StreamMessage) (result *JobResult) {
	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	start := time.Now()
	result = &JobResult{MessageID: msg.ID}

	if msg.Job == nil || msg.Job.Type == "" {
		result.Error = Permanent(models.DLQReasonInvalidJob, ErrInvalidJobMessage)
		return result
	}
	job := msg.Job
	result.JobID = job.ID

	ctx = appctx.SetLocationID(ctx, job.LocationID)
	ctx = appctx.SetRequestID(ctx, job.ID)
	ctx = appctx.SetJobID(ctx, job.ID)

	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = Permanent(models.DLQReasonPanic, fmt.Errorf("panic: %v", r))
			metrics.QueueJobsProcessed.WithLabelValues(job.Type, "panic").Inc()
			p.logger.WithContext(ctx).Errorf("%s job %s panicked: %v", job.Type, job.ID, r)
		}
	}()

	handler, ok := p.handlers[job.Type]
	if !ok {
		result.Error = Permanent(models.DLQReasonInvalidJob, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return result
	}

	p.logger.WithContext(ctx).Infof("Running %s job %s for location %s", job.Type, job.ID, job.LocationID)

	err := handler(ctx, job)
	result.Duration = time.Since(start)
	result.Success = err == nil
	result.Error = err

	if result.Success {
		metrics.QueueJobsProcessed.WithLabelValues(job.Type, "success").Inc()
		p.logger.WithContext(ctx).Infof("%s job %s finished in %s", job.Type, job.ID, result.Duration)
	} else {
		tracing.Fail(span, err)
		metrics.QueueJobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		p.logger.WithContext(ctx).WithError(err).Warnf("%s job %s failed after %s", job.Type, job.ID, result.Duration)
	}

	return result
}

// moveToDLQ dead-letters a message and acks it. job is looked up when the caller does not have it.
func (p *Processor) moveToDLQ(ctx context.Context, messageID string, job *redis.JobMessage, retryCount int, reason models.DeadLetterReason, errorMsg string) {
	ctx, span := tracing.StartSpan(ctx, "Processor.moveToDLQ")
	defer span.End()

	if job == nil {
		messages, err := p.streams.Range(ctx, p.config.Stream, messageID, messageID)
		if err == nil && len(messages) > 0 {
			job = messages[0].Job
		} else {
			p.logger.WithContext(ctx).WithError(err).Warnf("Sync job %s is gone from %s; acknowledging without a dead letter", messageID, p.config.Stream)
		}
	}

	if p.dlq != nil && job != nil {
		entry := &redis.DLQEntry{
			LocationID:   job.LocationID,
			JobType:      job.Type,
			OriginalJob:  job,
			Reason:       reason,
			ErrorMessage: errorMsg,
			RetryCount:   retryCount,
		}
		if _, err := p.dlq.Add(ctx, entry); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Could not dead-letter %s job %s; dropping it", job.Type, job.ID)
		} else {
			metrics.DLQJobsTotal.WithLabelValues(job.Type, string(reason)).Inc()
		}
	}

	// acknowledged even when the dead letter write failed
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Could not acknowledge dead-lettered sync job %s", messageID)
	}
}
