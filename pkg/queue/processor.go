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

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/orchestrator"
	"github.com/Ramsey-B/sage/pkg/redis"
	"github.com/Ramsey-B/sage/pkg/repositories"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

// ErrInvalidJobMessage is returned when a job message is invalid
var ErrInvalidJobMessage = errors.New("invalid job message")

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxDeliveries is how many times a message is delivered before it is dropped
	DefaultMaxDeliveries = 10

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 60 * time.Second
)

// Queue job outcomes, as recorded in metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeDropped   = "dropped"
)

// SyncExecutor runs sync jobs. *orchestrator.Orchestrator satisfies it.
type SyncExecutor interface {
	ExecuteSyncJob(ctx context.Context, workspaceID, jobID uuid.UUID) (*models.SyncEvent, error)
	AbandonSyncJob(ctx context.Context, workspaceID, jobID uuid.UUID, reason string) error
}

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	// Stream name for the job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Deliveries after which a message is acked and its job abandoned. A job
	// deferred behind a long running sync of the same source is redelivered
	// every ClaimMinIdle, so this bounds how long it may wait.
	MaxDeliveries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// Number of worker goroutines
	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "sage:sync-jobs",
		ConsumerGroup: "sage-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxDeliveries: DefaultMaxDeliveries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// SyncJobMessage is the payload of a sync job stream message.
type SyncJobMessage struct {
	WorkspaceID uuid.UUID
	JobID       uuid.UUID
	Source      string
}

// Processor consumes sync jobs from a Redis Streams queue and runs them
// through the orchestrator.
type Processor struct {
	streams  *redis.Streams
	executor SyncExecutor
	config   ProcessorConfig
	logger   ectologger.Logger

	// Channels for coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan jobItem

	// State
	running bool
	mu      sync.RWMutex
}

type jobItem struct {
	message redis.StreamMessage
	job     SyncJobMessage
}

func NewProcessor(streams *redis.Streams, executor SyncExecutor, config ProcessorConfig, logger ectologger.Logger) *Processor {
	def := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = def.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = def.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = def.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultMaxDeliveries
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
		executor: executor,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan jobItem, config.BatchSize*2),
	}
}

// Start creates the consumer group and starts the workers, the consumer loop
// and the claimer. It returns once they are running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	// The loops outlive the startup context
	loopCtx := context.WithoutCancel(ctx)

	var workers sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workers.Add(1)
		go p.worker(loopCtx, &workers, i)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go p.consumeLoop(loopCtx, &producers)
	go p.claimLoop(loopCtx, &producers)

	go func() {
		<-p.stopCh
		// workers drain jobsCh once nothing else can write to it
		producers.Wait()
		close(p.jobsCh)
		workers.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Job processor started")
	return nil
}

// Stop stops the processor gracefully. In flight jobs finish; messages not
// yet handed to a worker stay pending and are claimed later.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
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

	p.logger.WithContext(ctx).Debug("Consumer loop started")

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Consumer loop stopping")
			return
		default:
		}

		messages, err := p.streams.Consume(
			ctx,
			p.config.Stream,
			p.config.ConsumerGroup,
			p.config.ConsumerName,
			p.config.BatchSize,
			p.config.BlockTimeout,
		)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			if !p.dispatch(ctx, msg, true) {
				return
			}
		}
	}
}

// dispatch hands a message to the workers. Invalid messages are acked so they
// are not redelivered. It returns false once the processor is stopping.
func (p *Processor) dispatch(ctx context.Context, msg redis.StreamMessage, wait bool) bool {
	job, err := parseJobMessage(msg)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Dropping invalid job message %s", msg.ID)
		metrics.RecordQueueJob(OutcomeInvalid)
		p.ack(ctx, msg.ID)
		return true
	}

	item := jobItem{message: msg, job: job}
	if !wait {
		select {
		case p.jobsCh <- item:
		case <-p.stopCh:
			return false
		default:
			// workers are busy; the message stays pending for the next claim
		}
		return true
	}

	select {
	case p.jobsCh <- item:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	p.logger.WithContext(ctx).Debug("Claim loop started")

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Claim loop stopping")
			return
		case <-ticker.C:
			if !p.claimPendingMessages(ctx) {
				return
			}
		}
	}
}

// claimPendingMessages reclaims messages left pending by deferred jobs and
// stopped workers. Messages delivered MaxDeliveries times are dropped and
// their jobs abandoned. It returns false once the processor is stopping.
func (p *Processor) claimPendingMessages(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return true
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount >= int64(p.config.MaxDeliveries) {
			p.drop(ctx, msg.ID, msg.RetryCount)
			continue
		}
		staleIDs = append(staleIDs, msg.ID)
	}

	if len(staleIDs) == 0 {
		return true
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return true
	}

	for _, msg := range claimed {
		if !p.dispatch(ctx, msg, false) {
			return false
		}
	}
	return true
}

// drop acks a message that exhausted its deliveries and fails its job so the
// job no longer absorbs new sync requests.
func (p *Processor) drop(ctx context.Context, messageID string, deliveries int64) {
	ctx, span := tracing.StartSpan(ctx, "Processor.drop")
	defer span.End()

	p.logger.WithContext(ctx).Warnf("Message %s exceeded max deliveries (%d), dropping", messageID, deliveries)
	metrics.RecordQueueJob(OutcomeDropped)

	messages, err := p.streams.Range(ctx, p.config.Stream, messageID, messageID)
	if err != nil || len(messages) == 0 {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to read dropped message %s", messageID)
		p.ack(ctx, messageID)
		return
	}

	if job, err := parseJobMessage(messages[0]); err == nil {
		ctx = appctx.SetWorkspaceID(ctx, job.WorkspaceID.String())
		reason := fmt.Sprintf("sync job was not run after %d deliveries", deliveries)
		if err := p.executor.AbandonSyncJob(ctx, job.WorkspaceID, job.JobID, reason); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("Failed to abandon sync job %s", job.JobID)
		}
	}
	p.ack(ctx, messageID)
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for item := range p.jobsCh {
		p.handle(ctx, item)
	}

	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// handle runs one job and decides whether its message is acked. Messages
// whose job reached a terminal state, or can never run, are acked. Jobs that
// could not be driven stay pending and are claimed again after ClaimMinIdle.
func (p *Processor) handle(ctx context.Context, item jobItem) string {
	ctx = appctx.SetWorkspaceID(ctx, item.job.WorkspaceID.String())
	ctx = appctx.SetRequestID(ctx, item.message.Job.ID)
	ctx = appctx.SetSyncJobID(ctx, item.job.JobID.String())
	ctx, span := tracing.StartSpan(ctx, "Processor.handle")
	defer span.End()

	start := time.Now()
	evt, err := p.executor.ExecuteSyncJob(ctx, item.job.WorkspaceID, item.job.JobID)

	outcome := OutcomeCompleted
	switch {
	case err == nil && evt == nil:
		outcome = OutcomeSkipped
	case errors.Is(err, orchestrator.ErrSyncInProgress):
		outcome = OutcomeDeferred
	case repositories.IsNotFound(err):
		outcome = OutcomeInvalid
	case err != nil:
		outcome = OutcomeFailed
	}
	metrics.RecordQueueJob(outcome)

	fields := map[string]any{
		"message_id": item.message.ID,
		"source":     item.job.Source,
		"outcome":    outcome,
		"duration":   time.Since(start).String(),
	}
	switch outcome {
	case OutcomeDeferred:
		p.logger.WithContext(ctx).WithFields(fields).Info("Sync job deferred, source is busy")
		return outcome
	case OutcomeFailed:
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).WithFields(fields).Warn("Sync job could not be run, will be retried")
		return outcome
	case OutcomeInvalid:
		p.logger.WithContext(ctx).WithError(err).WithFields(fields).Warn("Sync job no longer exists")
	default:
		p.logger.WithContext(ctx).WithFields(fields).Debug("Sync job message handled")
	}

	p.ack(ctx, item.message.ID)
	return outcome
}

func (p *Processor) ack(ctx context.Context, messageID string) {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", messageID)
	}
}

// parseJobMessage validates a sync job envelope.
func parseJobMessage(msg redis.StreamMessage) (SyncJobMessage, error) {
	if msg.Job.Type != orchestrator.JobTypeSync {
		return SyncJobMessage{}, fmt.Errorf("%w: unknown job type %q", ErrInvalidJobMessage, msg.Job.Type)
	}

	workspaceID, err := uuid.Parse(msg.Job.WorkspaceID)
	if err != nil {
		return SyncJobMessage{}, fmt.Errorf("%w: invalid workspace_id: %v", ErrInvalidJobMessage, err)
	}

	rawJobID, _ := msg.Job.Payload["job_id"].(string)
	jobID, err := uuid.Parse(rawJobID)
	if err != nil {
		return SyncJobMessage{}, fmt.Errorf("%w: invalid job_id: %v", ErrInvalidJobMessage, err)
	}

	src, _ := msg.Job.Payload["source"].(string)
	return SyncJobMessage{WorkspaceID: workspaceID, JobID: jobID, Source: src}, nil
}
