// Package orchestrator drives sync jobs through queued -> running ->
// succeeded|failed: credential loading, token refresh, fetch with retry,
// metric writes and the credential status that results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/repositories"
	"github.com/Ramsey-B/sage/pkg/source"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
	"github.com/Ramsey-B/sage/pkg/vault"
)

const (
	DefaultMaxRetries        = 3
	DefaultRetryInitialDelay = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultLockTTL           = 10 * time.Minute
	DefaultRefreshSkew       = 5 * time.Minute
	DefaultInitialMonths     = 24
	DefaultIncrementalMonths = 3
)

type Config struct {
	// Retries of transient fetch failures within one job
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	LockTTL           time.Duration
	// Tokens expiring within this window are refreshed before fetching
	RefreshSkew       time.Duration
	InitialMonths     int
	IncrementalMonths int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		RetryInitialDelay: DefaultRetryInitialDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		LockTTL:           DefaultLockTTL,
		RefreshSkew:       DefaultRefreshSkew,
		InitialMonths:     DefaultInitialMonths,
		IncrementalMonths: DefaultIncrementalMonths,
	}
}

// MetricWriter is the metric store's batch write path.
type MetricWriter interface {
	UpsertBatch(ctx context.Context, workspaceID uuid.UUID, batch []models.CanonicalMetric) (int, error)
}

// AppResolver finds the OAuth client for the workspace on ctx.
type AppResolver interface {
	Resolve(ctx context.Context, source string) (vault.Resolution, error)
}

type TokenRefresher interface {
	Refresh(ctx context.Context, source string, app models.OAuthApp, refreshToken string) (models.TokenSet, error)
}

type Dependencies struct {
	Credentials repositories.CredentialRepo
	Jobs        repositories.SyncJobRepo
	Metrics     MetricWriter
	Vault       *vault.Vault
	Apps        AppResolver
	Tokens      TokenRefresher
	Mappers     source.Registry
	Locker      Locker
	Publisher   JobPublisher
	// Optional
	Events EventPublisher
}

type Orchestrator struct {
	deps   Dependencies
	config Config
	logger ectologger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Dependencies, config Config, logger ectologger.Logger) *Orchestrator {
	def := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInitialDelay <= 0 {
		config.RetryInitialDelay = def.RetryInitialDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.RefreshSkew <= 0 {
		config.RefreshSkew = def.RefreshSkew
	}
	if config.InitialMonths <= 0 {
		config.InitialMonths = def.InitialMonths
	}
	if config.IncrementalMonths <= 0 {
		config.IncrementalMonths = def.IncrementalMonths
	}

	return &Orchestrator{
		deps:   deps,
		config: config,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueResult reports the job a request landed on. Coalesced is true when
// an already queued job for the same source was reused.
type EnqueueResult struct {
	Job       *models.SyncJob `json:"job"`
	Coalesced bool            `json:"coalesced"`
}

// EnqueueSync queues a job for (workspace, source). Requests that arrive
// while a job is still queued coalesce onto it, so no request is lost and
// no duplicate work is queued.
func (o *Orchestrator) EnqueueSync(ctx context.Context, workspaceID uuid.UUID, src string, jobType models.SyncJobType) (*EnqueueResult, error) {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.EnqueueSync")
	defer span.End()

	if !jobType.Valid() {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid job type %q", jobType)
	}
	if _, ok := o.deps.Mappers.Get(src); !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unsupported source %q", src)
	}

	cred, err := o.deps.Credentials.Find(ctx, src)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Status != models.CredentialStatusConnected {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "%s is not connected", src)
	}

	queued, err := o.deps.Jobs.FindQueued(ctx, src)
	if err != nil {
		return nil, err
	}
	if queued != nil {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id":   queued.ID,
			"source":   src,
			"job_type": jobType,
		}).Debug("sync request coalesced onto queued job")
		return &EnqueueResult{Job: queued, Coalesced: true}, nil
	}

	job := &models.SyncJob{
		WorkspaceID: workspaceID,
		Source:      src,
		JobType:     jobType,
		Status:      models.SyncJobStatusQueued,
	}
	if err := o.deps.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := o.deps.Publisher.PublishJob(ctx, job); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Error("failed to publish sync job")
		o.abandon(ctx, job, err)
		return nil, httperror.NewHTTPError(http.StatusServiceUnavailable, "failed to queue sync job")
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":   job.ID,
		"source":   src,
		"job_type": jobType,
	}).Info("sync job queued")
	return &EnqueueResult{Job: job}, nil
}

// abandon fails a job that never reached a worker so it does not block
// later enqueues.
func (o *Orchestrator) abandon(ctx context.Context, job *models.SyncJob, cause error) {
	started, err := o.deps.Jobs.TryStart(ctx, job.ID)
	if err != nil || !started {
		return
	}
	if err := o.deps.Jobs.Complete(ctx, job.ID, models.SyncJobResult{
		Status:       models.SyncJobStatusFailed,
		ErrorMessage: cause.Error(),
		ErrorKind:    string(syncerr.KindInternal),
	}); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("failed to abandon sync job")
	}
}

// AbandonSyncJob fails a job that never started. The queue calls it when it
// gives up on delivering the job's message.
func (o *Orchestrator) AbandonSyncJob(ctx context.Context, workspaceID, jobID uuid.UUID, reason string) error {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx = appctx.SetSyncJobID(ctx, jobID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.AbandonSyncJob")
	defer span.End()

	job, err := o.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.SyncJobStatusQueued {
		return nil
	}
	o.logger.WithContext(ctx).WithField("reason", reason).Warn("abandoning queued sync job")
	o.abandon(ctx, job, errors.New(reason))
	return nil
}

// outcome is the result of running one job's pipeline.
type outcome struct {
	records  int
	attempts int
	skipped  int
	err      error
	// non-nil moves the credential to this status
	credentialStatus *models.CredentialStatus
}

var credentialError = models.CredentialStatusError

// ExecuteSyncJob runs a queued job to a terminal state and returns the
// event describing it. Job failures are recorded on the job and the
// credential and are not returned as errors. An error means the job could not
// be driven at all: ErrSyncInProgress when another runner holds the source,
// or a storage failure. A job that is already terminal returns nil, nil.
func (o *Orchestrator) ExecuteSyncJob(ctx context.Context, workspaceID, jobID uuid.UUID) (*models.SyncEvent, error) {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx = appctx.SetSyncJobID(ctx, jobID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.ExecuteSyncJob")
	defer span.End()

	job, err := o.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		o.logger.WithContext(ctx).WithField("status", job.Status).Debug("sync job already complete")
		return nil, nil
	}

	lease, err := o.deps.Locker.Acquire(ctx, lockKey(workspaceID, job.Source), o.config.LockTTL)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			metrics.RecordSyncLockContended(job.Source)
			o.logger.WithContext(ctx).WithField("source", job.Source).Info("sync already running for source")
		}
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("failed to release sync lock")
		}
	}()

	started, err := o.deps.Jobs.TryStart(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !started {
		return o.recoverUnstarted(ctx, jobID)
	}
	job.Status = models.SyncJobStatusRunning

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"source":   job.Source,
		"job_type": job.JobType,
	}).Info("sync job started")

	startedAt := o.now()
	out := o.run(ctx, job, lease)
	return o.finish(ctx, job, out, startedAt)
}

// recoverUnstarted handles a job the CAS could not claim. A live runner keeps
// renewing its lease, so holding the lock means nobody else is running this
// source and a job still marked running was left behind by a worker that
// died. It is failed here.
func (o *Orchestrator) recoverUnstarted(ctx context.Context, jobID uuid.UUID) (*models.SyncEvent, error) {
	job, err := o.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.SyncJobStatusRunning {
		return nil, nil
	}

	o.logger.WithContext(ctx).Warn("failing sync job abandoned by a stopped worker")
	return o.finish(ctx, job, outcome{
		err: syncerr.Errorf(syncerr.KindInternal, "orchestrator.recover", "worker stopped before the job completed"),
	}, o.now())
}

func (o *Orchestrator) run(ctx context.Context, job *models.SyncJob, lease Lease) outcome {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.run")
	defer span.End()

	cred, err := o.deps.Credentials.Find(ctx, job.Source)
	if err != nil {
		return outcome{err: err}
	}
	if cred == nil || cred.Status != models.CredentialStatusConnected {
		return outcome{err: syncerr.Errorf(syncerr.KindConfiguration, "orchestrator.run", "%s is not connected", job.Source)}
	}

	mapper, ok := o.deps.Mappers.Get(job.Source)
	if !ok {
		return outcome{err: syncerr.Errorf(syncerr.KindConfiguration, "orchestrator.run", "no mapper for source %s", job.Source)}
	}

	snapshot, err := o.deps.Vault.Open(cred)
	if err != nil {
		return outcome{err: err, credentialStatus: &credentialError}
	}

	if snapshot.NeedsRefresh(o.now(), o.config.RefreshSkew) {
		snapshot, err = o.refresh(ctx, snapshot)
		if err != nil {
			// never fetch with a stale token
			return outcome{err: err, credentialStatus: &credentialError}
		}
	}

	got, err := o.fetch(ctx, mapper, snapshot, job, lease)
	if err != nil {
		out := outcome{err: err, attempts: got.attempts}
		if got.refreshFailed || syncerr.Classify(err) == syncerr.KindAuthentication {
			out.credentialStatus = &credentialError
		}
		return out
	}
	result, attempts, snapshot := got.result, got.attempts, got.snapshot

	if err := o.renew(ctx, lease, o.config.LockTTL); err != nil {
		return outcome{err: err, attempts: attempts}
	}
	written, err := o.deps.Metrics.UpsertBatch(ctx, job.WorkspaceID, result.Metrics)
	if err == nil {
		o.rememberCompany(ctx, snapshot, result.Company)
	}
	return outcome{records: written, attempts: attempts, skipped: len(result.Skipped), err: err}
}

// rememberCompany stores the company name the source reported so status
// views can show it without calling the source.
func (o *Orchestrator) rememberCompany(ctx context.Context, snapshot models.CredentialSnapshot, company string) {
	if company == "" || company == snapshot.Metadata(models.MetadataCompanyName) {
		return
	}
	metadata := snapshot.MetadataMap()
	metadata[models.MetadataCompanyName] = company
	sealed, err := o.deps.Vault.SealMetadata(metadata)
	if err == nil {
		err = o.deps.Credentials.UpdateMetadata(ctx, snapshot.Source(), sealed)
	}
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("failed to store company name")
	}
}

// refresh runs the refresh grant and stores the new tokens before returning
// the snapshot that carries them.
func (o *Orchestrator) refresh(ctx context.Context, snapshot models.CredentialSnapshot) (models.CredentialSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.refresh")
	defer span.End()

	src := snapshot.Source()
	resolution, err := o.deps.Apps.Resolve(ctx, src)
	if err != nil {
		return snapshot, err
	}
	if !resolution.Configured {
		return snapshot, syncerr.Errorf(syncerr.KindConfiguration, "orchestrator.refresh", "no oauth app configured for %s", src)
	}

	tokens, err := o.deps.Tokens.Refresh(ctx, src, resolution.App, snapshot.RefreshToken())
	if err != nil {
		return snapshot, err
	}

	sealed, err := o.deps.Vault.SealTokens(tokens)
	if err != nil {
		return snapshot, syncerr.New(syncerr.KindConfiguration, "orchestrator.refresh", err)
	}
	if err := o.deps.Credentials.UpdateTokens(ctx, src, sealed.AccessTokenEnc, sealed.RefreshTokenEnc, tokens.ExpiresAt); err != nil {
		return snapshot, err
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"source":     src,
		"expires_at": tokens.ExpiresAt,
	}).Info("credential tokens refreshed")
	return snapshot.WithTokens(tokens), nil
}

// fetched is what fetch got from the source and how.
type fetched struct {
	result   *source.Result
	snapshot models.CredentialSnapshot
	attempts int
	// the forced refresh after a rejected token failed
	refreshFailed bool
}

// fetch retries transient failures with exponential backoff, honoring any
// Retry-After, and answers an authentication failure with one forced token
// refresh. The lease is renewed before every attempt and every wait. A
// requested wait longer than the lock TTL fails the job as rate limited.
func (o *Orchestrator) fetch(ctx context.Context, mapper source.Mapper, snapshot models.CredentialSnapshot, job *models.SyncJob, lease Lease) (fetched, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.fetch")
	defer span.End()

	out := fetched{snapshot: snapshot}
	dateRange := o.dateRange(job.JobType)
	refreshed := false
	retries := 0
	for {
		if err := o.renew(ctx, lease, o.config.LockTTL); err != nil {
			return out, err
		}

		out.attempts++
		result, err := mapper.FetchAndMap(ctx, out.snapshot, source.ReportAll, dateRange)
		if err == nil {
			out.result = result
			return out, nil
		}

		kind := syncerr.Classify(err)
		switch {
		case kind == syncerr.KindAuthentication && !refreshed:
			refreshed = true
			o.logger.WithContext(ctx).WithError(err).Warn("source rejected token, forcing refresh")
			out.snapshot, err = o.refresh(ctx, out.snapshot)
			if err != nil {
				out.refreshFailed = true
				tracing.RecordError(span, err)
				return out, err
			}
			continue

		case syncerr.Retryable(err) && retries < o.config.MaxRetries:
			delay := o.backoff(retries, syncerr.RetryAfter(err))
			if delay > o.config.LockTTL {
				tracing.RecordError(span, err)
				return out, syncerr.New(syncerr.KindRateLimit, "orchestrator.fetch",
					fmt.Errorf("source asked to wait %s, longer than the sync lock: %w", delay, err))
			}
			retries++
			metrics.RecordSyncRetry(job.Source, string(kind))
			o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"retry": retries,
				"delay": delay.String(),
			}).Warn("transient fetch failure, retrying")
			if err := o.renew(ctx, lease, delay+o.config.LockTTL); err != nil {
				return out, err
			}
			if err := o.sleep(ctx, delay); err != nil {
				return out, syncerr.New(syncerr.KindNetwork, "orchestrator.fetch", err)
			}
			continue
		}

		tracing.RecordError(span, err)
		return out, err
	}
}

// renew keeps the source lock for ttl from now. A lost lease stops the job so
// two runners never write for the same source.
func (o *Orchestrator) renew(ctx context.Context, lease Lease, ttl time.Duration) error {
	if err := lease.Extend(ctx, ttl); err != nil {
		return syncerr.New(syncerr.KindInternal, "orchestrator.renew", err)
	}
	return nil
}

// backoff doubles from RetryInitialDelay up to RetryMaxDelay. A longer
// server requested delay wins.
func (o *Orchestrator) backoff(retry int, retryAfter time.Duration) time.Duration {
	delay := o.config.RetryInitialDelay
	for i := 0; i < retry && delay < o.config.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > o.config.RetryMaxDelay {
		delay = o.config.RetryMaxDelay
	}
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

func (o *Orchestrator) dateRange(jobType models.SyncJobType) source.DateRange {
	months := o.config.IncrementalMonths
	if jobType == models.SyncJobTypeInitial {
		months = o.config.InitialMonths
	}
	return source.MonthsEnding(o.now().UTC(), months)
}

// finish records the terminal state on the job and the credential. Metrics
// already written by a failed job are kept.
func (o *Orchestrator) finish(ctx context.Context, job *models.SyncJob, out outcome, startedAt time.Time) (*models.SyncEvent, error) {
	result := models.SyncJobResult{
		Status:           models.SyncJobStatusSucceeded,
		Attempts:         out.attempts,
		RecordsProcessed: out.records,
	}
	if out.err != nil {
		result.Status = models.SyncJobStatusFailed
		result.ErrorMessage = out.err.Error()
		result.ErrorKind = string(syncerr.Classify(out.err))
	}

	if err := o.deps.Jobs.Complete(ctx, job.ID, result); err != nil {
		return nil, err
	}

	completedAt := o.now()
	if out.err == nil {
		if err := o.deps.Credentials.MarkSynced(ctx, job.Source, completedAt); err != nil {
			o.logger.WithContext(ctx).WithError(err).Error("failed to mark credential synced")
		}
	} else if err := o.deps.Credentials.MarkSyncError(ctx, job.Source, result.ErrorMessage, out.credentialStatus); err != nil && !repositories.IsNotFound(err) {
		o.logger.WithContext(ctx).WithError(err).Error("failed to record credential sync error")
	}

	metrics.RecordSyncJob(job.Source, string(job.JobType), string(result.Status), result.ErrorKind, completedAt.Sub(startedAt).Seconds())

	fields := map[string]any{
		"source":            job.Source,
		"job_type":          job.JobType,
		"status":            result.Status,
		"records_processed": result.RecordsProcessed,
		"attempts":          result.Attempts,
		"skipped_sections":  out.skipped,
	}
	if out.err != nil {
		o.logger.WithContext(ctx).WithError(out.err).WithFields(fields).Warn("sync job failed")
	} else {
		o.logger.WithContext(ctx).WithFields(fields).Info("sync job succeeded")
	}

	evt := models.SyncEvent{
		JobID:            job.ID,
		WorkspaceID:      job.WorkspaceID,
		Source:           job.Source,
		JobType:          job.JobType,
		Status:           result.Status,
		RecordsProcessed: result.RecordsProcessed,
		ErrorKind:        result.ErrorKind,
		ErrorMessage:     result.ErrorMessage,
		CompletedAt:      completedAt.UTC(),
	}
	if o.deps.Events != nil {
		if err := o.deps.Events.PublishSyncEvent(ctx, evt); err != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("failed to publish sync event")
		}
	}
	return &evt, nil
}
