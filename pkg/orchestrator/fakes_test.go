package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/repositories"
	"github.com/Ramsey-B/sage/pkg/source"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/vault"
)

const testSource = models.SourceQuickBooks

var fixedNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestVault(t *testing.T) (*vault.Vault, *vault.Cipher) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := vault.NewCipher(vault.KeyConfig{Key: base64.StdEncoding.EncodeToString(key)})
	require.NoError(t, err)
	return vault.New(c), c
}

type credentialKey struct {
	workspaceID uuid.UUID
	source      string
}

type memCredentials struct {
	mu    sync.Mutex
	creds map[credentialKey]*models.IntegrationCredential
}

func newMemCredentials() *memCredentials {
	return &memCredentials{creds: map[credentialKey]*models.IntegrationCredential{}}
}

func (m *memCredentials) put(c *models.IntegrationCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[credentialKey{c.WorkspaceID, c.Source}] = c
}

func (m *memCredentials) snapshot(workspaceID uuid.UUID, src string) *models.IntegrationCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credentialKey{workspaceID, src}]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *memCredentials) with(ctx context.Context, src string, fn func(c *models.IntegrationCredential)) error {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credentialKey{workspaceID, src}]
	if !ok {
		return repositories.NotFound("credential for %s not found", src)
	}
	fn(c)
	return nil
}

func (m *memCredentials) Find(ctx context.Context, src string) (*models.IntegrationCredential, error) {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	return m.snapshot(workspaceID, src), nil
}

func (m *memCredentials) Get(ctx context.Context, src string) (*models.IntegrationCredential, error) {
	c, err := m.Find(ctx, src)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, repositories.NotFound("credential for %s not found", src)
	}
	return c, nil
}

func (m *memCredentials) List(ctx context.Context) ([]models.IntegrationCredential, error) {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IntegrationCredential
	for k, c := range m.creds {
		if k.workspaceID == workspaceID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCredentials) Upsert(ctx context.Context, c *models.IntegrationCredential) error {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	c.WorkspaceID = workspaceID
	if c.Status == "" {
		c.Status = models.CredentialStatusConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := credentialKey{workspaceID, c.Source}
	if existing, ok := m.creds[key]; ok {
		c.ID = existing.ID
		c.Settings = existing.Settings
		c.LastSyncedAt = existing.LastSyncedAt
	} else if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.LastSyncError = nil
	cp := *c
	m.creds[key] = &cp
	return nil
}

func (m *memCredentials) UpdateTokens(ctx context.Context, src, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error {
	return m.with(ctx, src, func(c *models.IntegrationCredential) {
		c.AccessTokenEnc = accessTokenEnc
		c.RefreshTokenEnc = refreshTokenEnc
		c.TokenExpiresAt = &expiresAt
	})
}

func (m *memCredentials) UpdateSettings(ctx context.Context, src string, settings models.CredentialSettings) error {
	return m.with(ctx, src, func(c *models.IntegrationCredential) {
		c.Settings.Data = settings
	})
}

func (m *memCredentials) UpdateMetadata(ctx context.Context, src, metadataEnc string) error {
	return m.with(ctx, src, func(c *models.IntegrationCredential) {
		c.MetadataEnc = metadataEnc
	})
}

func (m *memCredentials) MarkSynced(ctx context.Context, src string, syncedAt time.Time) error {
	return m.with(ctx, src, func(c *models.IntegrationCredential) {
		c.LastSyncedAt = &syncedAt
		c.LastSyncError = nil
	})
}

func (m *memCredentials) MarkSyncError(ctx context.Context, src, message string, status *models.CredentialStatus) error {
	return m.with(ctx, src, func(c *models.IntegrationCredential) {
		c.LastSyncError = &message
		if status != nil {
			c.Status = *status
		}
	})
}

func (m *memCredentials) Disconnect(ctx context.Context, src string) error {
	return m.with(ctx, src, func(c *models.IntegrationCredential) {
		c.Status = models.CredentialStatusDisconnected
		c.AccessTokenEnc = ""
		c.RefreshTokenEnc = ""
		c.TokenExpiresAt = nil
		c.MetadataEnc = ""
	})
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.SyncJob
	seq  int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[uuid.UUID]*models.SyncJob{}}
}

func (m *memJobs) get(id uuid.UUID) models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) put(job *models.SyncJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	m.seq++
	job.CreatedAt = fixedNow.Add(time.Duration(m.seq) * time.Second)
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *memJobs) Create(ctx context.Context, job *models.SyncJob) error {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	job.WorkspaceID = workspaceID
	job.Status = models.SyncJobStatusQueued
	m.put(job)
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.WorkspaceID != workspaceID {
		return nil, repositories.NotFound("sync job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) FindQueued(ctx context.Context, src string) (*models.SyncJob, error) {
	jobs, err := m.ListBySource(ctx, src, 0)
	if err != nil {
		return nil, err
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Status == models.SyncJobStatusQueued {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

func (m *memJobs) ListBySource(ctx context.Context, src string, limit int) ([]models.SyncJob, error) {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SyncJob
	for _, job := range m.jobs {
		if job.WorkspaceID == workspaceID && job.Source == src {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) TryStart(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.SyncJobStatusQueued {
		return false, nil
	}
	startedAt := fixedNow
	job.Status = models.SyncJobStatusRunning
	job.StartedAt = &startedAt
	return true, nil
}

func (m *memJobs) Complete(ctx context.Context, id uuid.UUID, result models.SyncJobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.SyncJobStatusRunning {
		return repositories.NotFound("running sync job %s not found", id)
	}
	completedAt := fixedNow
	job.Status = result.Status
	job.Attempts = result.Attempts
	job.RecordsProcessed = result.RecordsProcessed
	job.CompletedAt = &completedAt
	if result.ErrorMessage != "" {
		job.ErrorMessage = &result.ErrorMessage
	}
	if result.ErrorKind != "" {
		job.ErrorKind = &result.ErrorKind
	}
	return nil
}

type fakeMetricWriter struct {
	mu      sync.Mutex
	batches [][]models.CanonicalMetric
	err     error
}

func (f *fakeMetricWriter) UpsertBatch(_ context.Context, _ uuid.UUID, batch []models.CanonicalMetric) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, batch)
	return len(batch), nil
}

type memApps struct {
	mu   sync.Mutex
	apps map[credentialKey]*models.AppCredential
}

func newMemApps() *memApps {
	return &memApps{apps: map[credentialKey]*models.AppCredential{}}
}

func (m *memApps) FindAppCredential(ctx context.Context, src string) (*models.AppCredential, error) {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[credentialKey{workspaceID, src}]
	if !ok {
		return nil, nil
	}
	cp := *app
	return &cp, nil
}

func (m *memApps) Upsert(ctx context.Context, app *models.AppCredential) error {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	app.WorkspaceID = workspaceID
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *app
	m.apps[credentialKey{workspaceID, app.Source}] = &cp
	return nil
}

func (m *memApps) Delete(ctx context.Context, src string) error {
	workspaceID, err := repositories.GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credentialKey{workspaceID, src}
	if _, ok := m.apps[key]; !ok {
		return repositories.NotFound("app credentials for %s not found", src)
	}
	delete(m.apps, key)
	return nil
}

type fakeTokens struct {
	mu     sync.Mutex
	calls  int
	tokens models.TokenSet
	err    error
	seen   []string
}

func (f *fakeTokens) Refresh(_ context.Context, _ string, _ models.OAuthApp, refreshToken string) (models.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, refreshToken)
	if f.err != nil {
		return models.TokenSet{}, f.err
	}
	return f.tokens, nil
}

type fetchCall struct {
	accessToken string
	dateRange   source.DateRange
}

// scriptedMapper answers FetchAndMap from a list of responses. The last
// response repeats once the list is exhausted.
type scriptedMapper struct {
	mu        sync.Mutex
	responses []mapperResponse
	calls     []fetchCall
}

type mapperResponse struct {
	result *source.Result
	err    error
}

func (m *scriptedMapper) Source() string { return testSource }

func (m *scriptedMapper) FetchAndMap(_ context.Context, cred models.CredentialSnapshot, _ source.ReportType, dateRange source.DateRange) (*source.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fetchCall{accessToken: cred.AccessToken(), dateRange: dateRange})
	if len(m.responses) == 0 {
		return &source.Result{}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp.result, resp.err
}

func (m *scriptedMapper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []models.SyncJob
	err  error
}

func (f *fakePublisher) PublishJob(_ context.Context, job *models.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, *job)
	return nil
}

// fakeEvents records every event and then fails, as a broker outage would.
type fakeEvents struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (f *fakeEvents) PublishSyncEvent(_ context.Context, evt models.SyncEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return errors.New("broker unavailable")
}

// leaseRecorder wraps a Locker and records every renewal. A positive
// loseAfter fails renewals once that many have succeeded.
type leaseRecorder struct {
	Locker
	mu        sync.Mutex
	extends   []time.Duration
	loseAfter int
}

func (l *leaseRecorder) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lease, err := l.Locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return &recordedLease{Lease: lease, recorder: l}, nil
}

func (l *leaseRecorder) renewals() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.extends...)
}

type recordedLease struct {
	Lease
	recorder *leaseRecorder
}

func (l *recordedLease) Extend(ctx context.Context, ttl time.Duration) error {
	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	if l.recorder.loseAfter > 0 && len(l.recorder.extends) >= l.recorder.loseAfter {
		return ErrLeaseLost
	}
	l.recorder.extends = append(l.recorder.extends, ttl)
	return l.Lease.Extend(ctx, ttl)
}

type harness struct {
	workspaceID uuid.UUID
	credentials *memCredentials
	jobs        *memJobs
	metrics     *fakeMetricWriter
	apps        *memApps
	tokens      *fakeTokens
	mapper      *scriptedMapper
	publisher   *fakePublisher
	events      *fakeEvents
	locker      *LocalLocker
	leases      *leaseRecorder
	vault       *vault.Vault
	cipher      *vault.Cipher
	resolver    *vault.Resolver
	sleeps      []time.Duration
	// runs inside every retry wait
	onSleep     func(ctx context.Context)
	orch        *Orchestrator
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	v, c := newTestVault(t)
	h := &harness{
		workspaceID: uuid.New(),
		credentials: newMemCredentials(),
		jobs:        newMemJobs(),
		metrics:     &fakeMetricWriter{},
		apps:        newMemApps(),
		tokens: &fakeTokens{tokens: models.TokenSet{
			AccessToken:  "access-refreshed",
			RefreshToken: "refresh-rotated",
			ExpiresAt:    fixedNow.Add(time.Hour),
		}},
		mapper:    &scriptedMapper{},
		publisher: &fakePublisher{},
		events:    &fakeEvents{},
		locker:    NewLocalLocker(),
		vault:     v,
		cipher:    c,
	}
	h.leases = &leaseRecorder{Locker: h.locker}
	h.resolver = vault.NewResolver(h.apps, c, map[string]models.OAuthApp{
		testSource: {ClientID: "default-id", ClientSecret: "default-secret", RedirectURI: "https://app.test/callback"},
	}, testLogger())

	h.orch = New(Dependencies{
		Credentials: h.credentials,
		Jobs:        h.jobs,
		Metrics:     h.metrics,
		Vault:       v,
		Apps:        h.resolver,
		Tokens:      h.tokens,
		Mappers:     source.NewRegistry(h.mapper),
		Locker:      h.leases,
		Publisher:   h.publisher,
		Events:      h.events,
	}, config, testLogger())
	h.orch.now = func() time.Time { return fixedNow }
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		if h.onSleep != nil {
			h.onSleep(ctx)
		}
		return nil
	}
	return h
}

// connect stores a connected credential whose access token expires at expiresAt.
func (h *harness) connect(t *testing.T, expiresAt time.Time) {
	t.Helper()
	sealed, err := h.vault.SealTokens(models.TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1"})
	require.NoError(t, err)
	metadata, err := h.vault.SealMetadata(map[string]string{models.MetadataRealmID: "9130"})
	require.NoError(t, err)
	h.credentials.put(&models.IntegrationCredential{
		ID:              uuid.New(),
		WorkspaceID:     h.workspaceID,
		Source:          testSource,
		Status:          models.CredentialStatusConnected,
		AccessTokenEnc:  sealed.AccessTokenEnc,
		RefreshTokenEnc: sealed.RefreshTokenEnc,
		TokenExpiresAt:  &expiresAt,
		MetadataEnc:     metadata,
	})
}

func (h *harness) queue(jobType models.SyncJobType, status models.SyncJobStatus) uuid.UUID {
	job := &models.SyncJob{
		WorkspaceID: h.workspaceID,
		Source:      testSource,
		JobType:     jobType,
		Status:      status,
	}
	h.jobs.put(job)
	return job.ID
}

func (h *harness) credential() *models.IntegrationCredential {
	return h.credentials.snapshot(h.workspaceID, testSource)
}

func rateLimited(retryAfter time.Duration) error {
	err := syncerr.FromStatus("quickbooks.get", 429, "throttled")
	err.RetryAfter = retryAfter
	return err
}

func sampleResult() *source.Result {
	period := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)
	return &source.Result{
		Metrics: []models.CanonicalMetric{
			{MetricID: "revenue", Period: period, Value: 1200, Unit: models.MetricUnitCurrency, SourceTemplate: "quickbooks"},
			{MetricID: "cogs", Period: period, Value: 400, Unit: models.MetricUnitCurrency, SourceTemplate: "quickbooks"},
		},
		Company: "Acme Coffee",
	}
}

func withWorkspace(ctx context.Context, h *harness) context.Context {
	return appctx.SetWorkspaceID(ctx, h.workspaceID.String())
}
