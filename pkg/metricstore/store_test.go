package metricstore

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/syncerr"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type rowKey struct {
	workspace string
	metricID  string
	period    time.Time
}

// memoryRepo mimics the ON CONFLICT upsert of the postgres repository.
type memoryRepo struct {
	mu       sync.Mutex
	rows     map[rowKey]*models.Metric
	writeErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: map[rowKey]*models.Metric{}}
}

func (r *memoryRepo) Upsert(ctx context.Context, m *models.Metric) (*models.Metric, error) {
	if r.writeErr != nil {
		return nil, r.writeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := rowKey{appctx.GetWorkspaceID(ctx), m.MetricID, m.PeriodDate}
	now := time.Now()
	if existing, ok := r.rows[k]; ok {
		existing.Value = m.Value
		existing.Unit = m.Unit
		existing.Currency = m.Currency
		existing.SourceTemplate = m.SourceTemplate
		existing.UpdatedAt = now
		return existing, nil
	}
	stored := *m
	stored.CreatedAt, stored.UpdatedAt = now, now
	r.rows[k] = &stored
	return &stored, nil
}

func (r *memoryRepo) UpsertBatch(ctx context.Context, ms []*models.Metric) (int, error) {
	for i, m := range ms {
		if _, err := r.Upsert(ctx, m); err != nil {
			return i, err
		}
	}
	return len(ms), nil
}

func (r *memoryRepo) ListRange(ctx context.Context, metricIDs []string, start, end time.Time) ([]*models.Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Metric
	for k, m := range r.rows {
		if k.workspace != appctx.GetWorkspaceID(ctx) || !contains(metricIDs, k.metricID) {
			continue
		}
		if k.period.Before(start) || k.period.After(end) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *memoryRepo) Latest(ctx context.Context, metricIDs []string, ref time.Time) ([]*models.Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := map[string]*models.Metric{}
	for k, m := range r.rows {
		if k.workspace != appctx.GetWorkspaceID(ctx) || !contains(metricIDs, k.metricID) || k.period.After(ref) {
			continue
		}
		if cur, ok := best[k.metricID]; !ok || k.period.After(cur.PeriodDate) {
			best[k.metricID] = m
		}
	}
	out := make([]*models.Metric, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricID < out[j].MetricID })
	return out, nil
}

func (r *memoryRepo) DeleteWorkspace(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.rows {
		if k.workspace == appctx.GetWorkspaceID(ctx) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func contains(ids []string, id string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func TestStore_UpsertMetric_Idempotent(t *testing.T) {
	repo := newMemoryRepo()
	store := NewStore(repo, testLogger())
	ctx := context.Background()
	ws := uuid.New()

	in := models.CanonicalMetric{
		MetricID:       "revenue",
		Period:         date(2024, 3, 15),
		Value:          1000,
		Unit:           models.MetricUnitCurrency,
		SourceTemplate: "quickbooks",
	}

	_, err := store.UpsertMetric(ctx, ws, in)
	require.NoError(t, err)
	_, err = store.UpsertMetric(ctx, ws, in)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.count())

	// a different day in the same month is the same period
	in.Period = date(2024, 3, 2)
	in.Value = 1500
	stored, err := store.UpsertMetric(ctx, ws, in)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 1500.0, stored.Value)
	assert.Equal(t, date(2024, 3, 31), stored.PeriodDate)
	assert.Equal(t, "USD", stored.Currency)
}

func TestStore_UpsertMetric_Validation(t *testing.T) {
	store := NewStore(newMemoryRepo(), testLogger())
	ws := uuid.New()

	tests := []struct {
		name string
		in   models.CanonicalMetric
	}{
		{"missing id", models.CanonicalMetric{Period: date(2024, 1, 1)}},
		{"missing period", models.CanonicalMetric{MetricID: "revenue"}},
		{"bad unit", models.CanonicalMetric{MetricID: "revenue", Period: date(2024, 1, 1), Unit: "furlongs"}},
		{"bad currency", models.CanonicalMetric{MetricID: "revenue", Period: date(2024, 1, 1), Currency: "DOLLARS"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.UpsertMetric(context.Background(), ws, tt.in)
			assert.Equal(t, syncerr.KindData, syncerr.Classify(err))
		})
	}
}

func TestStore_UpsertBatch(t *testing.T) {
	repo := newMemoryRepo()
	store := NewStore(repo, testLogger())
	ws := uuid.New()

	written, err := store.UpsertBatch(context.Background(), ws, []models.CanonicalMetric{
		{MetricID: "revenue", Period: date(2024, 1, 31), Value: 10, SourceTemplate: "quickbooks"},
		{MetricID: "revenue", Period: date(2024, 2, 29), Value: 20, SourceTemplate: "quickbooks"},
		{MetricID: "revenue", Period: date(2024, 2, 1), Value: 25, SourceTemplate: "quickbooks"},
		{MetricID: "", Period: date(2024, 2, 1), Value: 1},
		{MetricID: "gross_margin", Period: date(2024, 2, 29), Value: 40, Unit: models.MetricUnitPercentage, SourceTemplate: "quickbooks_calculated"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, written)
	assert.Equal(t, 3, repo.count())

	latest, err := store.Latest(context.Background(), ws, []string{"revenue"}, date(2024, 12, 1))
	require.NoError(t, err)
	assert.Equal(t, 25.0, latest["revenue"].Value)
}

func TestStore_UpsertBatch_Empty(t *testing.T) {
	written, err := NewStore(newMemoryRepo(), testLogger()).UpsertBatch(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestStore_IntegrityViolation(t *testing.T) {
	repo := newMemoryRepo()
	repo.writeErr = &pq.Error{Code: "23505"}
	store := NewStore(repo, testLogger())

	_, err := store.UpsertMetric(context.Background(), uuid.New(), models.CanonicalMetric{MetricID: "revenue", Period: date(2024, 1, 1)})
	assert.Equal(t, syncerr.KindIntegrity, syncerr.Classify(err))
}

func TestStore_LatestAndTimeSeries(t *testing.T) {
	repo := newMemoryRepo()
	store := NewStore(repo, testLogger())
	ws := uuid.New()
	other := uuid.New()
	ctx := context.Background()

	for i, value := range []float64{100, 110, 120, 130} {
		_, err := store.UpsertMetric(ctx, ws, models.CanonicalMetric{MetricID: "revenue", Period: date(2024, time.Month(i+1), 1), Value: value})
		require.NoError(t, err)
	}
	_, err := store.UpsertMetric(ctx, ws, models.CanonicalMetric{MetricID: "cash", Period: date(2023, 11, 1), Value: 5000})
	require.NoError(t, err)
	_, err = store.UpsertMetric(ctx, other, models.CanonicalMetric{MetricID: "revenue", Period: date(2024, 3, 1), Value: 999})
	require.NoError(t, err)

	latest, err := store.Latest(ctx, ws, nil, date(2024, 3, 10))
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 120.0, latest["revenue"].Value)
	assert.Equal(t, date(2024, 3, 31), latest["revenue"].PeriodDate)
	assert.Equal(t, 5000.0, latest["cash"].Value)

	series, err := store.TimeSeries(ctx, ws, []string{"revenue"}, date(2024, 4, 15), 2)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, date(2024, 2, 29), series[0].PeriodDate)
	assert.Equal(t, date(2024, 4, 30), series[2].PeriodDate)

	empty, err := store.Latest(ctx, uuid.New(), nil, date(2024, 3, 10))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_ResetWorkspace(t *testing.T) {
	repo := newMemoryRepo()
	store := NewStore(repo, testLogger())
	ws, other := uuid.New(), uuid.New()
	ctx := context.Background()

	_, _ = store.UpsertMetric(ctx, ws, models.CanonicalMetric{MetricID: "revenue", Period: date(2024, 1, 1)})
	_, _ = store.UpsertMetric(ctx, other, models.CanonicalMetric{MetricID: "revenue", Period: date(2024, 1, 1)})

	deleted, err := store.ResetWorkspace(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, repo.count())
}
