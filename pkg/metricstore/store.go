// Package metricstore owns the canonical (workspace, metric, period) table:
// period normalization, value parsing and the single upsert write path.
package metricstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const DefaultCurrency = "USD"

// Repository is the persistence behind Store. All methods are scoped to the
// workspace on ctx.
type Repository interface {
	Upsert(ctx context.Context, metric *models.Metric) (*models.Metric, error)
	UpsertBatch(ctx context.Context, metrics []*models.Metric) (int, error)
	ListRange(ctx context.Context, metricIDs []string, start, end time.Time) ([]*models.Metric, error)
	Latest(ctx context.Context, metricIDs []string, ref time.Time) ([]*models.Metric, error)
	DeleteWorkspace(ctx context.Context) (int64, error)
}

type Store struct {
	repo   Repository
	logger ectologger.Logger
}

func NewStore(repo Repository, logger ectologger.Logger) *Store {
	return &Store{repo: repo, logger: logger}
}

// UpsertMetric writes one value. An existing (workspace, metric, period) row
// is updated in place; there is no separate insert path.
func (s *Store) UpsertMetric(ctx context.Context, workspaceID uuid.UUID, in models.CanonicalMetric) (*models.Metric, error) {
	ctx, span := tracing.StartSpan(appctx.SetWorkspaceID(ctx, workspaceID.String()), "Store.UpsertMetric")
	defer span.End()

	metric, err := toMetric(workspaceID, in)
	if err != nil {
		return nil, err
	}

	stored, err := s.repo.Upsert(ctx, metric)
	if err != nil {
		return nil, s.classifyWriteError(ctx, err)
	}
	metrics.RecordMetricUpserts(stored.SourceTemplate, 1)
	return stored, nil
}

// UpsertBatch writes a mapped batch and returns the number of rows written.
// Later entries for the same (metric, period) replace earlier ones.
func (s *Store) UpsertBatch(ctx context.Context, workspaceID uuid.UUID, batch []models.CanonicalMetric) (int, error) {
	ctx, span := tracing.StartSpan(appctx.SetWorkspaceID(ctx, workspaceID.String()), "Store.UpsertBatch")
	defer span.End()

	if len(batch) == 0 {
		return 0, nil
	}

	type key struct {
		metricID string
		period   time.Time
	}
	index := make(map[key]int, len(batch))
	rows := make([]*models.Metric, 0, len(batch))
	for _, in := range batch {
		metric, err := toMetric(workspaceID, in)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("metric_id", in.MetricID).Warn("skipping invalid metric")
			continue
		}
		k := key{metric.MetricID, metric.PeriodDate}
		if i, ok := index[k]; ok {
			rows[i] = metric
			continue
		}
		index[k] = len(rows)
		rows = append(rows, metric)
	}

	written, err := s.repo.UpsertBatch(ctx, rows)
	if err != nil {
		return written, s.classifyWriteError(ctx, err)
	}

	bySource := map[string]int{}
	for _, row := range rows {
		bySource[row.SourceTemplate]++
	}
	for source, n := range bySource {
		metrics.RecordMetricUpserts(source, n)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"workspace_id": workspaceID,
		"written":      written,
	}).Debug("metric batch upserted")
	return written, nil
}

// TimeSeries returns every stored value for metricIDs over the nMonths before
// endDate's month through endDate's month, ordered by metric then period.
func (s *Store) TimeSeries(ctx context.Context, workspaceID uuid.UUID, metricIDs []string, endDate time.Time, nMonths int) ([]*models.Metric, error) {
	ctx, span := tracing.StartSpan(appctx.SetWorkspaceID(ctx, workspaceID.String()), "Store.TimeSeries")
	defer span.End()

	start, end := GetPeriodRange(endDate, nMonths)
	rows, err := s.repo.ListRange(ctx, metricIDs, start, end)
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].MetricID != rows[j].MetricID {
			return rows[i].MetricID < rows[j].MetricID
		}
		return rows[i].PeriodDate.Before(rows[j].PeriodDate)
	})
	return rows, nil
}

// Latest returns, per metric, the value at the most recent period on or
// before ref. An empty metricIDs means every metric in the workspace.
func (s *Store) Latest(ctx context.Context, workspaceID uuid.UUID, metricIDs []string, ref time.Time) (map[string]*models.Metric, error) {
	ctx, span := tracing.StartSpan(appctx.SetWorkspaceID(ctx, workspaceID.String()), "Store.Latest")
	defer span.End()

	rows, err := s.repo.Latest(ctx, metricIDs, NormalizePeriod(ref))
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*models.Metric, len(rows))
	for _, row := range rows {
		latest[row.MetricID] = row
	}
	return latest, nil
}

// ResetWorkspace deletes every metric for the workspace. Only explicit
// administrative resets call this.
func (s *Store) ResetWorkspace(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(appctx.SetWorkspaceID(ctx, workspaceID.String()), "Store.ResetWorkspace")
	defer span.End()

	deleted, err := s.repo.DeleteWorkspace(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"workspace_id": workspaceID,
		"deleted":      deleted,
	}).Warn("workspace metrics reset")
	return deleted, nil
}

func (s *Store) classifyWriteError(ctx context.Context, err error) error {
	if syncerr.Classify(err) == syncerr.KindIntegrity {
		// the upsert path should make this impossible
		s.logger.WithContext(ctx).WithError(err).Error("integrity violation on metric upsert")
		return syncerr.New(syncerr.KindIntegrity, "metricstore.Upsert", err)
	}
	return err
}

func toMetric(workspaceID uuid.UUID, in models.CanonicalMetric) (*models.Metric, error) {
	metricID := strings.TrimSpace(in.MetricID)
	if metricID == "" {
		return nil, syncerr.Errorf(syncerr.KindData, "metricstore.toMetric", "metric id is required")
	}
	if in.Period.IsZero() {
		return nil, syncerr.Errorf(syncerr.KindData, "metricstore.toMetric", "metric %s has no period", metricID)
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return nil, syncerr.Errorf(syncerr.KindData, "metricstore.toMetric", "metric %s has a non-finite value", metricID)
	}

	unit := in.Unit
	if unit == "" {
		unit = models.MetricUnitCurrency
	}
	if !unit.Valid() {
		return nil, syncerr.Errorf(syncerr.KindData, "metricstore.toMetric", "metric %s has unknown unit %q", metricID, unit)
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, syncerr.Errorf(syncerr.KindData, "metricstore.toMetric", "metric %s has invalid currency %q", metricID, in.Currency)
	}

	return &models.Metric{
		WorkspaceID:    workspaceID,
		MetricID:       metricID,
		PeriodDate:     NormalizePeriod(in.Period),
		Value:          in.Value,
		Unit:           unit,
		Currency:       currency,
		SourceTemplate: in.SourceTemplate,
	}, nil
}
