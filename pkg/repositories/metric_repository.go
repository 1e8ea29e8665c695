package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const metricsTable = "metrics"

var metricStruct = database.NewStruct(new(models.Metric))

var metricConflictColumns = []string{"workspace_id", "metric_id", "period_date"}

// MetricRepository is the only writer of the metrics table. Every write is an
// INSERT ... ON CONFLICT DO UPDATE on the (workspace, metric, period) key.
type MetricRepository struct {
	*Repository
}

func NewMetricRepository(db database.DB, logger ectologger.Logger) *MetricRepository {
	return &MetricRepository{Repository: NewRepository(db, logger)}
}

func (r *MetricRepository) Upsert(ctx context.Context, metric *models.Metric) (*models.Metric, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricRepository.Upsert")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	metric.WorkspaceID = workspaceID

	if err := r.upsert(ctx, r.querier(ctx), metric); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"metric_id":    metric.MetricID,
			"period_date":  metric.PeriodDate,
		}).Error("failed to upsert metric")
		return nil, err
	}

	return metric, nil
}

// UpsertBatch writes metrics in one transaction and returns how many rows were
// written. A failure rolls back the batch, leaving earlier stored values as
// they were.
func (r *MetricRepository) UpsertBatch(ctx context.Context, metrics []*models.Metric) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricRepository.UpsertBatch")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	err = database.WithTx(ctx, r.db, func(ctx context.Context, tx database.Tx) error {
		for _, metric := range metrics {
			metric.WorkspaceID = workspaceID
			if err := r.upsert(ctx, tx, metric); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"workspace_id": workspaceID,
					"metric_id":    metric.MetricID,
					"period_date":  metric.PeriodDate,
				}).Error("failed to upsert metric in batch")
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"workspace_id": workspaceID,
		"count":        written,
	}).Debugf("Upserted %d %s", written, metricsTable)
	return written, nil
}

func (r *MetricRepository) upsert(ctx context.Context, q database.Querier, metric *models.Metric) error {
	ib := database.NewInsertBuilder()
	ib.InsertInto(metricsTable).
		Cols("workspace_id", "metric_id", "period_date", "value", "unit", "currency", "source_template", "created_at", "updated_at").
		Values(metric.WorkspaceID, metric.MetricID, metric.PeriodDate.Format("2006-01-02"), metric.Value, metric.Unit,
			metric.Currency, metric.SourceTemplate, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.OnConflictUpdate(metricConflictColumns,
		database.Excluded("value"),
		database.Excluded("unit"),
		database.Excluded("currency"),
		database.Excluded("source_template"),
		"updated_at = NOW()",
	)
	ib.SQL("RETURNING created_at, updated_at")

	query, args := ib.Build()
	return q.QueryRowxContext(ctx, query, args...).Scan(&metric.CreatedAt, &metric.UpdatedAt)
}

// ListRange returns values for metricIDs with start <= period <= end. An
// empty metricIDs selects every metric.
func (r *MetricRepository) ListRange(ctx context.Context, metricIDs []string, start, end time.Time) ([]*models.Metric, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricRepository.ListRange")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := metricStruct.SelectFrom(metricsTable)
	sb.Where(
		sb.Equal("workspace_id", workspaceID),
		sb.GreaterEqualThan("period_date", start.Format("2006-01-02")),
		sb.LessEqualThan("period_date", end.Format("2006-01-02")),
	)
	if len(metricIDs) > 0 {
		sb.Where(sb.In("metric_id", sqlbuilder.Flatten(metricIDs)...))
	}
	sb.OrderBy("metric_id", "period_date")

	query, args := sb.Build()
	var metrics []*models.Metric
	if err := r.querier(ctx).SelectContext(ctx, &metrics, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("workspace_id", workspaceID).Error("failed to list metrics")
		return nil, internalError("failed to list metrics")
	}

	return metrics, nil
}

// Latest returns, for each metric, the row with the greatest period on or
// before ref.
func (r *MetricRepository) Latest(ctx context.Context, metricIDs []string, ref time.Time) ([]*models.Metric, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricRepository.Latest")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT m.workspace_id, m.metric_id, m.period_date, m.value, m.unit, m.currency,
			m.source_template, m.created_at, m.updated_at
		FROM metrics m
		INNER JOIN (
			SELECT metric_id, MAX(period_date) AS period_date
			FROM metrics
			WHERE workspace_id = $1
				AND period_date <= $2
				AND (cardinality($3::text[]) = 0 OR metric_id = ANY($3::text[]))
			GROUP BY metric_id
		) latest ON latest.metric_id = m.metric_id AND latest.period_date = m.period_date
		WHERE m.workspace_id = $1
		ORDER BY m.metric_id
	`

	var metrics []*models.Metric
	err = r.querier(ctx).SelectContext(ctx, &metrics, query, workspaceID, ref.Format("2006-01-02"), pq.Array(metricIDs))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("workspace_id", workspaceID).Error("failed to get latest metrics")
		return nil, internalError("failed to get latest metrics")
	}

	return metrics, nil
}

// DeleteWorkspace removes every metric for the workspace on ctx.
func (r *MetricRepository) DeleteWorkspace(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricRepository.DeleteWorkspace")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return 0, err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(metricsTable)
	db.Where(db.Equal("workspace_id", workspaceID))

	query, args := db.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("workspace_id", workspaceID).Error("failed to delete workspace metrics")
		return 0, internalError("failed to delete workspace metrics")
	}

	return result.RowsAffected()
}
