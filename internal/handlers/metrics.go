package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/utils"
)

const (
	DefaultTimeSeriesMonths = 12
	// Source template stamped on values written through the API
	ManualSourceTemplate = "manual"
)

// MetricStore is the metric store surface the metric routes use.
type MetricStore interface {
	UpsertBatch(ctx context.Context, workspaceID uuid.UUID, batch []models.CanonicalMetric) (int, error)
	TimeSeries(ctx context.Context, workspaceID uuid.UUID, metricIDs []string, endDate time.Time, nMonths int) ([]*models.Metric, error)
	Latest(ctx context.Context, workspaceID uuid.UUID, metricIDs []string, ref time.Time) (map[string]*models.Metric, error)
	ResetWorkspace(ctx context.Context, workspaceID uuid.UUID) (int64, error)
}

// MetricHandler serves read-only metric queries plus administrative seeding
// and reset.
type MetricHandler struct {
	store MetricStore
	now   func() time.Time
}

func NewMetricHandler(store MetricStore) *MetricHandler {
	return &MetricHandler{store: store, now: time.Now}
}

type LatestRequest struct {
	// Comma separated; empty means every metric
	MetricIDs string `query:"metric_ids"`
	AsOf      string `query:"as_of"`
}

type LatestResponse struct {
	AsOf    time.Time                 `json:"as_of"`
	Metrics map[string]*models.Metric `json:"metrics"`
}

type TimeSeriesRequest struct {
	MetricIDs string `query:"metric_ids" validate:"required"`
	End       string `query:"end"`
	Months    int    `query:"months" validate:"omitempty,min=1,max=120"`
}

type TimeSeriesResponse struct {
	Start   time.Time                   `json:"start"`
	End     time.Time                   `json:"end"`
	Metrics map[string][]*models.Metric `json:"metrics"`
}

type MetricValueRequest struct {
	MetricID string  `json:"metric_id" validate:"required"`
	Period   string  `json:"period" validate:"required"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit" validate:"omitempty,oneof=currency percentage count ratio"`
	Currency string  `json:"currency" validate:"omitempty,len=3"`
}

type UpsertMetricsRequest struct {
	Metrics []MetricValueRequest `json:"metrics" validate:"required,min=1,dive"`
}

type ResetRequest struct {
	Confirm bool `query:"confirm"`
}

// RegisterRoutes registers the metric routes
func (h *MetricHandler) RegisterRoutes(g *echo.Group) {
	metrics := g.Group("/metrics")
	metrics.GET("/latest", h.Latest)
	metrics.GET("/timeseries", h.TimeSeries)
	metrics.GET("/summary", h.Summary)
	metrics.PUT("", h.Upsert)
	metrics.DELETE("", h.Reset)
}

// Latest handles GET /metrics/latest
func (h *MetricHandler) Latest(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[LatestRequest](c)
	if err != nil {
		return err
	}

	asOf, err := h.period(req.AsOf)
	if err != nil {
		return err
	}

	latest, err := h.store.Latest(ctx, workspaceID, splitIDs(req.MetricIDs), asOf)
	if err != nil {
		return err
	}

	return SuccessResponse(c, LatestResponse{AsOf: asOf, Metrics: latest})
}

// Summary handles GET /metrics/summary, the latest value of every metric.
func (h *MetricHandler) Summary(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	asOf := metricstore.NormalizePeriod(h.now())
	latest, err := h.store.Latest(ctx, workspaceID, nil, asOf)
	if err != nil {
		return err
	}

	return SuccessResponse(c, LatestResponse{AsOf: asOf, Metrics: latest})
}

// TimeSeries handles GET /metrics/timeseries
func (h *MetricHandler) TimeSeries(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[TimeSeriesRequest](c)
	if err != nil {
		return err
	}
	if req.Months == 0 {
		req.Months = DefaultTimeSeriesMonths
	}

	end, err := h.period(req.End)
	if err != nil {
		return err
	}

	metricIDs := splitIDs(req.MetricIDs)
	if len(metricIDs) == 0 {
		return BadRequest("metric_ids is required")
	}

	rows, err := h.store.TimeSeries(ctx, workspaceID, metricIDs, end, req.Months)
	if err != nil {
		return err
	}

	start, end := metricstore.GetPeriodRange(end, req.Months)
	series := make(map[string][]*models.Metric, len(metricIDs))
	for _, id := range metricIDs {
		series[id] = []*models.Metric{}
	}
	for _, row := range rows {
		series[row.MetricID] = append(series[row.MetricID], row)
	}

	return SuccessResponse(c, TimeSeriesResponse{Start: start, End: end, Metrics: series})
}

// Upsert handles PUT /metrics
func (h *MetricHandler) Upsert(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[UpsertMetricsRequest](c)
	if err != nil {
		return err
	}

	batch := make([]models.CanonicalMetric, 0, len(req.Metrics))
	for _, in := range req.Metrics {
		period, err := metricstore.ParsePeriod(in.Period)
		if err != nil {
			return BadRequest(err.Error())
		}
		batch = append(batch, models.CanonicalMetric{
			MetricID:       in.MetricID,
			Period:         period,
			Value:          in.Value,
			Unit:           models.MetricUnit(in.Unit),
			Currency:       in.Currency,
			SourceTemplate: ManualSourceTemplate,
		})
	}

	written, err := h.store.UpsertBatch(ctx, workspaceID, batch)
	if err != nil {
		return err
	}

	return SuccessResponse(c, map[string]int{"written": written})
}

// Reset handles DELETE /metrics?confirm=true
func (h *MetricHandler) Reset(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[ResetRequest](c)
	if err != nil {
		return err
	}
	if !req.Confirm {
		return BadRequest("confirm=true is required to reset workspace metrics")
	}

	deleted, err := h.store.ResetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	return SuccessResponse(c, map[string]int64{"deleted": deleted})
}

// period parses raw as a period, defaulting to the current month.
func (h *MetricHandler) period(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return metricstore.NormalizePeriod(h.now()), nil
	}
	period, err := metricstore.ParsePeriod(raw)
	if err != nil {
		return time.Time{}, BadRequest(err.Error())
	}
	return period, nil
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
