package models

import (
	"time"

	"github.com/google/uuid"
)

type MetricUnit string

const (
	MetricUnitCurrency   MetricUnit = "currency"
	MetricUnitPercentage MetricUnit = "percentage"
	MetricUnitCount      MetricUnit = "count"
	MetricUnitRatio      MetricUnit = "ratio"
)

func (u MetricUnit) Valid() bool {
	switch u {
	case MetricUnitCurrency, MetricUnitPercentage, MetricUnitCount, MetricUnitRatio:
		return true
	}
	return false
}

// Metric is one (workspace, metric_id, period) value. PeriodDate is always a
// month end.
type Metric struct {
	WorkspaceID    uuid.UUID  `db:"workspace_id" json:"workspace_id"`
	MetricID       string     `db:"metric_id" json:"metric_id"`
	PeriodDate     time.Time  `db:"period_date" json:"period_date"`
	Value          float64    `db:"value" json:"value"`
	Unit           MetricUnit `db:"unit" json:"unit"`
	Currency       string     `db:"currency" json:"currency"`
	SourceTemplate string     `db:"source_template" json:"source_template"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (Metric) TableName() string {
	return "metrics"
}

// CanonicalMetric is a mapped value ready to be written for a workspace.
type CanonicalMetric struct {
	MetricID       string
	Period         time.Time
	Value          float64
	Unit           MetricUnit
	Currency       string
	SourceTemplate string
}
