// Package source turns external source payloads into canonical metrics.
// Source clients decode their native reports into the tree in this package
// and map it through the shared extraction and derivation passes.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/models"
)

type ReportType string

const (
	ReportProfitAndLoss ReportType = "profit_and_loss"
	ReportBalanceSheet  ReportType = "balance_sheet"
	ReportGeneralLedger ReportType = "general_ledger"
	ReportAll           ReportType = "all"
)

func ParseReportType(raw string) (ReportType, error) {
	switch t := ReportType(raw); t {
	case ReportProfitAndLoss, ReportBalanceSheet, ReportGeneralLedger, ReportAll:
		return t, nil
	case "":
		return ReportAll, nil
	}
	return "", fmt.Errorf("unknown report type %q", raw)
}

// Includes reports whether fetching t covers report.
func (t ReportType) Includes(report ReportType) bool {
	return t == ReportAll || t == report
}

// DateRange is an inclusive range of whole months.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// MonthsEnding covers the n months ending with end's month.
func MonthsEnding(end time.Time, n int) DateRange {
	if n < 1 {
		n = 1
	}
	start, last := metricstore.GetPeriodRange(end, n-1)
	y, m, _ := start.Date()
	return DateRange{Start: time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), End: last}
}

func (r DateRange) Periods() []time.Time {
	return metricstore.PeriodsBetween(r.Start, r.End)
}

// Result is the output of one mapping pass. Raw metrics precede derived ones.
type Result struct {
	Metrics []models.CanonicalMetric
	Skipped []SkippedSection
	// Company is a display name reported by the source, when known
	Company string
}

// Mapper fetches and maps one source's data for a credential snapshot.
type Mapper interface {
	Source() string
	FetchAndMap(ctx context.Context, cred models.CredentialSnapshot, reportType ReportType, dateRange DateRange) (*Result, error)
}

// Registry looks up a Mapper by source name.
type Registry map[string]Mapper

func NewRegistry(mappers ...Mapper) Registry {
	r := Registry{}
	for _, m := range mappers {
		r[m.Source()] = m
	}
	return r
}

func (r Registry) Get(source string) (Mapper, bool) {
	m, ok := r[source]
	return m, ok
}
