package source

import (
	"fmt"
	"strings"

	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/models"
)

// SectionMetrics maps a section group name to the metric its summary row
// produces.
type SectionMetrics map[string]string

// ExtractSummaries emits one metric per (mapped section, month column) from
// section summary rows. Empty cells are zero. Cells that are not numbers are
// left out and reported, so a stored zero always means zero.
func ExtractSummaries(report *Report, mapping SectionMetrics, sourceTemplate string) ([]models.CanonicalMetric, []SkippedSection) {
	x := &summaryExtractor{
		report:         report,
		mapping:        mapping,
		sourceTemplate: sourceTemplate,
		periods:        report.PeriodColumns(),
	}
	if len(x.periods) == 0 {
		return nil, []SkippedSection{{Report: report.Name, Reason: "report has no monthly columns"}}
	}
	_ = Walk(report.Rows, x)
	return x.metrics, x.skipped
}

type summaryExtractor struct {
	report         *Report
	mapping        SectionMetrics
	sourceTemplate string
	periods        []int
	metrics        []models.CanonicalMetric
	skipped        []SkippedSection
}

func (x *summaryExtractor) EnterSection(*Section) error { return nil }
func (x *summaryExtractor) VisitRow(*DataRow) error     { return nil }

func (x *summaryExtractor) LeaveSection(s *Section) error {
	metricID, ok := x.mapping[s.Group]
	if !ok {
		return nil
	}
	if s.Summary == nil {
		x.skip(s, "section has no summary row")
		return nil
	}

	if len(s.Summary.Cells) != len(x.report.Columns) {
		x.skip(s, fmt.Sprintf("summary has %d cells for %d columns", len(s.Summary.Cells), len(x.report.Columns)))
		return nil
	}

	var bad []string
	for _, i := range x.periods {
		value, err := cellValue(s.Summary.Cells[i])
		if err != nil {
			bad = append(bad, x.report.Columns[i].Title)
			continue
		}
		x.metrics = append(x.metrics, models.CanonicalMetric{
			MetricID:       metricID,
			Period:         x.report.Columns[i].Period,
			Value:          value,
			Unit:           models.MetricUnitCurrency,
			Currency:       x.report.Currency,
			SourceTemplate: x.sourceTemplate,
		})
	}
	if len(bad) > 0 {
		x.skip(s, fmt.Sprintf("unparsable values in %s", strings.Join(bad, ", ")))
	}
	return nil
}

func (x *summaryExtractor) skip(s *Section, reason string) {
	x.skipped = append(x.skipped, SkippedSection{Report: x.report.Name, Section: s.Group, Reason: reason})
}

func cellValue(raw string) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return metricstore.ParseMetricValueStrict(raw)
}
