package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/pkg/models"
)

func monthEnd(y int, m time.Month) time.Time {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC)
}

func testReport() *Report {
	return &Report{
		Name:     "ProfitAndLoss",
		Currency: "USD",
		Columns: []Column{
			{Title: "", Type: "Account"},
			{Title: "Jan 2024", Type: "Money", Period: monthEnd(2024, time.January)},
			{Title: "Feb 2024", Type: "Money", Period: monthEnd(2024, time.February)},
			{Title: "Total", Type: "Money"},
		},
		Rows: []Node{
			&Section{
				Group: "Income",
				Title: "Income",
				Children: []Node{
					&DataRow{Cells: []string{"Sales", "1000.00", "1,500.00", "2500.00"}, AccountID: "79"},
					&Section{
						Group:    "",
						Title:    "Services",
						Children: []Node{&DataRow{Cells: []string{"Consulting", "200.00", "", "200.00"}}},
					},
				},
				Summary: &DataRow{Cells: []string{"Total Income", "1200.00", "1500.00", "2700.00"}},
			},
			&Section{
				Group:   "COGS",
				Summary: &DataRow{Cells: []string{"Total Cost of Goods Sold", "400.00", "n/a", "400.00"}},
			},
			&Section{
				Group:   "NetIncome",
				Summary: &DataRow{Cells: []string{"Net Income", "(300.00)", "250.00", "-50.00"}},
			},
		},
	}
}

type recorder struct {
	events []string
}

func (r *recorder) EnterSection(s *Section) error { r.events = append(r.events, "enter:"+s.Title); return nil }
func (r *recorder) LeaveSection(s *Section) error { r.events = append(r.events, "leave:"+s.Title); return nil }
func (r *recorder) VisitRow(row *DataRow) error  { r.events = append(r.events, "row:"+row.Label()); return nil }

func TestWalk_DepthFirst(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, Walk(testReport().Rows[:1], rec))
	assert.Equal(t, []string{
		"enter:Income",
		"row:Sales",
		"enter:Services",
		"row:Consulting",
		"leave:Services",
		"leave:Income",
	}, rec.events)
}

type stopper struct{ rows int }

func (s *stopper) EnterSection(*Section) error { return nil }
func (s *stopper) LeaveSection(*Section) error { return nil }
func (s *stopper) VisitRow(*DataRow) error {
	s.rows++
	return ErrStopWalk
}

func TestWalk_Stop(t *testing.T) {
	s := &stopper{}
	require.NoError(t, Walk(testReport().Rows, s))
	assert.Equal(t, 1, s.rows)
}

func TestSignedAmount(t *testing.T) {
	tests := []struct {
		class  AccountClass
		debit  float64
		credit float64
		want   float64
	}{
		{AccountClassAsset, 100, 0, 100},
		{AccountClassAsset, 0, 40, -40},
		{AccountClassExpense, 25, 5, 20},
		{AccountClassLiability, 100, 0, -100},
		{AccountClassEquity, 0, 60, 60},
		{AccountClassRevenue, 0, 500, 500},
		{AccountClassRevenue, 50, 0, -50},
		{AccountClassUnknown, 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			assert.Equal(t, tt.want, SignedAmount(tt.debit, tt.credit, tt.class))
		})
	}
	assert.True(t, AccountClassAsset.DebitNormal())
	assert.False(t, AccountClassRevenue.DebitNormal())
}

func TestExtractSummaries(t *testing.T) {
	mapping := SectionMetrics{"Income": MetricRevenue, "COGS": MetricCOGS, "NetIncome": MetricNetIncome, "Expenses": MetricOperatingExpenses}

	metrics, skipped := ExtractSummaries(testReport(), mapping, models.SourceQuickBooks)

	got := map[string]float64{}
	for _, m := range metrics {
		assert.Equal(t, "USD", m.Currency)
		assert.Equal(t, models.SourceQuickBooks, m.SourceTemplate)
		got[m.MetricID+"@"+m.Period.Format("2006-01")] = m.Value
	}
	assert.Equal(t, map[string]float64{
		"revenue@2024-01":    1200,
		"revenue@2024-02":    1500,
		"cogs@2024-01":       400,
		"net_income@2024-01": -300,
		"net_income@2024-02": 250,
	}, got)

	require.Len(t, skipped, 1)
	assert.Equal(t, "COGS", skipped[0].Section)
	assert.Contains(t, skipped[0].Reason, "Feb 2024")
}

func TestExtractSummaries_NoMonthlyColumns(t *testing.T) {
	report := &Report{Name: "BalanceSheet", Columns: []Column{{Title: "Total"}}}
	metrics, skipped := ExtractSummaries(report, SectionMetrics{"TotalAssets": MetricTotalAssets}, "quickbooks")
	assert.Empty(t, metrics)
	require.Len(t, skipped, 1)
	assert.Equal(t, "BalanceSheet", skipped[0].Report)
}

func TestDerive(t *testing.T) {
	jan := monthEnd(2024, time.January)
	feb := monthEnd(2024, time.February)
	raw := []models.CanonicalMetric{
		{MetricID: MetricRevenue, Period: jan, Value: 1000, Currency: "USD"},
		{MetricID: MetricCOGS, Period: jan, Value: 400, Currency: "USD"},
		{MetricID: MetricNetIncome, Period: jan, Value: -200, Currency: "USD"},
		{MetricID: MetricCash, Period: jan, Value: 3000, Currency: "USD"},
		{MetricID: MetricCashNetChange, Period: jan, Value: -600, Currency: "USD"},

		{MetricID: MetricRevenue, Period: feb, Value: 0, Currency: "USD"},
		{MetricID: MetricGrossProfit, Period: feb, Value: 0, Currency: "USD"},
		{MetricID: MetricNetIncome, Period: feb, Value: 150, Currency: "USD"},
	}

	derived := Derive(raw, CalculatedTemplate(models.SourceQuickBooks))

	got := map[string]models.CanonicalMetric{}
	for _, m := range derived {
		assert.Equal(t, "quickbooks_calculated", m.SourceTemplate)
		got[m.MetricID+"@"+m.Period.Format("2006-01")] = m
	}

	assert.Equal(t, 600.0, got["gross_profit@2024-01"].Value)
	assert.Equal(t, 60.0, got["gross_margin@2024-01"].Value)
	assert.Equal(t, models.MetricUnitPercentage, got["gross_margin@2024-01"].Unit)
	assert.Equal(t, -20.0, got["net_margin@2024-01"].Value)
	assert.Equal(t, 600.0, got["burn_rate@2024-01"].Value)
	assert.Equal(t, 5.0, got["runway_months@2024-01"].Value)

	// raw gross profit is never replaced and zero revenue has no margins
	_, hasGross := got["gross_profit@2024-02"]
	assert.False(t, hasGross)
	_, hasMargin := got["gross_margin@2024-02"]
	assert.False(t, hasMargin)
	assert.Equal(t, 0.0, got["burn_rate@2024-02"].Value)
	_, hasRunway := got["runway_months@2024-02"]
	assert.False(t, hasRunway)
}

func TestMonthsEnding(t *testing.T) {
	r := MonthsEnding(time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), 3)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, monthEnd(2024, time.March), r.End)
	assert.Equal(t, []time.Time{monthEnd(2024, time.January), monthEnd(2024, time.February), monthEnd(2024, time.March)}, r.Periods())

	single := MonthsEnding(time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC), 0)
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), single.Start)
	assert.Equal(t, monthEnd(2024, time.February), single.End)
}

func TestParseReportType(t *testing.T) {
	rt, err := ParseReportType("")
	require.NoError(t, err)
	assert.Equal(t, ReportAll, rt)

	rt, err = ParseReportType("balance_sheet")
	require.NoError(t, err)
	assert.True(t, rt.Includes(ReportBalanceSheet))
	assert.False(t, rt.Includes(ReportProfitAndLoss))
	assert.True(t, ReportAll.Includes(ReportGeneralLedger))

	_, err = ParseReportType("cash_flow")
	assert.Error(t, err)
}

func TestExtractSummaries_MisalignedSummary(t *testing.T) {
	report := testReport()
	report.Rows = []Node{&Section{Group: "Income", Summary: &DataRow{Cells: []string{"Total Income", "1.00"}}}}

	metrics, skipped := ExtractSummaries(report, SectionMetrics{"Income": MetricRevenue}, "quickbooks")
	assert.Empty(t, metrics)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Reason, "2 cells for 4 columns")
}
