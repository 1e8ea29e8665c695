package source

import (
	"math"
	"sort"
	"time"

	"github.com/Ramsey-B/sage/pkg/models"
)

// Canonical metric ids shared by every source.
const (
	MetricRevenue           = "revenue"
	MetricCOGS              = "cogs"
	MetricGrossProfit       = "gross_profit"
	MetricOperatingExpenses = "operating_expenses"
	MetricOperatingIncome   = "operating_income"
	MetricOtherIncome       = "other_income"
	MetricOtherExpenses     = "other_expenses"
	MetricNetIncome         = "net_income"

	MetricCash               = "cash"
	MetricAccountsReceivable = "accounts_receivable"
	MetricCurrentAssets      = "current_assets"
	MetricTotalAssets        = "total_assets"
	MetricAccountsPayable    = "accounts_payable"
	MetricCurrentLiabilities = "current_liabilities"
	MetricTotalLiabilities   = "total_liabilities"
	MetricTotalEquity        = "total_equity"

	MetricCashNetChange = "cash_net_change"
	MetricGLRevenue     = "gl_revenue"
	MetricGLExpenses    = "gl_expenses"

	MetricGrossMargin  = "gross_margin"
	MetricNetMargin    = "net_margin"
	MetricBurnRate     = "burn_rate"
	MetricRunwayMonths = "runway_months"
)

// CalculatedTemplate is the provenance tag for metrics derived from a
// source's raw metrics.
func CalculatedTemplate(source string) string {
	return source + "_calculated"
}

type periodValues struct {
	values   map[string]float64
	currency string
}

func (p periodValues) get(id string) (float64, bool) {
	v, ok := p.values[id]
	return v, ok
}

// Derive computes calculated metrics from a completed raw pass. It must only
// be called once every raw metric for the batch has been mapped. A derived
// metric is produced only when its inputs exist for that period, and never
// replaces a raw metric with the same id.
func Derive(raw []models.CanonicalMetric, sourceTemplate string) []models.CanonicalMetric {
	byPeriod := map[time.Time]*periodValues{}
	for _, m := range raw {
		pv, ok := byPeriod[m.Period]
		if !ok {
			pv = &periodValues{values: map[string]float64{}, currency: m.Currency}
			byPeriod[m.Period] = pv
		}
		pv.values[m.MetricID] = m.Value
	}

	periods := make([]time.Time, 0, len(byPeriod))
	for p := range byPeriod {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })

	var derived []models.CanonicalMetric
	for _, period := range periods {
		pv := byPeriod[period]
		emit := func(id string, value float64, unit models.MetricUnit) {
			if _, exists := pv.values[id]; exists {
				return
			}
			derived = append(derived, models.CanonicalMetric{
				MetricID:       id,
				Period:         period,
				Value:          value,
				Unit:           unit,
				Currency:       pv.currency,
				SourceTemplate: sourceTemplate,
			})
		}

		revenue, hasRevenue := pv.get(MetricRevenue)
		grossProfit, hasGrossProfit := pv.get(MetricGrossProfit)
		if !hasGrossProfit && hasRevenue {
			cogs, _ := pv.get(MetricCOGS)
			grossProfit, hasGrossProfit = revenue-cogs, true
			emit(MetricGrossProfit, grossProfit, models.MetricUnitCurrency)
		}

		if hasRevenue && revenue != 0 {
			if hasGrossProfit {
				emit(MetricGrossMargin, RoundCents(grossProfit/revenue*100), models.MetricUnitPercentage)
			}
			if netIncome, ok := pv.get(MetricNetIncome); ok {
				emit(MetricNetMargin, RoundCents(netIncome/revenue*100), models.MetricUnitPercentage)
			}
		}

		burn, hasBurn := burnRate(pv)
		if hasBurn {
			emit(MetricBurnRate, burn, models.MetricUnitCurrency)
		}
		if cash, ok := pv.get(MetricCash); ok && hasBurn && burn > 0 {
			emit(MetricRunwayMonths, RoundCents(cash/burn), models.MetricUnitCount)
		}
	}
	return derived
}

// burnRate is the month's net cash outflow, or zero for a month that gained
// cash. The journal cash change is preferred over net income when both exist.
func burnRate(pv *periodValues) (float64, bool) {
	change, ok := pv.get(MetricCashNetChange)
	if !ok {
		change, ok = pv.get(MetricNetIncome)
	}
	if !ok {
		return 0, false
	}
	if change >= 0 {
		return 0, true
	}
	return -change, true
}

// RoundCents rounds to two decimal places.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
