package quickbooks

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/oauth"
	"github.com/Ramsey-B/sage/pkg/source"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	ReportProfitAndLoss = "ProfitAndLoss"
	ReportBalanceSheet  = "BalanceSheet"
	reportJournal       = "JournalEntry"
)

var profitAndLossSections = source.SectionMetrics{
	"Income":             source.MetricRevenue,
	"COGS":               source.MetricCOGS,
	"GrossProfit":        source.MetricGrossProfit,
	"Expenses":           source.MetricOperatingExpenses,
	"NetOperatingIncome": source.MetricOperatingIncome,
	"OtherIncome":        source.MetricOtherIncome,
	"OtherExpenses":      source.MetricOtherExpenses,
	"NetIncome":          source.MetricNetIncome,
}

var balanceSheetSections = source.SectionMetrics{
	"BankAccounts":       source.MetricCash,
	"AR":                 source.MetricAccountsReceivable,
	"CurrentAssets":      source.MetricCurrentAssets,
	"TotalAssets":        source.MetricTotalAssets,
	"AP":                 source.MetricAccountsPayable,
	"CurrentLiabilities": source.MetricCurrentLiabilities,
	"Liabilities":        source.MetricTotalLiabilities,
	"Equity":             source.MetricTotalEquity,
}

// Mapper implements source.Mapper for QuickBooks Online.
type Mapper struct {
	client   *Client
	provider oauth.Provider
	logger   ectologger.Logger
}

func NewMapper(client *Client, provider oauth.Provider, logger ectologger.Logger) *Mapper {
	return &Mapper{client: client, provider: provider, logger: logger}
}

func (m *Mapper) Source() string {
	return models.SourceQuickBooks
}

// FetchAndMap pulls the requested reports for dateRange and maps them. Report
// sections that cannot be mapped are skipped and returned on the result;
// authentication, network and rate limit failures abort the pass.
func (m *Mapper) FetchAndMap(ctx context.Context, cred models.CredentialSnapshot, reportType source.ReportType, dateRange source.DateRange) (*source.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksMapper.FetchAndMap")
	defer span.End()

	auth := Auth{
		AccessToken: cred.AccessToken(),
		RealmID:     cred.Metadata(models.MetadataRealmID),
		BaseURL:     m.provider.APIBaseURL(cred.Metadata(models.MetadataEnvironment)),
	}
	if auth.RealmID == "" {
		return nil, syncerr.Errorf(syncerr.KindConfiguration, "quickbooks.FetchAndMap", "credential metadata has no %s", models.MetadataRealmID)
	}

	result := &source.Result{}
	company, err := m.client.CompanyInfo(ctx, auth)
	if err != nil {
		return nil, err
	}
	result.Company = company.CompanyName

	var raw []models.CanonicalMetric
	currency := ""

	reports := []struct {
		kind     source.ReportType
		name     string
		sections source.SectionMetrics
	}{
		{source.ReportProfitAndLoss, ReportProfitAndLoss, profitAndLossSections},
		{source.ReportBalanceSheet, ReportBalanceSheet, balanceSheetSections},
	}
	for _, r := range reports {
		if !reportType.Includes(r.kind) {
			continue
		}
		mapped, skipped, reportCurrency, err := m.mapReport(ctx, auth, r.name, r.sections, dateRange)
		if err != nil {
			return nil, err
		}
		raw = append(raw, mapped...)
		result.Skipped = append(result.Skipped, skipped...)
		if currency == "" {
			currency = reportCurrency
		}
	}

	if reportType.Includes(source.ReportGeneralLedger) {
		mapped, skipped, err := m.mapJournal(ctx, auth, dateRange, currency)
		if err != nil {
			return nil, err
		}
		raw = append(raw, mapped...)
		result.Skipped = append(result.Skipped, skipped...)
	}

	for _, s := range result.Skipped {
		metrics.RecordSectionSkipped(m.Source(), s.Report)
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"report":  s.Report,
			"section": s.Section,
			"reason":  s.Reason,
		}).Warn("skipped report section")
	}

	// derived metrics only see a completed raw pass
	result.Metrics = append(raw, source.Derive(raw, source.CalculatedTemplate(m.Source()))...)

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"report_type": reportType,
		"metrics":     len(result.Metrics),
		"skipped":     len(result.Skipped),
	}).Debug("quickbooks mapping complete")
	return result, nil
}

func (m *Mapper) mapReport(ctx context.Context, auth Auth, name string, sections source.SectionMetrics, dateRange source.DateRange) ([]models.CanonicalMetric, []source.SkippedSection, string, error) {
	payload, err := m.client.Report(ctx, auth, name, dateRange.Start, dateRange.End)
	if err != nil {
		skipped, err := skipOnDataError(name, err)
		return nil, skipped, "", err
	}

	report := payload.ToReport()
	if report.Name == "" {
		report.Name = name
	}
	if payload.NoData() {
		return nil, nil, report.Currency, nil
	}
	mapped, skipped := source.ExtractSummaries(report, sections, m.Source())
	return mapped, skipped, report.Currency, nil
}

type journalTotals struct {
	cashChange float64
	revenue    float64
	expenses   float64
}

// mapJournal sums signed journal lines per month. Every month in the range
// gets a value, so a quiet month is stored as zero rather than left stale.
func (m *Mapper) mapJournal(ctx context.Context, auth Auth, dateRange source.DateRange, currency string) ([]models.CanonicalMetric, []source.SkippedSection, error) {
	accounts, err := m.client.Accounts(ctx, auth)
	if err != nil {
		skipped, err := skipOnDataError(reportJournal, err)
		return nil, skipped, err
	}
	entries, err := m.client.JournalEntries(ctx, auth, dateRange.Start, dateRange.End)
	if err != nil {
		skipped, err := skipOnDataError(reportJournal, err)
		return nil, skipped, err
	}
	mapped, skipped := m.sumJournal(accounts, entries, dateRange, currency)
	return mapped, skipped, nil
}

// skipOnDataError turns a malformed payload into a skipped section and passes
// every other failure through.
func skipOnDataError(report string, err error) ([]source.SkippedSection, error) {
	if syncerr.Classify(err) == syncerr.KindData {
		return []source.SkippedSection{{Report: report, Reason: err.Error()}}, nil
	}
	return nil, err
}

func (m *Mapper) sumJournal(accounts []Account, entries []JournalEntry, dateRange source.DateRange, currency string) ([]models.CanonicalMetric, []source.SkippedSection) {
	index := indexAccounts(accounts)
	periods := dateRange.Periods()
	totals := make(map[time.Time]*journalTotals, len(periods))
	for _, p := range periods {
		totals[p] = &journalTotals{}
	}

	var skipped []source.SkippedSection
	unknownAccounts, badDates := 0, 0
	for _, entry := range entries {
		if currency == "" {
			currency = entry.CurrencyRef.Value
		}
		txnDate, err := time.Parse(dateLayout, entry.TxnDate)
		if err != nil {
			badDates++
			continue
		}
		t, ok := totals[metricstore.NormalizePeriod(txnDate)]
		if !ok {
			continue
		}
		for _, line := range entry.Lines {
			if line.Detail == nil {
				continue
			}
			account, ok := index[line.Detail.AccountRef.Value]
			if !ok {
				unknownAccounts++
				continue
			}
			debit, credit := 0.0, 0.0
			if line.Detail.PostingType == "Debit" {
				debit = line.Amount
			} else {
				credit = line.Amount
			}

			class := account.Class()
			amount := source.SignedAmount(debit, credit, class)
			switch {
			case account.IsCash():
				t.cashChange += amount
			case class == source.AccountClassRevenue:
				t.revenue += amount
			case class == source.AccountClassExpense:
				t.expenses += amount
			}
		}
	}
	if unknownAccounts > 0 {
		skipped = append(skipped, source.SkippedSection{
			Report: reportJournal,
			Reason: fmt.Sprintf("%d lines reference unknown accounts", unknownAccounts),
		})
	}
	if badDates > 0 {
		skipped = append(skipped, source.SkippedSection{
			Report: reportJournal,
			Reason: fmt.Sprintf("%d entries have an unreadable TxnDate", badDates),
		})
	}

	out := make([]models.CanonicalMetric, 0, len(periods)*3)
	for _, p := range periods {
		t := totals[p]
		for _, v := range []struct {
			id    string
			value float64
		}{
			{source.MetricCashNetChange, t.cashChange},
			{source.MetricGLRevenue, t.revenue},
			{source.MetricGLExpenses, t.expenses},
		} {
			out = append(out, models.CanonicalMetric{
				MetricID:       v.id,
				Period:         p,
				Value:          source.RoundCents(v.value),
				Unit:           models.MetricUnitCurrency,
				Currency:       currency,
				SourceTemplate: m.Source(),
			})
		}
	}
	return out, skipped
}
