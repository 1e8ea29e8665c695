package quickbooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/pkg/expressions"
	"github.com/Ramsey-B/sage/pkg/httpclient"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/oauth"
	"github.com/Ramsey-B/sage/pkg/source"
	"github.com/Ramsey-B/sage/pkg/syncerr"
)

const testRealm = "4620816365"

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func monthColumn(title, start, end string) map[string]any {
	return map[string]any{
		"ColTitle": title,
		"ColType":  "Money",
		"MetaData": []map[string]string{
			{"Name": "StartDate", "Value": start},
			{"Name": "EndDate", "Value": end},
		},
	}
}

func cells(values ...string) map[string]any {
	data := make([]map[string]string, len(values))
	for i, v := range values {
		data[i] = map[string]string{"value": v}
	}
	return map[string]any{"ColData": data}
}

func summarySection(group string, values ...string) map[string]any {
	return map[string]any{"type": "Section", "group": group, "Summary": cells(values...)}
}

func profitAndLoss() map[string]any {
	return map[string]any{
		"Header": map[string]any{"ReportName": "ProfitAndLoss", "Currency": "USD"},
		"Columns": map[string]any{"Column": []any{
			map[string]any{"ColTitle": "", "ColType": "Account"},
			monthColumn("Jan 2024", "2024-01-01", "2024-01-31"),
			monthColumn("Feb 2024", "2024-02-01", "2024-02-29"),
			map[string]any{"ColTitle": "Total", "ColType": "Money"},
		}},
		"Rows": map[string]any{"Row": []any{
			map[string]any{
				"type":    "Section",
				"group":   "Income",
				"Header":  cells("Income", "", "", ""),
				"Rows":    map[string]any{"Row": []any{map[string]any{"type": "Data", "ColData": []map[string]string{{"value": "Sales", "id": "79"}, {"value": "1000.00"}, {"value": "1200.00"}, {"value": "2200.00"}}}}},
				"Summary": cells("Total Income", "1000.00", "1200.00", "2200.00"),
			},
			summarySection("COGS", "Total Cost of Goods Sold", "400.00", "500.00", "900.00"),
			summarySection("GrossProfit", "Gross Profit", "600.00", "700.00", "1300.00"),
			summarySection("Expenses", "Total Expenses", "300.00", "garbage", "300.00"),
			summarySection("NetIncome", "Net Income", "300.00", "250.00", "550.00"),
		}},
	}
}

type fakeQuickBooks struct {
	t            *testing.T
	status       int
	balanceSheet string

	mu      sync.Mutex
	queries []string
}

func (f *fakeQuickBooks) recordedQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeQuickBooks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "Bearer access-1", r.Header.Get("Authorization"))
	assert.Equal(f.t, MinorVersion, r.URL.Query().Get("minorversion"))

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"Fault":{"type":"AUTHENTICATION"}}`))
		return
	}

	prefix := "/v3/company/" + testRealm + "/"
	switch path := strings.TrimPrefix(r.URL.Path, prefix); {
	case path == "companyinfo/"+testRealm:
		writeJSON(w, map[string]any{"CompanyInfo": map[string]any{"Id": "1", "CompanyName": "Acme Ltd"}})
	case path == "reports/ProfitAndLoss":
		assert.Equal(f.t, "2024-01-01", r.URL.Query().Get("start_date"))
		assert.Equal(f.t, "2024-02-29", r.URL.Query().Get("end_date"))
		assert.Equal(f.t, "Month", r.URL.Query().Get("summarize_column_by"))
		writeJSON(w, profitAndLoss())
	case path == "reports/BalanceSheet":
		_, _ = w.Write([]byte(f.balanceSheet))
	case path == "query":
		query := r.URL.Query().Get("query")
		f.mu.Lock()
		f.queries = append(f.queries, query)
		f.mu.Unlock()
		if strings.Contains(query, "FROM Account") {
			writeJSON(w, map[string]any{"QueryResponse": map[string]any{"Account": []any{
				map[string]any{"Id": "35", "Name": "Checking", "AccountType": "Bank", "Classification": "Asset"},
				map[string]any{"Id": "79", "Name": "Sales", "AccountType": "Income", "Classification": "Revenue"},
				map[string]any{"Id": "60", "Name": "Rent", "AccountType": "Expense"},
			}}})
			return
		}
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{"JournalEntry": []any{
			journalEntry("2024-01-10", line("Debit", "35", 500), line("Credit", "79", 500)),
			journalEntry("2024-02-05", line("Debit", "60", 200), line("Credit", "35", 200), line("Debit", "99", 10)),
		}}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func journalEntry(date string, lines ...map[string]any) map[string]any {
	return map[string]any{"Id": uuid.NewString(), "TxnDate": date, "CurrencyRef": map[string]string{"value": "USD"}, "Line": lines}
}

func line(posting, account string, amount float64) map[string]any {
	return map[string]any{
		"Amount":     amount,
		"DetailType": "JournalEntryLineDetail",
		"JournalEntryLineDetail": map[string]any{
			"PostingType": posting,
			"AccountRef":  map[string]string{"value": account},
		},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestMapper(t *testing.T, fake *fakeQuickBooks) *Mapper {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	logger := getTestLogger()
	client := NewClient(httpclient.NewClient(httpclient.DefaultConfig(), logger), expressions.NewEvaluator(), logger)
	provider := oauth.Provider{
		Source:      models.SourceQuickBooks,
		APIBaseURLs: map[string]string{oauth.EnvironmentSandbox: srv.URL},
	}
	return NewMapper(client, provider, logger)
}

func testSnapshot(metadata map[string]string) models.CredentialSnapshot {
	return models.NewCredentialSnapshot(models.SnapshotFields{
		WorkspaceID: uuid.New(),
		Source:      models.SourceQuickBooks,
		Status:      models.CredentialStatusConnected,
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		Metadata:    metadata,
	})
}

func byKey(metrics []models.CanonicalMetric) map[string]models.CanonicalMetric {
	out := map[string]models.CanonicalMetric{}
	for _, m := range metrics {
		out[m.MetricID+"@"+m.Period.Format("2006-01")] = m
	}
	return out
}

func TestMapper_FetchAndMap(t *testing.T) {
	fake := &fakeQuickBooks{t: t, balanceSheet: "<html>maintenance</html>"}
	mapper := newTestMapper(t, fake)

	dateRange := source.MonthsEnding(time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC), 2)
	result, err := mapper.FetchAndMap(context.Background(), testSnapshot(map[string]string{
		models.MetadataRealmID:     testRealm,
		models.MetadataEnvironment: oauth.EnvironmentSandbox,
	}), source.ReportAll, dateRange)
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltd", result.Company)

	got := byKey(result.Metrics)
	tests := []struct {
		key      string
		value    float64
		template string
	}{
		{"revenue@2024-01", 1000, "quickbooks"},
		{"revenue@2024-02", 1200, "quickbooks"},
		{"cogs@2024-02", 500, "quickbooks"},
		{"gross_profit@2024-01", 600, "quickbooks"},
		{"operating_expenses@2024-01", 300, "quickbooks"},
		{"net_income@2024-02", 250, "quickbooks"},
		{"cash_net_change@2024-01", 500, "quickbooks"},
		{"cash_net_change@2024-02", -200, "quickbooks"},
		{"gl_revenue@2024-01", 500, "quickbooks"},
		{"gl_revenue@2024-02", 0, "quickbooks"},
		{"gl_expenses@2024-02", 200, "quickbooks"},
		{"gross_margin@2024-01", 60, "quickbooks_calculated"},
		{"gross_margin@2024-02", 58.33, "quickbooks_calculated"},
		{"net_margin@2024-01", 30, "quickbooks_calculated"},
		{"burn_rate@2024-01", 0, "quickbooks_calculated"},
		{"burn_rate@2024-02", 200, "quickbooks_calculated"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			m, ok := got[tt.key]
			require.True(t, ok, "missing %s", tt.key)
			assert.InDelta(t, tt.value, m.Value, 0.001)
			assert.Equal(t, tt.template, m.SourceTemplate)
			assert.Equal(t, "USD", m.Currency)
		})
	}

	_, ok := got["operating_expenses@2024-02"]
	assert.False(t, ok, "unparsable cell must not be stored as zero")
	_, ok = got["gross_profit@2024-02"]
	assert.True(t, ok)

	// raw metrics precede derived ones
	seenDerived := false
	for _, m := range result.Metrics {
		if m.SourceTemplate == "quickbooks_calculated" {
			seenDerived = true
			continue
		}
		assert.False(t, seenDerived, "raw metric %s after derived metrics", m.MetricID)
	}

	reports := map[string]bool{}
	for _, s := range result.Skipped {
		reports[s.Report] = true
	}
	assert.True(t, reports["ProfitAndLoss"], "unparsable expense cell")
	assert.True(t, reports["BalanceSheet"], "malformed balance sheet")
	assert.True(t, reports["JournalEntry"], "unknown account line")

	queries := fake.recordedQueries()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "STARTPOSITION 1 MAXRESULTS 1000")
	assert.Contains(t, queries[1], "TxnDate >= '2024-01-01' AND TxnDate <= '2024-02-29'")
}

func TestMapper_ReportTypeFilter(t *testing.T) {
	fake := &fakeQuickBooks{t: t}
	mapper := newTestMapper(t, fake)

	dateRange := source.MonthsEnding(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), 2)
	result, err := mapper.FetchAndMap(context.Background(), testSnapshot(map[string]string{
		models.MetadataRealmID: testRealm,
	}), source.ReportGeneralLedger, dateRange)
	require.NoError(t, err)

	for _, m := range result.Metrics {
		assert.NotEqual(t, source.MetricRevenue, m.MetricID)
	}
	assert.Len(t, byKey(result.Metrics), 6+2)
}

func TestMapper_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		metadata map[string]string
		kind     syncerr.Kind
	}{
		{"missing realm", 0, map[string]string{}, syncerr.KindConfiguration},
		{"expired token", http.StatusUnauthorized, map[string]string{models.MetadataRealmID: testRealm}, syncerr.KindAuthentication},
		{"throttled", http.StatusTooManyRequests, map[string]string{models.MetadataRealmID: testRealm}, syncerr.KindRateLimit},
		{"outage", http.StatusServiceUnavailable, map[string]string{models.MetadataRealmID: testRealm}, syncerr.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapper := newTestMapper(t, &fakeQuickBooks{t: t, status: tt.status})
			dateRange := source.MonthsEnding(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), 1)

			result, err := mapper.FetchAndMap(context.Background(), testSnapshot(tt.metadata), source.ReportAll, dateRange)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tt.kind, syncerr.Classify(err))
		})
	}
}

func TestReportPayload_ToReport(t *testing.T) {
	raw, err := json.Marshal(profitAndLoss())
	require.NoError(t, err)

	var payload ReportPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	report := payload.ToReport()

	assert.Equal(t, "ProfitAndLoss", report.Name)
	assert.Equal(t, []int{1, 2}, report.PeriodColumns())
	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), report.Columns[2].Period)
	assert.True(t, report.Columns[3].Period.IsZero())
	require.Len(t, report.Rows, 5)

	income, ok := report.Rows[0].(*source.Section)
	require.True(t, ok)
	assert.Equal(t, "Income", income.Title)
	require.Len(t, income.Children, 1)
	row, ok := income.Children[0].(*source.DataRow)
	require.True(t, ok)
	assert.Equal(t, "79", row.AccountID)
	assert.Equal(t, "Sales", row.Label())

	payload.Header.Option = []NameValue{{Name: "NoReportData", Value: "true"}}
	assert.Empty(t, payload.ToReport().Rows)
}

func TestAccount_Class(t *testing.T) {
	tests := []struct {
		account Account
		want    source.AccountClass
	}{
		{Account{Classification: "Asset", AccountType: "Bank"}, source.AccountClassAsset},
		{Account{Classification: "Revenue"}, source.AccountClassRevenue},
		{Account{AccountType: "Cost of Goods Sold"}, source.AccountClassExpense},
		{Account{AccountType: "Credit Card"}, source.AccountClassLiability},
		{Account{AccountType: "Mystery"}, source.AccountClassUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.account.Class(), tt.account)
	}
	assert.True(t, Account{AccountType: "Bank"}.IsCash())
}
