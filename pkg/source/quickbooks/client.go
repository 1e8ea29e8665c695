// Package quickbooks reads QuickBooks Online accounting data and maps it to
// canonical metrics.
package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/expressions"
	"github.com/Ramsey-B/sage/pkg/httpclient"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	MinorVersion = "75"

	// QuickBooks caps query pages at 1000 rows
	queryPageSize = 1000
	dateLayout    = "2006-01-02"
)

// Auth identifies the company and token one request runs as.
type Auth struct {
	AccessToken string
	RealmID     string
	BaseURL     string
}

type Client struct {
	http      *httpclient.Client
	evaluator *expressions.Evaluator
	logger    ectologger.Logger
}

func NewClient(httpClient *httpclient.Client, evaluator *expressions.Evaluator, logger ectologger.Logger) *Client {
	return &Client{http: httpClient, evaluator: evaluator, logger: logger}
}

type CompanyInfo struct {
	ID          string `json:"Id"`
	CompanyName string `json:"CompanyName"`
	LegalName   string `json:"LegalName"`
	Country     string `json:"Country"`
}

type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type Account struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	AccountType    string `json:"AccountType"`
	AccountSubType string `json:"AccountSubType"`
	Classification string `json:"Classification"`
	Active         bool   `json:"Active"`
	CurrencyRef    Ref    `json:"CurrencyRef"`
}

type JournalEntry struct {
	ID          string        `json:"Id"`
	TxnDate     string        `json:"TxnDate"`
	CurrencyRef Ref           `json:"CurrencyRef"`
	Lines       []JournalLine `json:"Line"`
}

type JournalLine struct {
	ID         string             `json:"Id"`
	Amount     float64            `json:"Amount"`
	DetailType string             `json:"DetailType"`
	Detail     *JournalLineDetail `json:"JournalEntryLineDetail,omitempty"`
}

type JournalLineDetail struct {
	PostingType string `json:"PostingType"`
	AccountRef  Ref    `json:"AccountRef"`
}

func (c *Client) CompanyInfo(ctx context.Context, auth Auth) (*CompanyInfo, error) {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksClient.CompanyInfo")
	defer span.End()

	resp, err := c.get(ctx, "quickbooks.companyinfo", auth, "companyinfo/"+url.PathEscape(auth.RealmID), nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		CompanyInfo CompanyInfo `json:"CompanyInfo"`
	}
	if err := resp.Decode("quickbooks.companyinfo", &body); err != nil {
		return nil, err
	}
	return &body.CompanyInfo, nil
}

// Accounts returns every account, active or not, since historical journal
// lines may reference inactive accounts.
func (c *Client) Accounts(ctx context.Context, auth Auth) ([]Account, error) {
	var accounts []Account
	if err := c.Query(ctx, auth, "Account", "Active IN (true, false)", &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *Client) JournalEntries(ctx context.Context, auth Auth, start, end time.Time) ([]JournalEntry, error) {
	where := fmt.Sprintf("TxnDate >= '%s' AND TxnDate <= '%s'", start.Format(dateLayout), end.Format(dateLayout))
	var entries []JournalEntry
	if err := c.Query(ctx, auth, "JournalEntry", where, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Query pages through SELECT * FROM entity and decodes every row into out,
// which must point to a slice.
func (c *Client) Query(ctx context.Context, auth Auth, entity, where string, out any) error {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksClient.Query")
	defer span.End()

	op := "quickbooks.query." + strings.ToLower(entity)
	var rows []any
	for start := 1; ; start += queryPageSize {
		statement := "SELECT * FROM " + entity
		if where != "" {
			statement += " WHERE " + where
		}
		statement += fmt.Sprintf(" STARTPOSITION %d MAXRESULTS %d", start, queryPageSize)

		resp, err := c.get(ctx, op, auth, "query", url.Values{"query": {statement}})
		if err != nil {
			return err
		}

		var payload any
		if err := resp.Decode(op, &payload); err != nil {
			return err
		}
		page, err := c.evaluator.EvaluateSlice("QueryResponse."+entity, payload)
		if err != nil {
			return syncerr.New(syncerr.KindData, op, err)
		}
		rows = append(rows, page...)
		if len(page) < queryPageSize {
			break
		}
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"entity": entity,
		"rows":   len(rows),
	}).Debug("quickbooks query complete")

	if rows == nil {
		rows = []any{}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return syncerr.New(syncerr.KindInternal, op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return syncerr.New(syncerr.KindData, op, fmt.Errorf("unexpected %s shape: %w", entity, err))
	}
	return nil
}

// Report fetches a monthly accrual report such as ProfitAndLoss or BalanceSheet.
func (c *Client) Report(ctx context.Context, auth Auth, name string, start, end time.Time) (*ReportPayload, error) {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksClient.Report")
	defer span.End()

	op := "quickbooks.report." + strings.ToLower(name)
	params := url.Values{
		"start_date":          {start.Format(dateLayout)},
		"end_date":            {end.Format(dateLayout)},
		"summarize_column_by": {"Month"},
		"accounting_method":   {"Accrual"},
	}
	resp, err := c.get(ctx, op, auth, "reports/"+name, params)
	if err != nil {
		return nil, err
	}

	var payload ReportPayload
	if err := resp.Decode(op, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) get(ctx context.Context, op string, auth Auth, path string, params url.Values) (*httpclient.Response, error) {
	if auth.RealmID == "" {
		return nil, syncerr.Errorf(syncerr.KindConfiguration, op, "credential has no realm id")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("minorversion", MinorVersion)

	endpoint := fmt.Sprintf("%s/v3/company/%s/%s?%s",
		strings.TrimRight(auth.BaseURL, "/"), url.PathEscape(auth.RealmID), path, params.Encode())

	return c.http.Get(ctx, op, endpoint, map[string]string{
		"Authorization": "Bearer " + auth.AccessToken,
		"Accept":        "application/json",
	})
}
