package quickbooks

import "github.com/Ramsey-B/sage/pkg/source"

var classifications = map[string]source.AccountClass{
	"Asset":     source.AccountClassAsset,
	"Liability": source.AccountClassLiability,
	"Equity":    source.AccountClassEquity,
	"Revenue":   source.AccountClassRevenue,
	"Expense":   source.AccountClassExpense,
}

// accountTypes is used when an account has no Classification.
var accountTypes = map[string]source.AccountClass{
	"Bank":                    source.AccountClassAsset,
	"Accounts Receivable":     source.AccountClassAsset,
	"Other Current Asset":     source.AccountClassAsset,
	"Fixed Asset":             source.AccountClassAsset,
	"Other Asset":             source.AccountClassAsset,
	"Accounts Payable":        source.AccountClassLiability,
	"Credit Card":             source.AccountClassLiability,
	"Other Current Liability": source.AccountClassLiability,
	"Long Term Liability":     source.AccountClassLiability,
	"Equity":                  source.AccountClassEquity,
	"Income":                  source.AccountClassRevenue,
	"Other Income":            source.AccountClassRevenue,
	"Expense":                 source.AccountClassExpense,
	"Other Expense":           source.AccountClassExpense,
	"Cost of Goods Sold":      source.AccountClassExpense,
}

// Class returns the account's accounting class, preferring Classification
// over AccountType.
func (a Account) Class() source.AccountClass {
	if class, ok := classifications[a.Classification]; ok {
		return class
	}
	return accountTypes[a.AccountType]
}

// IsCash reports whether postings to the account move cash.
func (a Account) IsCash() bool {
	return a.AccountType == "Bank"
}

type accountIndex map[string]Account

func indexAccounts(accounts []Account) accountIndex {
	idx := make(accountIndex, len(accounts))
	for _, a := range accounts {
		idx[a.ID] = a
	}
	return idx
}
