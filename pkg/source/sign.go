package source

// AccountClass is the accounting classification that decides an account's
// normal balance.
type AccountClass string

const (
	AccountClassAsset     AccountClass = "asset"
	AccountClassLiability AccountClass = "liability"
	AccountClassEquity    AccountClass = "equity"
	AccountClassRevenue   AccountClass = "revenue"
	AccountClassExpense   AccountClass = "expense"
	AccountClassUnknown   AccountClass = ""
)

// DebitNormal reports whether debits increase accounts of this class.
func (c AccountClass) DebitNormal() bool {
	return c == AccountClassAsset || c == AccountClassExpense
}

// SignedAmount is the change a posting makes to an account's balance.
// Debits increase asset and expense accounts and decrease liability, equity
// and revenue accounts; credits do the reverse. Unknown classes contribute 0.
func SignedAmount(debit, credit float64, class AccountClass) float64 {
	switch class {
	case AccountClassAsset, AccountClassExpense:
		return debit - credit
	case AccountClassLiability, AccountClassEquity, AccountClassRevenue:
		return credit - debit
	default:
		return 0
	}
}
