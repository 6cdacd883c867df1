package domain

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TxnPending    TransactionStatus = "PENDING"
	TxnSuccessful TransactionStatus = "SUCCESSFUL"
	TxnCompleted  TransactionStatus = "COMPLETED"
	TxnFailed     TransactionStatus = "FAILED"
	TxnRefunded   TransactionStatus = "REFUNDED"
	TxnCancelled  TransactionStatus = "CANCELLED"
	TxnPaid       TransactionStatus = "PAID"
)

// SuccessfulStatuses are the transaction states that count toward settlement.
var SuccessfulStatuses = []TransactionStatus{TxnSuccessful, TxnCompleted, TxnPaid}

// IsSuccessful reports whether the status counts toward settlement aggregates.
func (s TransactionStatus) IsSuccessful() bool {
	for _, ok := range SuccessfulStatuses {
		if s == ok {
			return true
		}
	}
	return false
}

// Feature identifies the product surface a transaction came from.
type Feature string

const (
	FeaturePaymentLink    Feature = "PAYMENT_LINK"
	FeatureWalletTransfer Feature = "WALLET_TRANSFER"
	FeatureWalletWithdraw Feature = "WALLET_WITHDRAW"
	FeatureWalletBill     Feature = "WALLET_BILL"
	FeatureInvoice        Feature = "INVOICE"
)

// SettleStatus tracks whether a transaction has been paid out to its
// business, independently of the transaction's own status.
type SettleStatus string

const (
	SettlePending SettleStatus = "PENDING"
	SettleSettled SettleStatus = "SETTLED"
)

// SettlementStatus is the lifecycle state of a settlement period.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "PENDING"
	SettlementProcessing SettlementStatus = "PROCESSING"
	SettlementCompleted  SettlementStatus = "COMPLETED"
)

// RunType selects the scope of a settlement run.
type RunType string

const (
	RunFull     RunType = "FULL"
	RunBusiness RunType = "BUSINESS"
)

// DueBucket buckets a lump by when it should have been settled.
type DueBucket string

const (
	DueToday DueBucket = "DUE_TODAY"
	PastDue  DueBucket = "PAST_DUE"
)

// GroupStatus is the outcome of one payout lump within a run.
type GroupStatus string

const (
	GroupPaid   GroupStatus = "PAID"
	GroupFailed GroupStatus = "FAILED"
)
