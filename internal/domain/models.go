package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents a single monetary event on the ledger.
type Transaction struct {
	ID           int64             `json:"id"`
	Reference    string            `json:"reference"`
	MerchantRef  string            `json:"merchant_ref"`
	BusinessID   int64             `json:"business_id"`
	SettlementID int64             `json:"settlement_id"`
	Amount       decimal.Decimal   `json:"amount"`
	Fee          decimal.Decimal   `json:"fee"`
	VATFee       decimal.Decimal   `json:"vat_fee"`
	StampFee     decimal.Decimal   `json:"stamp_fee"`
	Revenue      decimal.Decimal   `json:"revenue"`
	Status       TransactionStatus `json:"status"`
	Feature      Feature           `json:"feature"`
	SettleStatus SettleStatus      `json:"settle_status"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Settlement represents one settlement period and its running state.
type Settlement struct {
	ID                int64            `json:"id"`
	Code              string           `json:"code"`
	Status            SettlementStatus `json:"status"`
	IsRunning         bool             `json:"is_running"`
	TotalAmount       decimal.Decimal  `json:"total_amount"`
	Overview          Overview         `json:"overview"`
	SettledBusinesses []int64          `json:"settled_businesses"`
	BusinessIDs       []int64          `json:"business_ids"`
	CreatedAt         time.Time        `json:"created_at"`
}

// HasSettled reports whether the business was already paid out this period.
func (s *Settlement) HasSettled(businessID int64) bool {
	for _, id := range s.SettledBusinesses {
		if id == businessID {
			return true
		}
	}
	return false
}

// Overview summarises what a settlement still owes, split by due bucket.
type Overview struct {
	DueToday OverviewBucket `json:"due_today"`
	PastDue  OverviewBucket `json:"past_due"`
}

// OverviewBucket is one due bucket: outstanding amount and business count.
type OverviewBucket struct {
	Amount     decimal.Decimal `json:"amount"`
	Businesses int             `json:"businesses"`
}

// SettlementHistory is the immutable record of one run's outcome.
type SettlementHistory struct {
	ID           string              `json:"id"`
	SettlementID int64               `json:"settlement_id"`
	Groups       []PayoutGroup       `json:"groups"`
	Analytics    SettlementAnalytics `json:"analytics"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Business owns the bank destination settlement payouts are sent to.
type Business struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	BankCode      string            `json:"bank_code"`
	BankName      string            `json:"bank_name"`
	AccountNumber string            `json:"account_number"`
	AccountName   string            `json:"account_name"`
	Subaccounts   []SubaccountSplit `json:"subaccounts,omitempty"`
}

// SubaccountSplit configures how a payout is shared with a subaccount.
// Value is a percentage of the lump unless Flat is set, in which case it
// is deducted as an absolute amount.
type SubaccountSplit struct {
	SubaccountID  int64           `json:"subaccount_id"`
	BankCode      string          `json:"bank_code"`
	AccountNumber string          `json:"account_number"`
	AccountName   string          `json:"account_name"`
	Value         decimal.Decimal `json:"value"`
	Flat          bool            `json:"flat"`
}

// AmountBreakdown is the result of one grouped aggregation over transactions.
// Every field is the sum over the matched set; a query that matches nothing
// yields the zero breakdown.
type AmountBreakdown struct {
	Gross   decimal.Decimal `json:"gross"`
	Fee     decimal.Decimal `json:"fee"`
	VAT     decimal.Decimal `json:"vat"`
	Stamp   decimal.Decimal `json:"stamp"`
	Revenue decimal.Decimal `json:"revenue"`
	Count   int64           `json:"count"`
}

// Net returns the payable amount: gross minus fee, VAT and stamp duty.
func (b AmountBreakdown) Net() decimal.Decimal {
	return b.Gross.Sub(b.Fee).Sub(b.VAT).Sub(b.Stamp)
}

// IsZero reports whether the breakdown matched no transactions.
func (b AmountBreakdown) IsZero() bool {
	return b.Count == 0
}

// SettlementAnalytics is the reporting view of a business's settlement
// position: totals over all successful transactions plus the currently-due
// amount over the still-pending subset.
type SettlementAnalytics struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Fee         decimal.Decimal `json:"fee"`
	VAT         decimal.Decimal `json:"vat"`
	Revenue     decimal.Decimal `json:"revenue"`
	ProviderFee decimal.Decimal `json:"provider_fee"`
	Count       int64           `json:"count"`
	Amount      decimal.Decimal `json:"amount"`
}

// WalletBalance is the funding wallet's position.
type WalletBalance struct {
	Available  decimal.Decimal `json:"available"`
	Settlement decimal.Decimal `json:"settlement"`
	Locked     decimal.Decimal `json:"locked"`
}

// PayoutGroup is one payout lump for a business within a run. SettlementID
// is the period the lump settles, which for past-due lumps is an earlier
// uncompleted settlement, not the one being run.
type PayoutGroup struct {
	SettlementID   int64           `json:"settlement_id"`
	BusinessID     int64           `json:"business_id"`
	BusinessName   string          `json:"business_name"`
	Amount         decimal.Decimal `json:"amount"`
	TransactionIDs []int64         `json:"transaction_ids"`
	Bucket         DueBucket       `json:"bucket"`
	Splits         []SubPayout     `json:"splits,omitempty"`
	Status         GroupStatus     `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
}

// SubPayout is one leg of a subaccount split within a lump.
type SubPayout struct {
	SubaccountID  int64           `json:"subaccount_id"`
	BankCode      string          `json:"bank_code"`
	AccountNumber string          `json:"account_number"`
	AccountName   string          `json:"account_name"`
	Amount        decimal.Decimal `json:"amount"`
	ProviderRef   string          `json:"provider_ref,omitempty"`
}

// BankAccount is a resolved payout destination.
type BankAccount struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	BankName      string `json:"bank_name"`
	PlatformCode  string `json:"platform_code"`
}
