package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
)

// Aggregator computes settlement amounts from the ledger's grouped sums.
// All arithmetic stays in decimals; rounding to 2 places is left to the
// presentation layer so many small transactions cannot compound error.
type Aggregator struct {
	ledger Ledger
}

func NewAggregator(ledger Ledger) *Aggregator {
	return &Aggregator{ledger: ledger}
}

// AggregateSettlementAmount returns the net payable amount for one business
// in one settlement, over transactions in the given settle status. A
// business with no matching transactions owes zero; that is not an error.
func (a *Aggregator) AggregateSettlementAmount(ctx context.Context, settlementID, businessID int64, status domain.SettleStatus) (decimal.Decimal, error) {
	breakdown, err := a.ledger.AggregateSettlementAmount(ctx, settlementID, businessID, status)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement amount aggregation: %w", err)
	}
	if breakdown.IsZero() {
		return decimal.Zero, nil
	}
	return breakdown.Net(), nil
}

// AggregateSettlementAnalytics returns the reporting view for one business:
// totals over all successful transactions plus the currently-due amount.
// The due amount comes from the pending-only aggregation when there is one;
// when nothing is pending it falls back to total minus fee and VAT.
func (a *Aggregator) AggregateSettlementAnalytics(ctx context.Context, settlementID, businessID int64) (domain.SettlementAnalytics, error) {
	all, err := a.ledger.AggregateAllSuccessful(ctx, settlementID, businessID)
	if err != nil {
		return domain.SettlementAnalytics{}, fmt.Errorf("settlement analytics aggregation: %w", err)
	}

	pending, err := a.ledger.AggregateSettlementAmount(ctx, settlementID, businessID, domain.SettlePending)
	if err != nil {
		return domain.SettlementAnalytics{}, fmt.Errorf("settlement analytics aggregation: %w", err)
	}

	analytics := domain.SettlementAnalytics{
		TotalAmount: all.Gross,
		Fee:         all.Fee,
		VAT:         all.VAT,
		Revenue:     all.Revenue,
		// The provider keeps fee minus our revenue share.
		ProviderFee: all.Fee.Sub(all.Revenue),
		Count:       all.Count,
	}

	if pending.IsZero() {
		analytics.Amount = all.Gross.Sub(all.Fee.Add(all.VAT))
	} else {
		analytics.Amount = pending.Net()
	}
	return analytics, nil
}
