package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
)

var oneHundred = decimal.NewFromInt(100)

// Grouper partitions what a settlement owes into payout lumps, one per
// business per due bucket. Lumps that compute to zero or less are dropped:
// there is nothing to pay, so nothing reaches the gateway or history.
type Grouper struct {
	ledger     Ledger
	aggregator *Aggregator
}

func NewGrouper(ledger Ledger, aggregator *Aggregator) *Grouper {
	return &Grouper{ledger: ledger, aggregator: aggregator}
}

// BuildGroups computes the lumps a run will pay out. Amounts are always
// re-aggregated from the ledger, never cached, so a retry after a failed
// run works from up-to-date totals.
func (g *Grouper) BuildGroups(ctx context.Context, settlement *domain.Settlement, runType domain.RunType, opts RunOptions) ([]domain.PayoutGroup, error) {
	if runType == domain.RunBusiness {
		group, err := g.buildGroup(ctx, settlement.ID, opts.BusinessID, domain.DueToday)
		if err != nil {
			return nil, err
		}
		if group == nil {
			return nil, nil
		}
		return []domain.PayoutGroup{*group}, nil
	}

	var groups []domain.PayoutGroup

	for _, businessID := range settlement.BusinessIDs {
		if settlement.HasSettled(businessID) {
			continue
		}
		group, err := g.buildGroup(ctx, settlement.ID, businessID, domain.DueToday)
		if err != nil {
			return nil, err
		}
		if group != nil {
			groups = append(groups, *group)
		}
	}

	if opts.AddPast || opts.ForceRun {
		past, err := g.buildPastDueGroups(ctx, settlement)
		if err != nil {
			return nil, err
		}
		groups = append(groups, past...)
	}

	return groups, nil
}

// buildPastDueGroups carries forward unsettled lumps from prior settlement
// periods that never completed.
func (g *Grouper) buildPastDueGroups(ctx context.Context, settlement *domain.Settlement) ([]domain.PayoutGroup, error) {
	priorIDs, err := g.ledger.ListUncompletedPriorSettlements(ctx, settlement.ID)
	if err != nil {
		return nil, fmt.Errorf("past-due settlements: %w", err)
	}

	var groups []domain.PayoutGroup
	for _, priorID := range priorIDs {
		businessIDs, err := g.ledger.ListSettlementBusinesses(ctx, priorID)
		if err != nil {
			return nil, fmt.Errorf("past-due businesses for settlement %d: %w", priorID, err)
		}
		for _, businessID := range businessIDs {
			group, err := g.buildGroup(ctx, priorID, businessID, domain.PastDue)
			if err != nil {
				return nil, err
			}
			if group != nil {
				groups = append(groups, *group)
			}
		}
	}
	return groups, nil
}

// buildGroup assembles one lump, or returns nil when the business owes
// nothing in that settlement.
func (g *Grouper) buildGroup(ctx context.Context, settlementID, businessID int64, bucket domain.DueBucket) (*domain.PayoutGroup, error) {
	amount, err := g.aggregator.AggregateSettlementAmount(ctx, settlementID, businessID, domain.SettlePending)
	if err != nil {
		return nil, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	txIDs, err := g.ledger.ListPendingTransactionIDs(ctx, settlementID, businessID)
	if err != nil {
		return nil, fmt.Errorf("lump transactions for business %d: %w", businessID, err)
	}

	business, err := g.ledger.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("lump business %d: %w", businessID, err)
	}

	return &domain.PayoutGroup{
		SettlementID:   settlementID,
		BusinessID:     businessID,
		BusinessName:   business.Name,
		Amount:         amount,
		TransactionIDs: txIDs,
		Bucket:         bucket,
		Splits:         buildSplits(amount, business.Subaccounts),
	}, nil
}

// buildSplits derives the subaccount legs of a lump. Percentage splits take
// lumpAmount * value / 100; flat splits deduct an absolute value. Whatever
// remains goes to the primary business account.
func buildSplits(amount decimal.Decimal, splits []domain.SubaccountSplit) []domain.SubPayout {
	if len(splits) == 0 {
		return nil
	}

	out := make([]domain.SubPayout, 0, len(splits))
	for _, split := range splits {
		share := split.Value
		if !split.Flat {
			share = amount.Mul(split.Value).Div(oneHundred)
		}
		if share.LessThanOrEqual(decimal.Zero) {
			continue
		}
		out = append(out, domain.SubPayout{
			SubaccountID:  split.SubaccountID,
			BankCode:      split.BankCode,
			AccountNumber: split.AccountNumber,
			AccountName:   split.AccountName,
			Amount:        share,
		})
	}
	return out
}
