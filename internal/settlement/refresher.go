package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
)

// Refresher recomputes a settlement's due-today and past-due overview from
// the current transaction set. It holds no accumulator: two calls over the
// same ledger state produce the same overview, so it is safe to invoke
// after every settle-status change and after each run.
type Refresher struct {
	ledger     Ledger
	aggregator *Aggregator
}

func NewRefresher(ledger Ledger, aggregator *Aggregator) *Refresher {
	return &Refresher{ledger: ledger, aggregator: aggregator}
}

// Refresh recomputes and persists the overview for the settlement.
// Due-today covers pending amounts in the settlement itself; past-due is
// the pending carry-over from earlier settlements that never completed.
func (r *Refresher) Refresh(ctx context.Context, settlementID int64) (domain.Overview, error) {
	var overview domain.Overview

	dueToday, err := r.bucket(ctx, []int64{settlementID})
	if err != nil {
		return domain.Overview{}, fmt.Errorf("due-today bucket: %w", err)
	}
	overview.DueToday = dueToday

	priorIDs, err := r.ledger.ListUncompletedPriorSettlements(ctx, settlementID)
	if err != nil {
		return domain.Overview{}, fmt.Errorf("past-due settlements: %w", err)
	}
	pastDue, err := r.bucket(ctx, priorIDs)
	if err != nil {
		return domain.Overview{}, fmt.Errorf("past-due bucket: %w", err)
	}
	overview.PastDue = pastDue

	if err := r.ledger.UpdateOverview(ctx, settlementID, overview); err != nil {
		return domain.Overview{}, err
	}
	return overview, nil
}

// bucket sums each member business's pending net amount across the given
// settlements, counting a business once per settlement it still owes in.
func (r *Refresher) bucket(ctx context.Context, settlementIDs []int64) (domain.OverviewBucket, error) {
	bucket := domain.OverviewBucket{Amount: decimal.Zero}

	for _, settlementID := range settlementIDs {
		businessIDs, err := r.ledger.ListSettlementBusinesses(ctx, settlementID)
		if err != nil {
			return domain.OverviewBucket{}, err
		}
		for _, businessID := range businessIDs {
			due, err := r.aggregator.AggregateSettlementAmount(ctx, settlementID, businessID, domain.SettlePending)
			if err != nil {
				return domain.OverviewBucket{}, err
			}
			if due.GreaterThan(decimal.Zero) {
				bucket.Amount = bucket.Amount.Add(due)
				bucket.Businesses++
			}
		}
	}
	return bucket, nil
}
