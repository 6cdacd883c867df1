// Package settlement implements settlement processing: aggregating pending
// payment-link transactions per business, grouping them into payout lumps,
// executing payouts through the provider gateway and tracking run state
// across settlement cycles.
package settlement

import (
	"context"
	"errors"

	"github.com/finbase/settleops/internal/domain"
)

var (
	ErrRunInProgress          = errors.New("settlement is currently running")
	ErrSettlementCompleted    = errors.New("settlement has already been completed")
	ErrInsufficientBalance    = errors.New("insufficient funding wallet balance")
	ErrNothingToSettle        = errors.New("nothing to settle")
	ErrBusinessAlreadySettled = errors.New("business has already been settled")
	ErrBusinessRequired       = errors.New("business id is required for a business run")
	ErrSettlementNotFound     = errors.New("settlement not found")
)

// Ledger is the persistence surface the settlement core needs. It is
// implemented by the postgres store; tests supply an in-memory fake.
type Ledger interface {
	AggregateSettlementAmount(ctx context.Context, settlementID, businessID int64, status domain.SettleStatus) (domain.AmountBreakdown, error)
	AggregateAllSuccessful(ctx context.Context, settlementID, businessID int64) (domain.AmountBreakdown, error)

	GetSettlement(ctx context.Context, id int64) (*domain.Settlement, error)
	GetBusiness(ctx context.Context, id int64) (*domain.Business, error)
	ListSettlementBusinesses(ctx context.Context, settlementID int64) ([]int64, error)
	ListPendingTransactionIDs(ctx context.Context, settlementID, businessID int64) ([]int64, error)
	ListUncompletedPriorSettlements(ctx context.Context, before int64) ([]int64, error)

	SetRunState(ctx context.Context, settlementID int64, isRunning bool, status domain.SettlementStatus) error
	AnyOtherRunning(ctx context.Context, excludeID int64) (bool, error)
	MarkTransactionsSettled(ctx context.Context, ids []int64) error
	AddSettledBusiness(ctx context.Context, settlementID, businessID int64) error
	UpdateOverview(ctx context.Context, settlementID int64, overview domain.Overview) error
	AppendHistory(ctx context.Context, record domain.SettlementHistory) error
}

// RunOptions tunes the scope of a settlement run.
type RunOptions struct {
	// ForceRun pays the settlement's full TotalAmount instead of the
	// due-today subset.
	ForceRun bool
	// AddPast includes past-due carry-over lumps from prior uncompleted
	// settlements.
	AddPast bool
	// BusinessID scopes a RunBusiness invocation to one business.
	BusinessID int64
}
