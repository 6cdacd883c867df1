package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
	"github.com/finbase/settleops/internal/gateway"
	"github.com/finbase/settleops/internal/lock"
)

// runLockKey guards settlement runs platform-wide. Every payout draws from
// the one funding wallet, so at most one run may be in flight anywhere.
const runLockKey = "settlement:run"

// RunResult is delivered on RunHandle.Done once the background worker has
// processed every lump.
type RunResult struct {
	SettlementID int64
	Groups       []domain.PayoutGroup
	Completed    bool
	Err          error
}

// RunHandle lets the dispatcher observe completion of the asynchronous
// payout work. The triggering caller typically ignores it and polls the
// settlement instead; schedulers and tests wait on Done.
type RunHandle struct {
	Done <-chan RunResult
}

// Orchestrator drives a settlement run PENDING -> PROCESSING -> COMPLETED.
// The synchronous phase validates preconditions and persists the running
// state; payout execution happens in a background worker, one lump at a
// time so the up-front funding balance check stays valid.
type Orchestrator struct {
	ledger    Ledger
	gateway   gateway.PayoutGateway
	wallet    gateway.FundingWallet
	runLock   lock.RunLock
	agg       *Aggregator
	grouper   *Grouper
	refresher *Refresher
	currency  string
	log       *slog.Logger
}

func NewOrchestrator(ledger Ledger, gw gateway.PayoutGateway, wallet gateway.FundingWallet, runLock lock.RunLock, currency string, log *slog.Logger) *Orchestrator {
	agg := NewAggregator(ledger)
	return &Orchestrator{
		ledger:    ledger,
		gateway:   gw,
		wallet:    wallet,
		runLock:   runLock,
		agg:       agg,
		grouper:   NewGrouper(ledger, agg),
		refresher: NewRefresher(ledger, agg),
		currency:  currency,
		log:       log,
	}
}

// Aggregator exposes the orchestrator's aggregator for read-side callers.
func (o *Orchestrator) Aggregator() *Aggregator {
	return o.agg
}

// Refresher exposes the overview refresher.
func (o *Orchestrator) Refresher() *Refresher {
	return o.refresher
}

// Run validates preconditions, marks the settlement running and dispatches
// the payout worker. It returns as soon as the run is accepted; payout
// outcomes are visible through settlement state, history and the handle.
func (o *Orchestrator) Run(ctx context.Context, settlementID int64, runType domain.RunType, opts RunOptions) (*RunHandle, error) {
	settlement, err := o.ledger.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, fmt.Errorf("load settlement %d: %w", settlementID, err)
	}

	if settlement.Status == domain.SettlementCompleted {
		return nil, ErrSettlementCompleted
	}
	if settlement.IsRunning {
		return nil, ErrRunInProgress
	}

	if runType == domain.RunBusiness {
		if opts.BusinessID == 0 {
			return nil, ErrBusinessRequired
		}
		if settlement.HasSettled(opts.BusinessID) {
			return nil, ErrBusinessAlreadySettled
		}
	}

	otherRunning, err := o.ledger.AnyOtherRunning(ctx, settlementID)
	if err != nil {
		return nil, fmt.Errorf("running check: %w", err)
	}
	if otherRunning {
		return nil, ErrRunInProgress
	}

	release, err := o.runLock.Acquire(ctx, runLockKey)
	if err != nil {
		if err == lock.ErrLockHeld {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}

	required, err := o.requiredAmount(ctx, settlement, runType, opts)
	if err != nil {
		release()
		return nil, err
	}

	balance, err := o.wallet.Balance(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("funding wallet balance: %w", err)
	}
	if balance.Available.LessThan(required) {
		release()
		return nil, ErrInsufficientBalance
	}

	if err := o.ledger.SetRunState(ctx, settlementID, true, domain.SettlementProcessing); err != nil {
		release()
		return nil, fmt.Errorf("mark settlement running: %w", err)
	}

	done := make(chan RunResult, 1)
	go o.execute(settlement, runType, opts, release, done)

	return &RunHandle{Done: done}, nil
}

// requiredAmount is the pre-flight figure the funding wallet must cover:
// the due-today subset by default, widened by AddPast, or the settlement's
// full total under ForceRun. Business runs check that business's due amount
// and reject zero, since settling nothing is disallowed.
func (o *Orchestrator) requiredAmount(ctx context.Context, settlement *domain.Settlement, runType domain.RunType, opts RunOptions) (decimal.Decimal, error) {
	if runType == domain.RunBusiness {
		due, err := o.agg.AggregateSettlementAmount(ctx, settlement.ID, opts.BusinessID, domain.SettlePending)
		if err != nil {
			return decimal.Zero, err
		}
		if due.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, ErrNothingToSettle
		}
		return due, nil
	}

	if opts.ForceRun {
		return settlement.TotalAmount, nil
	}
	required := settlement.Overview.DueToday.Amount
	if opts.AddPast {
		required = required.Add(settlement.Overview.PastDue.Amount)
	}
	return required, nil
}

// execute is the background worker: it pays each lump in sequence, appends
// one history record, refreshes the overview and clears the running flag.
// Payout failures are lump-local; the run carries on to the next lump.
func (o *Orchestrator) execute(settlement *domain.Settlement, runType domain.RunType, opts RunOptions, release func(), done chan<- RunResult) {
	// The triggering request is long gone by the time payouts land; the
	// worker runs on its own context.
	ctx := context.Background()

	result := RunResult{SettlementID: settlement.ID}

	groups, err := o.grouper.BuildGroups(ctx, settlement, runType, opts)
	if err != nil {
		o.log.Error("settlement grouping failed", "settlement", settlement.ID, "error", err)
		o.clearRunning(ctx, settlement.ID, domain.SettlementProcessing)
		result.Err = err
		release()
		done <- result
		return
	}

	allPaid := true
	for i := range groups {
		o.executeGroup(ctx, &groups[i])
		if groups[i].Status != domain.GroupPaid {
			allPaid = false
		}
	}
	result.Groups = groups

	analytics, err := o.runAnalytics(ctx, settlement)
	if err != nil {
		o.log.Error("settlement analytics failed", "settlement", settlement.ID, "error", err)
	}

	if len(groups) > 0 {
		record := domain.SettlementHistory{
			ID:           uuid.NewString(),
			SettlementID: settlement.ID,
			Groups:       groups,
			Analytics:    analytics,
			CreatedAt:    time.Now().UTC(),
		}
		if err := o.ledger.AppendHistory(ctx, record); err != nil {
			o.log.Error("settlement history append failed", "settlement", settlement.ID, "error", err)
		}
	}

	if _, err := o.refresher.Refresh(ctx, settlement.ID); err != nil {
		o.log.Error("settlement overview refresh failed", "settlement", settlement.ID, "error", err)
	}

	// COMPLETED only when every lump paid; otherwise the settlement stays
	// PROCESSING so a retry can target the still-pending businesses.
	status := domain.SettlementProcessing
	if allPaid && runType == domain.RunFull {
		status = domain.SettlementCompleted
	}
	if err := o.ledger.SetRunState(ctx, settlement.ID, false, status); err != nil {
		o.log.Error("settlement run state reset failed", "settlement", settlement.ID, "error", err)
	}

	result.Completed = status == domain.SettlementCompleted
	o.log.Info("settlement run finished",
		"settlement", settlement.ID,
		"groups", len(groups),
		"completed", result.Completed,
	)
	// The lock is released only after the running flag is cleared, so a
	// fresh run can never observe the lock free and the flag still set.
	release()
	done <- result
}

// executeGroup pays one lump: the subaccount legs first, then the primary
// remainder, then marks the lump's transactions settled. A gateway failure
// leaves every transaction pending; a persistence failure halts this lump's
// mutation sequence so no half-settled state is written.
func (o *Orchestrator) executeGroup(ctx context.Context, group *domain.PayoutGroup) {
	business, err := o.ledger.GetBusiness(ctx, group.BusinessID)
	if err != nil {
		o.failGroup(group, fmt.Sprintf("business lookup: %v", err))
		return
	}

	primary := group.Amount
	for i := range group.Splits {
		split := &group.Splits[i]
		receipt, err := o.payout(ctx, split.BankCode, split.AccountNumber, split.AccountName, split.Amount,
			fmt.Sprintf("Subaccount settlement for %s", business.Name))
		if err != nil {
			o.failGroup(group, fmt.Sprintf("subaccount %d payout: %v", split.SubaccountID, err))
			return
		}
		split.ProviderRef = receipt.ProviderRef
		primary = primary.Sub(split.Amount)
	}

	if primary.GreaterThan(decimal.Zero) {
		receipt, err := o.payout(ctx, business.BankCode, business.AccountNumber, business.AccountName, primary,
			fmt.Sprintf("Settlement payout for %s", business.Name))
		if err != nil {
			o.failGroup(group, err.Error())
			return
		}
		group.ProviderRef = receipt.ProviderRef
	}

	if err := o.ledger.MarkTransactionsSettled(ctx, group.TransactionIDs); err != nil {
		o.failGroup(group, fmt.Sprintf("settle mark: %v", err))
		return
	}
	if err := o.ledger.AddSettledBusiness(ctx, group.SettlementID, group.BusinessID); err != nil {
		o.failGroup(group, fmt.Sprintf("settled business record: %v", err))
		return
	}

	group.Status = domain.GroupPaid
	o.log.Info("lump paid out",
		"settlement", group.SettlementID,
		"business", group.BusinessID,
		"amount", group.Amount.StringFixed(2),
		"transactions", len(group.TransactionIDs),
	)
}

func (o *Orchestrator) payout(ctx context.Context, bankCode, accountNumber, accountName string, amount decimal.Decimal, narration string) (*gateway.PayoutReceipt, error) {
	return o.gateway.ExecutePayout(ctx, gateway.PayoutRequest{
		Amount:        amount,
		Currency:      o.currency,
		BankCode:      bankCode,
		AccountNumber: accountNumber,
		AccountName:   accountName,
		Reference:     gateway.NewPayoutReference(),
		Narration:     narration,
	})
}

func (o *Orchestrator) failGroup(group *domain.PayoutGroup, reason string) {
	group.Status = domain.GroupFailed
	group.FailureReason = reason
	o.log.Warn("lump payout failed",
		"settlement", group.SettlementID,
		"business", group.BusinessID,
		"amount", group.Amount.StringFixed(2),
		"reason", reason,
	)
}

// runAnalytics snapshots the settlement-wide analytics for the history
// record by summing each member business's reporting view.
func (o *Orchestrator) runAnalytics(ctx context.Context, settlement *domain.Settlement) (domain.SettlementAnalytics, error) {
	var total domain.SettlementAnalytics
	for _, businessID := range settlement.BusinessIDs {
		analytics, err := o.agg.AggregateSettlementAnalytics(ctx, settlement.ID, businessID)
		if err != nil {
			return domain.SettlementAnalytics{}, err
		}
		total.TotalAmount = total.TotalAmount.Add(analytics.TotalAmount)
		total.Fee = total.Fee.Add(analytics.Fee)
		total.VAT = total.VAT.Add(analytics.VAT)
		total.Revenue = total.Revenue.Add(analytics.Revenue)
		total.ProviderFee = total.ProviderFee.Add(analytics.ProviderFee)
		total.Amount = total.Amount.Add(analytics.Amount)
		total.Count += analytics.Count
	}
	return total, nil
}

func (o *Orchestrator) clearRunning(ctx context.Context, settlementID int64, status domain.SettlementStatus) {
	if err := o.ledger.SetRunState(ctx, settlementID, false, status); err != nil {
		o.log.Error("settlement run state reset failed", "settlement", settlementID, "error", err)
	}
}
