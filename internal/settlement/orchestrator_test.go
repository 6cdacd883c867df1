package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/finbase/settleops/internal/domain"
	"github.com/finbase/settleops/internal/lock"
)

func newTestOrchestrator(ledger *fakeLedger, gw *fakeGateway, available string) (*Orchestrator, *lock.MemoryLock) {
	runLock := lock.NewMemoryLock()
	o := NewOrchestrator(ledger, gw, &fakeWallet{available: dec(available)}, runLock, "NGN",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return o, runLock
}

func waitForRun(t *testing.T, handle *RunHandle) RunResult {
	t.Helper()
	select {
	case result := <-handle.Done:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
		return RunResult{}
	}
}

func TestRunRejectsWhenAlreadyRunning(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, true)
	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	_, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	if got := ledger.settlements[1].Status; got != domain.SettlementPending {
		t.Errorf("status mutated to %s on rejection", got)
	}
}

func TestRunRejectsWhenAnotherSettlementRunning(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementProcessing, true)
	ledger.addSettlement(2, domain.SettlementPending, false)
	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	_, err := o.Run(context.Background(), 2, domain.RunFull, RunOptions{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRunRejectsWhenLockHeld(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	o, runLock := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	release, err := runLock.Acquire(context.Background(), runLockKey)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRunRejectsCompletedSettlement(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementCompleted, false)
	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	_, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if !errors.Is(err, ErrSettlementCompleted) {
		t.Fatalf("err = %v, want ErrSettlementCompleted", err)
	}
}

func TestRunBusinessRequiresID(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	_, err := o.Run(context.Background(), 1, domain.RunBusiness, RunOptions{})
	if !errors.Is(err, ErrBusinessRequired) {
		t.Fatalf("err = %v, want ErrBusinessRequired", err)
	}
}

func TestRunBusinessAlreadySettled(t *testing.T) {
	ledger := newFakeLedger()
	settlement := ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addTxn(1, 10, "1000", "50", "10", "0")
	settlement.SettledBusinesses = []int64{10}

	gw := newFakeGateway()
	o, _ := newTestOrchestrator(ledger, gw, "100000")

	_, err := o.Run(context.Background(), 1, domain.RunBusiness, RunOptions{BusinessID: 10})
	if !errors.Is(err, ErrBusinessAlreadySettled) {
		t.Fatalf("err = %v, want ErrBusinessAlreadySettled", err)
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway called %d times for a rejected run", gw.callCount())
	}
}

func TestRunBusinessNothingToSettle(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)

	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	_, err := o.Run(context.Background(), 1, domain.RunBusiness, RunOptions{BusinessID: 10})
	if !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("err = %v, want ErrNothingToSettle", err)
	}
}

func TestRunInsufficientBalance(t *testing.T) {
	ledger := newFakeLedger()
	settlement := ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addTxn(1, 10, "1000", "50", "10", "0")
	settlement.Overview.DueToday = domain.OverviewBucket{Amount: dec("940"), Businesses: 1}

	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "500")

	_, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if ledger.settlements[1].IsRunning {
		t.Error("isRunning mutated on a rejected run")
	}
	if got := ledger.settlements[1].Status; got != domain.SettlementPending {
		t.Errorf("status mutated to %s on a rejected run", got)
	}
}

func TestRunBalanceChecksDueTodaySubset(t *testing.T) {
	ledger := newFakeLedger()
	settlement := ledger.addSettlement(2, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addTxn(2, 10, "850", "40", "10", "0") // net 800

	// The full total includes past-due carry-over the run won't touch.
	settlement.TotalAmount = dec("5000")
	settlement.Overview.DueToday = domain.OverviewBucket{Amount: dec("800"), Businesses: 1}
	settlement.Overview.PastDue = domain.OverviewBucket{Amount: dec("4200"), Businesses: 3}

	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "1000")

	handle, err := o.Run(context.Background(), 2, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatalf("run must proceed when due-today fits the balance: %v", err)
	}
	waitForRun(t, handle)
}

func TestRunFullSuccess(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addBusiness(20)
	txnA := ledger.addTxn(1, 10, "1000", "50", "10", "0")
	txnB := ledger.addTxn(1, 20, "500", "25", "5", "0")

	gw := newFakeGateway()
	o, _ := newTestOrchestrator(ledger, gw, "100000")

	handle, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	result := waitForRun(t, handle)

	if !result.Completed {
		t.Error("run did not complete")
	}
	if len(result.Groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(result.Groups))
	}
	for _, g := range result.Groups {
		if g.Status != domain.GroupPaid {
			t.Errorf("business %d group = %s (%s)", g.BusinessID, g.Status, g.FailureReason)
		}
		if g.ProviderRef == "" {
			t.Errorf("business %d has no provider ref", g.BusinessID)
		}
	}

	if txnA.SettleStatus != domain.SettleSettled || txnB.SettleStatus != domain.SettleSettled {
		t.Error("transactions not marked settled")
	}

	final := ledger.settlements[1]
	if final.Status != domain.SettlementCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	if final.IsRunning {
		t.Error("isRunning still set after the run")
	}
	if !final.HasSettled(10) || !final.HasSettled(20) {
		t.Error("settled businesses not recorded")
	}
	if !final.Overview.DueToday.Amount.IsZero() {
		t.Errorf("due-today after full run = %s, want 0", final.Overview.DueToday.Amount)
	}
	if len(ledger.histories) != 1 {
		t.Fatalf("got %d history records, want exactly 1", len(ledger.histories))
	}
	if gw.callCount() != 2 {
		t.Errorf("gateway called %d times, want 2", gw.callCount())
	}
}

func TestRunPartialFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	for _, id := range []int64{10, 20, 30} {
		ledger.addBusiness(id)
		ledger.addTxn(1, id, "1000", "50", "10", "0")
	}

	gw := newFakeGateway()
	gw.rejectAccount(ledger.businesses[20].AccountNumber, "beneficiary bank unavailable")
	o, _ := newTestOrchestrator(ledger, gw, "100000")

	handle, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	result := waitForRun(t, handle)

	if result.Completed {
		t.Error("run reported completed despite a failed lump")
	}
	if len(result.Groups) != 3 {
		t.Fatalf("got %d groups, want 3: later lumps must still be attempted", len(result.Groups))
	}

	statuses := map[int64]domain.GroupStatus{}
	for _, g := range result.Groups {
		statuses[g.BusinessID] = g.Status
	}
	if statuses[10] != domain.GroupPaid || statuses[30] != domain.GroupPaid {
		t.Errorf("independent lumps affected by the failure: %v", statuses)
	}
	if statuses[20] != domain.GroupFailed {
		t.Errorf("business 20 = %s, want FAILED", statuses[20])
	}

	for _, txn := range ledger.transactions {
		want := domain.SettleSettled
		if txn.BusinessID == 20 {
			want = domain.SettlePending
		}
		if txn.SettleStatus != want {
			t.Errorf("business %d txn settle status = %s, want %s", txn.BusinessID, txn.SettleStatus, want)
		}
	}

	final := ledger.settlements[1]
	if final.Status != domain.SettlementProcessing {
		t.Errorf("status = %s, want PROCESSING so the run can be retried", final.Status)
	}
	if final.IsRunning {
		t.Error("isRunning still set after the run")
	}
	if final.HasSettled(20) {
		t.Error("failed business recorded as settled")
	}

	// A retry re-aggregates fresh amounts and pays only the failed lump.
	gw2 := newFakeGateway()
	o2, _ := newTestOrchestrator(ledger, gw2, "100000")
	handle, err = o2.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	result = waitForRun(t, handle)

	if len(result.Groups) != 1 || result.Groups[0].BusinessID != 20 {
		t.Fatalf("retry groups = %+v, want only business 20", result.Groups)
	}
	if !result.Completed {
		t.Error("retry did not complete the settlement")
	}
	if ledger.settlements[1].Status != domain.SettlementCompleted {
		t.Errorf("status after retry = %s, want COMPLETED", ledger.settlements[1].Status)
	}
}

func TestRunZeroAmountLumpNeverReachesGateway(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addBusiness(20)
	ledger.addTxn(1, 10, "100", "90", "10", "0") // net 0
	ledger.addTxn(1, 20, "500", "25", "5", "0")

	gw := newFakeGateway()
	o, _ := newTestOrchestrator(ledger, gw, "100000")

	handle, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	result := waitForRun(t, handle)

	if gw.callCount() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.callCount())
	}
	for _, g := range result.Groups {
		if g.BusinessID == 10 {
			t.Error("zero-amount lump appeared in the executed groups")
		}
	}
	if len(ledger.histories) != 1 {
		t.Fatalf("got %d history records, want 1", len(ledger.histories))
	}
	for _, g := range ledger.histories[0].Groups {
		if g.BusinessID == 10 {
			t.Error("zero-amount lump recorded in history")
		}
	}
}

func TestRunPersistenceFailureHaltsLumpOnly(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addTxn(1, 10, "1000", "50", "10", "0")
	ledger.failMarkSettled = true

	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	handle, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	result := waitForRun(t, handle)

	if result.Completed {
		t.Error("run completed despite a persistence failure")
	}
	if len(result.Groups) != 1 || result.Groups[0].Status != domain.GroupFailed {
		t.Fatalf("groups = %+v, want one failed lump", result.Groups)
	}
	if ledger.settlements[1].HasSettled(10) {
		t.Error("business recorded settled after its lump's persistence failed")
	}
	if ledger.settlements[1].IsRunning {
		t.Error("isRunning still set after the run")
	}
}

func TestRunLockReleasedAfterRun(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addTxn(1, 10, "1000", "50", "10", "0")

	o, runLock := newTestOrchestrator(ledger, newFakeGateway(), "100000")

	handle, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitForRun(t, handle)

	release, err := runLock.Acquire(context.Background(), runLockKey)
	if err != nil {
		t.Fatalf("lock not released after run: %v", err)
	}
	release()
}

func TestRunForceRunChecksFullTotal(t *testing.T) {
	ledger := newFakeLedger()
	settlement := ledger.addSettlement(1, domain.SettlementPending, false)
	ledger.addBusiness(10)
	ledger.addTxn(1, 10, "850", "40", "10", "0")
	settlement.TotalAmount = dec("5000")
	settlement.Overview.DueToday = domain.OverviewBucket{Amount: dec("800"), Businesses: 1}

	o, _ := newTestOrchestrator(ledger, newFakeGateway(), "1000")

	_, err := o.Run(context.Background(), 1, domain.RunFull, RunOptions{ForceRun: true})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("force run must check the full total: err = %v", err)
	}
}
