package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
	"github.com/finbase/settleops/internal/gateway"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeLedger is an in-memory Ledger mirroring the store's query semantics.
type fakeLedger struct {
	mu           sync.Mutex
	settlements  map[int64]*domain.Settlement
	businesses   map[int64]*domain.Business
	transactions map[int64]*domain.Transaction
	histories    []domain.SettlementHistory
	nextTxnID    int64

	failMarkSettled bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		settlements:  make(map[int64]*domain.Settlement),
		businesses:   make(map[int64]*domain.Business),
		transactions: make(map[int64]*domain.Transaction),
	}
}

func (f *fakeLedger) addSettlement(id int64, status domain.SettlementStatus, isRunning bool) *domain.Settlement {
	s := &domain.Settlement{
		ID:          id,
		Code:        fmt.Sprintf("STL-%d", id),
		Status:      status,
		IsRunning:   isRunning,
		TotalAmount: decimal.Zero,
	}
	f.settlements[id] = s
	return s
}

func (f *fakeLedger) addBusiness(id int64, splits ...domain.SubaccountSplit) *domain.Business {
	b := &domain.Business{
		ID:            id,
		Name:          fmt.Sprintf("Business %d", id),
		BankCode:      "058",
		BankName:      "GTBank",
		AccountNumber: fmt.Sprintf("01%08d", id),
		AccountName:   fmt.Sprintf("BUSINESS %d LTD", id),
		Subaccounts:   splits,
	}
	f.businesses[id] = b
	return b
}

func (f *fakeLedger) addTxn(settlementID, businessID int64, amount, fee, vat, stamp string, opts ...func(*domain.Transaction)) *domain.Transaction {
	f.nextTxnID++
	t := &domain.Transaction{
		ID:           f.nextTxnID,
		Reference:    fmt.Sprintf("TXN-%d", f.nextTxnID),
		BusinessID:   businessID,
		SettlementID: settlementID,
		Amount:       dec(amount),
		Fee:          dec(fee),
		VATFee:       dec(vat),
		StampFee:     dec(stamp),
		Revenue:      decimal.Zero,
		Status:       domain.TxnSuccessful,
		Feature:      domain.FeaturePaymentLink,
		SettleStatus: domain.SettlePending,
	}
	for _, opt := range opts {
		opt(t)
	}
	f.transactions[t.ID] = t
	return t
}

func (f *fakeLedger) matches(t *domain.Transaction, settlementID, businessID int64) bool {
	return t.SettlementID == settlementID &&
		t.BusinessID == businessID &&
		t.Feature == domain.FeaturePaymentLink &&
		t.Status.IsSuccessful()
}

func (f *fakeLedger) AggregateSettlementAmount(_ context.Context, settlementID, businessID int64, status domain.SettleStatus) (domain.AmountBreakdown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b domain.AmountBreakdown
	for _, t := range f.transactions {
		if f.matches(t, settlementID, businessID) && t.SettleStatus == status {
			b.Gross = b.Gross.Add(t.Amount)
			b.Fee = b.Fee.Add(t.Fee)
			b.VAT = b.VAT.Add(t.VATFee)
			b.Stamp = b.Stamp.Add(t.StampFee)
			b.Revenue = b.Revenue.Add(t.Revenue)
			b.Count++
		}
	}
	return b, nil
}

func (f *fakeLedger) AggregateAllSuccessful(_ context.Context, settlementID, businessID int64) (domain.AmountBreakdown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b domain.AmountBreakdown
	for _, t := range f.transactions {
		if f.matches(t, settlementID, businessID) {
			b.Gross = b.Gross.Add(t.Amount)
			b.Fee = b.Fee.Add(t.Fee)
			b.VAT = b.VAT.Add(t.VATFee)
			b.Stamp = b.Stamp.Add(t.StampFee)
			b.Revenue = b.Revenue.Add(t.Revenue)
			b.Count++
		}
	}
	return b, nil
}

func (f *fakeLedger) GetSettlement(_ context.Context, id int64) (*domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	copied := *s
	copied.SettledBusinesses = append([]int64(nil), s.SettledBusinesses...)
	copied.BusinessIDs = f.memberBusinesses(id)
	return &copied, nil
}

func (f *fakeLedger) memberBusinesses(settlementID int64) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for txnID := int64(1); txnID <= f.nextTxnID; txnID++ {
		t, ok := f.transactions[txnID]
		if !ok || t.SettlementID != settlementID {
			continue
		}
		if t.Feature != domain.FeaturePaymentLink || !t.Status.IsSuccessful() {
			continue
		}
		if !seen[t.BusinessID] {
			seen[t.BusinessID] = true
			ids = append(ids, t.BusinessID)
		}
	}
	return ids
}

func (f *fakeLedger) GetBusiness(_ context.Context, id int64) (*domain.Business, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.businesses[id]
	if !ok {
		return nil, fmt.Errorf("business %d not found", id)
	}
	copied := *b
	return &copied, nil
}

func (f *fakeLedger) ListSettlementBusinesses(_ context.Context, settlementID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberBusinesses(settlementID), nil
}

func (f *fakeLedger) ListPendingTransactionIDs(_ context.Context, settlementID, businessID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []int64
	for txnID := int64(1); txnID <= f.nextTxnID; txnID++ {
		t, ok := f.transactions[txnID]
		if ok && f.matches(t, settlementID, businessID) && t.SettleStatus == domain.SettlePending {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (f *fakeLedger) ListUncompletedPriorSettlements(_ context.Context, before int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []int64
	for id := int64(1); id < before; id++ {
		if s, ok := f.settlements[id]; ok && s.Status != domain.SettlementCompleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeLedger) SetRunState(_ context.Context, settlementID int64, isRunning bool, status domain.SettlementStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.settlements[settlementID]
	if !ok {
		return ErrSettlementNotFound
	}
	s.IsRunning = isRunning
	s.Status = status
	return nil
}

func (f *fakeLedger) AnyOtherRunning(_ context.Context, excludeID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, s := range f.settlements {
		if id != excludeID && s.IsRunning {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) MarkTransactionsSettled(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failMarkSettled {
		return fmt.Errorf("simulated write failure")
	}
	for _, id := range ids {
		if t, ok := f.transactions[id]; ok && t.SettleStatus == domain.SettlePending {
			t.SettleStatus = domain.SettleSettled
		}
	}
	return nil
}

func (f *fakeLedger) AddSettledBusiness(_ context.Context, settlementID, businessID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.settlements[settlementID]
	if !ok {
		return ErrSettlementNotFound
	}
	if !s.HasSettled(businessID) {
		s.SettledBusinesses = append(s.SettledBusinesses, businessID)
	}
	return nil
}

func (f *fakeLedger) UpdateOverview(_ context.Context, settlementID int64, overview domain.Overview) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.settlements[settlementID]
	if !ok {
		return ErrSettlementNotFound
	}
	s.Overview = overview
	s.TotalAmount = overview.DueToday.Amount.Add(overview.PastDue.Amount)
	return nil
}

func (f *fakeLedger) AppendHistory(_ context.Context, record domain.SettlementHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, record)
	return nil
}

// fakeGateway records payouts and can be told to reject specific accounts.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []gateway.PayoutRequest
	rejected map[string]string // account number -> failure message
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rejected: make(map[string]string)}
}

func (g *fakeGateway) rejectAccount(accountNumber, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejected[accountNumber] = message
}

func (g *fakeGateway) ExecutePayout(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, req)
	if msg, ok := g.rejected[req.AccountNumber]; ok {
		return nil, &gateway.PayoutError{Message: msg}
	}
	return &gateway.PayoutReceipt{ProviderRef: "REF-" + req.Reference}, nil
}

func (g *fakeGateway) ResolveBankAccount(_ context.Context, bankCode, accountNumber, _ string) (*domain.BankAccount, error) {
	return &domain.BankAccount{BankCode: bankCode, AccountNumber: accountNumber}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakeWallet serves a fixed funding balance.
type fakeWallet struct {
	available decimal.Decimal
}

func (w *fakeWallet) Balance(context.Context) (domain.WalletBalance, error) {
	return domain.WalletBalance{Available: w.available}, nil
}
