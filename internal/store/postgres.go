package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// successfulStatuses is inlined into aggregation queries so only
// settlement-eligible transactions are ever summed.
const successfulStatuses = "('SUCCESSFUL','COMPLETED','PAID')"

// Store is the ledger store backing settlement processing. It owns no
// global state; the pool is injected and its lifecycle belongs to the
// process entry point.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

// NewStoreWithPool wraps an existing pool (used by the seeder).
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (s *Store) Close() {
	s.db.Close()
}

// AggregateSettlementAmount computes the grouped sum breakdown over
// payment-link transactions for one business in one settlement, filtered
// by settle status. A match of zero rows returns the zero breakdown.
func (s *Store) AggregateSettlementAmount(ctx context.Context, settlementID, businessID int64, status domain.SettleStatus) (domain.AmountBreakdown, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::text,
		       COALESCE(SUM(fee), 0)::text,
		       COALESCE(SUM(vat_fee), 0)::text,
		       COALESCE(SUM(stamp_fee), 0)::text,
		       COALESCE(SUM(revenue), 0)::text,
		       COUNT(*)
		FROM transactions
		WHERE settlement_id = $1
		  AND business_id = $2
		  AND feature = 'PAYMENT_LINK'
		  AND status IN ` + successfulStatuses + `
		  AND settle_status = $3`

	return s.scanBreakdown(s.db.QueryRow(ctx, query, settlementID, businessID, status))
}

// AggregateAllSuccessful computes the breakdown over every successful
// payment-link transaction regardless of settle status, for reporting.
func (s *Store) AggregateAllSuccessful(ctx context.Context, settlementID, businessID int64) (domain.AmountBreakdown, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::text,
		       COALESCE(SUM(fee), 0)::text,
		       COALESCE(SUM(vat_fee), 0)::text,
		       COALESCE(SUM(stamp_fee), 0)::text,
		       COALESCE(SUM(revenue), 0)::text,
		       COUNT(*)
		FROM transactions
		WHERE settlement_id = $1
		  AND business_id = $2
		  AND feature = 'PAYMENT_LINK'
		  AND status IN ` + successfulStatuses

	return s.scanBreakdown(s.db.QueryRow(ctx, query, settlementID, businessID))
}

func (s *Store) scanBreakdown(row pgx.Row) (domain.AmountBreakdown, error) {
	var gross, fee, vat, stamp, revenue string
	var b domain.AmountBreakdown

	if err := row.Scan(&gross, &fee, &vat, &stamp, &revenue, &b.Count); err != nil {
		return domain.AmountBreakdown{}, fmt.Errorf("aggregation scan failed: %w", err)
	}

	var err error
	if b.Gross, err = decimal.NewFromString(gross); err != nil {
		return domain.AmountBreakdown{}, fmt.Errorf("invalid gross sum: %w", err)
	}
	if b.Fee, err = decimal.NewFromString(fee); err != nil {
		return domain.AmountBreakdown{}, fmt.Errorf("invalid fee sum: %w", err)
	}
	if b.VAT, err = decimal.NewFromString(vat); err != nil {
		return domain.AmountBreakdown{}, fmt.Errorf("invalid vat sum: %w", err)
	}
	if b.Stamp, err = decimal.NewFromString(stamp); err != nil {
		return domain.AmountBreakdown{}, fmt.Errorf("invalid stamp sum: %w", err)
	}
	if b.Revenue, err = decimal.NewFromString(revenue); err != nil {
		return domain.AmountBreakdown{}, fmt.Errorf("invalid revenue sum: %w", err)
	}
	return b, nil
}

// GetSettlement retrieves a settlement with its overview and settled set.
func (s *Store) GetSettlement(ctx context.Context, id int64) (*domain.Settlement, error) {
	var st domain.Settlement
	var total, dueAmt, pastAmt string

	err := s.db.QueryRow(ctx, `
		SELECT id, code, status, is_running, total_amount::text,
		       due_today_amount::text, due_today_businesses,
		       past_due_amount::text, past_due_businesses, created_at
		FROM settlements WHERE id = $1`, id,
	).Scan(&st.ID, &st.Code, &st.Status, &st.IsRunning, &total,
		&dueAmt, &st.Overview.DueToday.Businesses,
		&pastAmt, &st.Overview.PastDue.Businesses, &st.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settlement lookup failed: %w", err)
	}

	if st.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total amount: %w", err)
	}
	if st.Overview.DueToday.Amount, err = decimal.NewFromString(dueAmt); err != nil {
		return nil, fmt.Errorf("invalid due-today amount: %w", err)
	}
	if st.Overview.PastDue.Amount, err = decimal.NewFromString(pastAmt); err != nil {
		return nil, fmt.Errorf("invalid past-due amount: %w", err)
	}

	if st.SettledBusinesses, err = s.listSettledBusinesses(ctx, id); err != nil {
		return nil, err
	}
	if st.BusinessIDs, err = s.ListSettlementBusinesses(ctx, id); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) listSettledBusinesses(ctx context.Context, settlementID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		"SELECT business_id FROM settlement_settled_businesses WHERE settlement_id = $1",
		settlementID)
	if err != nil {
		return nil, fmt.Errorf("settled businesses query failed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSettlementBusinesses returns the businesses with at least one
// transaction tagged to the settlement.
func (s *Store) ListSettlementBusinesses(ctx context.Context, settlementID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT business_id FROM transactions
		WHERE settlement_id = $1 AND feature = 'PAYMENT_LINK'
		  AND status IN `+successfulStatuses+`
		ORDER BY business_id`, settlementID)
	if err != nil {
		return nil, fmt.Errorf("member businesses query failed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPendingTransactionIDs returns the transactions a lump will settle.
func (s *Store) ListPendingTransactionIDs(ctx context.Context, settlementID, businessID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM transactions
		WHERE settlement_id = $1 AND business_id = $2
		  AND feature = 'PAYMENT_LINK'
		  AND status IN `+successfulStatuses+`
		  AND settle_status = 'PENDING'
		ORDER BY id`, settlementID, businessID)
	if err != nil {
		return nil, fmt.Errorf("pending transactions query failed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUncompletedPriorSettlements returns settlements created before the
// given one that never reached COMPLETED; their unsettled transactions are
// the past-due carry-over.
func (s *Store) ListUncompletedPriorSettlements(ctx context.Context, before int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM settlements
		WHERE id < $1 AND status <> 'COMPLETED'
		ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("prior settlements query failed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetBusiness retrieves a business and its subaccount split configuration.
func (s *Store) GetBusiness(ctx context.Context, id int64) (*domain.Business, error) {
	var b domain.Business
	err := s.db.QueryRow(ctx, `
		SELECT id, name, bank_code, bank_name, account_number, account_name
		FROM businesses WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.BankCode, &b.BankName, &b.AccountNumber, &b.AccountName)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("business lookup failed: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT subaccount_id, bank_code, account_number, account_name, value::text, flat
		FROM subaccount_splits WHERE business_id = $1 ORDER BY subaccount_id`, id)
	if err != nil {
		return nil, fmt.Errorf("subaccounts query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var split domain.SubaccountSplit
		var value string
		if err := rows.Scan(&split.SubaccountID, &split.BankCode,
			&split.AccountNumber, &split.AccountName, &value, &split.Flat); err != nil {
			return nil, err
		}
		if split.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("invalid split value: %w", err)
		}
		b.Subaccounts = append(b.Subaccounts, split)
	}
	return &b, rows.Err()
}

// SetRunState flips the single-flight flag and status in one atomic write.
func (s *Store) SetRunState(ctx context.Context, settlementID int64, isRunning bool, status domain.SettlementStatus) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE settlements SET is_running = $1, status = $2 WHERE id = $3",
		isRunning, status, settlementID)
	if err != nil {
		return fmt.Errorf("run state update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AnyOtherRunning reports whether any settlement other than the given one
// currently holds the running flag.
func (s *Store) AnyOtherRunning(ctx context.Context, excludeID int64) (bool, error) {
	var running bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM settlements WHERE is_running AND id <> $1)",
		excludeID).Scan(&running)
	if err != nil {
		return false, fmt.Errorf("running check failed: %w", err)
	}
	return running, nil
}

// MarkTransactionsSettled flips the lump's transactions PENDING -> SETTLED.
// The WHERE guard makes the transition one-way: already-settled rows are
// never touched again.
func (s *Store) MarkTransactionsSettled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE transactions SET settle_status = 'SETTLED'
		WHERE id = ANY($1) AND settle_status = 'PENDING'`, ids)
	if err != nil {
		return fmt.Errorf("settle mark failed: %w", err)
	}
	return nil
}

// AddSettledBusiness records that the business has been paid this period.
func (s *Store) AddSettledBusiness(ctx context.Context, settlementID, businessID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO settlement_settled_businesses (settlement_id, business_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, settlementID, businessID)
	if err != nil {
		return fmt.Errorf("settled business insert failed: %w", err)
	}
	return nil
}

// UpdateOverview persists a freshly computed overview.
func (s *Store) UpdateOverview(ctx context.Context, settlementID int64, overview domain.Overview) error {
	_, err := s.db.Exec(ctx, `
		UPDATE settlements
		SET due_today_amount = $1, due_today_businesses = $2,
		    past_due_amount = $3, past_due_businesses = $4,
		    total_amount = $5
		WHERE id = $6`,
		overview.DueToday.Amount.String(), overview.DueToday.Businesses,
		overview.PastDue.Amount.String(), overview.PastDue.Businesses,
		overview.DueToday.Amount.Add(overview.PastDue.Amount).String(),
		settlementID)
	if err != nil {
		return fmt.Errorf("overview update failed: %w", err)
	}
	return nil
}

// AppendHistory writes one immutable run record.
func (s *Store) AppendHistory(ctx context.Context, record domain.SettlementHistory) error {
	groups, err := json.Marshal(record.Groups)
	if err != nil {
		return fmt.Errorf("history groups encode failed: %w", err)
	}
	analytics, err := json.Marshal(record.Analytics)
	if err != nil {
		return fmt.Errorf("history analytics encode failed: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO settlement_histories (id, settlement_id, groups, analytics, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		record.ID, record.SettlementID, groups, analytics, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("history append failed: %w", err)
	}
	return nil
}

// ListHistory returns the run records for a settlement, newest first.
func (s *Store) ListHistory(ctx context.Context, settlementID int64) ([]domain.SettlementHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, settlement_id, groups, analytics, created_at
		FROM settlement_histories
		WHERE settlement_id = $1 ORDER BY created_at DESC`, settlementID)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var records []domain.SettlementHistory
	for rows.Next() {
		var rec domain.SettlementHistory
		var groups, analytics []byte
		if err := rows.Scan(&rec.ID, &rec.SettlementID, &groups, &analytics, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(groups, &rec.Groups); err != nil {
			return nil, fmt.Errorf("history groups decode failed: %w", err)
		}
		if err := json.Unmarshal(analytics, &rec.Analytics); err != nil {
			return nil, fmt.Errorf("history analytics decode failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateSettlement opens a new settlement period.
func (s *Store) CreateSettlement(ctx context.Context, code string) (*domain.Settlement, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO settlements (code, status, is_running, total_amount,
		    due_today_amount, due_today_businesses, past_due_amount, past_due_businesses)
		VALUES ($1, 'PENDING', false, 0, 0, 0, 0, 0)
		RETURNING id`, code).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("settlement create failed: %w", err)
	}
	return s.GetSettlement(ctx, id)
}
