/**
 * @description
 * PostgreSQL implementation of the Store interfaces. Reads run on the pool, writes run
 * inside pgx transactions opened by InTx and lock the rows they touch with
 * SELECT ... FOR UPDATE.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 */

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queries struct {
	db dbtx
}

// PostgresStore is the production Store.
type PostgresStore struct {
	queries
	pool      *pgxpool.Pool
	txOptions pgx.TxOptions
}

// NewPostgresStore creates a store on pool. isolation is "read_committed" or "serializable".
func NewPostgresStore(pool *pgxpool.Pool, isolation string) *PostgresStore {
	level := pgx.ReadCommitted
	if strings.EqualFold(strings.TrimSpace(isolation), "serializable") {
		level = pgx.Serializable
	}
	return &PostgresStore{
		queries:   queries{db: pool},
		pool:      pool,
		txOptions: pgx.TxOptions{IsoLevel: level},
	}
}

// InTx runs fn inside one database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, s.txOptions)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{queries: queries{db: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTx struct {
	queries
	tx pgx.Tx
}

func notFound(err error, entity string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", domain.ErrNotFound, entity, id)
	}
	return err
}

// Customers

const customerColumns = `id, full_name, customer_type, status, created_at, updated_at`

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.FullName, &c.Type, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q queries) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	c, err := scanCustomer(q.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "customer", id)
	}
	return c, nil
}

func (t *postgresTx) LockCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	c, err := scanCustomer(t.tx.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "customer", id)
	}
	return c, nil
}

func (t *postgresTx) InsertCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO customers (id, full_name, customer_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.FullName, c.Type, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateCustomer(ctx context.Context, c *domain.Customer) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE customers SET full_name = $2, status = $3, updated_at = $4 WHERE id = $1
	`, c.ID, c.FullName, c.Status, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, c.ID)
	}
	return nil
}

// Accounts

const accountColumns = `id, customer_id, code, currency, balance, status, opened_at, closed_at, updated_at`

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.CustomerID, &a.Code, &a.Currency, &a.Balance, &a.Status, &a.OpenedAt, &a.ClosedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (q queries) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return a, nil
}

func (q queries) FindAccount(ctx context.Context, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (*domain.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE customer_id = $1 AND code = $2 AND currency = $3
		ORDER BY opened_at, id
		LIMIT 1
	`, customerID, code, currency))
	if err != nil {
		return nil, notFound(err, "account", fmt.Sprintf("%s/%s/%s", customerID, code, currency))
	}
	return a, nil
}

func (q queries) ListAccounts(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE customer_id = $1 ORDER BY opened_at, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (t *postgresTx) LockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return a, nil
}

func (t *postgresTx) LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	ordered := sortedUniqueIDs(ids)
	locked := make(map[uuid.UUID]*domain.Account, len(ordered))
	for _, id := range ordered {
		a, err := t.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = a
	}
	return locked, nil
}

func sortedUniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (t *postgresTx) InsertAccount(ctx context.Context, a *domain.Account) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (id, customer_id, code, currency, balance, status, opened_at, closed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT uq_accounts_purse DO NOTHING
	`, a.ID, a.CustomerID, a.Code, a.Currency, a.Balance, a.Status, a.OpenedAt, a.ClosedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s %s", ErrAccountExists, a.CustomerID, a.Code, a.Currency)
	}
	return nil
}

func (t *postgresTx) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`, id, balance, at)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return nil
}

func (t *postgresTx) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus, at time.Time) error {
	var closedAt *time.Time
	if status == domain.AccountClosed {
		closedAt = &at
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts SET status = $2, closed_at = $3, updated_at = $4 WHERE id = $1
	`, id, status, closedAt, at)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return nil
}

// Transactions

const transactionColumns = `id, account_id, credit_id, customer_id, type, currency, amount_cdf, amount_usd,
	exchange_rate, balance_after, status, reference, description, created_at, completed_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var e domain.Transaction
	if err := row.Scan(
		&e.ID, &e.AccountID, &e.CreditID, &e.CustomerID, &e.Type, &e.Currency, &e.AmountCDF, &e.AmountUSD,
		&e.ExchangeRate, &e.BalanceAfter, &e.Status, &e.Reference, &e.Description, &e.CreatedAt, &e.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, e *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.AccountID, e.CreditID, e.CustomerID, e.Type, e.Currency, e.AmountCDF, e.AmountUSD,
		e.ExchangeRate, e.BalanceAfter, e.Status, e.Reference, e.Description, e.CreatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q queries) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, accountID, normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Transaction
	for rows.Next() {
		e, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (q queries) CountDepositDays(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT (created_at AT TIME ZONE 'UTC')::date)
		FROM transactions
		WHERE account_id = $1 AND type = 'DEPOSIT' AND status = 'COMPLETED' AND created_at >= $2
	`, accountID, since).Scan(&n)
	return n, err
}

func (q queries) CountDeposits(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transactions
		WHERE account_id = $1 AND type = 'DEPOSIT' AND status = 'COMPLETED' AND created_at >= $2
	`, accountID, since).Scan(&n)
	return n, err
}

func (q queries) CountCompletedSavingsCycles(ctx context.Context, customerID uuid.UUID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM savings_cycles WHERE customer_id = $1 AND completed`, customerID).Scan(&n)
	return n, err
}

// Exchange rate

func (q queries) GetExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	var r domain.ExchangeRate
	err := q.db.QueryRow(ctx, `SELECT local_per_usd, updated_at, updated_by FROM exchange_rates WHERE id = 1`).
		Scan(&r.LocalPerUSD, &r.UpdatedAt, &r.UpdatedBy)
	if err != nil {
		return nil, notFound(err, "exchange rate", 1)
	}
	return &r, nil
}

func (t *postgresTx) LockExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	var r domain.ExchangeRate
	err := t.tx.QueryRow(ctx, `SELECT local_per_usd, updated_at, updated_by FROM exchange_rates WHERE id = 1 FOR UPDATE`).
		Scan(&r.LocalPerUSD, &r.UpdatedAt, &r.UpdatedBy)
	if err != nil {
		return nil, notFound(err, "exchange rate", 1)
	}
	return &r, nil
}

func (t *postgresTx) SaveExchangeRate(ctx context.Context, r domain.ExchangeRate) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO exchange_rates (id, local_per_usd, updated_at, updated_by)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET local_per_usd = EXCLUDED.local_per_usd, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by
	`, r.LocalPerUSD, r.UpdatedAt, r.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to save exchange rate: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertRateChange(ctx context.Context, c domain.ExchangeRateChange) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO exchange_rate_history (id, old_rate, new_rate, changed_by, reason, ip_address, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.OldRate, c.NewRate, c.ChangedBy, c.Reason, c.IPAddress, c.ChangedAt)
	if err != nil {
		return fmt.Errorf("failed to insert exchange rate history: %w", err)
	}
	return nil
}

func (q queries) ListRateChanges(ctx context.Context, since time.Time, limit int) ([]domain.ExchangeRateChange, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, old_rate, new_rate, changed_by, reason, ip_address, changed_at
		FROM exchange_rate_history
		WHERE changed_at >= $1
		ORDER BY changed_at DESC, id
		LIMIT $2
	`, since, normalizeLimit(limit, 100, 10000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []domain.ExchangeRateChange
	for rows.Next() {
		var c domain.ExchangeRateChange
		if err := rows.Scan(&c.ID, &c.OldRate, &c.NewRate, &c.ChangedBy, &c.Reason, &c.IPAddress, &c.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// Credits

const creditColumns = `id, customer_id, product_code, currency, requested_amount, approved_amount, fee,
	interest_rate, interest_amount, total_to_repay, outstanding_debt, amount_repaid, caution_amount,
	penalties_accrued, frequency, installments, duration_months, status, approved_by, applied_at,
	approved_at, disbursed_at, maturity_at, completed_at, defaulted_at, cancelled_at, updated_at`

func scanCredit(row rowScanner) (*domain.Credit, error) {
	var c domain.Credit
	if err := row.Scan(
		&c.ID, &c.CustomerID, &c.ProductCode, &c.Currency, &c.RequestedAmount, &c.ApprovedAmount, &c.Fee,
		&c.InterestRate, &c.InterestAmount, &c.TotalToRepay, &c.OutstandingDebt, &c.AmountRepaid, &c.CautionAmount,
		&c.PenaltiesAccrued, &c.Frequency, &c.Installments, &c.DurationMonths, &c.Status, &c.ApprovedBy, &c.AppliedAt,
		&c.ApprovedAt, &c.DisbursedAt, &c.MaturityAt, &c.CompletedAt, &c.DefaultedAt, &c.CancelledAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q queries) GetCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error) {
	c, err := scanCredit(q.db.QueryRow(ctx, `SELECT `+creditColumns+` FROM credits WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "credit", id)
	}
	return c, nil
}

func (t *postgresTx) LockCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error) {
	c, err := scanCredit(t.tx.QueryRow(ctx, `SELECT `+creditColumns+` FROM credits WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "credit", id)
	}
	return c, nil
}

func (q queries) ListCreditsByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Credit, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+creditColumns+` FROM credits WHERE customer_id = $1 ORDER BY applied_at DESC, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credits []domain.Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		credits = append(credits, *c)
	}
	return credits, rows.Err()
}

func (t *postgresTx) InsertCredit(ctx context.Context, c *domain.Credit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credits (`+creditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27)
	`, c.ID, c.CustomerID, c.ProductCode, c.Currency, c.RequestedAmount, c.ApprovedAmount, c.Fee,
		c.InterestRate, c.InterestAmount, c.TotalToRepay, c.OutstandingDebt, c.AmountRepaid, c.CautionAmount,
		c.PenaltiesAccrued, c.Frequency, c.Installments, c.DurationMonths, c.Status, c.ApprovedBy, c.AppliedAt,
		c.ApprovedAt, c.DisbursedAt, c.MaturityAt, c.CompletedAt, c.DefaultedAt, c.CancelledAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert credit: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateCredit(ctx context.Context, c *domain.Credit) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE credits SET
			approved_amount = $2, fee = $3, interest_rate = $4, interest_amount = $5, total_to_repay = $6,
			outstanding_debt = $7, amount_repaid = $8, caution_amount = $9, penalties_accrued = $10,
			status = $11, approved_by = $12, approved_at = $13, disbursed_at = $14, maturity_at = $15,
			completed_at = $16, defaulted_at = $17, cancelled_at = $18, updated_at = $19
		WHERE id = $1
	`, c.ID, c.ApprovedAmount, c.Fee, c.InterestRate, c.InterestAmount, c.TotalToRepay,
		c.OutstandingDebt, c.AmountRepaid, c.CautionAmount, c.PenaltiesAccrued,
		c.Status, c.ApprovedBy, c.ApprovedAt, c.DisbursedAt, c.MaturityAt,
		c.CompletedAt, c.DefaultedAt, c.CancelledAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credit %s", domain.ErrNotFound, c.ID)
	}
	return nil
}

func (t *postgresTx) InsertCreditEvent(ctx context.Context, e domain.CreditEvent) error {
	var from *string
	if e.FromStatus != "" {
		s := string(e.FromStatus)
		from = &s
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_events (id, credit_id, from_status, to_status, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.CreditID, from, e.ToStatus, e.ActorID, e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert credit event: %w", err)
	}
	return nil
}

func (q queries) ListCreditEvents(ctx context.Context, creditID uuid.UUID) ([]domain.CreditEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, credit_id, COALESCE(from_status, ''), to_status, actor_id, note, created_at
		FROM credit_events
		WHERE credit_id = $1
		ORDER BY created_at, id
	`, creditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.CreditEvent
	for rows.Next() {
		var e domain.CreditEvent
		if err := rows.Scan(&e.ID, &e.CreditID, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (q queries) HasDefaultSince(ctx context.Context, customerID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credits
			WHERE customer_id = $1 AND status = 'DEFAULTED' AND defaulted_at >= $2
		)
	`, customerID, since).Scan(&exists)
	return exists, err
}

func (q queries) ListOverdueCreditIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id
		FROM credits
		WHERE status IN ('APPROVED', 'DISBURSED', 'ACTIVE')
			AND maturity_at IS NOT NULL AND maturity_at < $1
			AND outstanding_debt > 0
		ORDER BY maturity_at, id
		LIMIT $2
	`, cutoff, normalizeLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Allocation buffers

const bufferColumns = `id, customer_id, currency, product_code, total_allocated, total_debt, allocation_deficit,
	net_repayments_above_debt, available_balance, commission_rate, commission_collected, created_at, updated_at`

func scanBuffer(row rowScanner) (*domain.AllocationBuffer, error) {
	var b domain.AllocationBuffer
	if err := row.Scan(
		&b.ID, &b.CustomerID, &b.Currency, &b.ProductCode, &b.TotalAllocated, &b.TotalDebt, &b.AllocationDeficit,
		&b.NetRepaymentsAboveDebt, &b.AvailableBalance, &b.CommissionRate, &b.CommissionCollected, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}

func (q queries) GetAllocationBuffer(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error) {
	b, err := scanBuffer(q.db.QueryRow(ctx, `
		SELECT `+bufferColumns+` FROM allocation_buffers WHERE customer_id = $1 AND currency = $2
	`, customerID, currency))
	if err != nil {
		return nil, notFound(err, "allocation buffer", fmt.Sprintf("%s/%s", customerID, currency))
	}
	return b, nil
}

func (t *postgresTx) LockAllocationBuffer(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error) {
	b, err := scanBuffer(t.tx.QueryRow(ctx, `
		SELECT `+bufferColumns+` FROM allocation_buffers WHERE customer_id = $1 AND currency = $2 FOR UPDATE
	`, customerID, currency))
	if err != nil {
		return nil, notFound(err, "allocation buffer", fmt.Sprintf("%s/%s", customerID, currency))
	}
	return b, nil
}

func (t *postgresTx) InsertAllocationBuffer(ctx context.Context, b *domain.AllocationBuffer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO allocation_buffers (`+bufferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, b.ID, b.CustomerID, b.Currency, b.ProductCode, b.TotalAllocated, b.TotalDebt, b.AllocationDeficit,
		b.NetRepaymentsAboveDebt, b.AvailableBalance, b.CommissionRate, b.CommissionCollected, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert allocation buffer: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateAllocationBuffer(ctx context.Context, b *domain.AllocationBuffer) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE allocation_buffers SET
			total_allocated = $2, total_debt = $3, allocation_deficit = $4, net_repayments_above_debt = $5,
			available_balance = $6, commission_collected = $7, updated_at = $8
		WHERE id = $1
	`, b.ID, b.TotalAllocated, b.TotalDebt, b.AllocationDeficit, b.NetRepaymentsAboveDebt,
		b.AvailableBalance, b.CommissionCollected, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update allocation buffer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: allocation buffer %s", domain.ErrNotFound, b.ID)
	}
	return nil
}

func (t *postgresTx) InsertAllocationMovement(ctx context.Context, m domain.AllocationMovement) error {
	before, err := json.Marshal(m.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(m.After)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO allocation_movements (
			id, buffer_id, type, amount, commission, amount_to_debt, amount_to_allocation, amount_to_balance,
			before_snapshot, after_snapshot, transaction_id, actor_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12, $13)
	`, m.ID, m.BufferID, m.Type, m.Amount, m.Commission, m.Split.ToDebt, m.Split.ToAllocation, m.Split.ToBalance,
		string(before), string(after), m.TransactionID, m.ActorID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert allocation movement: %w", err)
	}
	return nil
}

func (q queries) ListAllocationMovements(ctx context.Context, bufferID uuid.UUID, limit int) ([]domain.AllocationMovement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, buffer_id, type, amount, commission, amount_to_debt, amount_to_allocation, amount_to_balance,
			before_snapshot::text, after_snapshot::text, transaction_id, actor_id, created_at
		FROM allocation_movements
		WHERE buffer_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, bufferID, normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []domain.AllocationMovement
	for rows.Next() {
		var (
			m             domain.AllocationMovement
			before, after string
		)
		if err := rows.Scan(
			&m.ID, &m.BufferID, &m.Type, &m.Amount, &m.Commission, &m.Split.ToDebt, &m.Split.ToAllocation, &m.Split.ToBalance,
			&before, &after, &m.TransactionID, &m.ActorID, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(before), &m.Before); err != nil {
			return nil, fmt.Errorf("decode before snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(after), &m.After); err != nil {
			return nil, fmt.Errorf("decode after snapshot: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// Approvals

const approvalColumns = `id, request_type, reference_id, payload::text, reason, requested_by, requested_by_role,
	required_approver_role, status, expires_at, decided_by, decided_by_role, decision_reason, decided_at,
	created_at, updated_at`

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var (
		r       domain.ApprovalRequest
		payload string
	)
	if err := row.Scan(
		&r.ID, &r.Type, &r.ReferenceID, &payload, &r.Reason, &r.RequestedBy, &r.RequestedByRole,
		&r.RequiredApproverRole, &r.Status, &r.ExpiresAt, &r.DecidedBy, &r.DecidedByRole, &r.DecisionReason, &r.DecidedAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

func (q queries) GetApproval(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	r, err := scanApproval(q.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "approval request", id)
	}
	return r, nil
}

func (t *postgresTx) LockApproval(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	r, err := scanApproval(t.tx.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "approval request", id)
	}
	return r, nil
}

func (q queries) ListApprovals(ctx context.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		conditions = append(conditions, fmt.Sprintf("request_type = $%d", len(args)))
	}
	if filter.ApproverRole != nil {
		args = append(args, *filter.ApproverRole)
		conditions = append(conditions, fmt.Sprintf("required_approver_role = $%d", len(args)))
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit, 50, 500))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func (q queries) ListExpiredApprovalIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id FROM approval_requests
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`, now, normalizeLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (t *postgresTx) InsertApproval(ctx context.Context, r *domain.ApprovalRequest) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO approval_requests (
			id, request_type, reference_id, payload, reason, requested_by, requested_by_role,
			required_approver_role, status, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.Type, r.ReferenceID, string(r.Payload), r.Reason, r.RequestedBy, r.RequestedByRole,
		r.RequiredApproverRole, r.Status, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateApproval(ctx context.Context, r *domain.ApprovalRequest) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE approval_requests SET
			status = $2, decided_by = $3, decided_by_role = $4, decision_reason = $5, decided_at = $6, updated_at = $7
		WHERE id = $1
	`, r.ID, r.Status, r.DecidedBy, r.DecidedByRole, r.DecisionReason, r.DecidedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: approval request %s", domain.ErrNotFound, r.ID)
	}
	return nil
}

// Outbox

func (t *postgresTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := s.pool.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         domain.OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// Loyalty points

func (s *PostgresStore) AwardLoyaltyPoints(ctx context.Context, award domain.LoyaltyAward) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO loyalty_points (customer_id, points, reason, reference, awarded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reference) DO NOTHING
	`, award.CustomerID, award.Points, award.Reason, award.Reference, award.AwardedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, fmt.Errorf("%w: customer %s", domain.ErrNotFound, award.CustomerID)
		}
		return false, fmt.Errorf("failed to award loyalty points: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) LoyaltyBalance(ctx context.Context, customerID uuid.UUID) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(points), 0) FROM loyalty_points WHERE customer_id = $1`, customerID).Scan(&total)
	return total, err
}
