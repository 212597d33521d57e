/**
 * @description
 * In-memory Store used by tests and by STORE_DRIVER=memory local runs.
 *
 * @notes
 * - Transactions are serialized by one writer mutex. Each transaction works on a copy of
 *   the committed state which replaces it on success, so a failed callback leaves no trace.
 * - Committed states are never mutated, so reads take a snapshot pointer and proceed
 *   without holding any lock.
 */

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

type memOutboxRow struct {
	message             domain.OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
	createdAt           time.Time
}

type memState struct {
	customers     map[uuid.UUID]domain.Customer
	accounts      map[uuid.UUID]domain.Account
	transactions  []domain.Transaction
	savingsCycles []domain.SavingsCycle
	rate          *domain.ExchangeRate
	rateChanges   []domain.ExchangeRateChange
	credits       map[uuid.UUID]domain.Credit
	creditEvents  []domain.CreditEvent
	buffers       map[uuid.UUID]domain.AllocationBuffer
	movements     []domain.AllocationMovement
	approvals     map[uuid.UUID]domain.ApprovalRequest
	outbox        []memOutboxRow
	nextOutboxID  int64
	loyalty       map[string]domain.LoyaltyAward
	clock         func() time.Time
}

func newMemState() *memState {
	return &memState{
		customers: make(map[uuid.UUID]domain.Customer),
		accounts:  make(map[uuid.UUID]domain.Account),
		credits:   make(map[uuid.UUID]domain.Credit),
		buffers:   make(map[uuid.UUID]domain.AllocationBuffer),
		approvals: make(map[uuid.UUID]domain.ApprovalRequest),
		loyalty:   make(map[string]domain.LoyaltyAward),
		clock:     time.Now,
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	c := &memState{
		customers:     cloneMap(s.customers),
		accounts:      cloneMap(s.accounts),
		transactions:  append([]domain.Transaction(nil), s.transactions...),
		savingsCycles: append([]domain.SavingsCycle(nil), s.savingsCycles...),
		rateChanges:   append([]domain.ExchangeRateChange(nil), s.rateChanges...),
		credits:       cloneMap(s.credits),
		creditEvents:  append([]domain.CreditEvent(nil), s.creditEvents...),
		buffers:       cloneMap(s.buffers),
		movements:     append([]domain.AllocationMovement(nil), s.movements...),
		approvals:     cloneMap(s.approvals),
		outbox:        append([]memOutboxRow(nil), s.outbox...),
		nextOutboxID:  s.nextOutboxID,
		loyalty:       cloneMap(s.loyalty),
		clock:         s.clock,
	}
	if s.rate != nil {
		rate := *s.rate
		c.rate = &rate
	}
	return c
}

// MemoryStore keeps the whole ledger in process memory.
type MemoryStore struct {
	writeMu sync.Mutex
	stateMu sync.RWMutex
	state   *memState
}

// NewMemoryStore creates an empty store whose exchange rate is initialRate CDF per USD.
func NewMemoryStore(initialRate decimal.Decimal) *MemoryStore {
	state := newMemState()
	state.rate = &domain.ExchangeRate{LocalPerUSD: initialRate, UpdatedAt: time.Now().UTC()}
	return &MemoryStore{state: state}
}

// SetClock overrides the clock used for outbox scheduling.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	_ = s.mutate(func(st *memState) error {
		st.clock = clock
		return nil
	})
}

// AddSavingsCycle records a cycle of the savings program, which lives outside the ledger.
func (s *MemoryStore) AddSavingsCycle(cycle domain.SavingsCycle) {
	_ = s.mutate(func(st *memState) error {
		st.savingsCycles = append(st.savingsCycles, cycle)
		return nil
	})
}

func (s *MemoryStore) current() *memState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *MemoryStore) mutate(fn func(st *memState) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current().clone()
	if err := fn(next); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
	return nil
}

// InTx runs fn against a private copy of the state and publishes it when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(st *memState) error {
		if err := fn(st); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// Reads delegate to the committed snapshot.

func (s *MemoryStore) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	return s.current().GetCustomer(ctx, id)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.current().GetAccount(ctx, id)
}

func (s *MemoryStore) FindAccount(ctx context.Context, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (*domain.Account, error) {
	return s.current().FindAccount(ctx, customerID, code, currency)
}

func (s *MemoryStore) ListAccounts(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	return s.current().ListAccounts(ctx, customerID)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	return s.current().ListTransactions(ctx, accountID, limit)
}

func (s *MemoryStore) CountDepositDays(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	return s.current().CountDepositDays(ctx, accountID, since)
}

func (s *MemoryStore) CountDeposits(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	return s.current().CountDeposits(ctx, accountID, since)
}

func (s *MemoryStore) CountCompletedSavingsCycles(ctx context.Context, customerID uuid.UUID) (int, error) {
	return s.current().CountCompletedSavingsCycles(ctx, customerID)
}

func (s *MemoryStore) GetExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	return s.current().GetExchangeRate(ctx)
}

func (s *MemoryStore) ListRateChanges(ctx context.Context, since time.Time, limit int) ([]domain.ExchangeRateChange, error) {
	return s.current().ListRateChanges(ctx, since, limit)
}

func (s *MemoryStore) GetCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error) {
	return s.current().GetCredit(ctx, id)
}

func (s *MemoryStore) ListCreditsByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Credit, error) {
	return s.current().ListCreditsByCustomer(ctx, customerID)
}

func (s *MemoryStore) ListCreditEvents(ctx context.Context, creditID uuid.UUID) ([]domain.CreditEvent, error) {
	return s.current().ListCreditEvents(ctx, creditID)
}

func (s *MemoryStore) HasDefaultSince(ctx context.Context, customerID uuid.UUID, since time.Time) (bool, error) {
	return s.current().HasDefaultSince(ctx, customerID, since)
}

func (s *MemoryStore) ListOverdueCreditIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return s.current().ListOverdueCreditIDs(ctx, cutoff, limit)
}

func (s *MemoryStore) GetAllocationBuffer(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error) {
	return s.current().GetAllocationBuffer(ctx, customerID, currency)
}

func (s *MemoryStore) ListAllocationMovements(ctx context.Context, bufferID uuid.UUID, limit int) ([]domain.AllocationMovement, error) {
	return s.current().ListAllocationMovements(ctx, bufferID, limit)
}

func (s *MemoryStore) GetApproval(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	return s.current().GetApproval(ctx, id)
}

func (s *MemoryStore) ListApprovals(ctx context.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	return s.current().ListApprovals(ctx, filter)
}

func (s *MemoryStore) ListExpiredApprovalIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.current().ListExpiredApprovalIDs(ctx, now, limit)
}

// Outbox and loyalty

func (s *MemoryStore) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	var claimed []domain.OutboxMessage
	err := s.mutate(func(st *memState) error {
		now := st.clock()
		staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
		for i := range st.outbox {
			if len(claimed) >= limit {
				break
			}
			row := &st.outbox[i]
			ready := row.status == "pending" && !row.nextAttemptAt.After(now)
			stale := row.status == "processing" && row.processingStartedAt.Before(staleBefore)
			if !ready && !stale {
				continue
			}
			row.status = "processing"
			row.processingStartedAt = now
			row.message.Attempts++
			claimed = append(claimed, row.message)
		}
		return nil
	})
	return claimed, err
}

func (s *MemoryStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	return s.mutate(func(st *memState) error {
		for i := range st.outbox {
			if st.outbox[i].message.ID == id {
				st.outbox[i].status = "published"
				st.outbox[i].lastError = ""
				return nil
			}
		}
		return nil
	})
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return s.mutate(func(st *memState) error {
		for i := range st.outbox {
			if st.outbox[i].message.ID == id {
				st.outbox[i].status = "pending"
				st.outbox[i].nextAttemptAt = st.clock().Add(time.Duration(retryAfterSeconds) * time.Second)
				st.outbox[i].lastError = reason
				return nil
			}
		}
		return nil
	})
}

// OutboxStatus reports the delivery status of every outbox row keyed by routing key
// order of insertion.
func (s *MemoryStore) OutboxStatus() []OutboxRowStatus {
	st := s.current()
	out := make([]OutboxRowStatus, 0, len(st.outbox))
	for _, row := range st.outbox {
		out = append(out, OutboxRowStatus{
			ID:         row.message.ID,
			RoutingKey: row.message.RoutingKey,
			Status:     row.status,
			Attempts:   row.message.Attempts,
			LastError:  row.lastError,
			Payload:    row.message.Payload,
		})
	}
	return out
}

// OutboxRowStatus is the test view of an outbox row.
type OutboxRowStatus struct {
	ID         int64
	RoutingKey string
	Status     string
	Attempts   int
	LastError  string
	Payload    []byte
}

func (s *MemoryStore) AwardLoyaltyPoints(ctx context.Context, award domain.LoyaltyAward) (bool, error) {
	created := false
	err := s.mutate(func(st *memState) error {
		if _, ok := st.customers[award.CustomerID]; !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, award.CustomerID)
		}
		if _, exists := st.loyalty[award.Reference]; exists {
			return nil
		}
		st.loyalty[award.Reference] = award
		created = true
		return nil
	})
	return created, err
}

func (s *MemoryStore) LoyaltyBalance(ctx context.Context, customerID uuid.UUID) (int, error) {
	total := 0
	for _, award := range s.current().loyalty {
		if award.CustomerID == customerID {
			total += award.Points
		}
	}
	return total, nil
}

// memState implements Queries and Tx. Row locks are implicit: transactions are serialized.

func (st *memState) GetCustomer(_ context.Context, id uuid.UUID) (*domain.Customer, error) {
	c, ok := st.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", domain.ErrNotFound, id)
	}
	return &c, nil
}

func (st *memState) LockCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	return st.GetCustomer(ctx, id)
}

func (st *memState) InsertCustomer(_ context.Context, c *domain.Customer) error {
	if _, exists := st.customers[c.ID]; exists {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	st.customers[c.ID] = *c
	return nil
}

func (st *memState) UpdateCustomer(_ context.Context, c *domain.Customer) error {
	if _, ok := st.customers[c.ID]; !ok {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, c.ID)
	}
	st.customers[c.ID] = *c
	return nil
}

func (st *memState) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	a, ok := st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return &a, nil
}

func (st *memState) FindAccount(ctx context.Context, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (*domain.Account, error) {
	accounts, _ := st.ListAccounts(ctx, customerID)
	for _, a := range accounts {
		if a.Code == code && a.Currency == currency {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s/%s/%s", domain.ErrNotFound, customerID, code, currency)
}

func (st *memState) ListAccounts(_ context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	var accounts []domain.Account
	for _, a := range st.accounts {
		if a.CustomerID == customerID {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].OpenedAt.Equal(accounts[j].OpenedAt) {
			return accounts[i].OpenedAt.Before(accounts[j].OpenedAt)
		}
		return bytes.Compare(accounts[i].ID[:], accounts[j].ID[:]) < 0
	})
	return accounts, nil
}

func (st *memState) LockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return st.GetAccount(ctx, id)
}

func (st *memState) LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	locked := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range sortedUniqueIDs(ids) {
		a, err := st.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = a
	}
	return locked, nil
}

func (st *memState) InsertAccount(_ context.Context, a *domain.Account) error {
	if _, ok := st.customers[a.CustomerID]; !ok {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, a.CustomerID)
	}
	for _, existing := range st.accounts {
		if existing.CustomerID == a.CustomerID && existing.Code == a.Code && existing.Currency == a.Currency {
			return fmt.Errorf("%w: %s %s %s", ErrAccountExists, a.CustomerID, a.Code, a.Currency)
		}
	}
	st.accounts[a.ID] = *a
	return nil
}

func (st *memState) UpdateAccountBalance(_ context.Context, id uuid.UUID, balance decimal.Decimal, at time.Time) error {
	a, ok := st.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	if balance.IsNegative() {
		return fmt.Errorf("account %s balance would become negative", id)
	}
	a.Balance = balance
	a.UpdatedAt = at
	st.accounts[id] = a
	return nil
}

func (st *memState) UpdateAccountStatus(_ context.Context, id uuid.UUID, status domain.AccountStatus, at time.Time) error {
	a, ok := st.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	a.Status = status
	a.ClosedAt = nil
	if status == domain.AccountClosed {
		closedAt := at
		a.ClosedAt = &closedAt
	}
	a.UpdatedAt = at
	st.accounts[id] = a
	return nil
}

func (st *memState) InsertTransaction(_ context.Context, e *domain.Transaction) error {
	st.transactions = append(st.transactions, *e)
	return nil
}

func (st *memState) ListTransactions(_ context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	limit = normalizeLimit(limit, 50, 500)
	var entries []domain.Transaction
	for i := len(st.transactions) - 1; i >= 0; i-- {
		e := st.transactions[i]
		if e.AccountID != nil && *e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (st *memState) deposits(accountID uuid.UUID, since time.Time) []domain.Transaction {
	var out []domain.Transaction
	for _, e := range st.transactions {
		if e.AccountID == nil || *e.AccountID != accountID {
			continue
		}
		if e.Type != domain.TxDeposit || e.Status != domain.TxCompleted || e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (st *memState) CountDepositDays(_ context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	days := make(map[string]struct{})
	for _, e := range st.deposits(accountID, since) {
		days[e.CreatedAt.UTC().Format("2006-01-02")] = struct{}{}
	}
	return len(days), nil
}

func (st *memState) CountDeposits(_ context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	return len(st.deposits(accountID, since)), nil
}

func (st *memState) CountCompletedSavingsCycles(_ context.Context, customerID uuid.UUID) (int, error) {
	n := 0
	for _, c := range st.savingsCycles {
		if c.CustomerID == customerID && c.Completed {
			n++
		}
	}
	return n, nil
}

func (st *memState) GetExchangeRate(_ context.Context) (*domain.ExchangeRate, error) {
	if st.rate == nil {
		return nil, fmt.Errorf("%w: exchange rate", domain.ErrNotFound)
	}
	rate := *st.rate
	return &rate, nil
}

func (st *memState) LockExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	return st.GetExchangeRate(ctx)
}

func (st *memState) SaveExchangeRate(_ context.Context, r domain.ExchangeRate) error {
	st.rate = &r
	return nil
}

func (st *memState) InsertRateChange(_ context.Context, c domain.ExchangeRateChange) error {
	st.rateChanges = append(st.rateChanges, c)
	return nil
}

func (st *memState) ListRateChanges(_ context.Context, since time.Time, limit int) ([]domain.ExchangeRateChange, error) {
	limit = normalizeLimit(limit, 100, 10000)
	var changes []domain.ExchangeRateChange
	for i := len(st.rateChanges) - 1; i >= 0; i-- {
		c := st.rateChanges[i]
		if c.ChangedAt.Before(since) {
			continue
		}
		changes = append(changes, c)
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].ChangedAt.After(changes[j].ChangedAt) })
	if len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

func (st *memState) GetCredit(_ context.Context, id uuid.UUID) (*domain.Credit, error) {
	c, ok := st.credits[id]
	if !ok {
		return nil, fmt.Errorf("%w: credit %s", domain.ErrNotFound, id)
	}
	return &c, nil
}

func (st *memState) LockCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error) {
	return st.GetCredit(ctx, id)
}

func (st *memState) ListCreditsByCustomer(_ context.Context, customerID uuid.UUID) ([]domain.Credit, error) {
	var credits []domain.Credit
	for _, c := range st.credits {
		if c.CustomerID == customerID {
			credits = append(credits, c)
		}
	}
	sort.Slice(credits, func(i, j int) bool {
		if !credits[i].AppliedAt.Equal(credits[j].AppliedAt) {
			return credits[i].AppliedAt.After(credits[j].AppliedAt)
		}
		return bytes.Compare(credits[i].ID[:], credits[j].ID[:]) < 0
	})
	return credits, nil
}

func (st *memState) InsertCredit(_ context.Context, c *domain.Credit) error {
	if _, ok := st.customers[c.CustomerID]; !ok {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, c.CustomerID)
	}
	st.credits[c.ID] = *c
	return nil
}

func (st *memState) UpdateCredit(_ context.Context, c *domain.Credit) error {
	if _, ok := st.credits[c.ID]; !ok {
		return fmt.Errorf("%w: credit %s", domain.ErrNotFound, c.ID)
	}
	st.credits[c.ID] = *c
	return nil
}

func (st *memState) InsertCreditEvent(_ context.Context, e domain.CreditEvent) error {
	st.creditEvents = append(st.creditEvents, e)
	return nil
}

func (st *memState) ListCreditEvents(_ context.Context, creditID uuid.UUID) ([]domain.CreditEvent, error) {
	var events []domain.CreditEvent
	for _, e := range st.creditEvents {
		if e.CreditID == creditID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (st *memState) HasDefaultSince(_ context.Context, customerID uuid.UUID, since time.Time) (bool, error) {
	for _, c := range st.credits {
		if c.CustomerID != customerID || c.Status != domain.CreditDefaulted || c.DefaultedAt == nil {
			continue
		}
		if !c.DefaultedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (st *memState) ListOverdueCreditIDs(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	limit = normalizeLimit(limit, 100, 1000)
	var overdue []domain.Credit
	for _, c := range st.credits {
		switch c.Status {
		case domain.CreditApproved, domain.CreditDisbursed, domain.CreditActive:
		default:
			continue
		}
		if c.MaturityAt == nil || !c.MaturityAt.Before(cutoff) || !c.OutstandingDebt.IsPositive() {
			continue
		}
		overdue = append(overdue, c)
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].MaturityAt.Before(*overdue[j].MaturityAt) })
	ids := make([]uuid.UUID, 0, len(overdue))
	for i, c := range overdue {
		if i >= limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (st *memState) GetAllocationBuffer(_ context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error) {
	for _, b := range st.buffers {
		if b.CustomerID == customerID && b.Currency == currency {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("%w: allocation buffer %s/%s", domain.ErrNotFound, customerID, currency)
}

func (st *memState) LockAllocationBuffer(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error) {
	return st.GetAllocationBuffer(ctx, customerID, currency)
}

func (st *memState) InsertAllocationBuffer(ctx context.Context, b *domain.AllocationBuffer) error {
	if _, err := st.GetAllocationBuffer(ctx, b.CustomerID, b.Currency); err == nil {
		return fmt.Errorf("allocation buffer %s/%s already exists", b.CustomerID, b.Currency)
	}
	st.buffers[b.ID] = *b
	return nil
}

func (st *memState) UpdateAllocationBuffer(_ context.Context, b *domain.AllocationBuffer) error {
	if _, ok := st.buffers[b.ID]; !ok {
		return fmt.Errorf("%w: allocation buffer %s", domain.ErrNotFound, b.ID)
	}
	if !b.Consistent() {
		return fmt.Errorf("allocation buffer %s violates available balance check", b.ID)
	}
	st.buffers[b.ID] = *b
	return nil
}

func (st *memState) InsertAllocationMovement(_ context.Context, m domain.AllocationMovement) error {
	st.movements = append(st.movements, m)
	return nil
}

func (st *memState) ListAllocationMovements(_ context.Context, bufferID uuid.UUID, limit int) ([]domain.AllocationMovement, error) {
	limit = normalizeLimit(limit, 50, 500)
	var movements []domain.AllocationMovement
	for i := len(st.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		if st.movements[i].BufferID == bufferID {
			movements = append(movements, st.movements[i])
		}
	}
	return movements, nil
}

func (st *memState) GetApproval(_ context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	r, ok := st.approvals[id]
	if !ok {
		return nil, fmt.Errorf("%w: approval request %s", domain.ErrNotFound, id)
	}
	return &r, nil
}

func (st *memState) LockApproval(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	return st.GetApproval(ctx, id)
}

func (st *memState) ListApprovals(_ context.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	var requests []domain.ApprovalRequest
	for _, r := range st.approvals {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && r.Type != *filter.Type {
			continue
		}
		if filter.ApproverRole != nil && r.RequiredApproverRole != *filter.ApproverRole {
			continue
		}
		requests = append(requests, r)
	}
	sort.Slice(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.After(requests[j].CreatedAt)
		}
		return bytes.Compare(requests[i].ID[:], requests[j].ID[:]) < 0
	})
	if limit := normalizeLimit(filter.Limit, 50, 500); len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

func (st *memState) ListExpiredApprovalIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	limit = normalizeLimit(limit, 100, 1000)
	var expired []domain.ApprovalRequest
	for _, r := range st.approvals {
		if r.Expired(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	ids := make([]uuid.UUID, 0, len(expired))
	for i, r := range expired {
		if i >= limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (st *memState) InsertApproval(_ context.Context, r *domain.ApprovalRequest) error {
	st.approvals[r.ID] = *r
	return nil
}

func (st *memState) UpdateApproval(_ context.Context, r *domain.ApprovalRequest) error {
	if _, ok := st.approvals[r.ID]; !ok {
		return fmt.Errorf("%w: approval request %s", domain.ErrNotFound, r.ID)
	}
	st.approvals[r.ID] = *r
	return nil
}

func (st *memState) EnqueueEvent(_ context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	st.nextOutboxID++
	now := st.clock()
	st.outbox = append(st.outbox, memOutboxRow{
		message: domain.OutboxMessage{
			ID:         st.nextOutboxID,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: now,
		createdAt:     now,
	})
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memState)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
