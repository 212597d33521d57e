package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

func seedCustomerWithAccount(t *testing.T, s *MemoryStore) (domain.Customer, domain.Account) {
	t.Helper()
	now := time.Now().UTC()
	customer := domain.Customer{ID: uuid.New(), FullName: "Test Customer", Status: domain.CustomerActive, CreatedAt: now, UpdatedAt: now}
	account := domain.Account{
		ID:         uuid.New(),
		CustomerID: customer.ID,
		Code:       domain.SubAccountStandard,
		Currency:   domain.CurrencyUSD,
		Balance:    decimal.NewFromInt(10),
		Status:     domain.AccountActive,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertCustomer(context.Background(), &customer); err != nil {
			return err
		}
		return tx.InsertAccount(context.Background(), &account)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return customer, account
}

func TestMemoryStore_FailedTxLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(decimal.NewFromInt(2800))
	_, account := seedCustomerWithAccount(t, s)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdateAccountBalance(ctx, account.ID, decimal.NewFromInt(99), time.Now()); err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, domain.EventsExchange, "test.event", map[string]string{"a": "b"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	got, err := s.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance to stay 10, got %s", got.Balance)
	}
	if rows := s.OutboxStatus(); len(rows) != 0 {
		t.Fatalf("expected no outbox rows, got %d", len(rows))
	}
}

func TestMemoryStore_RejectsNegativeBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(decimal.NewFromInt(2800))
	_, account := seedCustomerWithAccount(t, s)

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateAccountBalance(ctx, account.ID, decimal.NewFromInt(-1), time.Now())
	})
	if err == nil {
		t.Fatal("expected negative balance to be rejected")
	}
}

func TestMemoryStore_InsertAccountRejectsDuplicatePurse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(decimal.NewFromInt(2800))
	customer, existing := seedCustomerWithAccount(t, s)

	duplicate := existing
	duplicate.ID = uuid.New()
	duplicate.OpenedAt = existing.OpenedAt.Add(time.Hour)
	err := s.InTx(ctx, func(tx Tx) error { return tx.InsertAccount(ctx, &duplicate) })
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	got, err := s.FindAccount(ctx, customer.ID, domain.SubAccountStandard, domain.CurrencyUSD)
	if err != nil {
		t.Fatalf("FindAccount: %v", err)
	}
	if got.ID != existing.ID {
		t.Fatalf("expected account %s, got %s", existing.ID, got.ID)
	}

	if _, err := s.FindAccount(ctx, customer.ID, domain.SubAccountFines, domain.CurrencyUSD); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CountDepositDays(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(decimal.NewFromInt(2800))
	customer, account := seedCustomerWithAccount(t, s)

	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []domain.Transaction{
		{Type: domain.TxDeposit, Status: domain.TxCompleted, CreatedAt: day},
		{Type: domain.TxDeposit, Status: domain.TxCompleted, CreatedAt: day.Add(3 * time.Hour)},
		{Type: domain.TxDeposit, Status: domain.TxCompleted, CreatedAt: day.Add(24 * time.Hour)},
		{Type: domain.TxDeposit, Status: domain.TxFailed, CreatedAt: day.Add(48 * time.Hour)},
		{Type: domain.TxWithdrawal, Status: domain.TxCompleted, CreatedAt: day.Add(72 * time.Hour)},
		{Type: domain.TxDeposit, Status: domain.TxCompleted, CreatedAt: day.Add(-24 * time.Hour)},
	}
	err := s.InTx(ctx, func(tx Tx) error {
		for i := range entries {
			entries[i].ID = uuid.New()
			entries[i].AccountID = &account.ID
			entries[i].CustomerID = customer.ID
			if err := tx.InsertTransaction(ctx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed transactions: %v", err)
	}

	days, _ := s.CountDepositDays(ctx, account.ID, day)
	if days != 2 {
		t.Fatalf("expected 2 distinct deposit days, got %d", days)
	}
	count, _ := s.CountDeposits(ctx, account.ID, day)
	if count != 3 {
		t.Fatalf("expected 3 deposits, got %d", count)
	}
}

func TestMemoryStore_OutboxClaimAndRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(decimal.NewFromInt(2800))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if err := s.InTx(ctx, func(tx Tx) error {
		return tx.EnqueueEvent(ctx, domain.EventsExchange, domain.RoutingCreditApplied, map[string]string{"k": "v"})
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d (err=%v)", len(claimed), err)
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", claimed[0].Attempts)
	}
	if again, _ := s.ClaimOutboxMessages(ctx, 10, 120); len(again) != 0 {
		t.Fatal("expected processing message not to be claimed twice")
	}

	if err := s.MarkOutboxFailed(ctx, claimed[0].ID, 30, "broker down"); err != nil {
		t.Fatalf("MarkOutboxFailed: %v", err)
	}
	if early, _ := s.ClaimOutboxMessages(ctx, 10, 120); len(early) != 0 {
		t.Fatal("expected failed message to wait for its retry time")
	}

	now = now.Add(31 * time.Second)
	retried, _ := s.ClaimOutboxMessages(ctx, 10, 120)
	if len(retried) != 1 || retried[0].Attempts != 2 {
		t.Fatalf("expected retry with attempt 2, got %+v", retried)
	}
	if err := s.MarkOutboxPublished(ctx, retried[0].ID); err != nil {
		t.Fatalf("MarkOutboxPublished: %v", err)
	}
	if rows := s.OutboxStatus(); rows[0].Status != "published" {
		t.Fatalf("expected published, got %s", rows[0].Status)
	}
}

func TestMemoryStore_AwardLoyaltyPointsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(decimal.NewFromInt(2800))
	customer, _ := seedCustomerWithAccount(t, s)

	award := domain.LoyaltyAward{CustomerID: customer.ID, Points: 1, Reason: "credit applied", Reference: "credit:1"}
	created, err := s.AwardLoyaltyPoints(ctx, award)
	if err != nil || !created {
		t.Fatalf("expected first award to be created, created=%t err=%v", created, err)
	}
	created, err = s.AwardLoyaltyPoints(ctx, award)
	if err != nil || created {
		t.Fatalf("expected duplicate award to be ignored, created=%t err=%v", created, err)
	}
	if balance, _ := s.LoyaltyBalance(ctx, customer.ID); balance != 1 {
		t.Fatalf("expected balance 1, got %d", balance)
	}
}

func TestSortedUniqueIDs(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	c := uuid.MustParse("f0000000-0000-0000-0000-000000000000")

	got := sortedUniqueIDs([]uuid.UUID{c, a, b, a})
	want := []uuid.UUID{a, b, c}
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMigrationURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@db:5432/core?sslmode=disable": "pgx5://u:p@db:5432/core?sslmode=disable",
		"postgresql://db/core":                        "pgx5://db/core",
		" pgx5://db/core ":                            "pgx5://db/core",
	}
	for in, want := range tests {
		if got := migrationURL(in); got != want {
			t.Fatalf("migrationURL(%q) = %q, want %q", in, got, want)
		}
	}
}
