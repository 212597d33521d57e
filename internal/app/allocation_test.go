package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

func TestSplitRepayment(t *testing.T) {
	tests := []struct {
		name                   string
		amount, debt, deficit  string
		toDebt, toAlloc, toBal string
	}{
		{name: "debt only", amount: "30", debt: "50", deficit: "10", toDebt: "30", toAlloc: "0", toBal: "0"},
		{name: "debt then deficit", amount: "55", debt: "50", deficit: "10", toDebt: "50", toAlloc: "5", toBal: "0"},
		{name: "overflow to balance", amount: "100", debt: "50", deficit: "10", toDebt: "50", toAlloc: "10", toBal: "40"},
		{name: "nothing owed", amount: "12.34", debt: "0", deficit: "0", toDebt: "0", toAlloc: "0", toBal: "12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split := domain.SplitRepayment(dec(tt.amount), dec(tt.debt), dec(tt.deficit))
			if !split.ToDebt.Equal(dec(tt.toDebt)) || !split.ToAllocation.Equal(dec(tt.toAlloc)) || !split.ToBalance.Equal(dec(tt.toBal)) {
				t.Fatalf("unexpected split %+v", split)
			}
			if !split.Total().Equal(dec(tt.amount)) {
				t.Fatalf("split total %s does not match amount %s", split.Total(), tt.amount)
			}
		})
	}
}

func TestAllocationBuffer_DisburseDrawRepay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	actor := uuid.New()

	disbursed, err := env.allocation.Disburse(ctx, customerID, domain.CurrencyUSD, dec("100"), actor)
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	assertBuffer(t, disbursed.Buffer, "90", "0", "10", "0", "90")
	if !disbursed.Movement.Commission.Equal(dec("10")) {
		t.Fatalf("expected commission 10, got %s", disbursed.Movement.Commission)
	}
	assertBalance(t, env, customerID, domain.SubAccountCredit, "90")

	drawn, err := env.allocation.Draw(ctx, customerID, domain.CurrencyUSD, dec("50"), actor)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	assertBuffer(t, drawn.Buffer, "90", "50", "10", "0", "40")
	assertBalance(t, env, customerID, domain.SubAccountCredit, "40")

	repaid, err := env.allocation.Repay(ctx, customerID, domain.CurrencyUSD, dec("70"), actor)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	split := repaid.Movement.Split
	if !split.ToDebt.Equal(dec("50")) || !split.ToAllocation.Equal(dec("10")) || !split.ToBalance.Equal(dec("10")) {
		t.Fatalf("unexpected split %+v", split)
	}
	assertBuffer(t, repaid.Buffer, "100", "0", "0", "10", "110")
	assertBalance(t, env, customerID, domain.SubAccountCredit, "110")
	if !repaid.Movement.Before.AvailableBalance.Equal(dec("40")) || !repaid.Movement.After.AvailableBalance.Equal(dec("110")) {
		t.Fatalf("unexpected snapshots before=%s after=%s", repaid.Movement.Before.AvailableBalance, repaid.Movement.After.AvailableBalance)
	}

	movements, err := env.allocation.Movements(ctx, customerID, domain.CurrencyUSD, 10)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 3 || movements[0].Type != domain.AllocationRepayment {
		t.Fatalf("expected 3 movements newest first, got %d", len(movements))
	}
}

func TestAllocationDraw_RejectsOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)

	if _, err := env.allocation.Draw(ctx, customerID, domain.CurrencyUSD, dec("1"), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any disbursement, got %v", err)
	}
	if _, err := env.allocation.Disburse(ctx, customerID, domain.CurrencyUSD, dec("10"), uuid.New()); err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if _, err := env.allocation.Draw(ctx, customerID, domain.CurrencyUSD, dec("9.01"), uuid.New()); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	buffer, err := env.allocation.Get(ctx, customerID, domain.CurrencyUSD)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertBuffer(t, *buffer, "9", "0", "1", "0", "9")
}

func assertBuffer(t *testing.T, b domain.AllocationBuffer, allocated, debt, deficit, above, available string) {
	t.Helper()
	fields := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"total_allocated", b.TotalAllocated, allocated},
		{"total_debt", b.TotalDebt, debt},
		{"allocation_deficit", b.AllocationDeficit, deficit},
		{"net_repayments_above_debt", b.NetRepaymentsAboveDebt, above},
		{"available_balance", b.AvailableBalance, available},
	}
	for _, f := range fields {
		if !f.got.Equal(dec(f.want)) {
			t.Fatalf("expected %s %s, got %s", f.name, f.want, f.got)
		}
	}
	if !b.Consistent() {
		t.Fatal("buffer violates available = allocated - debt + above")
	}
}
