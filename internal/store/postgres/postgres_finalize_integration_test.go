package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"bartally/internal/domain"
	"bartally/internal/store"
)

func TestFinalizeDeclarationCommitsAtomically(t *testing.T) {
	databaseURL := os.Getenv("BARTALLY_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BARTALLY_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	manager := fmt.Sprintf("mgr-it-%d", stamp)
	item := fmt.Sprintf("item-it-%d", stamp)
	date := "2026-08-28"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM salary_adjustments WHERE username = $1`, manager)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_register_entries WHERE username = $1`, manager)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_stock_entries WHERE manager = $1`, manager)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE name = $1`, item)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, manager)
	})

	if _, err := s.CreateUser(ctx, domain.UserAccount{
		Username:          manager,
		Password:          "hash",
		Role:              domain.RoleManager,
		MonthlySalaryKobo: 5000000,
		BalanceKobo:       5000000,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateItem(ctx, domain.InventoryItem{
		Name: item, PriceKobo: 100000, OpeningStock: 10, SupplyQty: 10, ClosingStock: 10,
	}); err != nil {
		t.Fatalf("create item: %v", err)
	}

	stockEntry, err := s.SaveDailyStock(ctx, manager, date, map[string]int{item: 15})
	if err != nil {
		t.Fatalf("save daily stock: %v", err)
	}
	if stockEntry.ExpectedRevenueKobo != 500000 {
		t.Fatalf("expected revenue 500000, got %d", stockEntry.ExpectedRevenueKobo)
	}

	rolled, err := s.GetItem(ctx, item)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if rolled.OpeningStock != 15 || rolled.SupplyQty != 0 || rolled.ClosingStock != 15 {
		t.Fatalf("expected rolled item 15/0/15, got %d/%d/%d", rolled.OpeningStock, rolled.SupplyQty, rolled.ClosingStock)
	}

	outcome, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         manager,
			Date:             date,
			DeclaredCashKobo: 200000,
			DeclaredPosKobo:  250000,
			SystemTotalKobo:  500000,
			MismatchKobo:     -50000,
			DeductionKobo:    50000,
		},
		StockEntryID: stockEntry.ID,
		Adjustment: &domain.SalaryAdjustment{
			Username:   manager,
			Kind:       domain.AdjustmentDeduction,
			AmountKobo: 50000,
			Reason:     "reconciliation shortfall",
			Date:       date,
			Mismatch: &domain.MismatchDetail{
				Date: date, ExpectedKobo: 500000, DeclaredKobo: 450000, MismatchKobo: -50000,
			},
		},
	})
	if err != nil {
		t.Fatalf("finalize declaration: %v", err)
	}
	if outcome.Adjustment == nil || outcome.Adjustment.NewBalanceKobo != 4950000 {
		t.Fatalf("expected balance 4950000, got %+v", outcome.Adjustment)
	}

	finalEntry, err := s.GetDailyStock(ctx, manager, date)
	if err != nil {
		t.Fatalf("get daily stock: %v", err)
	}
	if !finalEntry.Finalized || finalEntry.DeductionKobo != 50000 {
		t.Fatalf("expected finalized entry with deduction 50000, got %+v", finalEntry)
	}
	if len(finalEntry.Snapshot.Lines) != 1 || finalEntry.Snapshot.Lines[0].QuantitySold != 5 {
		t.Fatalf("expected snapshot line with 5 sold, got %+v", finalEntry.Snapshot)
	}

	if _, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{Username: manager, Date: date, SystemTotalKobo: 500000},
	}); !errors.Is(err, store.ErrState) {
		t.Fatalf("expected ErrState on second finalize, got %v", err)
	}

	history, err := s.ListAdjustments(ctx, manager, date)
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	if len(history) != 1 || history[0].Mismatch == nil || history[0].Mismatch.DeclaredKobo != 450000 {
		t.Fatalf("expected one adjustment with mismatch detail, got %+v", history)
	}
}
