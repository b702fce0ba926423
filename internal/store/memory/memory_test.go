package memory

import (
	"context"
	"errors"
	"testing"

	"bartally/internal/domain"
	"bartally/internal/store"
)

func seedItem(t *testing.T, s *Store, name string, price int64, qty int) {
	t.Helper()
	if _, err := s.CreateItem(context.Background(), domain.InventoryItem{
		Name:         name,
		PriceKobo:    price,
		OpeningStock: qty,
		ClosingStock: qty,
	}); err != nil {
		t.Fatalf("seed item %s: %v", name, err)
	}
}

func TestSaveDailyStockRollsLedgerForward(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)

	entry, err := s.SaveDailyStock(ctx, "manager", "2026-08-28", map[string]int{"star-lager": 4})
	if err != nil {
		t.Fatalf("save daily stock: %v", err)
	}
	if entry.ExpectedRevenueKobo != 600000 {
		t.Fatalf("expected revenue 600000, got %d", entry.ExpectedRevenueKobo)
	}

	item, err := s.GetItem(ctx, "star-lager")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.OpeningStock != 4 || item.SupplyQty != 0 || item.ClosingStock != 4 {
		t.Fatalf("expected rolled item 4/0/4, got %d/%d/%d", item.OpeningStock, item.SupplyQty, item.ClosingStock)
	}
}

func TestSaveDailyStockRejectionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)
	seedItem(t, s, "gulder", 120000, 5)

	_, err := s.SaveDailyStock(ctx, "manager", "2026-08-28", map[string]int{"star-lager": 4, "gulder": 7})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	item, err := s.GetItem(ctx, "star-lager")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.OpeningStock != 10 || item.SupplyQty != 0 || item.ClosingStock != 10 {
		t.Fatalf("expected untouched item 10/0/10, got %d/%d/%d", item.OpeningStock, item.SupplyQty, item.ClosingStock)
	}
	if _, err := s.GetDailyStock(ctx, "manager", "2026-08-28"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no entry after rejection, got %v", err)
	}
}

func TestSaveDailyStockOverwritesBeforeFinalize(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)

	first, err := s.SaveDailyStock(ctx, "manager", "2026-08-28", map[string]int{"star-lager": 6})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := s.SaveDailyStock(ctx, "manager", "2026-08-28", map[string]int{"star-lager": 2})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same entry overwritten, got %s then %s", first.ID, second.ID)
	}
	if second.ExpectedRevenueKobo != 400000 {
		t.Fatalf("expected revenue 400000 after overwrite, got %d", second.ExpectedRevenueKobo)
	}
}

func TestFinalizeDeclarationIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)
	if _, err := s.CreateUser(ctx, domain.UserAccount{Username: "ada", Password: "x", Role: domain.RoleStaff}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateSale(ctx, domain.StaffSaleEntry{Staff: "ada", Date: "2026-08-28", Item: "star-lager", Qty: 1}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := s.SubmitSales(ctx, "ada", "2026-08-28"); err != nil {
		t.Fatalf("submit sales: %v", err)
	}

	params := store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         "ada",
			Date:             "2026-08-28",
			DeclaredCashKobo: 100000,
			SystemTotalKobo:  100000,
		},
	}
	if _, err := s.FinalizeDeclaration(ctx, params); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := s.FinalizeDeclaration(ctx, params); !errors.Is(err, store.ErrState) {
		t.Fatalf("expected ErrState on second finalize, got %v", err)
	}
}

func TestFinalizeDeclarationRejectsStaleSalesTotal(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)
	if _, err := s.CreateUser(ctx, domain.UserAccount{Username: "ada", Password: "x", Role: domain.RoleStaff}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateSale(ctx, domain.StaffSaleEntry{Staff: "ada", Date: "2026-08-28", Item: "star-lager", Qty: 1}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := s.SubmitSales(ctx, "ada", "2026-08-28"); err != nil {
		t.Fatalf("submit sales: %v", err)
	}

	// A sale landed after the caller summed the submitted total.
	if _, err := s.CreateSale(ctx, domain.StaffSaleEntry{Staff: "ada", Date: "2026-08-28", Item: "star-lager", Qty: 2}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         "ada",
			Date:             "2026-08-28",
			DeclaredCashKobo: 100000,
			SystemTotalKobo:  100000,
		},
	}); !errors.Is(err, store.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency with late sale, got %v", err)
	}
	if _, err := s.GetDeclaration(ctx, "ada", "2026-08-28"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no declaration after rejection, got %v", err)
	}

	if _, err := s.SubmitSales(ctx, "ada", "2026-08-28"); err != nil {
		t.Fatalf("submit sales: %v", err)
	}
	if _, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         "ada",
			Date:             "2026-08-28",
			DeclaredCashKobo: 100000,
			SystemTotalKobo:  100000,
		},
	}); !errors.Is(err, store.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency with changed total, got %v", err)
	}

	outcome, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         "ada",
			Date:             "2026-08-28",
			DeclaredCashKobo: 300000,
			SystemTotalKobo:  300000,
		},
	})
	if err != nil {
		t.Fatalf("finalize with current total: %v", err)
	}
	if !outcome.Entry.Finalized {
		t.Fatalf("expected finalized entry, got %+v", outcome.Entry)
	}
}

func TestFinalizeDeclarationRejectsStaleExpectedRevenue(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)
	if _, err := s.CreateUser(ctx, domain.UserAccount{
		Username: "bola", Password: "x", Role: domain.RoleManager, MonthlySalaryKobo: 5000000, BalanceKobo: 5000000,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	first, err := s.SaveDailyStock(ctx, "bola", "2026-08-28", map[string]int{"star-lager": 6})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	// A second save moves the expected revenue after the caller read it.
	second, err := s.SaveDailyStock(ctx, "bola", "2026-08-28", map[string]int{"star-lager": 3})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.ExpectedRevenueKobo == first.ExpectedRevenueKobo {
		t.Fatalf("expected revenue to move, still %d", second.ExpectedRevenueKobo)
	}

	if _, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         "bola",
			Date:             "2026-08-28",
			DeclaredCashKobo: 400000,
			SystemTotalKobo:  first.ExpectedRevenueKobo,
		},
		StockEntryID: first.ID,
	}); !errors.Is(err, store.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency with moved expected revenue, got %v", err)
	}

	entry, err := s.GetDailyStock(ctx, "bola", "2026-08-28")
	if err != nil {
		t.Fatalf("get daily stock: %v", err)
	}
	if entry.Finalized {
		t.Fatalf("expected stock entry untouched, got %+v", entry)
	}
	balance, err := s.GetUser(ctx, "bola")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if balance.BalanceKobo != 5000000 {
		t.Fatalf("expected untouched balance 5000000, got %d", balance.BalanceKobo)
	}
}

func TestFinalizeDeclarationAppliesDeductionAndStockEntryAtomically(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "star-lager", 100000, 10)
	if _, err := s.CreateUser(ctx, domain.UserAccount{
		Username: "bola", Password: "x", Role: domain.RoleManager, MonthlySalaryKobo: 5000000, BalanceKobo: 5000000,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	stockEntry, err := s.SaveDailyStock(ctx, "bola", "2026-08-28", map[string]int{"star-lager": 5})
	if err != nil {
		t.Fatalf("save daily stock: %v", err)
	}

	outcome, err := s.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         "bola",
			Date:             "2026-08-28",
			DeclaredCashKobo: 200000,
			DeclaredPosKobo:  250000,
			SystemTotalKobo:  500000,
			MismatchKobo:     -50000,
			DeductionKobo:    50000,
		},
		StockEntryID: stockEntry.ID,
		Adjustment: &domain.SalaryAdjustment{
			Username:   "bola",
			Kind:       domain.AdjustmentDeduction,
			AmountKobo: 50000,
			Date:       "2026-08-28",
		},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Adjustment == nil || outcome.Adjustment.NewBalanceKobo != 4950000 {
		t.Fatalf("expected balance 4950000, got %+v", outcome.Adjustment)
	}

	updated, err := s.GetDailyStock(ctx, "bola", "2026-08-28")
	if err != nil {
		t.Fatalf("get daily stock: %v", err)
	}
	if !updated.Finalized || updated.DeclaredTotalKobo != 450000 || updated.DeductionKobo != 50000 {
		t.Fatalf("expected finalized stock entry with declared 450000 deduction 50000, got %+v", updated)
	}

	history, err := s.ListAdjustments(ctx, "bola", "")
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one history row, got %d", len(history))
	}
}

func TestApplyAdjustmentDebtClearClampsAtZero(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.CreateUser(ctx, domain.UserAccount{Username: "chi", Password: "x", Role: domain.RoleStaff}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.ApplyAdjustment(ctx, domain.SalaryAdjustment{
		Username: "chi", Kind: domain.AdjustmentDeduction, AmountKobo: 100000, Date: "2026-08-28",
	}); err != nil {
		t.Fatalf("deduction: %v", err)
	}

	result, err := s.ApplyAdjustment(ctx, domain.SalaryAdjustment{
		Username: "chi", Kind: domain.AdjustmentDebtClear, AmountKobo: 150000, Date: "2026-08-28",
	})
	if err != nil {
		t.Fatalf("debt clear: %v", err)
	}
	if result.NewBalanceKobo != 0 {
		t.Fatalf("expected balance clamped at 0, got %d", result.NewBalanceKobo)
	}
	if result.Adjustment.AppliedKobo != 100000 {
		t.Fatalf("expected applied 100000, got %d", result.Adjustment.AppliedKobo)
	}
}

func TestApplyAdjustmentDebtClearNoOpOnNonNegativeBalance(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.CreateUser(ctx, domain.UserAccount{
		Username: "deji", Password: "x", Role: domain.RoleStaff, BalanceKobo: 50000,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	result, err := s.ApplyAdjustment(ctx, domain.SalaryAdjustment{
		Username: "deji", Kind: domain.AdjustmentDebtClear, AmountKobo: 20000, Date: "2026-08-28",
	})
	if err != nil {
		t.Fatalf("debt clear: %v", err)
	}
	if result.Adjustment.AppliedKobo != 0 || result.NewBalanceKobo != 50000 {
		t.Fatalf("expected no-op clear, got %+v", result)
	}
	history, err := s.ListAdjustments(ctx, "deji", "")
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no history row for no-op clear, got %d", len(history))
	}
}

func TestSubmitSalesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "gulder", 120000, 10)

	for i := 0; i < 3; i++ {
		if _, err := s.CreateSale(ctx, domain.StaffSaleEntry{
			Staff: "ada", Date: "2026-08-28", Item: "gulder", Qty: 1,
		}); err != nil {
			t.Fatalf("create sale: %v", err)
		}
	}

	n, err := s.SubmitSales(ctx, "ada", "2026-08-28")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 submitted, got %d", n)
	}
	n, err = s.SubmitSales(ctx, "ada", "2026-08-28")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on second submit, got %d", n)
	}
}

func TestCreateSaleFreezesPrice(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "heineken", 150000, 10)

	_, err := s.CreateSale(ctx, domain.StaffSaleEntry{Staff: "ada", Date: "2026-08-28", Item: "heineken", Qty: 2})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := s.UpdateItemPrice(ctx, "heineken", 200000); err != nil {
		t.Fatalf("update price: %v", err)
	}

	sales, err := s.ListSales(ctx, "ada", "2026-08-28")
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if sales[0].PriceKobo != 150000 || sales[0].TotalKobo != 300000 {
		t.Fatalf("expected frozen price 150000 total 300000, got %d/%d", sales[0].PriceKobo, sales[0].TotalKobo)
	}
}

func TestCreateUserDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.CreateUser(ctx, domain.UserAccount{Username: "ada", Password: "x", Role: domain.RoleStaff}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateUser(ctx, domain.UserAccount{Username: "Ada", Password: "y", Role: domain.RoleStaff}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
