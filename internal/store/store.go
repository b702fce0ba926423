// Package store defines the persistence contract shared by the in-memory and
// PostgreSQL backends, along with the sentinel errors the service layer
// matches with errors.Is.
package store

import (
	"context"
	"errors"
	"fmt"

	"bartally/internal/domain"
)

var (
	// ErrValidation marks malformed or out-of-range input. Nothing is mutated.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a duplicate unique key (username, item name, daily entry).
	ErrConflict = errors.New("conflict")
	// ErrState marks an operation arriving in the wrong lifecycle state, such
	// as writing to a finalized entry.
	ErrState = errors.New("invalid state")
	// ErrInsufficientStock marks a day close whose counted quantities imply a
	// negative quantity sold for at least one item.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrConcurrency marks a lost update under concurrent access. Retryable.
	ErrConcurrency = errors.New("concurrent modification")
)

// FinalizeDeclarationParams is the single atomic mutation that closes out a
// user's day. Entry arrives fully computed with Finalized set; StockEntryID,
// when non-empty, names the manager's daily stock entry to finalize in the
// same transaction; Adjustment, when non-nil, is the mismatch deduction to
// apply to the user's balance.
//
// Entry.SystemTotalKobo is the reference total the mismatch was computed
// against. Implementations re-read the live reference under the transaction's
// lock (the stock entry's expected revenue when StockEntryID is set, the
// submitted sales total otherwise) and reject with ErrConcurrency when it no
// longer matches, so a day close or sale landing after the caller's read can
// never finalize a stale reconciliation.
type FinalizeDeclarationParams struct {
	Entry        domain.CashRegisterEntry
	StockEntryID string
	Adjustment   *domain.SalaryAdjustment
}

// DeclarationOutcome reports what FinalizeDeclaration committed.
type DeclarationOutcome struct {
	Entry      domain.CashRegisterEntry
	Adjustment *domain.AdjustmentResult
}

// Repository is the persistence boundary. Implementations must make each
// method atomic: either every listed effect commits or none does.
type Repository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	SetUserActive(ctx context.Context, username string, active bool) (*domain.UserAccount, error)

	CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	GetItem(ctx context.Context, name string) (*domain.InventoryItem, error)
	ListItems(ctx context.Context) ([]domain.InventoryItem, error)
	UpdateItemPrice(ctx context.Context, name string, priceKobo int64) (*domain.InventoryItem, error)
	// RecordSupply adds qty to supply, opening and closing stock in one step.
	RecordSupply(ctx context.Context, name string, qty int) (*domain.InventoryItem, error)

	// SaveDailyStock runs the day-close arithmetic against current item state
	// and stores the resulting snapshot on the (manager, date) entry. It rolls
	// every item's opening stock forward and zeroes supply in the same
	// mutation. Finalized entries reject the save with ErrState.
	SaveDailyStock(ctx context.Context, manager, date string, closingByItem map[string]int) (*domain.DailyStockEntry, error)
	GetDailyStock(ctx context.Context, manager, date string) (*domain.DailyStockEntry, error)
	ListDailyStock(ctx context.Context, date string) ([]domain.DailyStockEntry, error)

	CreateSale(ctx context.Context, sale domain.StaffSaleEntry) (*domain.StaffSaleEntry, error)
	ListSales(ctx context.Context, staff, date string) ([]domain.StaffSaleEntry, error)
	ListSalesByDate(ctx context.Context, date string) ([]domain.StaffSaleEntry, error)
	// SubmitSales marks every unsubmitted sale for (staff, date) submitted and
	// returns how many rows changed. Zero is a no-op, not an error.
	SubmitSales(ctx context.Context, staff, date string) (int, error)

	GetDeclaration(ctx context.Context, username, date string) (*domain.CashRegisterEntry, error)
	ListDeclarations(ctx context.Context, date string) ([]domain.CashRegisterEntry, error)
	// FinalizeDeclaration persists the declaration, finalizes the referenced
	// stock entry and applies the deduction atomically. A finalized entry for
	// the same (username, date) rejects with ErrState; a reference total that
	// moved since the caller computed the mismatch rejects with
	// ErrConcurrency.
	FinalizeDeclaration(ctx context.Context, params FinalizeDeclarationParams) (*DeclarationOutcome, error)

	// ApplyAdjustment mutates the user balance and appends the history row in
	// one atomic step, returning the balance before and after. Debt clears
	// clamp at zero; a clear against a non-negative balance applies nothing
	// and records no row.
	ApplyAdjustment(ctx context.Context, adj domain.SalaryAdjustment) (*domain.AdjustmentResult, error)
	ListAdjustments(ctx context.Context, username, date string) ([]domain.SalaryAdjustment, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
}

// BuildStockSnapshot performs the day-close arithmetic shared by both
// backends. Items absent from closingByItem keep their current closing stock.
// Unknown names in closingByItem reject with ErrNotFound; any negative
// implied quantity sold rejects the whole snapshot with ErrInsufficientStock.
func BuildStockSnapshot(items []domain.InventoryItem, closingByItem map[string]int) (domain.StockSnapshot, error) {
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.Name] = true
	}
	for name := range closingByItem {
		if !known[name] {
			return domain.StockSnapshot{}, fmt.Errorf("item %q: %w", name, ErrNotFound)
		}
	}

	snap := domain.StockSnapshot{Version: domain.StockSnapshotVersion}
	for _, it := range items {
		closing, ok := closingByItem[it.Name]
		if !ok {
			closing = it.ClosingStock
		}
		if closing < 0 {
			return domain.StockSnapshot{}, fmt.Errorf("item %q: negative closing stock: %w", it.Name, ErrValidation)
		}
		sold := it.OpeningStock + it.SupplyQty - closing
		if sold < 0 {
			return domain.StockSnapshot{}, fmt.Errorf("item %q: closing %d exceeds opening %d + supply %d: %w",
				it.Name, closing, it.OpeningStock, it.SupplyQty, ErrInsufficientStock)
		}
		revenue := int64(sold) * it.PriceKobo
		snap.Lines = append(snap.Lines, domain.StockMovementLine{
			Item:         it.Name,
			OpeningStock: it.OpeningStock,
			SupplyQty:    it.SupplyQty,
			ClosingStock: closing,
			QuantitySold: sold,
			PriceKobo:    it.PriceKobo,
			RevenueKobo:  revenue,
		})
		snap.ExpectedRevenueKobo += revenue
	}
	return snap, nil
}
