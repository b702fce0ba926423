package store

import (
	"errors"
	"testing"

	"bartally/internal/domain"
)

func TestBuildStockSnapshot(t *testing.T) {
	items := []domain.InventoryItem{
		{Name: "star-lager", PriceKobo: 100000, OpeningStock: 10, SupplyQty: 5, ClosingStock: 15},
		{Name: "gulder", PriceKobo: 120000, OpeningStock: 8, SupplyQty: 0, ClosingStock: 8},
	}

	snap, err := BuildStockSnapshot(items, map[string]int{"star-lager": 10, "gulder": 8})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if snap.Version != domain.StockSnapshotVersion {
		t.Fatalf("expected version %d, got %d", domain.StockSnapshotVersion, snap.Version)
	}
	if len(snap.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(snap.Lines))
	}
	if snap.Lines[0].QuantitySold != 5 {
		t.Fatalf("expected 5 sold for star-lager, got %d", snap.Lines[0].QuantitySold)
	}
	if snap.Lines[0].RevenueKobo != 500000 {
		t.Fatalf("expected revenue 500000, got %d", snap.Lines[0].RevenueKobo)
	}
	if snap.Lines[1].QuantitySold != 0 {
		t.Fatalf("expected 0 sold for gulder, got %d", snap.Lines[1].QuantitySold)
	}
	if snap.ExpectedRevenueKobo != 500000 {
		t.Fatalf("expected total 500000, got %d", snap.ExpectedRevenueKobo)
	}
}

func TestBuildStockSnapshotDefaultsToCurrentClosing(t *testing.T) {
	items := []domain.InventoryItem{
		{Name: "heineken", PriceKobo: 150000, OpeningStock: 6, SupplyQty: 4, ClosingStock: 7},
	}

	snap, err := BuildStockSnapshot(items, nil)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if snap.Lines[0].ClosingStock != 7 {
		t.Fatalf("expected current closing 7, got %d", snap.Lines[0].ClosingStock)
	}
	if snap.Lines[0].QuantitySold != 3 {
		t.Fatalf("expected 3 sold, got %d", snap.Lines[0].QuantitySold)
	}
}

func TestBuildStockSnapshotRejectsOverstatedClosing(t *testing.T) {
	items := []domain.InventoryItem{
		{Name: "trophy", PriceKobo: 80000, OpeningStock: 3, SupplyQty: 1, ClosingStock: 4},
		{Name: "maltina", PriceKobo: 60000, OpeningStock: 5, SupplyQty: 0, ClosingStock: 5},
	}

	_, err := BuildStockSnapshot(items, map[string]int{"trophy": 5, "maltina": 2})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestBuildStockSnapshotRejectsUnknownItem(t *testing.T) {
	items := []domain.InventoryItem{
		{Name: "trophy", PriceKobo: 80000, OpeningStock: 3, SupplyQty: 0, ClosingStock: 3},
	}

	_, err := BuildStockSnapshot(items, map[string]int{"ghost": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildStockSnapshotRejectsNegativeClosing(t *testing.T) {
	items := []domain.InventoryItem{
		{Name: "trophy", PriceKobo: 80000, OpeningStock: 3, SupplyQty: 0, ClosingStock: 3},
	}

	_, err := BuildStockSnapshot(items, map[string]int{"trophy": -1})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
