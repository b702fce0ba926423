package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bartally/internal/domain"
	"bartally/internal/store"
	"bartally/internal/xid"
)

// Store is the in-memory repository used for dev/demo mode and tests. A
// single mutex serializes every mutation, which is what makes the multi-step
// operations (day close, declaration finalize, balance adjustment) atomic.
type Store struct {
	mu                sync.RWMutex
	usersByUsername   map[string]domain.UserAccount
	itemsByName       map[string]domain.InventoryItem
	stockEntriesByKey map[string]domain.DailyStockEntry
	stockKeyByID      map[string]string
	salesByKey        map[string][]domain.StaffSaleEntry
	declarationsByKey map[string]domain.CashRegisterEntry
	adjustments       []domain.SalaryAdjustment
	auditLogs         []domain.AuditLog
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD;
// unset variables fall back to hardcoded dev defaults with a warning. These
// seeds are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		salary   int64
	}{
		{"admin", adminPwd, domain.RoleAdmin, 0},
		{"manager", managerPwd, domain.RoleManager, 15000000},
		{"staff", staffPwd, domain.RoleStaff, 8000000},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:          u.username,
			Password:          string(hash),
			Role:              u.role,
			MonthlySalaryKobo: u.salary,
			BalanceKobo:       u.salary,
			Active:            true,
			CreatedAt:         now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		usersByUsername:   map[string]domain.UserAccount{},
		itemsByName:       map[string]domain.InventoryItem{},
		stockEntriesByKey: map[string]domain.DailyStockEntry{},
		stockKeyByID:      map[string]string{},
		salesByKey:        map[string][]domain.StaffSaleEntry{},
		declarationsByKey: map[string]domain.CashRegisterEntry{},
		adjustments:       make([]domain.SalaryAdjustment, 0, 64),
		auditLogs:         make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store preloaded with dev accounts and a small bar
// inventory so the API is usable immediately without PostgreSQL.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, it := range []struct {
		name  string
		price int64
		qty   int
	}{
		{"star-lager", 100000, 48},
		{"gulder", 120000, 36},
		{"heineken", 150000, 24},
		{"maltina", 80000, 24},
		{"trophy", 90000, 30},
	} {
		s.itemsByName[it.name] = domain.InventoryItem{
			Name:         it.name,
			PriceKobo:    it.price,
			OpeningStock: it.qty,
			ClosingStock: it.qty,
			CreatedAt:    now,
		}
	}
	return s
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return nil, store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("username %s: %w", username, store.ErrConflict)
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[username] = user
	created := user
	return &created, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) SetUserActive(_ context.Context, username string, active bool) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return nil, store.ErrNotFound
	}
	user.Active = active
	s.usersByUsername[username] = user
	copyUser := user
	return &copyUser, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item.Name = strings.ToLower(strings.TrimSpace(item.Name))
	if item.Name == "" || item.PriceKobo < 1 || item.OpeningStock < 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.itemsByName[item.Name]; exists {
		return nil, fmt.Errorf("item %s: %w", item.Name, store.ErrConflict)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.itemsByName[item.Name] = item
	created := item
	return &created, nil
}

func (s *Store) GetItem(_ context.Context, name string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.itemsByName[strings.ToLower(strings.TrimSpace(name))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyItem := item
	return &copyItem, nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.itemsByName))
	for _, item := range s.itemsByName {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return cmpString(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) UpdateItemPrice(_ context.Context, name string, priceKobo int64) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if priceKobo < 1 {
		return nil, store.ErrValidation
	}
	name = strings.ToLower(strings.TrimSpace(name))
	item, exists := s.itemsByName[name]
	if !exists {
		return nil, store.ErrNotFound
	}
	item.PriceKobo = priceKobo
	s.itemsByName[name] = item
	copyItem := item
	return &copyItem, nil
}

func (s *Store) RecordSupply(_ context.Context, name string, qty int) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 1 {
		return nil, store.ErrValidation
	}
	name = strings.ToLower(strings.TrimSpace(name))
	item, exists := s.itemsByName[name]
	if !exists {
		return nil, store.ErrNotFound
	}
	item.SupplyQty += qty
	item.OpeningStock += qty
	item.ClosingStock += qty
	s.itemsByName[name] = item
	copyItem := item
	return &copyItem, nil
}

func (s *Store) SaveDailyStock(_ context.Context, manager, date string, closingByItem map[string]int) (*domain.DailyStockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(manager, date)
	entry, exists := s.stockEntriesByKey[key]
	if exists && entry.Finalized {
		return nil, fmt.Errorf("daily stock for %s on %s is finalized: %w", manager, date, store.ErrState)
	}

	items := make([]domain.InventoryItem, 0, len(s.itemsByName))
	for _, item := range s.itemsByName {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return cmpString(a.Name, b.Name)
	})

	snap, err := store.BuildStockSnapshot(items, closingByItem)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !exists {
		entry = domain.DailyStockEntry{
			ID:        xid.New("dstock"),
			Manager:   manager,
			Date:      date,
			CreatedAt: now,
		}
	}
	entry.Snapshot = snap
	entry.ExpectedRevenueKobo = snap.ExpectedRevenueKobo
	entry.UpdatedAt = now

	// Roll the ledger forward only after the whole snapshot validated.
	for _, line := range snap.Lines {
		item := s.itemsByName[line.Item]
		item.ClosingStock = line.ClosingStock
		item.OpeningStock = line.ClosingStock
		item.SupplyQty = 0
		s.itemsByName[line.Item] = item
	}

	s.stockEntriesByKey[key] = entry
	s.stockKeyByID[entry.ID] = key
	saved := entry
	return &saved, nil
}

func (s *Store) GetDailyStock(_ context.Context, manager, date string) (*domain.DailyStockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.stockEntriesByKey[entryKey(manager, date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyEntry := entry
	return &copyEntry, nil
}

func (s *Store) ListDailyStock(_ context.Context, date string) ([]domain.DailyStockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailyStockEntry, 0, 4)
	for _, entry := range s.stockEntriesByKey {
		if entry.Date != date {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.DailyStockEntry) int {
		return cmpString(a.Manager, b.Manager)
	})
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.StaffSaleEntry) (*domain.StaffSaleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Staff == "" || sale.Date == "" || sale.Qty < 1 {
		return nil, store.ErrValidation
	}
	sale.Item = strings.ToLower(strings.TrimSpace(sale.Item))
	item, exists := s.itemsByName[sale.Item]
	if !exists {
		return nil, fmt.Errorf("item %s: %w", sale.Item, store.ErrNotFound)
	}
	if decl, ok := s.declarationsByKey[entryKey(sale.Staff, sale.Date)]; ok && decl.Finalized {
		return nil, fmt.Errorf("declaration for %s on %s is finalized: %w", sale.Staff, sale.Date, store.ErrState)
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	// Price captured from the item now; later price edits never touch it.
	sale.PriceKobo = item.PriceKobo
	sale.TotalKobo = int64(sale.Qty) * item.PriceKobo
	sale.Submitted = false

	key := entryKey(sale.Staff, sale.Date)
	s.salesByKey[key] = append(s.salesByKey[key], sale)
	created := sale
	return &created, nil
}

func (s *Store) ListSales(_ context.Context, staff, date string) ([]domain.StaffSaleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := s.salesByKey[entryKey(staff, date)]
	result := make([]domain.StaffSaleEntry, len(sales))
	copy(result, sales)
	return result, nil
}

func (s *Store) ListSalesByDate(_ context.Context, date string) ([]domain.StaffSaleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StaffSaleEntry, 0, 32)
	for _, sales := range s.salesByKey {
		for _, sale := range sales {
			if sale.Date != date {
				continue
			}
			result = append(result, sale)
		}
	}
	slices.SortFunc(result, func(a, b domain.StaffSaleEntry) int {
		if a.Staff == b.Staff {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Staff, b.Staff)
	})
	return result, nil
}

func (s *Store) SubmitSales(_ context.Context, staff, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(staff, date)
	submitted := 0
	sales := s.salesByKey[key]
	for i := range sales {
		if sales[i].Submitted {
			continue
		}
		sales[i].Submitted = true
		submitted++
	}
	s.salesByKey[key] = sales
	return submitted, nil
}

func (s *Store) GetDeclaration(_ context.Context, username, date string) (*domain.CashRegisterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.declarationsByKey[entryKey(username, date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyEntry := entry
	return &copyEntry, nil
}

func (s *Store) ListDeclarations(_ context.Context, date string) ([]domain.CashRegisterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashRegisterEntry, 0, 8)
	for _, entry := range s.declarationsByKey {
		if entry.Date != date {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.CashRegisterEntry) int {
		return cmpString(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) FinalizeDeclaration(_ context.Context, params store.FinalizeDeclarationParams) (*store.DeclarationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := params.Entry
	key := entryKey(entry.Username, entry.Date)
	if existing, ok := s.declarationsByKey[key]; ok && existing.Finalized {
		return nil, fmt.Errorf("declaration for %s on %s is finalized: %w", entry.Username, entry.Date, store.ErrState)
	}

	// Validate every precondition before the first write so a failure leaves
	// the store untouched.
	var stockKey string
	if params.StockEntryID != "" {
		var ok bool
		stockKey, ok = s.stockKeyByID[params.StockEntryID]
		if !ok {
			return nil, fmt.Errorf("stock entry %s: %w", params.StockEntryID, store.ErrNotFound)
		}
		stockEntry := s.stockEntriesByKey[stockKey]
		if stockEntry.Finalized {
			return nil, fmt.Errorf("stock entry %s is finalized: %w", params.StockEntryID, store.ErrState)
		}
		if stockEntry.ExpectedRevenueKobo != entry.SystemTotalKobo {
			return nil, fmt.Errorf("expected revenue is %d, reconciliation computed against %d: %w",
				stockEntry.ExpectedRevenueKobo, entry.SystemTotalKobo, store.ErrConcurrency)
		}
	} else {
		var salesTotal int64
		for _, sale := range s.salesByKey[key] {
			if !sale.Submitted {
				return nil, fmt.Errorf("unsubmitted sale %s: %w", sale.ID, store.ErrConcurrency)
			}
			salesTotal += sale.TotalKobo
		}
		if salesTotal != entry.SystemTotalKobo {
			return nil, fmt.Errorf("submitted sales total is %d, reconciliation computed against %d: %w",
				salesTotal, entry.SystemTotalKobo, store.ErrConcurrency)
		}
	}
	var user domain.UserAccount
	if params.Adjustment != nil {
		var ok bool
		user, ok = s.usersByUsername[params.Adjustment.Username]
		if !ok {
			return nil, fmt.Errorf("user %s: %w", params.Adjustment.Username, store.ErrNotFound)
		}
	}

	if entry.ID == "" {
		entry.ID = xid.New("decl")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Finalized = true
	s.declarationsByKey[key] = entry

	if stockKey != "" {
		stockEntry := s.stockEntriesByKey[stockKey]
		stockEntry.DeclaredTotalKobo = entry.DeclaredCashKobo + entry.DeclaredPosKobo
		stockEntry.MismatchKobo = entry.MismatchKobo
		stockEntry.DeductionKobo = entry.DeductionKobo
		stockEntry.Finalized = true
		stockEntry.UpdatedAt = time.Now().UTC()
		s.stockEntriesByKey[stockKey] = stockEntry
	}

	outcome := &store.DeclarationOutcome{Entry: entry}
	if params.Adjustment != nil {
		result := s.applyAdjustmentLocked(user, *params.Adjustment)
		outcome.Adjustment = result
	}
	return outcome, nil
}

func (s *Store) ApplyAdjustment(_ context.Context, adj domain.SalaryAdjustment) (*domain.AdjustmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if adj.AmountKobo < 0 {
		return nil, store.ErrValidation
	}
	switch adj.Kind {
	case domain.AdjustmentBonus, domain.AdjustmentDeduction, domain.AdjustmentDebtClear:
	default:
		return nil, fmt.Errorf("adjustment kind %q: %w", adj.Kind, store.ErrValidation)
	}
	user, exists := s.usersByUsername[adj.Username]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", adj.Username, store.ErrNotFound)
	}
	return s.applyAdjustmentLocked(user, adj), nil
}

// applyAdjustmentLocked mutates the balance and appends the history row.
// Callers hold the write lock.
func (s *Store) applyAdjustmentLocked(user domain.UserAccount, adj domain.SalaryAdjustment) *domain.AdjustmentResult {
	oldBalance := user.BalanceKobo
	applied := adj.AmountKobo
	switch adj.Kind {
	case domain.AdjustmentBonus:
		user.BalanceKobo += applied
	case domain.AdjustmentDeduction:
		user.BalanceKobo -= applied
	case domain.AdjustmentDebtClear:
		if oldBalance >= 0 {
			applied = 0
		} else if oldBalance+applied > 0 {
			applied = -oldBalance
		}
		user.BalanceKobo = oldBalance + applied
	}
	adj.AppliedKobo = applied

	if adj.ID == "" {
		adj.ID = xid.New("adj")
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}

	result := &domain.AdjustmentResult{
		Adjustment:     adj,
		OldBalanceKobo: oldBalance,
		NewBalanceKobo: user.BalanceKobo,
	}
	if adj.Kind == domain.AdjustmentDebtClear && applied == 0 {
		// Nothing changed, so no history row either.
		return result
	}

	s.usersByUsername[user.Username] = user
	s.adjustments = append(s.adjustments, adj)
	return result
}

func (s *Store) ListAdjustments(_ context.Context, username, date string) ([]domain.SalaryAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalaryAdjustment, 0, 16)
	for _, adj := range s.adjustments {
		if username != "" && adj.Username != username {
			continue
		}
		if date != "" && adj.Date != date {
			continue
		}
		result = append(result, adj)
	}
	slices.SortFunc(result, func(a, b domain.SalaryAdjustment) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, len(s.auditLogs))
	copy(result, s.auditLogs)
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func entryKey(username, date string) string {
	return username + "::" + date
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
