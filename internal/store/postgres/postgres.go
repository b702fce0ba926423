package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bartally/internal/domain"
	"bartally/internal/store"
	"bartally/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return nil, store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, monthly_salary_kobo, balance_kobo, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.Username, user.Password, user.Role, user.MonthlySalaryKobo, user.BalanceKobo, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username %s: %w", user.Username, store.ErrConflict)
		}
		return nil, err
	}

	created := user
	return &created, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, monthly_salary_kobo, balance_kobo, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.Username, &user.Password, &user.Role, &user.MonthlySalaryKobo, &user.BalanceKobo, &user.Active, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, monthly_salary_kobo, balance_kobo, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 32)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.MonthlySalaryKobo, &user.BalanceKobo, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) SetUserActive(ctx context.Context, username string, active bool) (*domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET active = $2 WHERE username = $1
	`, username, active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetUser(ctx, username)
}

func (s *Store) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	item.Name = strings.ToLower(strings.TrimSpace(item.Name))
	if item.Name == "" || item.PriceKobo < 1 || item.OpeningStock < 0 {
		return nil, store.ErrValidation
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (name, price_kobo, opening_stock, supply_qty, closing_stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, item.Name, item.PriceKobo, item.OpeningStock, item.SupplyQty, item.ClosingStock, item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("item %s: %w", item.Name, store.ErrConflict)
		}
		return nil, err
	}

	created := item
	return &created, nil
}

func (s *Store) GetItem(ctx context.Context, name string) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.QueryRowContext(ctx, `
		SELECT name, price_kobo, opening_stock, supply_qty, closing_stock, created_at
		FROM inventory_items
		WHERE name = $1
	`, strings.ToLower(strings.TrimSpace(name))).Scan(
		&item.Name, &item.PriceKobo, &item.OpeningStock, &item.SupplyQty, &item.ClosingStock, &item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, price_kobo, opening_stock, supply_qty, closing_stock, created_at
		FROM inventory_items
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		var item domain.InventoryItem
		if err := rows.Scan(&item.Name, &item.PriceKobo, &item.OpeningStock, &item.SupplyQty, &item.ClosingStock, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateItemPrice(ctx context.Context, name string, priceKobo int64) (*domain.InventoryItem, error) {
	if priceKobo < 1 {
		return nil, store.ErrValidation
	}
	name = strings.ToLower(strings.TrimSpace(name))
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items SET price_kobo = $2, updated_at = now() WHERE name = $1
	`, name, priceKobo)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetItem(ctx, name)
}

func (s *Store) RecordSupply(ctx context.Context, name string, qty int) (*domain.InventoryItem, error) {
	if qty < 1 {
		return nil, store.ErrValidation
	}
	name = strings.ToLower(strings.TrimSpace(name))
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET supply_qty = supply_qty + $2,
			opening_stock = opening_stock + $2,
			closing_stock = closing_stock + $2,
			updated_at = now()
		WHERE name = $1
	`, name, qty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetItem(ctx, name)
}

func (s *Store) SaveDailyStock(ctx context.Context, manager, date string, closingByItem map[string]int) (*domain.DailyStockEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var entryID string
	var finalized bool
	var createdAt time.Time
	exists := true
	err = tx.QueryRowContext(ctx, `
		SELECT id, finalized, created_at
		FROM daily_stock_entries
		WHERE manager = $1 AND entry_date = $2
		FOR UPDATE
	`, manager, date).Scan(&entryID, &finalized, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, mapTxError(err)
	}
	if exists && finalized {
		return nil, fmt.Errorf("daily stock for %s on %s is finalized: %w", manager, date, store.ErrState)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT name, price_kobo, opening_stock, supply_qty, closing_stock, created_at
		FROM inventory_items
		ORDER BY name
		FOR UPDATE
	`)
	if err != nil {
		return nil, mapTxError(err)
	}
	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		var item domain.InventoryItem
		if err := rows.Scan(&item.Name, &item.PriceKobo, &item.OpeningStock, &item.SupplyQty, &item.ClosingStock, &item.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	snap, err := store.BuildStockSnapshot(items, closingByItem)
	if err != nil {
		return nil, err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	for _, line := range snap.Lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_items
			SET opening_stock = $2, supply_qty = 0, closing_stock = $2, updated_at = now()
			WHERE name = $1
		`, line.Item, line.ClosingStock); err != nil {
			return nil, mapTxError(err)
		}
	}

	now := time.Now().UTC()
	if !exists {
		entryID = xid.New("dstock")
		createdAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_stock_entries (
			id, manager, entry_date, expected_revenue_kobo, declared_total_kobo,
			mismatch_kobo, deduction_kobo, snapshot, finalized, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,0,0,0,$5,false,$6,$7)
		ON CONFLICT (manager, entry_date)
		DO UPDATE SET expected_revenue_kobo = EXCLUDED.expected_revenue_kobo,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
	`, entryID, manager, date, snap.ExpectedRevenueKobo, snapJSON, createdAt, now); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	return &domain.DailyStockEntry{
		ID:                  entryID,
		Manager:             manager,
		Date:                date,
		ExpectedRevenueKobo: snap.ExpectedRevenueKobo,
		Snapshot:            snap,
		CreatedAt:           createdAt.UTC(),
		UpdatedAt:           now,
	}, nil
}

func (s *Store) GetDailyStock(ctx context.Context, manager, date string) (*domain.DailyStockEntry, error) {
	entry, err := scanDailyStock(s.db.QueryRowContext(ctx, `
		SELECT id, manager, entry_date, expected_revenue_kobo, declared_total_kobo,
			mismatch_kobo, deduction_kobo, snapshot, finalized, created_at, updated_at
		FROM daily_stock_entries
		WHERE manager = $1 AND entry_date = $2
	`, manager, date))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListDailyStock(ctx context.Context, date string) ([]domain.DailyStockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manager, entry_date, expected_revenue_kobo, declared_total_kobo,
			mismatch_kobo, deduction_kobo, snapshot, finalized, created_at, updated_at
		FROM daily_stock_entries
		WHERE entry_date = $1
		ORDER BY manager
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.DailyStockEntry, 0, 4)
	for rows.Next() {
		entry, err := scanDailyStock(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDailyStock(row rowScanner) (*domain.DailyStockEntry, error) {
	var entry domain.DailyStockEntry
	var snapJSON []byte
	if err := row.Scan(
		&entry.ID, &entry.Manager, &entry.Date, &entry.ExpectedRevenueKobo, &entry.DeclaredTotalKobo,
		&entry.MismatchKobo, &entry.DeductionKobo, &snapJSON, &entry.Finalized, &entry.CreatedAt, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapJSON, &entry.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", entry.ID, err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.StaffSaleEntry) (*domain.StaffSaleEntry, error) {
	if sale.Staff == "" || sale.Date == "" || sale.Qty < 1 {
		return nil, store.ErrValidation
	}
	sale.Item = strings.ToLower(strings.TrimSpace(sale.Item))
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var finalized bool
	err = tx.QueryRowContext(ctx, `
		SELECT finalized FROM cash_register_entries WHERE username = $1 AND entry_date = $2
	`, sale.Staff, sale.Date).Scan(&finalized)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if finalized {
		return nil, fmt.Errorf("declaration for %s on %s is finalized: %w", sale.Staff, sale.Date, store.ErrState)
	}

	var priceKobo int64
	err = tx.QueryRowContext(ctx, `
		SELECT price_kobo FROM inventory_items WHERE name = $1
	`, sale.Item).Scan(&priceKobo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", sale.Item, store.ErrNotFound)
		}
		return nil, err
	}
	sale.PriceKobo = priceKobo
	sale.TotalKobo = int64(sale.Qty) * priceKobo
	sale.Submitted = false

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO staff_sales (id, staff, entry_date, item, qty, price_kobo, total_kobo, submitted, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false,$8)
	`, sale.ID, sale.Staff, sale.Date, sale.Item, sale.Qty, sale.PriceKobo, sale.TotalKobo, sale.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) ListSales(ctx context.Context, staff, date string) ([]domain.StaffSaleEntry, error) {
	return s.querySales(ctx, `
		SELECT id, staff, entry_date, item, qty, price_kobo, total_kobo, submitted, created_at
		FROM staff_sales
		WHERE staff = $1 AND entry_date = $2
		ORDER BY created_at, id
	`, staff, date)
}

func (s *Store) ListSalesByDate(ctx context.Context, date string) ([]domain.StaffSaleEntry, error) {
	return s.querySales(ctx, `
		SELECT id, staff, entry_date, item, qty, price_kobo, total_kobo, submitted, created_at
		FROM staff_sales
		WHERE entry_date = $1
		ORDER BY staff, id
	`, date)
}

func (s *Store) querySales(ctx context.Context, query string, args ...any) ([]domain.StaffSaleEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.StaffSaleEntry, 0, 32)
	for rows.Next() {
		var sale domain.StaffSaleEntry
		if err := rows.Scan(&sale.ID, &sale.Staff, &sale.Date, &sale.Item, &sale.Qty, &sale.PriceKobo, &sale.TotalKobo, &sale.Submitted, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) SubmitSales(ctx context.Context, staff, date string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE staff_sales SET submitted = true
		WHERE staff = $1 AND entry_date = $2 AND submitted = false
	`, staff, date)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) GetDeclaration(ctx context.Context, username, date string) (*domain.CashRegisterEntry, error) {
	var entry domain.CashRegisterEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, entry_date, declared_cash_kobo, declared_pos_kobo,
			system_total_kobo, mismatch_kobo, deduction_kobo, finalized, created_at
		FROM cash_register_entries
		WHERE username = $1 AND entry_date = $2
	`, username, date).Scan(
		&entry.ID, &entry.Username, &entry.Date, &entry.DeclaredCashKobo, &entry.DeclaredPosKobo,
		&entry.SystemTotalKobo, &entry.MismatchKobo, &entry.DeductionKobo, &entry.Finalized, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func (s *Store) ListDeclarations(ctx context.Context, date string) ([]domain.CashRegisterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, entry_date, declared_cash_kobo, declared_pos_kobo,
			system_total_kobo, mismatch_kobo, deduction_kobo, finalized, created_at
		FROM cash_register_entries
		WHERE entry_date = $1
		ORDER BY username
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CashRegisterEntry, 0, 8)
	for rows.Next() {
		var entry domain.CashRegisterEntry
		if err := rows.Scan(
			&entry.ID, &entry.Username, &entry.Date, &entry.DeclaredCashKobo, &entry.DeclaredPosKobo,
			&entry.SystemTotalKobo, &entry.MismatchKobo, &entry.DeductionKobo, &entry.Finalized, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) FinalizeDeclaration(ctx context.Context, params store.FinalizeDeclarationParams) (*store.DeclarationOutcome, error) {
	entry := params.Entry
	if entry.Username == "" || entry.Date == "" {
		return nil, store.ErrValidation
	}
	if entry.ID == "" {
		entry.ID = xid.New("decl")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Finalized = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var finalized bool
	err = tx.QueryRowContext(ctx, `
		SELECT finalized FROM cash_register_entries
		WHERE username = $1 AND entry_date = $2
		FOR UPDATE
	`, entry.Username, entry.Date).Scan(&finalized)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapTxError(err)
	}
	if finalized {
		return nil, fmt.Errorf("declaration for %s on %s is finalized: %w", entry.Username, entry.Date, store.ErrState)
	}

	if params.StockEntryID != "" {
		var (
			stockFinalized bool
			storedExpected int64
		)
		err = tx.QueryRowContext(ctx, `
			SELECT finalized, expected_revenue_kobo
			FROM daily_stock_entries WHERE id = $1 FOR UPDATE
		`, params.StockEntryID).Scan(&stockFinalized, &storedExpected)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("stock entry %s: %w", params.StockEntryID, store.ErrNotFound)
			}
			return nil, mapTxError(err)
		}
		if stockFinalized {
			return nil, fmt.Errorf("stock entry %s is finalized: %w", params.StockEntryID, store.ErrState)
		}
		if storedExpected != entry.SystemTotalKobo {
			return nil, fmt.Errorf("expected revenue is %d, reconciliation computed against %d: %w",
				storedExpected, entry.SystemTotalKobo, store.ErrConcurrency)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE daily_stock_entries
			SET declared_total_kobo = $2, mismatch_kobo = $3, deduction_kobo = $4,
				finalized = true, updated_at = now()
			WHERE id = $1
		`, params.StockEntryID, entry.DeclaredCashKobo+entry.DeclaredPosKobo, entry.MismatchKobo, entry.DeductionKobo); err != nil {
			return nil, mapTxError(err)
		}
	} else {
		var (
			salesTotal int64
			pending    int
		)
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(total_kobo), 0),
				COUNT(*) FILTER (WHERE NOT submitted)
			FROM staff_sales
			WHERE staff = $1 AND entry_date = $2
		`, entry.Username, entry.Date).Scan(&salesTotal, &pending)
		if err != nil {
			return nil, mapTxError(err)
		}
		if pending > 0 || salesTotal != entry.SystemTotalKobo {
			return nil, fmt.Errorf("submitted sales total is %d with %d unsubmitted, reconciliation computed against %d: %w",
				salesTotal, pending, entry.SystemTotalKobo, store.ErrConcurrency)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cash_register_entries (
			id, username, entry_date, declared_cash_kobo, declared_pos_kobo,
			system_total_kobo, mismatch_kobo, deduction_kobo, finalized, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true,$9)
		ON CONFLICT (username, entry_date)
		DO UPDATE SET declared_cash_kobo = EXCLUDED.declared_cash_kobo,
			declared_pos_kobo = EXCLUDED.declared_pos_kobo,
			system_total_kobo = EXCLUDED.system_total_kobo,
			mismatch_kobo = EXCLUDED.mismatch_kobo,
			deduction_kobo = EXCLUDED.deduction_kobo,
			finalized = true
	`, entry.ID, entry.Username, entry.Date, entry.DeclaredCashKobo, entry.DeclaredPosKobo,
		entry.SystemTotalKobo, entry.MismatchKobo, entry.DeductionKobo, entry.CreatedAt); err != nil {
		return nil, mapTxError(err)
	}

	outcome := &store.DeclarationOutcome{Entry: entry}
	if params.Adjustment != nil {
		result, err := applyAdjustmentTx(ctx, tx, *params.Adjustment)
		if err != nil {
			return nil, err
		}
		outcome.Adjustment = result
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return outcome, nil
}

func (s *Store) ApplyAdjustment(ctx context.Context, adj domain.SalaryAdjustment) (*domain.AdjustmentResult, error) {
	if adj.AmountKobo < 0 {
		return nil, store.ErrValidation
	}
	switch adj.Kind {
	case domain.AdjustmentBonus, domain.AdjustmentDeduction, domain.AdjustmentDebtClear:
	default:
		return nil, fmt.Errorf("adjustment kind %q: %w", adj.Kind, store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := applyAdjustmentTx(ctx, tx, adj)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return result, nil
}

// applyAdjustmentTx performs the balance read-modify-write and appends the
// history row inside the caller's transaction. The row lock on users makes
// concurrent adjustments serialize.
func applyAdjustmentTx(ctx context.Context, tx *sql.Tx, adj domain.SalaryAdjustment) (*domain.AdjustmentResult, error) {
	var oldBalance int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_kobo FROM users WHERE username = $1 FOR UPDATE
	`, adj.Username).Scan(&oldBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", adj.Username, store.ErrNotFound)
		}
		return nil, mapTxError(err)
	}

	applied := adj.AmountKobo
	newBalance := oldBalance
	switch adj.Kind {
	case domain.AdjustmentBonus:
		newBalance = oldBalance + applied
	case domain.AdjustmentDeduction:
		newBalance = oldBalance - applied
	case domain.AdjustmentDebtClear:
		if oldBalance >= 0 {
			applied = 0
		} else if oldBalance+applied > 0 {
			applied = -oldBalance
		}
		newBalance = oldBalance + applied
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
		NewBalanceKobo: newBalance,
	}
	if adj.Kind == domain.AdjustmentDebtClear && applied == 0 {
		return result, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET balance_kobo = $2 WHERE username = $1
	`, adj.Username, newBalance); err != nil {
		return nil, mapTxError(err)
	}

	var mismatchJSON any
	if adj.Mismatch != nil {
		payload, err := json.Marshal(adj.Mismatch)
		if err != nil {
			return nil, err
		}
		mismatchJSON = payload
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO salary_adjustments (id, username, kind, amount_kobo, applied_kobo, reason, entry_date, mismatch, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, adj.ID, adj.Username, adj.Kind, adj.AmountKobo, adj.AppliedKobo, adj.Reason, adj.Date, mismatchJSON, adj.CreatedAt); err != nil {
		return nil, mapTxError(err)
	}

	return result, nil
}

func (s *Store) ListAdjustments(ctx context.Context, username, date string) ([]domain.SalaryAdjustment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, kind, amount_kobo, applied_kobo, reason, entry_date, mismatch, created_at
		FROM salary_adjustments
		WHERE ($1 = '' OR username = $1)
			AND ($2 = '' OR entry_date = $2)
		ORDER BY created_at, id
	`, username, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adjustments := make([]domain.SalaryAdjustment, 0, 16)
	for rows.Next() {
		var adj domain.SalaryAdjustment
		var mismatchJSON []byte
		if err := rows.Scan(&adj.ID, &adj.Username, &adj.Kind, &adj.AmountKobo, &adj.AppliedKobo, &adj.Reason, &adj.Date, &mismatchJSON, &adj.CreatedAt); err != nil {
			return nil, err
		}
		if len(mismatchJSON) > 0 {
			var detail domain.MismatchDetail
			if err := json.Unmarshal(mismatchJSON, &detail); err != nil {
				return nil, fmt.Errorf("decode mismatch for %s: %w", adj.ID, err)
			}
			adj.Mismatch = &detail
		}
		adj.CreatedAt = adj.CreatedAt.UTC()
		adjustments = append(adjustments, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return adjustments, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, username, role, action, old_value, new_value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Username, entry.Role, entry.Action, entry.OldValue, entry.NewValue, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, action, old_value, new_value, created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Username, &entry.Role, &entry.Action, &entry.OldValue, &entry.NewValue, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapTxError translates a serialization failure (SQLSTATE 40001) into
// ErrConcurrency so callers can retry.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%v: %w", err, store.ErrConcurrency)
	}
	return err
}
