// Package service implements the business rules on top of the repository:
// inventory ledger, sales recording, daily reconciliation, cash declarations,
// the salary ledger and the audit trail.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bartally/internal/cache"
	"bartally/internal/domain"
	"bartally/internal/store"
)

// ErrPermission marks a role check failure. Mapped to 403 by the API layer.
var ErrPermission = errors.New("permission denied")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	reports   cache.ReportCache
	reportTTL time.Duration
}

func New(repo store.Repository, reports cache.ReportCache, reportTTL time.Duration) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = 12 * time.Hour
	}

	return &Service{
		repo:      repo,
		reports:   reports,
		reportTTL: reportTTL,
	}
}

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrPermission
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("role %s: %w", actor.Role, ErrPermission)
}

// normalizeDate validates the business date and defaults empty to today (UTC).
func normalizeDate(date string) (string, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Now().UTC().Format(domain.DateLayout), nil
	}
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return "", fmt.Errorf("date %q: %w", date, store.ErrValidation)
	}
	return date, nil
}

// naira renders a kobo amount for human-readable reasons and audit values.
func naira(kobo int64) string {
	sign := ""
	if kobo < 0 {
		sign = "-"
		kobo = -kobo
	}
	if kobo%100 == 0 {
		return fmt.Sprintf("%s₦%d", sign, kobo/100)
	}
	return fmt.Sprintf("%s₦%d.%02d", sign, kobo/100, kobo%100)
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	_, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.User{}, err
	}

	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if req.Username == "" || len(req.Password) < 6 {
		return domain.User{}, store.ErrValidation
	}
	switch req.Role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleStaff:
	default:
		return domain.User{}, fmt.Errorf("role %q: %w", req.Role, store.ErrValidation)
	}
	if req.MonthlySalaryKobo < 0 {
		return domain.User{}, store.ErrValidation
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}

	created, err := s.repo.CreateUser(ctx, domain.UserAccount{
		Username:          req.Username,
		Password:          string(hash),
		Role:              req.Role,
		MonthlySalaryKobo: req.MonthlySalaryKobo,
		BalanceKobo:       req.MonthlySalaryKobo,
		Active:            true,
	})
	if err != nil {
		return domain.User{}, err
	}

	s.logAudit(ctx, "user_create", "", fmt.Sprintf("username=%s,role=%s,salary=%s", created.Username, created.Role, naira(created.MonthlySalaryKobo)))
	return created.Public(), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}

	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, account.Public())
	}
	return users, nil
}

// DeactivateUser disables login while preserving every ledger row the user
// appears in. The last active admin can never be deactivated.
func (s *Service) DeactivateUser(ctx context.Context, username string) (domain.User, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.User{}, err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return domain.User{}, store.ErrValidation
	}
	if username == actor.Username {
		return domain.User{}, fmt.Errorf("cannot deactivate own account: %w", store.ErrState)
	}

	target, err := s.repo.GetUser(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if target.Role == domain.RoleAdmin {
		accounts, err := s.repo.ListUsers(ctx)
		if err != nil {
			return domain.User{}, err
		}
		activeAdmins := 0
		for _, account := range accounts {
			if account.Role == domain.RoleAdmin && account.Active {
				activeAdmins++
			}
		}
		if activeAdmins <= 1 {
			return domain.User{}, fmt.Errorf("cannot deactivate last active admin: %w", store.ErrState)
		}
	}

	updated, err := s.repo.SetUserActive(ctx, username, false)
	if err != nil {
		return domain.User{}, err
	}

	s.logAudit(ctx, "user_deactivate", "active=true", fmt.Sprintf("username=%s,active=false", username))
	return updated.Public(), nil
}

func (s *Service) ReactivateUser(ctx context.Context, username string) (domain.User, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return domain.User{}, store.ErrValidation
	}
	updated, err := s.repo.SetUserActive(ctx, username, true)
	if err != nil {
		return domain.User{}, err
	}

	s.logAudit(ctx, "user_reactivate", "active=false", fmt.Sprintf("username=%s,active=true", username))
	return updated.Public(), nil
}

func (s *Service) SalaryBalance(ctx context.Context, username string) (domain.SalaryBalance, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SalaryBalance{}, ErrPermission
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		username = actor.Username
	}
	if actor.Role != domain.RoleAdmin && username != actor.Username {
		return domain.SalaryBalance{}, ErrPermission
	}

	user, err := s.repo.GetUser(ctx, username)
	if err != nil {
		return domain.SalaryBalance{}, err
	}
	return domain.SalaryBalance{
		Username:          user.Username,
		MonthlySalaryKobo: user.MonthlySalaryKobo,
		BalanceKobo:       user.BalanceKobo,
	}, nil
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, ErrPermission
	}
	return s.repo.ListItems(ctx)
}

func (s *Service) AddInventoryItem(ctx context.Context, req domain.ItemCreateRequest) (domain.InventoryItem, error) {
	if _, err := s.requireRole(ctx, domain.RoleManager, domain.RoleAdmin); err != nil {
		return domain.InventoryItem{}, err
	}

	req.Name = strings.ToLower(strings.TrimSpace(req.Name))
	if req.Name == "" || req.PriceKobo < 1 || req.InitialSupply < 0 {
		return domain.InventoryItem{}, store.ErrValidation
	}

	// First supply sets opening, supply and closing to the same count.
	created, err := s.repo.CreateItem(ctx, domain.InventoryItem{
		Name:         req.Name,
		PriceKobo:    req.PriceKobo,
		OpeningStock: req.InitialSupply,
		SupplyQty:    req.InitialSupply,
		ClosingStock: req.InitialSupply,
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, "item_create", "", fmt.Sprintf("item=%s,price=%s,supply=%d", created.Name, naira(created.PriceKobo), req.InitialSupply))
	return *created, nil
}

func (s *Service) UpdateItemPrice(ctx context.Context, name string, req domain.ItemPriceUpdateRequest) (domain.InventoryItem, error) {
	if _, err := s.requireRole(ctx, domain.RoleManager, domain.RoleAdmin); err != nil {
		return domain.InventoryItem{}, err
	}

	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || req.PriceKobo < 1 {
		return domain.InventoryItem{}, store.ErrValidation
	}

	existing, err := s.repo.GetItem(ctx, name)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	updated, err := s.repo.UpdateItemPrice(ctx, name, req.PriceKobo)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, "item_price_update",
		fmt.Sprintf("item=%s,price=%s", name, naira(existing.PriceKobo)),
		fmt.Sprintf("item=%s,price=%s", name, naira(updated.PriceKobo)))
	return *updated, nil
}

func (s *Service) RecordSupply(ctx context.Context, req domain.SupplyRequest) (domain.InventoryItem, error) {
	if _, err := s.requireRole(ctx, domain.RoleManager, domain.RoleAdmin); err != nil {
		return domain.InventoryItem{}, err
	}

	req.Item = strings.ToLower(strings.TrimSpace(req.Item))
	if req.Item == "" || req.Qty < 1 {
		return domain.InventoryItem{}, store.ErrValidation
	}

	updated, err := s.repo.RecordSupply(ctx, req.Item, req.Qty)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, "supply_record", "", fmt.Sprintf("item=%s,qty=%d", req.Item, req.Qty))
	return *updated, nil
}

func (s *Service) AddSale(ctx context.Context, req domain.SaleCreateRequest) (domain.StaffSaleEntry, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.StaffSaleEntry{}, err
	}

	date, err := normalizeDate(req.Date)
	if err != nil {
		return domain.StaffSaleEntry{}, err
	}
	req.Item = strings.ToLower(strings.TrimSpace(req.Item))
	if req.Item == "" || req.Qty < 1 {
		return domain.StaffSaleEntry{}, store.ErrValidation
	}

	created, err := s.repo.CreateSale(ctx, domain.StaffSaleEntry{
		Staff: actor.Username,
		Date:  date,
		Item:  req.Item,
		Qty:   req.Qty,
	})
	if err != nil {
		return domain.StaffSaleEntry{}, err
	}

	s.logAudit(ctx, "sale_add", "", fmt.Sprintf("item=%s,qty=%d,total=%s", created.Item, created.Qty, naira(created.TotalKobo)))
	return *created, nil
}

func (s *Service) ListMySales(ctx context.Context, date string) ([]domain.StaffSaleEntry, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	date, err = normalizeDate(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, actor.Username, date)
}

// SubmitSales locks in the staff's sales for the date. A repeat call is a
// no-op, not an error.
func (s *Service) SubmitSales(ctx context.Context, date string) (domain.SubmitSalesResponse, error) {
	actor, err := s.requireRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.SubmitSalesResponse{}, err
	}
	date, err = normalizeDate(date)
	if err != nil {
		return domain.SubmitSalesResponse{}, err
	}

	submitted, err := s.repo.SubmitSales(ctx, actor.Username, date)
	if err != nil {
		return domain.SubmitSalesResponse{}, err
	}

	if submitted > 0 {
		s.logAudit(ctx, "sales_submit", "", fmt.Sprintf("date=%s,count=%d", date, submitted))
	}
	return domain.SubmitSalesResponse{
		Date:           date,
		SubmittedCount: submitted,
		NoOp:           submitted == 0,
	}, nil
}

func (s *Service) SaveDailyStock(ctx context.Context, req domain.DailyStockRequest) (domain.DailyStockEntry, error) {
	actor, err := s.requireRole(ctx, domain.RoleManager)
	if err != nil {
		return domain.DailyStockEntry{}, err
	}
	date, err := normalizeDate(req.Date)
	if err != nil {
		return domain.DailyStockEntry{}, err
	}
	closingByItem := make(map[string]int, len(req.ClosingByItem))
	for item, closing := range req.ClosingByItem {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" || closing < 0 {
			return domain.DailyStockEntry{}, store.ErrValidation
		}
		closingByItem[item] = closing
	}

	entry, err := s.repo.SaveDailyStock(ctx, actor.Username, date, closingByItem)
	if err != nil {
		return domain.DailyStockEntry{}, err
	}

	s.logAudit(ctx, "daily_stock_save", "", fmt.Sprintf("date=%s,expected=%s", date, naira(entry.ExpectedRevenueKobo)))
	return *entry, nil
}

// ExpectedRevenue returns the stored total when a daily entry exists, and a
// live preview computed from current item state otherwise.
func (s *Service) ExpectedRevenue(ctx context.Context, date string) (domain.ExpectedRevenue, error) {
	actor, err := s.requireRole(ctx, domain.RoleManager)
	if err != nil {
		return domain.ExpectedRevenue{}, err
	}
	date, err = normalizeDate(date)
	if err != nil {
		return domain.ExpectedRevenue{}, err
	}

	entry, err := s.repo.GetDailyStock(ctx, actor.Username, date)
	if err == nil {
		return domain.ExpectedRevenue{
			Date:                date,
			ExpectedRevenueKobo: entry.ExpectedRevenueKobo,
			Saved:               true,
			Finalized:           entry.Finalized,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.ExpectedRevenue{}, err
	}

	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return domain.ExpectedRevenue{}, err
	}
	snap, err := store.BuildStockSnapshot(items, nil)
	if err != nil {
		return domain.ExpectedRevenue{}, err
	}
	return domain.ExpectedRevenue{
		Date:                date,
		ExpectedRevenueKobo: snap.ExpectedRevenueKobo,
	}, nil
}

// FinalizeDeclaration closes out the actor's day: it reconciles the declared
// cash and POS totals against the reference total for the role, applies the
// mismatch deduction exactly once, and marks the day immutable.
func (s *Service) FinalizeDeclaration(ctx context.Context, req domain.DeclarationRequest) (domain.DeclarationResponse, error) {
	actor, err := s.requireRole(ctx, domain.RoleManager, domain.RoleStaff)
	if err != nil {
		return domain.DeclarationResponse{}, err
	}
	date, err := normalizeDate(req.Date)
	if err != nil {
		return domain.DeclarationResponse{}, err
	}
	if req.DeclaredCashKobo < 0 || req.DeclaredPosKobo < 0 {
		return domain.DeclarationResponse{}, store.ErrValidation
	}

	var referenceKobo int64
	var stockEntryID string
	switch actor.Role {
	case domain.RoleManager:
		entry, err := s.repo.GetDailyStock(ctx, actor.Username, date)
		if errors.Is(err, store.ErrNotFound) {
			return domain.DeclarationResponse{}, fmt.Errorf("no saved daily stock for %s: %w", date, store.ErrState)
		}
		if err != nil {
			return domain.DeclarationResponse{}, err
		}
		if entry.Finalized {
			return domain.DeclarationResponse{}, fmt.Errorf("daily stock for %s is finalized: %w", date, store.ErrState)
		}
		referenceKobo = entry.ExpectedRevenueKobo
		stockEntryID = entry.ID
	case domain.RoleStaff:
		sales, err := s.repo.ListSales(ctx, actor.Username, date)
		if err != nil {
			return domain.DeclarationResponse{}, err
		}
		if len(sales) == 0 {
			return domain.DeclarationResponse{}, fmt.Errorf("no sales recorded for %s: %w", date, store.ErrState)
		}
		for _, sale := range sales {
			if !sale.Submitted {
				return domain.DeclarationResponse{}, fmt.Errorf("unsubmitted sales for %s: %w", date, store.ErrState)
			}
			referenceKobo += sale.TotalKobo
		}
	}

	declaredKobo := req.DeclaredCashKobo + req.DeclaredPosKobo
	mismatchKobo := declaredKobo - referenceKobo

	var adjustment *domain.SalaryAdjustment
	if mismatchKobo != 0 {
		adjustment = &domain.SalaryAdjustment{
			Username:   actor.Username,
			Kind:       domain.AdjustmentDeduction,
			AmountKobo: absKobo(mismatchKobo),
			Reason: fmt.Sprintf("Cash/POS mismatch for %s. Expected %s, declared %s",
				date, naira(referenceKobo), naira(declaredKobo)),
			Date: date,
			Mismatch: &domain.MismatchDetail{
				Date:         date,
				ExpectedKobo: referenceKobo,
				DeclaredKobo: declaredKobo,
				MismatchKobo: mismatchKobo,
			},
		}
	}

	outcome, err := s.repo.FinalizeDeclaration(ctx, store.FinalizeDeclarationParams{
		Entry: domain.CashRegisterEntry{
			Username:         actor.Username,
			Date:             date,
			DeclaredCashKobo: req.DeclaredCashKobo,
			DeclaredPosKobo:  req.DeclaredPosKobo,
			SystemTotalKobo:  referenceKobo,
			MismatchKobo:     mismatchKobo,
			DeductionKobo:    absKobo(mismatchKobo),
		},
		StockEntryID: stockEntryID,
		Adjustment:   adjustment,
	})
	if err != nil {
		return domain.DeclarationResponse{}, err
	}

	response := domain.DeclarationResponse{Entry: outcome.Entry}
	if outcome.Adjustment != nil {
		response.DeductionApplied = true
		response.NewBalanceKobo = outcome.Adjustment.NewBalanceKobo
	} else if user, err := s.repo.GetUser(ctx, actor.Username); err == nil {
		response.NewBalanceKobo = user.BalanceKobo
	}

	s.logAudit(ctx, "declaration_finalize",
		fmt.Sprintf("date=%s,expected=%s", date, naira(referenceKobo)),
		fmt.Sprintf("date=%s,declared=%s,mismatch=%s", date, naira(declaredKobo), naira(mismatchKobo)))
	return response, nil
}

func (s *Service) ApplyBonus(ctx context.Context, req domain.AdjustmentRequest) (domain.AdjustmentResult, error) {
	return s.applyManualAdjustment(ctx, domain.AdjustmentBonus, "bonus_apply", req)
}

func (s *Service) ApplyDeduction(ctx context.Context, req domain.AdjustmentRequest) (domain.AdjustmentResult, error) {
	return s.applyManualAdjustment(ctx, domain.AdjustmentDeduction, "deduction_apply", req)
}

// ClearDebt pays down a negative balance. It clamps at zero and is a no-op
// against a balance that is already zero or positive.
func (s *Service) ClearDebt(ctx context.Context, req domain.AdjustmentRequest) (domain.AdjustmentResult, error) {
	if req.Reason == "" {
		req.Reason = "Debt cleared"
	}
	return s.applyManualAdjustment(ctx, domain.AdjustmentDebtClear, "debt_clear", req)
}

func (s *Service) applyManualAdjustment(ctx context.Context, kind, action string, req domain.AdjustmentRequest) (domain.AdjustmentResult, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.AdjustmentResult{}, err
	}

	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Username == "" || req.AmountKobo < 0 {
		return domain.AdjustmentResult{}, store.ErrValidation
	}
	if req.Reason == "" {
		return domain.AdjustmentResult{}, fmt.Errorf("reason required: %w", store.ErrValidation)
	}

	result, err := s.repo.ApplyAdjustment(ctx, domain.SalaryAdjustment{
		Username:   req.Username,
		Kind:       kind,
		AmountKobo: req.AmountKobo,
		Reason:     req.Reason,
		Date:       time.Now().UTC().Format(domain.DateLayout),
	})
	if err != nil {
		return domain.AdjustmentResult{}, err
	}

	s.logAudit(ctx, action,
		fmt.Sprintf("username=%s,balance=%s", req.Username, naira(result.OldBalanceKobo)),
		fmt.Sprintf("username=%s,balance=%s,applied=%s", req.Username, naira(result.NewBalanceKobo), naira(result.Adjustment.AppliedKobo)))
	return *result, nil
}

func (s *Service) ListAdjustments(ctx context.Context, username string) ([]domain.SalaryAdjustment, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrPermission
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		username = actor.Username
	}
	if actor.Role != domain.RoleAdmin && username != actor.Username {
		return nil, ErrPermission
	}
	return s.repo.ListAdjustments(ctx, username, "")
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// DailyReport aggregates the day's stock entries, sales, declarations and
// adjustments. Finalized reports are served from and written to the cache.
func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	if _, err := s.requireRole(ctx, domain.RoleManager, domain.RoleAdmin); err != nil {
		return domain.DailyReport{}, err
	}
	date, err := normalizeDate(date)
	if err != nil {
		return domain.DailyReport{}, err
	}

	cacheKey := "report:" + date
	if cached, ok, err := s.reports.Get(ctx, cacheKey); err != nil {
		log.Printf("[service] WARN: report cache get date=%s: %v", date, err)
	} else if ok {
		return *cached, nil
	}

	stockEntries, err := s.repo.ListDailyStock(ctx, date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	sales, err := s.repo.ListSalesByDate(ctx, date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	declarations, err := s.repo.ListDeclarations(ctx, date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	adjustments, err := s.repo.ListAdjustments(ctx, "", date)
	if err != nil {
		return domain.DailyReport{}, err
	}

	finalized := len(stockEntries)+len(declarations) > 0
	for _, entry := range stockEntries {
		if !entry.Finalized {
			finalized = false
		}
	}
	for _, decl := range declarations {
		if !decl.Finalized {
			finalized = false
		}
	}

	report := domain.DailyReport{
		Date:         date,
		StockEntries: stockEntries,
		Sales:        sales,
		Declarations: declarations,
		Adjustments:  adjustments,
		Finalized:    finalized,
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	if finalized {
		if err := s.reports.Set(ctx, cacheKey, &report, s.reportTTL); err != nil {
			log.Printf("[service] WARN: report cache set date=%s: %v", date, err)
		}
	}
	return report, nil
}

// logAudit records the mutation best-effort. A failed write warns and never
// rolls back the business change it describes.
func (s *Service) logAudit(ctx context.Context, action string, oldValue string, newValue string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		Username: actor.Username,
		Role:     actor.Role,
		Action:   action,
		OldValue: oldValue,
		NewValue: newValue,
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}

func absKobo(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
