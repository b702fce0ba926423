package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"bartally/internal/domain"
	"bartally/internal/service"
	"bartally/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, "admin"))
	mux.HandleFunc("/api/v1/users/", a.requireAuth(a.handleUserActions, "admin"))

	mux.HandleFunc("/api/v1/inventory", a.requireAuth(a.handleInventory, "admin", "manager", "staff"))
	mux.HandleFunc("/api/v1/inventory/", a.requireAuth(a.handleInventoryActions, "admin", "manager"))
	mux.HandleFunc("/api/v1/supplies", a.requireAuth(a.handleSupplies, "admin", "manager"))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, "staff"))
	mux.HandleFunc("/api/v1/sales/submit", a.requireAuth(a.handleSalesSubmit, "staff"))

	mux.HandleFunc("/api/v1/daily-stock", a.requireAuth(a.handleDailyStock, "manager"))
	mux.HandleFunc("/api/v1/daily-stock/expected-revenue", a.requireAuth(a.handleExpectedRevenue, "manager"))

	mux.HandleFunc("/api/v1/declarations", a.requireAuth(a.handleDeclarations, "manager", "staff"))

	mux.HandleFunc("/api/v1/salary/bonus", a.requireAuth(a.handleSalaryBonus, "admin"))
	mux.HandleFunc("/api/v1/salary/deduction", a.requireAuth(a.handleSalaryDeduction, "admin"))
	mux.HandleFunc("/api/v1/salary/debt-clear", a.requireAuth(a.handleSalaryDebtClear, "admin"))
	mux.HandleFunc("/api/v1/salary/balance", a.requireAuth(a.handleSalaryBalance, "admin", "manager", "staff"))
	mux.HandleFunc("/api/v1/salary/adjustments", a.requireAuth(a.handleSalaryAdjustments, "admin", "manager", "staff"))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, "admin"))
	mux.HandleFunc("/api/v1/reports/daily", a.requireAuth(a.handleDailyReport, "admin", "manager"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.service.ListUsers(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.service.CreateUser(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleUserActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/users/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusBadRequest, errors.New("invalid user action path"))
		return
	}
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("username required"))
		return
	}

	if strings.HasSuffix(tail, "/deactivate") {
		username := strings.Trim(strings.TrimSuffix(tail, "/deactivate"), "/")
		user, err := a.service.DeactivateUser(r.Context(), username)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
		return
	}

	if strings.HasSuffix(tail, "/reactivate") {
		username := strings.Trim(strings.TrimSuffix(tail, "/reactivate"), "/")
		user, err := a.service.ReactivateUser(r.Context(), username)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
		return
	}

	writeError(w, http.StatusBadRequest, errors.New("unknown user action"))
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.service.ListInventory(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req domain.ItemCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.AddInventoryItem(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": item})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleInventoryActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/inventory/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusBadRequest, errors.New("invalid inventory action path"))
		return
	}
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("item name required"))
		return
	}

	if strings.HasSuffix(tail, "/price") {
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		name := strings.Trim(strings.TrimSuffix(tail, "/price"), "/")
		var req domain.ItemPriceUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.UpdateItemPrice(r.Context(), name, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
		return
	}

	writeError(w, http.StatusBadRequest, errors.New("unknown inventory action"))
}

func (a *API) handleSupplies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SupplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	item, err := a.service.RecordSupply(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sales, err := a.service.ListMySales(r.Context(), r.URL.Query().Get("date"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var req domain.SaleCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.AddSale(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
	default:
		writeMethodNotAllowed(w)
	}
}

type submitSalesRequest struct {
	Date string `json:"date"`
}

func (a *API) handleSalesSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req submitSalesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.SubmitSales(r.Context(), req.Date)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDailyStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.DailyStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.SaveDailyStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (a *API) handleExpectedRevenue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	revenue, err := a.service.ExpectedRevenue(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revenue)
}

func (a *API) handleDeclarations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.DeclarationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.FinalizeDeclaration(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSalaryBonus(w http.ResponseWriter, r *http.Request) {
	a.handleAdjustment(w, r, a.service.ApplyBonus)
}

func (a *API) handleSalaryDeduction(w http.ResponseWriter, r *http.Request) {
	a.handleAdjustment(w, r, a.service.ApplyDeduction)
}

func (a *API) handleSalaryDebtClear(w http.ResponseWriter, r *http.Request) {
	a.handleAdjustment(w, r, a.service.ClearDebt)
}

func (a *API) handleAdjustment(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, req domain.AdjustmentRequest) (domain.AdjustmentResult, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := apply(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSalaryBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	balance, err := a.service.SalaryBalance(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) handleSalaryAdjustments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	adjustments, err := a.service.ListAdjustments(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustments": adjustments})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date := r.URL.Query().Get("date")
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))

	report, err := a.service.DailyReport(r.Context(), date)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"daily-report-%s.csv\"", report.Date))
		_, _ = w.Write([]byte(dailyReportToCSV(report)))
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(dailyReportToPrintableHTML(report)))
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func dailyReportToCSV(report domain.DailyReport) string {
	lines := []string{
		"section,key,value",
		fmt.Sprintf("summary,date,%s", report.Date),
		fmt.Sprintf("summary,finalized,%t", report.Finalized),
		fmt.Sprintf("summary,generated_at,%s", report.GeneratedAt),
	}
	for _, entry := range report.StockEntries {
		lines = append(lines, fmt.Sprintf("stock,%s_expected_revenue_kobo,%d", entry.Manager, entry.ExpectedRevenueKobo))
		lines = append(lines, fmt.Sprintf("stock,%s_declared_total_kobo,%d", entry.Manager, entry.DeclaredTotalKobo))
		lines = append(lines, fmt.Sprintf("stock,%s_mismatch_kobo,%d", entry.Manager, entry.MismatchKobo))
	}
	for _, sale := range report.Sales {
		lines = append(lines, fmt.Sprintf("sale,%s_%s_qty,%d", sale.Staff, sale.Item, sale.Qty))
		lines = append(lines, fmt.Sprintf("sale,%s_%s_total_kobo,%d", sale.Staff, sale.Item, sale.TotalKobo))
	}
	for _, decl := range report.Declarations {
		lines = append(lines, fmt.Sprintf("declaration,%s_system_total_kobo,%d", decl.Username, decl.SystemTotalKobo))
		lines = append(lines, fmt.Sprintf("declaration,%s_declared_cash_kobo,%d", decl.Username, decl.DeclaredCashKobo))
		lines = append(lines, fmt.Sprintf("declaration,%s_declared_pos_kobo,%d", decl.Username, decl.DeclaredPosKobo))
		lines = append(lines, fmt.Sprintf("declaration,%s_mismatch_kobo,%d", decl.Username, decl.MismatchKobo))
	}
	for _, adj := range report.Adjustments {
		lines = append(lines, fmt.Sprintf("adjustment,%s_%s_applied_kobo,%d", adj.Username, adj.Kind, adj.AppliedKobo))
	}
	return strings.Join(lines, "\n") + "\n"
}

// dailyReportHTMLTmpl renders the printable daily report. All user-controlled
// fields are auto-escaped by html/template.
var dailyReportHTMLTmpl = template.Must(template.New("daily-report").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Daily Report {{.Date}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2, h3 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Daily Report {{.Date}}</h2>
  <p>Finalized: {{.Finalized}} | Generated: {{.GeneratedAt}}</p>

  <h3>Stock Entries</h3>
  <table>
    <thead><tr><th>Manager</th><th>Expected Revenue (kobo)</th><th>Declared Total (kobo)</th><th>Mismatch (kobo)</th><th>Finalized</th></tr></thead>
    <tbody>{{range .StockEntries}}<tr><td>{{.Manager}}</td><td style="text-align:right;">{{.ExpectedRevenueKobo}}</td><td style="text-align:right;">{{.DeclaredTotalKobo}}</td><td style="text-align:right;">{{.MismatchKobo}}</td><td>{{.Finalized}}</td></tr>{{end}}</tbody>
  </table>

  <h3>Sales</h3>
  <table>
    <thead><tr><th>Staff</th><th>Item</th><th>Qty</th><th>Total (kobo)</th><th>Submitted</th></tr></thead>
    <tbody>{{range .Sales}}<tr><td>{{.Staff}}</td><td>{{.Item}}</td><td style="text-align:right;">{{.Qty}}</td><td style="text-align:right;">{{.TotalKobo}}</td><td>{{.Submitted}}</td></tr>{{end}}</tbody>
  </table>

  <h3>Declarations</h3>
  <table>
    <thead><tr><th>User</th><th>System Total (kobo)</th><th>Cash (kobo)</th><th>POS (kobo)</th><th>Mismatch (kobo)</th></tr></thead>
    <tbody>{{range .Declarations}}<tr><td>{{.Username}}</td><td style="text-align:right;">{{.SystemTotalKobo}}</td><td style="text-align:right;">{{.DeclaredCashKobo}}</td><td style="text-align:right;">{{.DeclaredPosKobo}}</td><td style="text-align:right;">{{.MismatchKobo}}</td></tr>{{end}}</tbody>
  </table>

  <h3>Salary Adjustments</h3>
  <table>
    <thead><tr><th>User</th><th>Kind</th><th>Applied (kobo)</th><th>Reason</th></tr></thead>
    <tbody>{{range .Adjustments}}<tr><td>{{.Username}}</td><td>{{.Kind}}</td><td style="text-align:right;">{{.AppliedKobo}}</td><td>{{.Reason}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

func dailyReportToPrintableHTML(report domain.DailyReport) string {
	var buf bytes.Buffer
	if err := dailyReportHTMLTmpl.Execute(&buf, report); err != nil {
		return "<!doctype html><html><body><p>Report rendering error.</p></body></html>"
	}
	return buf.String()
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps the store and service error taxonomy onto HTTP
// status codes. Unrecognized errors fall through as 422.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, service.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrState),
		errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConcurrency):
		status = http.StatusConflict
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx messages are suppressed so internal details never leak to clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
