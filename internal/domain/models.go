package domain

import "time"

// DateLayout is the wire format for business dates. Daily entries are keyed
// by this string form, not by time.Time, so equality is exact.
const DateLayout = "2006-01-02"

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

type Actor struct {
	Username string
	Role     string
}

// UserAccount is the persistence model, including credentials. It never
// crosses the API boundary; use Public() for responses.
type UserAccount struct {
	Username          string
	Password          string
	Role              string
	MonthlySalaryKobo int64
	BalanceKobo       int64
	Active            bool
	CreatedAt         time.Time
}

type User struct {
	Username          string    `json:"username"`
	Role              string    `json:"role"`
	MonthlySalaryKobo int64     `json:"monthly_salary_kobo"`
	BalanceKobo       int64     `json:"balance_kobo"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

func (u UserAccount) Public() User {
	return User{
		Username:          u.Username,
		Role:              u.Role,
		MonthlySalaryKobo: u.MonthlySalaryKobo,
		BalanceKobo:       u.BalanceKobo,
		Active:            u.Active,
		CreatedAt:         u.CreatedAt,
	}
}

type UserCreateRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	Role              string `json:"role"`
	MonthlySalaryKobo int64  `json:"monthly_salary_kobo"`
}

type InventoryItem struct {
	Name         string    `json:"name"`
	PriceKobo    int64     `json:"price_kobo"`
	OpeningStock int       `json:"opening_stock"`
	SupplyQty    int       `json:"supply_qty"`
	ClosingStock int       `json:"closing_stock"`
	CreatedAt    time.Time `json:"created_at"`
}

type ItemCreateRequest struct {
	Name          string `json:"name"`
	PriceKobo     int64  `json:"price_kobo"`
	InitialSupply int    `json:"initial_supply"`
}

type ItemPriceUpdateRequest struct {
	PriceKobo int64 `json:"price_kobo"`
}

type SupplyRequest struct {
	Item string `json:"item"`
	Qty  int    `json:"qty"`
}

// StockSnapshotVersion tags serialized snapshots so later schema changes are
// explicit instead of guessed from shape.
const StockSnapshotVersion = 1

// StockMovementLine is one item's frozen movement inside a day close. Price
// is captured at close time; later price edits never rewrite it.
type StockMovementLine struct {
	Item         string `json:"item"`
	OpeningStock int    `json:"opening_stock"`
	SupplyQty    int    `json:"supply_qty"`
	ClosingStock int    `json:"closing_stock"`
	QuantitySold int    `json:"quantity_sold"`
	PriceKobo    int64  `json:"price_kobo"`
	RevenueKobo  int64  `json:"revenue_kobo"`
}

type StockSnapshot struct {
	Version             int                 `json:"version"`
	Lines               []StockMovementLine `json:"lines"`
	ExpectedRevenueKobo int64               `json:"expected_revenue_kobo"`
}

type DailyStockEntry struct {
	ID                  string        `json:"id"`
	Manager             string        `json:"manager"`
	Date                string        `json:"date"`
	ExpectedRevenueKobo int64         `json:"expected_revenue_kobo"`
	DeclaredTotalKobo   int64         `json:"declared_total_kobo"`
	MismatchKobo        int64         `json:"mismatch_kobo"`
	DeductionKobo       int64         `json:"deduction_kobo"`
	Snapshot            StockSnapshot `json:"snapshot"`
	Finalized           bool          `json:"finalized"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type DailyStockRequest struct {
	Date          string         `json:"date,omitempty"`
	ClosingByItem map[string]int `json:"closing_by_item"`
}

type ExpectedRevenue struct {
	Date                string `json:"date"`
	ExpectedRevenueKobo int64  `json:"expected_revenue_kobo"`
	Saved               bool   `json:"saved"`
	Finalized           bool   `json:"finalized"`
}

type StaffSaleEntry struct {
	ID        string    `json:"id"`
	Staff     string    `json:"staff"`
	Date      string    `json:"date"`
	Item      string    `json:"item"`
	Qty       int       `json:"qty"`
	PriceKobo int64     `json:"price_kobo"`
	TotalKobo int64     `json:"total_kobo"`
	Submitted bool      `json:"submitted"`
	CreatedAt time.Time `json:"created_at"`
}

type SaleCreateRequest struct {
	Item string `json:"item"`
	Qty  int    `json:"qty"`
	Date string `json:"date,omitempty"`
}

type SubmitSalesResponse struct {
	Date           string `json:"date"`
	SubmittedCount int    `json:"submitted_count"`
	NoOp           bool   `json:"no_op"`
}

type CashRegisterEntry struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Date             string    `json:"date"`
	DeclaredCashKobo int64     `json:"declared_cash_kobo"`
	DeclaredPosKobo  int64     `json:"declared_pos_kobo"`
	SystemTotalKobo  int64     `json:"system_total_kobo"`
	MismatchKobo     int64     `json:"mismatch_kobo"`
	DeductionKobo    int64     `json:"deduction_kobo"`
	Finalized        bool      `json:"finalized"`
	CreatedAt        time.Time `json:"created_at"`
}

type DeclarationRequest struct {
	Date             string `json:"date,omitempty"`
	DeclaredCashKobo int64  `json:"declared_cash_kobo"`
	DeclaredPosKobo  int64  `json:"declared_pos_kobo"`
}

type DeclarationResponse struct {
	Entry            CashRegisterEntry `json:"entry"`
	DeductionApplied bool              `json:"deduction_applied"`
	NewBalanceKobo   int64             `json:"new_balance_kobo"`
}

const (
	AdjustmentBonus     = "bonus"
	AdjustmentDeduction = "deduction"
	AdjustmentDebtClear = "debt_clear"
)

// MismatchDetail carries the reconciliation amounts behind an automatic
// deduction as structured fields, alongside the human-readable reason.
type MismatchDetail struct {
	Date         string `json:"date"`
	ExpectedKobo int64  `json:"expected_kobo"`
	DeclaredKobo int64  `json:"declared_kobo"`
	MismatchKobo int64  `json:"mismatch_kobo"`
}

// SalaryAdjustment is an immutable history row. AmountKobo is the requested
// magnitude; AppliedKobo is the magnitude actually applied to the balance.
// They differ only for debt clears, which clamp the balance at zero.
type SalaryAdjustment struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Kind        string          `json:"kind"`
	AmountKobo  int64           `json:"amount_kobo"`
	AppliedKobo int64           `json:"applied_kobo"`
	Reason      string          `json:"reason"`
	Date        string          `json:"date"`
	Mismatch    *MismatchDetail `json:"mismatch,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type AdjustmentRequest struct {
	Username   string `json:"username"`
	AmountKobo int64  `json:"amount_kobo"`
	Reason     string `json:"reason"`
}

type AdjustmentResult struct {
	Adjustment     SalaryAdjustment `json:"adjustment"`
	OldBalanceKobo int64            `json:"old_balance_kobo"`
	NewBalanceKobo int64            `json:"new_balance_kobo"`
}

type SalaryBalance struct {
	Username          string `json:"username"`
	MonthlySalaryKobo int64  `json:"monthly_salary_kobo"`
	BalanceKobo       int64  `json:"balance_kobo"`
}

type AuditLog struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Action    string    `json:"action"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyReport aggregates everything recorded for one date. Consumers must
// treat it as stable only when Finalized is true.
type DailyReport struct {
	Date         string              `json:"date"`
	StockEntries []DailyStockEntry   `json:"stock_entries"`
	Sales        []StaffSaleEntry    `json:"sales"`
	Declarations []CashRegisterEntry `json:"declarations"`
	Adjustments  []SalaryAdjustment  `json:"adjustments"`
	Finalized    bool                `json:"finalized"`
	GeneratedAt  string              `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
