package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a client-held copy of an upstream catalog document. Variants carry
// VariantOf; templates carry HasVariants. ResolvedRate is the rate under the
// currently selected price list, StandardRate the upstream base rate.
type Item struct {
	Name                string             `json:"name"`
	ItemCode            string             `json:"item_code"`
	ItemName            string             `json:"item_name"`
	StandardRate        decimal.Decimal    `json:"standard_rate"`
	ResolvedRate        decimal.Decimal    `json:"resolved_rate"`
	HasVariants         bool               `json:"has_variants"`
	VariantOf           string             `json:"variant_of,omitempty"`
	MenuCategory        string             `json:"menu_category"`
	ImageURL            string             `json:"image_url,omitempty"`
	ActualQty           int                `json:"actual_qty"`
	IsComponentShortage bool               `json:"is_component_shortage"`
	Attributes          []VariantAttribute `json:"attributes,omitempty"`
}

type VariantAttribute struct {
	Attribute string `json:"attribute"`
	Value     string `json:"attribute_value"`
}

// PriceList is a named rate table. FlatAdjustment is added on top of the base
// standard rate for items without an explicit rate in this list.
type PriceList struct {
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	FlatAdjustment decimal.Decimal `json:"flat_adjustment"`
	Enabled        bool            `json:"enabled"`
}

// ItemPrice is an explicit per-item rate within a price list.
type ItemPrice struct {
	ItemCode      string          `json:"item_code"`
	PriceListRate decimal.Decimal `json:"price_list_rate"`
}

// SelectedOption is a configured size/spice/topping choice contributing an
// extra rate on top of the line's base rate.
type SelectedOption struct {
	Group     string          `json:"group"`
	Value     string          `json:"value"`
	ExtraRate decimal.Decimal `json:"extra_rate"`
}

// CartLine is one cart entry. Rate = BaseRate + ExtraRate and
// Amount = Rate * Qty, maintained by the cart, never by callers.
type CartLine struct {
	ID           string           `json:"id"`
	ItemCode     string           `json:"item_code"`
	ItemName     string           `json:"item_name"`
	MenuCategory string           `json:"menu_category,omitempty"`
	Qty          int              `json:"qty"`
	BaseRate     decimal.Decimal  `json:"base_rate"`
	ExtraRate    decimal.Decimal  `json:"extra_rate"`
	Rate         decimal.Decimal  `json:"rate"`
	Amount       decimal.Decimal  `json:"amount"`
	Notes        string           `json:"notes,omitempty"`
	Options      []SelectedOption `json:"item_options,omitempty"`
}

// Promo is a server-validated discount token.
type Promo struct {
	Code        string          `json:"code"`
	Type        string          `json:"type"`
	Percent     decimal.Decimal `json:"percent"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// PromoState tracks the promo selection on a session. The selection survives
// an auto-discount win so a later cart change can re-activate it.
type PromoState struct {
	Code     string `json:"code,omitempty"`
	Promo    *Promo `json:"promo,omitempty"`
	Error    string `json:"error,omitempty"`
	Applying bool   `json:"is_applying"`
}

// AppliedDiscount records which discount source won the precedence rule.
// PromoCode is empty when the automatic discount applies, even if a promo
// selection is still present on the session.
type AppliedDiscount struct {
	Source      string          `json:"source"`
	PromoCode   string          `json:"promo_code,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	AutoAmount  decimal.Decimal `json:"auto_amount"`
	PromoAmount decimal.Decimal `json:"promo_amount"`
}

// Totals is the single source of displayed cart figures; it must be
// recomputable from lines, tax rate, and promo state alone.
type Totals struct {
	CartQuantity int             `json:"cart_quantity"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	Gross        decimal.Decimal `json:"gross"`
	Discount     AppliedDiscount `json:"discount"`
	Total        decimal.Decimal `json:"total"`
}

// StockUpdate is the payload of a realtime stock event, filtered by branch.
type StockUpdate struct {
	Branch              string `json:"branch"`
	ItemCode            string `json:"item_code"`
	ActualQty           int    `json:"actual_qty"`
	IsComponentShortage bool   `json:"is_component_shortage"`
}

// ItemPriceUpdate is the payload of a realtime price event, filtered by the
// active price list.
type ItemPriceUpdate struct {
	PriceList string          `json:"price_list"`
	ItemCode  string          `json:"item_code"`
	Rate      decimal.Decimal `json:"price_list_rate"`
}

type CustomerInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// OrderLine mirrors a cart line in the order-creation payload. Item codes,
// quantities, and amounts must round-trip through upstream order creation
// within currency rounding tolerance.
type OrderLine struct {
	ItemCode string          `json:"item_code"`
	ItemName string          `json:"item_name"`
	Qty      int             `json:"qty"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes,omitempty"`
	Options  string          `json:"item_options,omitempty"`
}

type OrderPayload struct {
	Branch         string          `json:"branch"`
	Terminal       string          `json:"terminal"`
	Table          string          `json:"table,omitempty"`
	OrderType      string          `json:"order_type"`
	Customer       CustomerInfo    `json:"customer"`
	PriceList      string          `json:"price_list"`
	Lines          []OrderLine     `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	PromoCode      string          `json:"promo_code,omitempty"`
	Total          decimal.Decimal `json:"total"`
	SessionID      string          `json:"session_id"`
}

// Order is a transient snapshot of the upstream order document.
type Order struct {
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Branch    string          `json:"branch"`
	Table     string          `json:"table,omitempty"`
	Lines     []OrderLine     `json:"items"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}

// PaymentRequest is a transient snapshot of the upstream payment request;
// status transitions arrive over the realtime channel.
type PaymentRequest struct {
	Name      string          `json:"name"`
	OrderName string          `json:"order_name"`
	Amount    decimal.Decimal `json:"amount"`
	QRContent string          `json:"qr_content,omitempty"`
	Status    string          `json:"status"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type PaymentStatusUpdate struct {
	RequestName string `json:"payment_request"`
	Status      string `json:"status"`
}

// ScreenProfile parameterizes the shared checkout flow per screen.
type ScreenProfile struct {
	Name                string   `json:"name"`
	RequireCustomerInfo bool     `json:"require_customer_info"`
	RequireTable        bool     `json:"require_table"`
	PaymentModes        []string `json:"payment_modes"`
}

// Session is the persisted snapshot of one screen's checkout flow.
type Session struct {
	ID        string          `json:"id"`
	Branch    string          `json:"branch"`
	Terminal  string          `json:"terminal"`
	Profile   string          `json:"profile"`
	State     string          `json:"state"`
	Table     string          `json:"table,omitempty"`
	Customer  CustomerInfo    `json:"customer"`
	PriceList string          `json:"price_list"`
	Lines     []CartLine      `json:"lines"`
	Promo     PromoState      `json:"promo"`
	Payment   *PaymentRequest `json:"payment,omitempty"`
	OrderName string          `json:"order_name,omitempty"`
	Suspended bool            `json:"suspended"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SelectionPreference is the remembered option set for quick re-add.
type SelectionPreference struct {
	ItemCode string           `json:"item_code"`
	Template string           `json:"template,omitempty"`
	Options  []SelectedOption `json:"options,omitempty"`
	Notes    string           `json:"notes,omitempty"`
	SavedAt  time.Time        `json:"saved_at"`
}

type Branch struct {
	Name             string `json:"name"`
	DefaultPriceList string `json:"default_price_list,omitempty"`
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

type Actor struct {
	Username string
	Role     string
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	Branch        string    `json:"branch"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	StateBrowsing        = "browsing"
	StateItemConfiguring = "item-configuring"
	StateCartReview      = "cart-review"
	StateCheckoutConfirm = "checkout-confirm"
	StatePaymentPending  = "payment-pending"
	StateSettled         = "settled"
	StateExpired         = "expired"
	StateCancelled       = "cancelled"
)

const (
	DiscountSourceNone  = "none"
	DiscountSourceAuto  = "auto"
	DiscountSourcePromo = "promo"
)

const (
	PromoTypePercent = "percent"
	PromoTypeAmount  = "amount"
)

const (
	PaymentModeCash = "cash"
	PaymentModeQR   = "qr"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusPaid      = "paid"
	PaymentStatusExpired   = "expired"
	PaymentStatusCancelled = "cancelled"
)

const (
	ProfileKiosk     = "kiosk"
	ProfileSelfOrder = "self-order"
	ProfileCounter   = "counter"
	ProfileWaiter    = "waiter"
)

const (
	EventStockUpdate     = "stock_update"
	EventItemPriceUpdate = "item_price_update"
	EventOrderUpdated    = "pos_order_updated"
	EventBranchChanged   = "branch_changed"
	// Payment status events are published per request under
	// EventPaymentPrefix + request name.
	EventPaymentPrefix = "payment:pr:"
)

// ProfileByName returns the built-in screen profile, defaulting to counter.
func ProfileByName(name string) ScreenProfile {
	switch name {
	case ProfileKiosk:
		return ScreenProfile{
			Name:                ProfileKiosk,
			RequireCustomerInfo: true,
			PaymentModes:        []string{PaymentModeQR},
		}
	case ProfileSelfOrder:
		return ScreenProfile{
			Name:                ProfileSelfOrder,
			RequireCustomerInfo: true,
			RequireTable:        true,
			PaymentModes:        []string{PaymentModeQR},
		}
	case ProfileWaiter:
		return ScreenProfile{
			Name:         ProfileWaiter,
			RequireTable: true,
			PaymentModes: []string{PaymentModeCash, PaymentModeQR},
		}
	default:
		return ScreenProfile{
			Name:         ProfileCounter,
			PaymentModes: []string{PaymentModeCash, PaymentModeQR},
		}
	}
}

// AllowsPaymentMode reports whether the profile permits the given mode.
func (p ScreenProfile) AllowsPaymentMode(mode string) bool {
	for _, m := range p.PaymentModes {
		if m == mode {
			return true
		}
	}
	return false
}

// FormatAmount renders a decimal amount for display. Rounding to currency
// precision happens here and nowhere mid-calculation.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
