// Package session drives the shared checkout flow behind every screen. One
// state machine, parameterized by screen profile, replaces the per-screen
// flows: browsing, item-configuring, cart-review, checkout-confirm,
// payment-pending, then settled, expired, or cancelled.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/cart"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/catalog"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/erp"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/pricing"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/realtime"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store"
)

var (
	ErrInvalidTransition     = errors.New("action not allowed in current state")
	ErrEmptyCart             = errors.New("cart is empty")
	ErrItemSoldOut           = errors.New("item is sold out")
	ErrCustomerInfoRequired  = errors.New("customer name is required")
	ErrTableRequired         = errors.New("table assignment is required")
	ErrPaymentModeNotAllowed = errors.New("payment mode not allowed for this screen")
	ErrInsufficientCash      = errors.New("cash received is less than the total")
	ErrSessionSuspended      = errors.New("session is suspended")
)

const DefaultPaymentTimeout = 300 * time.Second

// allowed maps each state to the states it may move to. Terminal states have
// no entry.
var allowed = map[string][]string{
	domain.StateBrowsing:        {domain.StateItemConfiguring, domain.StateCartReview, domain.StateCancelled},
	domain.StateItemConfiguring: {domain.StateBrowsing, domain.StateCartReview, domain.StateCancelled},
	domain.StateCartReview:      {domain.StateBrowsing, domain.StateItemConfiguring, domain.StateCheckoutConfirm, domain.StateCancelled},
	domain.StateCheckoutConfirm: {domain.StateCartReview, domain.StatePaymentPending, domain.StateSettled, domain.StateCancelled},
	domain.StatePaymentPending:  {domain.StateSettled, domain.StateCartReview, domain.StateExpired, domain.StateCancelled},
}

// Manager owns session lifecycle and persistence. Mutations serialize on mu;
// the reprice gate enforces single-flight-with-replay for price-list
// switches.
type Manager struct {
	repo       store.Repository
	gateway    erp.Gateway
	catalog    *catalog.Service
	selections *cart.SelectionMemory
	bus        realtime.Bus

	taxRate        decimal.Decimal
	paymentTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	reprice  repriceGate
}

type Config struct {
	TaxRate        decimal.Decimal
	PaymentTimeout time.Duration
}

func NewManager(repo store.Repository, gateway erp.Gateway, cat *catalog.Service, selections *cart.SelectionMemory, bus realtime.Bus, cfg Config) *Manager {
	timeout := cfg.PaymentTimeout
	if timeout <= 0 {
		timeout = DefaultPaymentTimeout
	}
	return &Manager{
		repo:           repo,
		gateway:        gateway,
		catalog:        cat,
		selections:     selections,
		bus:            bus,
		taxRate:        cfg.TaxRate,
		paymentTimeout: timeout,
		now:            time.Now,
		watchers:       make(map[string]context.CancelFunc),
	}
}

// Start opens a new session for a terminal under the named screen profile.
func (m *Manager) Start(ctx context.Context, branch string, terminal string, profile string) (*domain.Session, error) {
	if strings.TrimSpace(terminal) == "" {
		return nil, store.ErrInvalidInput
	}
	now := m.now().UTC()
	session := domain.Session{
		ID:        uuid.NewString(),
		Branch:    branch,
		Terminal:  terminal,
		Profile:   domain.ProfileByName(profile).Name,
		State:     domain.StateBrowsing,
		PriceList: m.catalog.ActivePriceListName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Session, error) {
	return m.repo.GetSession(ctx, id)
}

func (m *Manager) List(ctx context.Context, branch string, terminal string, limit int) ([]domain.Session, error) {
	return m.repo.ListSessions(ctx, branch, terminal, limit)
}

// Totals recomputes displayed figures from lines, tax rate, and promo state.
func (m *Manager) Totals(session *domain.Session) domain.Totals {
	return pricing.CalculateTotals(session.Lines, m.taxRate, session.Promo.Promo)
}

// ConfigureItem moves the session into option selection for an item. Sold-out
// items are rejected up front; templates get their variants fetched so the
// dialog can render them.
func (m *Manager) ConfigureItem(ctx context.Context, id string, itemKey string) (*domain.Session, []domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	item, ok := m.catalog.Item(itemKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown item %q", store.ErrInvalidInput, itemKey)
	}

	var variants []domain.Item
	if item.HasVariants {
		variants, err = m.catalog.Variants(ctx, item.ItemCode)
		if err != nil {
			return nil, nil, err
		}
	}
	soldOut, err := m.catalog.SoldOut(item.ItemCode)
	if err != nil {
		return nil, nil, err
	}
	if soldOut {
		return nil, nil, ErrItemSoldOut
	}

	if err := transition(session, domain.StateItemConfiguring); err != nil {
		return nil, nil, err
	}
	if err := m.save(ctx, session); err != nil {
		return nil, nil, err
	}
	return session, variants, nil
}

// AddLine adds a configured item and remembers the configuration for quick
// re-add. The session lands in cart-review.
func (m *Manager) AddLine(ctx context.Context, id string, itemKey string, qty int, options []domain.SelectedOption, notes string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}

	item, ok := m.catalog.Item(itemKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown item %q", store.ErrInvalidInput, itemKey)
	}
	if item.HasVariants {
		return nil, fmt.Errorf("%w: template %q requires a variant selection", store.ErrInvalidInput, itemKey)
	}
	soldOut, err := m.catalog.SoldOut(item.ItemCode)
	if err != nil {
		return nil, err
	}
	if soldOut {
		return nil, ErrItemSoldOut
	}

	session.Lines = cart.Add(session.Lines, item, qty, options, notes)
	if err := transition(session, domain.StateCartReview); err != nil {
		return nil, err
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	if err := m.selections.Remember(ctx, session.Terminal, item, options, notes); err != nil {
		log.Printf("[session] WARN: saving selection preference failed: %v", err)
	}
	return session, nil
}

// QuickAdd re-adds an item with the terminal's last remembered configuration
// for it. The key may be the item itself or its template. Without a
// remembered preference the item must be a plain item, added bare.
func (m *Manager) QuickAdd(ctx context.Context, id string, itemKey string) (*domain.Session, error) {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	pref, err := m.selections.Recall(ctx, session.Terminal, itemKey)
	if err != nil {
		return nil, err
	}
	if pref != nil {
		return m.AddLine(ctx, id, pref.ItemCode, 1, pref.Options, pref.Notes)
	}
	return m.AddLine(ctx, id, itemKey, 1, nil, "")
}

func (m *Manager) UpdateLineQty(ctx context.Context, id string, lineID string, qty int) (*domain.Session, error) {
	return m.mutateCart(ctx, id, func(session *domain.Session) error {
		lines, err := cart.UpdateQty(session.Lines, lineID, qty)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
		session.Lines = lines
		return nil
	})
}

func (m *Manager) RemoveLine(ctx context.Context, id string, lineID string) (*domain.Session, error) {
	return m.mutateCart(ctx, id, func(session *domain.Session) error {
		lines, err := cart.Remove(session.Lines, lineID)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
		session.Lines = lines
		return nil
	})
}

func (m *Manager) ClearCart(ctx context.Context, id string) (*domain.Session, error) {
	return m.mutateCart(ctx, id, func(session *domain.Session) error {
		session.Lines = nil
		session.Promo = domain.PromoState{}
		return nil
	})
}

func (m *Manager) mutateCart(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.State != domain.StateCartReview && session.State != domain.StateBrowsing {
		return nil, ErrInvalidTransition
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	if len(session.Lines) == 0 {
		session.State = domain.StateBrowsing
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ApplyPromo validates a code upstream. Validation failures are recorded
// inline on the promo state and do not fail the request; only transport-level
// failures escalate.
func (m *Manager) ApplyPromo(ctx context.Context, id string, code string) (*domain.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: promo code is empty", store.ErrInvalidInput)
	}

	m.mu.Lock()
	session, err := m.loadActive(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	prev := session.Promo
	session.Promo = domain.PromoState{Code: code, Applying: true}
	if err := m.save(ctx, session); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	promo, callErr := m.gateway.ValidatePromo(ctx, code)

	m.mu.Lock()
	defer m.mu.Unlock()
	session, err = m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if callErr != nil {
		var ce *erp.CallError
		if errors.As(callErr, &ce) && ce.Kind == erp.KindValidation {
			session.Promo = domain.PromoState{Code: code, Error: ce.Message}
		} else {
			// Remote failure keeps whatever promo was in effect before.
			session.Promo = prev
			if err := m.save(ctx, session); err != nil {
				return nil, err
			}
			return nil, callErr
		}
	} else {
		session.Promo = domain.PromoState{Code: code, Promo: promo}
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) RemovePromo(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Promo = domain.PromoState{}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// BeginCheckout moves a non-empty cart to checkout-confirm, enforcing the
// screen profile's customer-info and table gates.
func (m *Manager) BeginCheckout(ctx context.Context, id string, customer domain.CustomerInfo, table string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(session.Lines) == 0 {
		return nil, ErrEmptyCart
	}

	profile := domain.ProfileByName(session.Profile)
	if profile.RequireCustomerInfo && strings.TrimSpace(customer.Name) == "" {
		return nil, ErrCustomerInfoRequired
	}
	if profile.RequireTable && strings.TrimSpace(table) == "" {
		return nil, ErrTableRequired
	}

	session.Customer = customer
	session.Table = strings.TrimSpace(table)
	if err := transition(session, domain.StateCheckoutConfirm); err != nil {
		return nil, err
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// PayCash settles a checkout-confirmed session: the order is created
// upstream and the session settles immediately with change computed from the
// amount received. Order-creation failure leaves the session where it was.
func (m *Manager) PayCash(ctx context.Context, id string, cashReceived decimal.Decimal) (*domain.Session, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if session.State != domain.StateCheckoutConfirm {
		return nil, decimal.Zero, ErrInvalidTransition
	}
	if !domain.ProfileByName(session.Profile).AllowsPaymentMode(domain.PaymentModeCash) {
		return nil, decimal.Zero, ErrPaymentModeNotAllowed
	}

	totals := m.Totals(session)
	if cashReceived.LessThan(totals.Total) {
		return nil, decimal.Zero, ErrInsufficientCash
	}

	order, err := m.gateway.CreateOrder(ctx, m.orderPayload(session, totals))
	if err != nil {
		return nil, decimal.Zero, err
	}
	session.OrderName = order.Name

	if err := transition(session, domain.StateSettled); err != nil {
		return nil, decimal.Zero, err
	}
	if err := m.save(ctx, session); err != nil {
		return nil, decimal.Zero, err
	}

	change := cashReceived.Sub(totals.Total)
	m.audit(ctx, session, "session_settled", "cash payment, change "+domain.FormatAmount(change))
	m.publishOrderUpdate(ctx, session)
	return session, change, nil
}

// PayQR creates the upstream order and payment request, moves the session to
// payment-pending, and starts a watcher that listens for the payment status
// push with a countdown. Expiry or cancellation returns the session to
// cart-review after a best-effort upstream cancel.
func (m *Manager) PayQR(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.State != domain.StateCheckoutConfirm {
		return nil, ErrInvalidTransition
	}
	if !domain.ProfileByName(session.Profile).AllowsPaymentMode(domain.PaymentModeQR) {
		return nil, ErrPaymentModeNotAllowed
	}

	totals := m.Totals(session)
	order, err := m.gateway.CreateOrder(ctx, m.orderPayload(session, totals))
	if err != nil {
		return nil, err
	}
	session.OrderName = order.Name

	pr, err := m.gateway.CreatePaymentRequest(ctx, order.Name, totals.Total)
	if err != nil {
		// The order exists upstream but no payment is pending; the flow
		// stays in checkout-confirm and the action is retryable.
		if saveErr := m.save(ctx, session); saveErr != nil {
			log.Printf("[session] WARN: saving order reference failed: %v", saveErr)
		}
		return nil, err
	}

	pr.Status = domain.PaymentStatusPending
	if pr.ExpiresAt.IsZero() {
		pr.ExpiresAt = m.now().UTC().Add(m.paymentTimeout)
	}
	session.Payment = pr

	if err := transition(session, domain.StatePaymentPending); err != nil {
		return nil, err
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	m.startWatcher(session.ID, *pr)
	return session, nil
}

// CancelPayment abandons a pending QR payment and returns to cart-review.
func (m *Manager) CancelPayment(ctx context.Context, id string) (*domain.Session, error) {
	return m.abandonPayment(ctx, id, domain.PaymentStatusCancelled)
}

// Cancel terminates a session. A pending payment is cancelled best-effort.
func (m *Manager) Cancel(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.State == domain.StateSettled || session.State == domain.StateCancelled || session.State == domain.StateExpired {
		return nil, ErrInvalidTransition
	}

	m.stopWatcherLocked(session.ID)
	if session.Payment != nil && session.Payment.Status == domain.PaymentStatusPending {
		session.Payment.Status = domain.PaymentStatusCancelled
		if err := m.gateway.CancelPaymentRequest(ctx, session.Payment.Name); err != nil {
			log.Printf("[session] WARN: cancelling payment request %s failed: %v", session.Payment.Name, err)
		}
	}

	session.State = domain.StateCancelled
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	m.audit(ctx, session, "session_cancelled", "")
	return session, nil
}

func (m *Manager) Suspend(ctx context.Context, id string) (*domain.Session, error) {
	return m.setSuspended(ctx, id, true)
}

func (m *Manager) Resume(ctx context.Context, id string) (*domain.Session, error) {
	return m.setSuspended(ctx, id, false)
}

func (m *Manager) setSuspended(ctx context.Context, id string, suspended bool) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.State == domain.StatePaymentPending || session.State == domain.StateSettled ||
		session.State == domain.StateCancelled || session.State == domain.StateExpired {
		return nil, ErrInvalidTransition
	}
	session.Suspended = suspended
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	if suspended {
		m.audit(ctx, session, "session_suspended", "")
	} else {
		m.audit(ctx, session, "session_resumed", "")
	}
	return session, nil
}

// SwitchPriceList changes the active list and reprices every open session's
// cart, preserving option extras. Concurrent switches collapse into
// single-flight with one queued replay, so a change landing mid-reprice is
// picked up by a follow-up pass instead of racing it. Catalog fetch failure
// rolls the selection back before any cart is touched.
func (m *Manager) SwitchPriceList(ctx context.Context, name string, actor domain.Actor) error {
	return m.reprice.do(func() error {
		if err := m.catalog.SwitchPriceList(ctx, name); err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		active := m.catalog.ActivePriceListName()
		sessions, err := m.repo.ListSessions(ctx, "", "", 0)
		if err != nil {
			return err
		}
		for i := range sessions {
			session := sessions[i]
			if terminalState(session.State) {
				continue
			}
			lines, err := cart.Reprice(session.Lines, m.catalog.ResolveLineRate)
			if err != nil {
				log.Printf("[session] WARN: repricing session %s failed, keeping previous rates: %v", session.ID, err)
				continue
			}
			session.Lines = lines
			session.PriceList = active
			if err := m.save(ctx, &session); err != nil {
				return err
			}
		}

		err = m.repo.CreateAuditLog(ctx, domain.AuditLog{
			ID:            uuid.NewString(),
			ActorUsername: actor.Username,
			ActorRole:     actor.Role,
			Action:        "price_list_switched",
			EntityType:    "price_list",
			EntityID:      active,
			CreatedAt:     m.now().UTC(),
		})
		if err != nil {
			log.Printf("[session] WARN: writing audit log failed: %v", err)
		}
		return nil
	})
}

// Run consumes realtime stock, price, and order pushes until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	events, cancel, err := m.bus.Subscribe(ctx, domain.EventStockUpdate, domain.EventItemPriceUpdate)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			m.handleEvent(event)
		}
	}
}

func (m *Manager) handleEvent(event realtime.Event) {
	switch event.Name {
	case domain.EventStockUpdate:
		var update domain.StockUpdate
		if err := json.Unmarshal(event.Payload, &update); err != nil {
			log.Printf("[session] WARN: bad stock update payload: %v", err)
			return
		}
		m.catalog.ApplyStockUpdate(update)
	case domain.EventItemPriceUpdate:
		var update domain.ItemPriceUpdate
		if err := json.Unmarshal(event.Payload, &update); err != nil {
			log.Printf("[session] WARN: bad price update payload: %v", err)
			return
		}
		m.catalog.ApplyPriceUpdate(update)
	}
}

// startWatcher listens for the payment request's status push under a
// countdown. Must be called with mu held.
func (m *Manager) startWatcher(sessionID string, pr domain.PaymentRequest) {
	watchCtx, cancel := context.WithCancel(context.Background())
	m.stopWatcherLocked(sessionID)
	m.watchers[sessionID] = cancel

	go m.watchPayment(watchCtx, sessionID, pr)
}

func (m *Manager) stopWatcherLocked(sessionID string) {
	if cancel, ok := m.watchers[sessionID]; ok {
		cancel()
		delete(m.watchers, sessionID)
	}
}

func (m *Manager) watchPayment(ctx context.Context, sessionID string, pr domain.PaymentRequest) {
	events, cancel, err := m.bus.Subscribe(ctx, domain.EventPaymentPrefix+pr.Name)
	if err != nil {
		log.Printf("[session] WARN: payment watch subscribe failed for %s: %v", pr.Name, err)
		return
	}
	defer cancel()

	timeout := time.Until(pr.ExpiresAt)
	if timeout <= 0 {
		timeout = m.paymentTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := m.abandonPayment(context.Background(), sessionID, domain.PaymentStatusExpired); err != nil {
				log.Printf("[session] WARN: expiring payment for session %s failed: %v", sessionID, err)
			}
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			var update domain.PaymentStatusUpdate
			if err := json.Unmarshal(event.Payload, &update); err != nil {
				log.Printf("[session] WARN: bad payment status payload: %v", err)
				continue
			}
			switch update.Status {
			case domain.PaymentStatusPaid:
				if err := m.settleQR(context.Background(), sessionID); err != nil {
					log.Printf("[session] WARN: settling session %s failed: %v", sessionID, err)
				}
				return
			case domain.PaymentStatusExpired, domain.PaymentStatusCancelled:
				if _, err := m.abandonPayment(context.Background(), sessionID, update.Status); err != nil {
					log.Printf("[session] WARN: abandoning payment for session %s failed: %v", sessionID, err)
				}
				return
			}
		}
	}
}

func (m *Manager) settleQR(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != domain.StatePaymentPending {
		return nil
	}

	m.stopWatcherLocked(sessionID)
	if session.Payment != nil {
		session.Payment.Status = domain.PaymentStatusPaid
	}
	if err := transition(session, domain.StateSettled); err != nil {
		return err
	}
	if err := m.save(ctx, session); err != nil {
		return err
	}
	m.audit(ctx, session, "session_settled", "qr payment")
	m.publishOrderUpdate(ctx, session)
	return nil
}

// abandonPayment returns a payment-pending session to cart-review, marks the
// payment with the given status, and issues a best-effort upstream cancel.
func (m *Manager) abandonPayment(ctx context.Context, sessionID string, status string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.StatePaymentPending {
		return nil, ErrInvalidTransition
	}

	m.stopWatcherLocked(sessionID)
	if session.Payment != nil {
		session.Payment.Status = status
		if err := m.gateway.CancelPaymentRequest(ctx, session.Payment.Name); err != nil {
			log.Printf("[session] WARN: cancelling payment request %s failed: %v", session.Payment.Name, err)
		}
	}

	if err := transition(session, domain.StateCartReview); err != nil {
		return nil, err
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	m.audit(ctx, session, "payment_abandoned", status)
	return session, nil
}

func (m *Manager) orderPayload(session *domain.Session, totals domain.Totals) domain.OrderPayload {
	orderType := "dine-in"
	if session.Table == "" {
		orderType = "takeaway"
	}
	return domain.OrderPayload{
		Branch:         session.Branch,
		Terminal:       session.Terminal,
		Table:          session.Table,
		OrderType:      orderType,
		Customer:       session.Customer,
		PriceList:      session.PriceList,
		Lines:          cart.ToOrderLines(session.Lines),
		Subtotal:       totals.Subtotal,
		Tax:            totals.Tax,
		DiscountAmount: totals.Discount.Amount,
		PromoCode:      totals.Discount.PromoCode,
		Total:          totals.Total,
		SessionID:      session.ID,
	}
}

// loadActive fetches a session that can still be acted on.
func (m *Manager) loadActive(ctx context.Context, id string) (*domain.Session, error) {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Suspended {
		return nil, ErrSessionSuspended
	}
	if terminalState(session.State) {
		return nil, ErrInvalidTransition
	}
	return session, nil
}

func (m *Manager) save(ctx context.Context, session *domain.Session) error {
	session.UpdatedAt = m.now().UTC()
	return m.repo.SaveSession(ctx, *session)
}

func (m *Manager) audit(ctx context.Context, session *domain.Session, action string, detail string) {
	err := m.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         uuid.NewString(),
		Branch:     session.Branch,
		Action:     action,
		EntityType: "session",
		EntityID:   session.ID,
		Detail:     detail,
		CreatedAt:  m.now().UTC(),
	})
	if err != nil {
		log.Printf("[session] WARN: writing audit log failed: %v", err)
	}
}

func (m *Manager) publishOrderUpdate(ctx context.Context, session *domain.Session) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(ctx, domain.EventOrderUpdated, map[string]string{
		"order_name": session.OrderName,
		"session_id": session.ID,
		"branch":     session.Branch,
		"status":     session.State,
	})
	if err != nil {
		log.Printf("[session] WARN: publishing order update failed: %v", err)
	}
}

func transition(session *domain.Session, to string) error {
	if session.State == to {
		return nil
	}
	for _, next := range allowed[session.State] {
		if next == to {
			session.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.State, to)
}

func terminalState(state string) bool {
	return state == domain.StateSettled || state == domain.StateCancelled || state == domain.StateExpired
}

// repriceGate is the single-flight-with-replay policy for price-list
// switches: a switch landing while one is running queues exactly one replay
// instead of racing the in-flight pass. Only the latest queued switch is
// kept; earlier queued ones are superseded.
type repriceGate struct {
	mu       sync.Mutex
	inFlight bool
	next     func() error
}

func (g *repriceGate) do(fn func() error) error {
	g.mu.Lock()
	if g.inFlight {
		g.next = fn
		g.mu.Unlock()
		return nil
	}
	g.inFlight = true
	g.mu.Unlock()

	var err error
	for {
		err = fn()

		g.mu.Lock()
		if g.next != nil {
			fn = g.next
			g.next = nil
			g.mu.Unlock()
			continue
		}
		g.inFlight = false
		g.mu.Unlock()
		return err
	}
}
