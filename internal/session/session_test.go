package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/cart"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/catalog"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/erp"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/realtime"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubGateway struct {
	mu sync.Mutex

	lists  []domain.PriceList
	items  []domain.Item
	prices map[string][]domain.ItemPrice

	promoErr *erp.CallError
	promo    *domain.Promo

	createdOrders   []domain.OrderPayload
	orderErr        error
	paymentRequests []string
	cancelledNames  []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		lists: []domain.PriceList{
			{Name: "Standard Selling", Currency: "IDR", Enabled: true},
			{Name: "GoFood", Currency: "IDR", FlatAdjustment: dec("1000"), Enabled: true},
		},
		items: []domain.Item{
			{Name: "ES-TEH-01", ItemCode: "ES-TEH-01", ItemName: "Es Teh Manis", StandardRate: dec("8000"), MenuCategory: "Minuman", ActualQty: 50},
			{Name: "KOPI-01", ItemCode: "KOPI-01", ItemName: "Kopi Susu", StandardRate: dec("18000"), MenuCategory: "Minuman", ActualQty: 50},
			{Name: "HABIS-01", ItemCode: "HABIS-01", ItemName: "Menu Habis", StandardRate: dec("10000"), ActualQty: 0},
		},
		prices: map[string][]domain.ItemPrice{},
	}
}

func (g *stubGateway) PriceLists(ctx context.Context) ([]domain.PriceList, error) {
	return g.lists, nil
}

func (g *stubGateway) Items(ctx context.Context, branch string) ([]domain.Item, error) {
	return g.items, nil
}

func (g *stubGateway) Variants(ctx context.Context, template string) ([]domain.Item, error) {
	return nil, nil
}

func (g *stubGateway) ItemPrices(ctx context.Context, priceList string) ([]domain.ItemPrice, error) {
	return g.prices[priceList], nil
}

func (g *stubGateway) ValidatePromo(ctx context.Context, code string) (*domain.Promo, error) {
	if g.promoErr != nil {
		return nil, g.promoErr
	}
	if g.promo != nil {
		return g.promo, nil
	}
	return &domain.Promo{Code: code, Type: domain.PromoTypePercent, Percent: dec("15")}, nil
}

func (g *stubGateway) CreateOrder(ctx context.Context, payload domain.OrderPayload) (*domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	g.createdOrders = append(g.createdOrders, payload)
	return &domain.Order{
		Name:   "ORD-0001",
		Status: "Draft",
		Branch: payload.Branch,
		Table:  payload.Table,
		Lines:  payload.Lines,
		Total:  payload.Total,
	}, nil
}

func (g *stubGateway) GetOrder(ctx context.Context, name string) (*domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.createdOrders) == 0 {
		return nil, &erp.CallError{Kind: erp.KindValidation, Method: "get_order", Message: "no order"}
	}
	payload := g.createdOrders[len(g.createdOrders)-1]
	return &domain.Order{Name: name, Lines: payload.Lines, Total: payload.Total}, nil
}

func (g *stubGateway) CreatePaymentRequest(ctx context.Context, orderName string, amount decimal.Decimal) (*domain.PaymentRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := "PR-0001"
	g.paymentRequests = append(g.paymentRequests, name)
	return &domain.PaymentRequest{Name: name, OrderName: orderName, Amount: amount, QRContent: "qr-payload"}, nil
}

func (g *stubGateway) CancelPaymentRequest(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelledNames = append(g.cancelledNames, name)
	return nil
}

func (g *stubGateway) cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelledNames...)
}

type fixture struct {
	gateway *stubGateway
	manager *Manager
	bus     *realtime.MemoryBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	gw := newStubGateway()
	cat := catalog.NewService(gw, "Cabang Utama", "Standard Selling")
	if err := cat.Load(context.Background()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	repo := memory.New()
	bus := realtime.NewMemoryBus()
	m := NewManager(repo, gw, cat, cart.NewSelectionMemory(repo), bus, cfg)
	return &fixture{gateway: gw, manager: m, bus: bus}
}

func startSession(t *testing.T, f *fixture, profile string) *domain.Session {
	t.Helper()
	session, err := f.manager.Start(context.Background(), "Cabang Utama", "K-01", profile)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return session
}

func waitForState(t *testing.T, f *fixture, id string, state string) *domain.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		session, err := f.manager.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if session.State == state {
			return session
		}
		time.Sleep(10 * time.Millisecond)
	}
	session, _ := f.manager.Get(context.Background(), id)
	t.Fatalf("timed out waiting for state %s, session at %s", state, session.State)
	return nil
}

func TestCashFlowSettlesWithChange(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 5, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{}, ""); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}

	// 5 * 8000 = 40000 gross, auto discount 10% = 4000, total 36000.
	settled, change, err := f.manager.PayCash(ctx, session.ID, dec("50000"))
	if err != nil {
		t.Fatalf("pay cash: %v", err)
	}
	if settled.State != domain.StateSettled {
		t.Fatalf("expected settled, got %s", settled.State)
	}
	if !change.Equal(dec("14000")) {
		t.Fatalf("expected change 14000, got %s", change)
	}
	if settled.OrderName != "ORD-0001" {
		t.Fatalf("expected order reference on session, got %q", settled.OrderName)
	}
}

func TestInsufficientCashRejected(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{}, ""); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}

	if _, _, err := f.manager.PayCash(ctx, session.ID, dec("5000")); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
	got, err := f.manager.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateCheckoutConfirm {
		t.Fatalf("expected flow left at checkout-confirm, got %s", got.State)
	}
}

func TestKioskRequiresCustomerInfoAndForbidsCash(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileKiosk)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}

	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{}, ""); !errors.Is(err, ErrCustomerInfoRequired) {
		t.Fatalf("expected ErrCustomerInfoRequired, got %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{Name: "Budi"}, ""); err != nil {
		t.Fatalf("begin checkout with customer: %v", err)
	}
	if _, _, err := f.manager.PayCash(ctx, session.ID, dec("100000")); !errors.Is(err, ErrPaymentModeNotAllowed) {
		t.Fatalf("expected ErrPaymentModeNotAllowed, got %v", err)
	}
}

func TestSelfOrderRequiresTable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileSelfOrder)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{Name: "Sari"}, ""); !errors.Is(err, ErrTableRequired) {
		t.Fatalf("expected ErrTableRequired, got %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{Name: "Sari"}, "T-07"); err != nil {
		t.Fatalf("begin checkout with table: %v", err)
	}
}

func TestEmptyCartCheckoutRejected(t *testing.T) {
	f := newFixture(t, Config{})
	session := startSession(t, f, domain.ProfileCounter)
	if _, err := f.manager.BeginCheckout(context.Background(), session.ID, domain.CustomerInfo{}, ""); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestSoldOutItemRejected(t *testing.T) {
	f := newFixture(t, Config{})
	session := startSession(t, f, domain.ProfileCounter)
	if _, err := f.manager.AddLine(context.Background(), session.ID, "HABIS-01", 1, nil, ""); !errors.Is(err, ErrItemSoldOut) {
		t.Fatalf("expected ErrItemSoldOut, got %v", err)
	}
}

func TestQRPaymentSettlesOnPaidPush(t *testing.T) {
	f := newFixture(t, Config{PaymentTimeout: 2 * time.Second})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileKiosk)

	if _, err := f.manager.AddLine(ctx, session.ID, "KOPI-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{Name: "Budi"}, ""); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}

	pending, err := f.manager.PayQR(ctx, session.ID)
	if err != nil {
		t.Fatalf("pay qr: %v", err)
	}
	if pending.State != domain.StatePaymentPending {
		t.Fatalf("expected payment-pending, got %s", pending.State)
	}
	if pending.Payment == nil || pending.Payment.QRContent == "" {
		t.Fatalf("expected payment request with qr content, got %+v", pending.Payment)
	}

	// Let the watcher subscribe before pushing the status.
	time.Sleep(20 * time.Millisecond)
	err = f.bus.Publish(ctx, domain.EventPaymentPrefix+pending.Payment.Name, domain.PaymentStatusUpdate{
		RequestName: pending.Payment.Name,
		Status:      domain.PaymentStatusPaid,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	settled := waitForState(t, f, session.ID, domain.StateSettled)
	if settled.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected payment marked paid, got %s", settled.Payment.Status)
	}
}

func TestQRPaymentExpiryReturnsToCartReview(t *testing.T) {
	f := newFixture(t, Config{PaymentTimeout: 60 * time.Millisecond})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileKiosk)

	if _, err := f.manager.AddLine(ctx, session.ID, "KOPI-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{Name: "Budi"}, ""); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}
	if _, err := f.manager.PayQR(ctx, session.ID); err != nil {
		t.Fatalf("pay qr: %v", err)
	}

	back := waitForState(t, f, session.ID, domain.StateCartReview)
	if back.Payment.Status != domain.PaymentStatusExpired {
		t.Fatalf("expected payment marked expired, got %s", back.Payment.Status)
	}
	if len(back.Lines) != 1 {
		t.Fatalf("expected cart preserved after expiry, got %d lines", len(back.Lines))
	}
	if got := f.gateway.cancelled(); len(got) != 1 || got[0] != "PR-0001" {
		t.Fatalf("expected best-effort upstream cancel of PR-0001, got %v", got)
	}
}

func TestCancelPaymentReturnsToCartReview(t *testing.T) {
	f := newFixture(t, Config{PaymentTimeout: 2 * time.Second})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileKiosk)

	if _, err := f.manager.AddLine(ctx, session.ID, "KOPI-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{Name: "Budi"}, ""); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}
	if _, err := f.manager.PayQR(ctx, session.ID); err != nil {
		t.Fatalf("pay qr: %v", err)
	}

	back, err := f.manager.CancelPayment(ctx, session.ID)
	if err != nil {
		t.Fatalf("cancel payment: %v", err)
	}
	if back.State != domain.StateCartReview {
		t.Fatalf("expected cart-review, got %s", back.State)
	}
	if len(f.gateway.cancelled()) != 1 {
		t.Fatalf("expected upstream cancel call, got %v", f.gateway.cancelled())
	}
}

func TestPromoValidationErrorRecordedInline(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.promoErr = &erp.CallError{Kind: erp.KindValidation, Method: "validate", Message: "promo code expired"}
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	got, err := f.manager.ApplyPromo(ctx, session.ID, "HEMAT10")
	if err != nil {
		t.Fatalf("apply promo should not escalate validation failure, got %v", err)
	}
	if got.Promo.Error != "promo code expired" {
		t.Fatalf("expected inline promo error, got %+v", got.Promo)
	}
	if got.Promo.Promo != nil {
		t.Fatal("expected no active promo after validation failure")
	}
}

func TestPromoTransportFailureEscalates(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.promoErr = &erp.CallError{Kind: erp.KindUnavailable, Method: "validate", Message: "upstream down"}
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.ApplyPromo(ctx, session.ID, "HEMAT10"); err == nil {
		t.Fatal("expected transport failure to escalate")
	}
}

func TestPromoTransportFailureKeepsPriorPromo(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	f.gateway.promo = &domain.Promo{Code: "HEMAT15", Type: domain.PromoTypePercent, Percent: dec("15")}
	if _, err := f.manager.ApplyPromo(ctx, session.ID, "HEMAT15"); err != nil {
		t.Fatalf("apply promo: %v", err)
	}

	f.gateway.promoErr = &erp.CallError{Kind: erp.KindUnavailable, Method: "validate", Message: "upstream down"}
	if _, err := f.manager.ApplyPromo(ctx, session.ID, "BARU20"); err == nil {
		t.Fatal("expected transport failure to escalate")
	}

	got, err := f.manager.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Promo.Promo == nil || got.Promo.Promo.Code != "HEMAT15" {
		t.Fatalf("expected earlier promo to survive transport failure, got %+v", got.Promo)
	}
	if got.Promo.Code != "HEMAT15" {
		t.Fatalf("expected earlier promo code to survive, got %q", got.Promo.Code)
	}
	if got.Promo.Applying {
		t.Fatal("expected promo to no longer be marked applying")
	}
}

func TestTotalsApplyPromoAgainstAutoDiscount(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.promo = &domain.Promo{Code: "HEMAT15", Type: domain.PromoTypePercent, Percent: dec("15")}
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 5, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	got, err := f.manager.ApplyPromo(ctx, session.ID, "HEMAT15")
	if err != nil {
		t.Fatalf("apply promo: %v", err)
	}

	totals := f.manager.Totals(got)
	if totals.Discount.Source != domain.DiscountSourcePromo {
		t.Fatalf("expected promo to win over auto discount, got %s", totals.Discount.Source)
	}
	// gross 40000, promo 15% = 6000, total 34000.
	if !totals.Total.Equal(dec("34000")) {
		t.Fatalf("expected total 34000, got %s", totals.Total)
	}
}

func TestPriceListSwitchRepricesOpenSessions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	opts := []domain.SelectedOption{{Group: "gula", Value: "less", ExtraRate: dec("500")}}
	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 2, opts, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}

	if err := f.manager.SwitchPriceList(ctx, "GoFood", domain.Actor{Username: "admin", Role: "admin"}); err != nil {
		t.Fatalf("switch price list: %v", err)
	}

	got, err := f.manager.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PriceList != "GoFood" {
		t.Fatalf("expected session on GoFood list, got %s", got.PriceList)
	}
	line := got.Lines[0]
	if !line.BaseRate.Equal(dec("9000")) {
		t.Fatalf("expected base rate 9000 after adjustment, got %s", line.BaseRate)
	}
	if !line.ExtraRate.Equal(dec("500")) {
		t.Fatalf("expected option extra preserved, got %s", line.ExtraRate)
	}
	if !line.Amount.Equal(dec("19000")) {
		t.Fatalf("expected amount 19000, got %s", line.Amount)
	}
}

func TestQuickAddMergesRememberedConfiguration(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	opts := []domain.SelectedOption{{Group: "size", Value: "L", ExtraRate: dec("2000")}}
	if _, err := f.manager.AddLine(ctx, session.ID, "KOPI-01", 1, opts, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	got, err := f.manager.QuickAdd(ctx, session.ID, "KOPI-01")
	if err != nil {
		t.Fatalf("quick add: %v", err)
	}

	if len(got.Lines) != 1 {
		t.Fatalf("expected merged single line, got %d", len(got.Lines))
	}
	if got.Lines[0].Qty != 2 {
		t.Fatalf("expected qty 2 after quick re-add, got %d", got.Lines[0].Qty)
	}
}

func TestSuspendedSessionRejectsMutation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.Suspend(ctx, session.ID); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); !errors.Is(err, ErrSessionSuspended) {
		t.Fatalf("expected ErrSessionSuspended, got %v", err)
	}
	if _, err := f.manager.Resume(ctx, session.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 1, nil, ""); err != nil {
		t.Fatalf("add after resume: %v", err)
	}
}

func TestOrderPayloadRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := startSession(t, f, domain.ProfileCounter)

	if _, err := f.manager.AddLine(ctx, session.ID, "ES-TEH-01", 2, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.AddLine(ctx, session.ID, "KOPI-01", 1, nil, ""); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := f.manager.BeginCheckout(ctx, session.ID, domain.CustomerInfo{}, ""); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}
	settled, _, err := f.manager.PayCash(ctx, session.ID, dec("100000"))
	if err != nil {
		t.Fatalf("pay cash: %v", err)
	}

	fetched, err := f.gateway.GetOrder(ctx, settled.OrderName)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(fetched.Lines) != 2 {
		t.Fatalf("expected 2 order lines, got %d", len(fetched.Lines))
	}
	byCode := map[string]domain.OrderLine{}
	for _, l := range fetched.Lines {
		byCode[l.ItemCode] = l
	}
	if byCode["ES-TEH-01"].Qty != 2 || !byCode["ES-TEH-01"].Amount.Equal(dec("16000")) {
		t.Fatalf("unexpected ES-TEH-01 line: %+v", byCode["ES-TEH-01"])
	}
	if byCode["KOPI-01"].Qty != 1 || !byCode["KOPI-01"].Amount.Equal(dec("18000")) {
		t.Fatalf("unexpected KOPI-01 line: %+v", byCode["KOPI-01"])
	}
}

func TestRepriceGateReplaysLatestQueuedSwitch(t *testing.T) {
	var gate repriceGate
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var ran []string

	record := func(name string) {
		mu.Lock()
		ran = append(ran, name)
		mu.Unlock()
	}

	done := make(chan error)
	go func() {
		done <- gate.do(func() error {
			record("first")
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// These land while the first pass is running; the later one supersedes
	// the earlier and exactly one replay runs.
	if err := gate.do(func() error { record("superseded"); return nil }); err != nil {
		t.Fatalf("queued call: %v", err)
	}
	if err := gate.do(func() error { record("latest"); return nil }); err != nil {
		t.Fatalf("queued call: %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("gate run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "latest" {
		t.Fatalf("expected first run then one replay of the latest switch, got %v", ran)
	}
}
