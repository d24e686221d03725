package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
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

	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/branch"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/catalog"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/erp"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/session"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store"
)

type API struct {
	sessions      *session.Manager
	catalog       *catalog.Service
	branches      *branch.Manager
	repo          store.Repository
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(sessions *session.Manager, cat *catalog.Service, branches *branch.Manager, repo store.Repository, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		sessions:      sessions,
		catalog:       cat,
		branches:      branches,
		repo:          repo,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

type actorKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks the current and previous hour buckets, giving a
// 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
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
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/catalog/items", a.requireAuth(a.handleItems, RoleCashier, RoleWaiter, RoleAdmin))
	mux.HandleFunc("/api/v1/catalog/items/", a.requireAuth(a.handleItemActions, RoleCashier, RoleWaiter, RoleAdmin))
	mux.HandleFunc("/api/v1/price-lists", a.requireAuth(a.handlePriceLists, RoleCashier, RoleWaiter, RoleAdmin))
	mux.HandleFunc("/api/v1/price-lists/switch", a.requireAuth(a.handlePriceListSwitch, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/branch", a.requireAuth(a.handleBranch, RoleCashier, RoleWaiter, RoleAdmin))

	mux.HandleFunc("/api/v1/sessions", a.requireAuth(a.handleSessions, RoleCashier, RoleWaiter, RoleAdmin))
	mux.HandleFunc("/api/v1/sessions/", a.requireAuth(a.handleSessionActions, RoleCashier, RoleWaiter, RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, RoleAdmin))
	mux.HandleFunc("/api/v1/reports/sessions", a.requireAuth(a.handleSessionReport, RoleAdmin))
	mux.HandleFunc("/api/v1/users/operators", a.requireAuth(a.handleOperators, RoleAdmin))

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

		next(w, r.WithContext(WithActor(r.Context(), actor)))
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

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token clients must echo in the
// X-CSRF-Token header on mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// Login is exempt because it is called before any CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

type itemView struct {
	domain.Item
	DisplayRate decimal.Decimal `json:"display_rate"`
	SoldOut     bool            `json:"sold_out"`
}

func (a *API) itemView(item domain.Item) itemView {
	view := itemView{Item: item, DisplayRate: item.ResolvedRate}
	if rate, err := a.catalog.DisplayRate(item.ItemCode); err == nil {
		view.DisplayRate = rate
	}
	if soldOut, err := a.catalog.SoldOut(item.ItemCode); err == nil {
		view.SoldOut = soldOut
	}
	return view
}

func (a *API) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	category := strings.TrimSpace(r.URL.Query().Get("category"))
	items := a.catalog.Items()
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		if item.VariantOf != "" {
			// Variants surface through their template's variant listing.
			continue
		}
		if category != "" && item.MenuCategory != category {
			continue
		}
		views = append(views, a.itemView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      views,
		"branch":     a.branches.Current(),
		"price_list": a.catalog.ActivePriceListName(),
	})
}

func (a *API) handleItemActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/catalog/items/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("item code required"))
		return
	}

	if strings.HasSuffix(tail, "/variants") {
		code := strings.Trim(strings.TrimSuffix(tail, "/variants"), "/")
		if code == "" {
			writeError(w, http.StatusBadRequest, errors.New("item code required"))
			return
		}
		variants, err := a.catalog.Variants(r.Context(), code)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		views := make([]itemView, 0, len(variants))
		for _, variant := range variants {
			views = append(views, a.itemView(variant))
		}
		writeJSON(w, http.StatusOK, map[string]any{"variants": views})
		return
	}

	item, ok := a.catalog.Item(tail)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown item %q", tail))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": a.itemView(item)})
}

func (a *API) handlePriceLists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"price_lists": a.catalog.PriceLists(),
		"active":      a.catalog.ActivePriceListName(),
	})
}

type priceListSwitchRequest struct {
	PriceList     string `json:"price_list"`
	SupervisorPIN string `json:"supervisor_pin"`
}

// handlePriceListSwitch changes the active list for every screen. Cashiers
// need the supervisor PIN; admins switch directly.
func (a *API) handlePriceListSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req priceListSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.PriceList) == "" {
		writeError(w, http.StatusBadRequest, errors.New("price_list required"))
		return
	}

	actor, _ := ActorFromContext(r.Context())
	if actor.Role != RoleAdmin {
		if !a.pinLimiter.Allow("pin:pricelist:" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many supervisor pin attempts"))
			return
		}
		if !a.auth.ValidateSupervisorPIN(req.SupervisorPIN) {
			writeError(w, http.StatusForbidden, errors.New("invalid supervisor pin"))
			return
		}
	}

	if err := a.sessions.SwitchPriceList(r.Context(), req.PriceList, actor); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": a.catalog.ActivePriceListName(),
	})
}

type branchSwitchRequest struct {
	Branch string `json:"branch"`
}

func (a *API) handleBranch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"branch": a.branches.Current()})
	case http.MethodPost:
		actor, _ := ActorFromContext(r.Context())
		if actor.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req branchSwitchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		prev := a.branches.Current()
		if err := a.branches.Set(r.Context(), req.Branch); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		if err := a.catalog.SetBranch(r.Context(), a.branches.Current()); err != nil {
			if rollbackErr := a.branches.Set(r.Context(), prev); rollbackErr != nil {
				log.Printf("[httpapi] WARN: branch rollback to %q failed: %v", prev, rollbackErr)
			}
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"branch": a.branches.Current()})
	default:
		writeMethodNotAllowed(w)
	}
}

type sessionStartRequest struct {
	Terminal string `json:"terminal"`
	Profile  string `json:"profile"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		terminal := strings.TrimSpace(r.URL.Query().Get("terminal"))
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
		sessions, err := a.sessions.List(r.Context(), a.branches.Current(), terminal, limit)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case http.MethodPost:
		var req sessionStartRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.sessions.Start(r.Context(), a.branches.Current(), req.Terminal, req.Profile)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

type addLineRequest struct {
	ItemCode string                  `json:"item_code"`
	Qty      int                     `json:"qty"`
	Options  []domain.SelectedOption `json:"item_options,omitempty"`
	Notes    string                  `json:"notes,omitempty"`
}

type updateQtyRequest struct {
	Qty int `json:"qty"`
}

type quickAddRequest struct {
	ItemCode string `json:"item_code"`
}

type promoRequest struct {
	Code string `json:"code"`
}

type checkoutRequest struct {
	Customer domain.CustomerInfo `json:"customer"`
	Table    string              `json:"table,omitempty"`
}

type cashPaymentRequest struct {
	CashReceived decimal.Decimal `json:"cash_received"`
}

// handleSessionActions routes /api/v1/sessions/{id}[/action[/arg]].
func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/sessions/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	parts := strings.SplitN(tail, "/", 3)
	id := parts[0]
	action := ""
	arg := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		arg = parts[2]
	}
	ctx := r.Context()

	switch {
	case action == "" && r.Method == http.MethodGet:
		got, err := a.sessions.Get(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "" && r.Method == http.MethodDelete:
		// Abandoning a live payment is a supervisor call for non-admins.
		current, err := a.sessions.Get(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		actor, _ := ActorFromContext(ctx)
		if current.State == domain.StatePaymentPending && actor.Role != RoleAdmin {
			var req struct {
				SupervisorPIN string `json:"supervisor_pin"`
			}
			if r.ContentLength > 0 {
				if err := decodeJSON(r, &req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
			}
			if !a.pinLimiter.Allow("pin:cancel:" + clientKey(r)) {
				writeError(w, http.StatusTooManyRequests, errors.New("too many supervisor pin attempts"))
				return
			}
			if !a.auth.ValidateSupervisorPIN(req.SupervisorPIN) {
				writeError(w, http.StatusForbidden, errors.New("invalid supervisor pin"))
				return
			}
		}
		got, err := a.sessions.Cancel(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "configure" && r.Method == http.MethodPost:
		var req quickAddRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, variants, err := a.sessions.ConfigureItem(ctx, id, req.ItemCode)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		views := make([]itemView, 0, len(variants))
		for _, variant := range variants {
			views = append(views, a.itemView(variant))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session":  got,
			"totals":   a.sessions.Totals(got),
			"variants": views,
		})

	case action == "lines" && arg == "" && r.Method == http.MethodPost:
		var req addLineRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, err := a.sessions.AddLine(ctx, id, req.ItemCode, req.Qty, req.Options, req.Notes)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "lines" && arg != "" && r.Method == http.MethodPatch:
		var req updateQtyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, err := a.sessions.UpdateLineQty(ctx, id, arg, req.Qty)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "lines" && arg != "" && r.Method == http.MethodDelete:
		got, err := a.sessions.RemoveLine(ctx, id, arg)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "quick-add" && r.Method == http.MethodPost:
		var req quickAddRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, err := a.sessions.QuickAdd(ctx, id, req.ItemCode)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "clear" && r.Method == http.MethodPost:
		got, err := a.sessions.ClearCart(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "promo" && r.Method == http.MethodPost:
		var req promoRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, err := a.sessions.ApplyPromo(ctx, id, req.Code)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "promo" && r.Method == http.MethodDelete:
		got, err := a.sessions.RemovePromo(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "checkout" && r.Method == http.MethodPost:
		var req checkoutRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, err := a.sessions.BeginCheckout(ctx, id, req.Customer, req.Table)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "pay" && arg == "cash" && r.Method == http.MethodPost:
		var req cashPaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		got, change, err := a.sessions.PayCash(ctx, id, req.CashReceived)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": got,
			"totals":  a.sessions.Totals(got),
			"change":  domain.FormatAmount(change),
		})

	case action == "pay" && arg == "qr" && r.Method == http.MethodPost:
		got, err := a.sessions.PayQR(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "payment" && arg == "cancel" && r.Method == http.MethodPost:
		got, err := a.sessions.CancelPayment(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "suspend" && r.Method == http.MethodPost:
		got, err := a.sessions.Suspend(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "resume" && r.Method == http.MethodPost:
		got, err := a.sessions.Resume(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		a.writeSession(w, http.StatusOK, got)

	case action == "totals" && r.Method == http.MethodGet:
		got, err := a.sessions.Get(ctx, id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"totals": a.sessions.Totals(got)})

	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown session action"))
	}
}

func (a *API) writeSession(w http.ResponseWriter, status int, s *domain.Session) {
	writeJSON(w, status, map[string]any{
		"session": s,
		"totals":  a.sessions.Totals(s),
	})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	from := time.Time{}
	to := time.Now().UTC().Add(time.Hour)
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
			return
		}
		from = parsed
		to = parsed.Add(24 * time.Hour)
	}

	logs, err := a.repo.ListAuditLogs(r.Context(), a.branches.Current(), from, to, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleOperators(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		operators := a.auth.ListOperators()
		writeJSON(w, http.StatusOK, map[string]any{"operators": operators})
	case http.MethodPost:
		var req domain.OperatorCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		operator, err := a.auth.CreateOperator(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"operator": operator})
	default:
		writeMethodNotAllowed(w)
	}
}

type sessionReportRow struct {
	ID       string
	Terminal string
	Profile  string
	State    string
	Order    string
	Total    string
	Updated  string
}

type sessionReport struct {
	Branch  string
	Date    string
	Settled int
	Total   string
	Rows    []sessionReportRow
}

// handleSessionReport summarizes settled sessions for a day, as JSON, CSV, or
// a printable page.
func (a *API) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))

	sessions, err := a.sessions.List(r.Context(), a.branches.Current(), "", 500)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	report := sessionReport{Branch: a.branches.Current(), Date: date}
	dayEnd := day.Add(24 * time.Hour)
	total := decimal.Zero
	for _, s := range sessions {
		if s.State != domain.StateSettled {
			continue
		}
		if s.UpdatedAt.Before(day) || !s.UpdatedAt.Before(dayEnd) {
			continue
		}
		totals := a.sessions.Totals(&s)
		total = total.Add(totals.Total)
		report.Settled++
		report.Rows = append(report.Rows, sessionReportRow{
			ID:       s.ID,
			Terminal: s.Terminal,
			Profile:  s.Profile,
			State:    s.State,
			Order:    s.OrderName,
			Total:    domain.FormatAmount(totals.Total),
			Updated:  s.UpdatedAt.Format(time.RFC3339),
		})
	}
	report.Total = domain.FormatAmount(total)

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"sessions-%s.csv\"", report.Date))
		_, _ = w.Write([]byte(sessionReportToCSV(report)))
	case "print":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(sessionReportToPrintableHTML(report)))
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
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// statusForError maps the domain's error families onto HTTP statuses.
// Upstream unavailability surfaces as 502 so clients can distinguish a dead
// ERP from their own bad request.
func statusForError(err error) int {
	var callErr *erp.CallError
	if errors.As(err, &callErr) {
		switch callErr.Kind {
		case erp.KindValidation:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadGateway
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrSessionSuspended):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyCart),
		errors.Is(err, session.ErrItemSoldOut),
		errors.Is(err, session.ErrCustomerInfoRequired),
		errors.Is(err, session.ErrTableRequired),
		errors.Is(err, session.ErrInsufficientCash),
		errors.Is(err, session.ErrPaymentModeNotAllowed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusUnprocessableEntity
	}
}

func sessionReportToCSV(report sessionReport) string {
	lines := []string{
		"section,key,value",
		fmt.Sprintf("summary,date,%s", report.Date),
		fmt.Sprintf("summary,branch,%s", report.Branch),
		fmt.Sprintf("summary,settled,%d", report.Settled),
		fmt.Sprintf("summary,total,%s", report.Total),
	}
	for _, row := range report.Rows {
		lines = append(lines, fmt.Sprintf("session,%s,%s", row.ID, row.Total))
	}
	return strings.Join(lines, "\n") + "\n"
}

// User-controlled fields are auto-escaped by html/template.
var sessionReportHTMLTmpl = template.Must(template.New("session-report").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Sessions {{.Date}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Settled Sessions {{.Date}}</h2>
  <p>Branch: {{.Branch}}</p>
  <p>Settled: {{.Settled}} | Total: {{.Total}}</p>

  <table>
    <thead><tr><th>Session</th><th>Terminal</th><th>Profile</th><th>Order</th><th>Total</th><th>Updated</th></tr></thead>
    <tbody>{{range .Rows}}<tr><td>{{.ID}}</td><td>{{.Terminal}}</td><td>{{.Profile}}</td><td>{{.Order}}</td><td style="text-align:right;">{{.Total}}</td><td>{{.Updated}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

func sessionReportToPrintableHTML(report sessionReport) string {
	var buf bytes.Buffer
	if err := sessionReportHTMLTmpl.Execute(&buf, report); err != nil {
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

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx bodies stay generic so internal
	// details never leak to clients.
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
