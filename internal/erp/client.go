// Package erp is the collaborator boundary to the upstream ERP framework.
// Every remote failure is normalized into a CallError immediately after the
// call; nothing outside this package inspects raw error shapes.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
)

const (
	KindValidation  = "validation"
	KindRemote      = "remote"
	KindUnavailable = "unavailable"
)

// CallError is the single error shape produced by this boundary.
type CallError struct {
	Kind    string
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("erp call %s: %s: %s", e.Method, e.Kind, e.Message)
}

// Gateway is the upstream contract consumed by the catalog and session
// layers; Client is the production implementation.
type Gateway interface {
	PriceLists(ctx context.Context) ([]domain.PriceList, error)
	Items(ctx context.Context, branch string) ([]domain.Item, error)
	Variants(ctx context.Context, template string) ([]domain.Item, error)
	ItemPrices(ctx context.Context, priceList string) ([]domain.ItemPrice, error)
	ValidatePromo(ctx context.Context, code string) (*domain.Promo, error)
	CreateOrder(ctx context.Context, payload domain.OrderPayload) (*domain.Order, error)
	GetOrder(ctx context.Context, name string) (*domain.Order, error)
	CreatePaymentRequest(ctx context.Context, orderName string, amount decimal.Decimal) (*domain.PaymentRequest, error)
	CancelPaymentRequest(ctx context.Context, name string) error
}

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

func NewClient(baseURL string, apiKey string, apiSecret string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Call invokes a named server method with a flat argument object and unwraps
// the {"message": payload} envelope.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, &CallError{Kind: KindValidation, Method: method, Message: err.Error()}
	}

	url := fmt.Sprintf("%s/api/method/%s", c.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Kind: KindUnavailable, Method: method, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.apiSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CallError{Kind: KindUnavailable, Method: method, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &CallError{Kind: KindUnavailable, Method: method, Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var envelope struct {
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, &CallError{Kind: KindRemote, Method: method, Message: err.Error()}
		}
		return envelope.Message, nil
	}

	return nil, normalizeHTTPError(method, resp.StatusCode, raw)
}

// errorBody is the superset of error shapes the framework emits. The
// human-readable message is extracted from message, then exc, then
// _server_messages, in that order.
type errorBody struct {
	Message        json.RawMessage `json:"message"`
	Exc            string          `json:"exc"`
	ExcType        string          `json:"exc_type"`
	ServerMessages string          `json:"_server_messages"`
}

func normalizeHTTPError(method string, status int, body []byte) *CallError {
	kind := KindRemote
	switch {
	case status >= 500:
		kind = KindUnavailable
	case status >= 400 && status < 500:
		kind = KindValidation
	}

	var raw errorBody
	_ = json.Unmarshal(body, &raw)
	if raw.ExcType != "" && strings.Contains(raw.ExcType, "Validation") {
		kind = KindValidation
	}

	msg := extractMessage(raw)
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	return &CallError{Kind: kind, Method: method, Message: msg}
}

func extractMessage(raw errorBody) string {
	if len(raw.Message) > 0 {
		var s string
		if err := json.Unmarshal(raw.Message, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if raw.Exc != "" {
		// exc is a traceback; the last non-empty line carries the error.
		lines := strings.Split(strings.TrimSpace(raw.Exc), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				return line
			}
		}
	}
	if raw.ServerMessages != "" {
		return firstServerMessage(raw.ServerMessages)
	}
	return ""
}

// firstServerMessage unpacks the framework's doubly JSON-encoded
// _server_messages field: a JSON array of JSON strings, each either a plain
// string or an object with a "message" key.
func firstServerMessage(payload string) string {
	var outer []string
	if err := json.Unmarshal([]byte(payload), &outer); err != nil || len(outer) == 0 {
		return ""
	}
	for _, entry := range outer {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(entry), &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if err := json.Unmarshal([]byte(entry), &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func callInto(ctx context.Context, c *Client, method string, args map[string]any, dest any) error {
	payload, err := c.Call(ctx, method, args)
	if err != nil {
		return err
	}
	if dest == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return &CallError{Kind: KindRemote, Method: method, Message: err.Error()}
	}
	return nil
}

func (c *Client) PriceLists(ctx context.Context) ([]domain.PriceList, error) {
	var lists []domain.PriceList
	err := callInto(ctx, c, "imogi_pos.api.pos.get_price_lists", nil, &lists)
	return lists, err
}

func (c *Client) Items(ctx context.Context, branch string) ([]domain.Item, error) {
	var items []domain.Item
	err := callInto(ctx, c, "imogi_pos.api.pos.get_items_with_stock", map[string]any{"branch": branch}, &items)
	return items, err
}

func (c *Client) Variants(ctx context.Context, template string) ([]domain.Item, error) {
	var variants []domain.Item
	err := callInto(ctx, c, "imogi_pos.api.pos.get_variants", map[string]any{"template": template}, &variants)
	return variants, err
}

func (c *Client) ItemPrices(ctx context.Context, priceList string) ([]domain.ItemPrice, error) {
	var prices []domain.ItemPrice
	err := callInto(ctx, c, "imogi_pos.api.pos.get_item_prices", map[string]any{"price_list": priceList}, &prices)
	return prices, err
}

func (c *Client) ValidatePromo(ctx context.Context, code string) (*domain.Promo, error) {
	var promo domain.Promo
	if err := callInto(ctx, c, "imogi_pos.api.pos.validate_promo_code", map[string]any{"code": code}, &promo); err != nil {
		return nil, err
	}
	return &promo, nil
}

func (c *Client) CreateOrder(ctx context.Context, payload domain.OrderPayload) (*domain.Order, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &CallError{Kind: KindValidation, Method: "create_order", Message: err.Error()}
	}
	var order domain.Order
	if err := callInto(ctx, c, "imogi_pos.api.pos.create_order", map[string]any{"order": json.RawMessage(encoded)}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) GetOrder(ctx context.Context, name string) (*domain.Order, error) {
	var order domain.Order
	if err := callInto(ctx, c, "imogi_pos.api.pos.get_order", map[string]any{"name": name}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) CreatePaymentRequest(ctx context.Context, orderName string, amount decimal.Decimal) (*domain.PaymentRequest, error) {
	var pr domain.PaymentRequest
	args := map[string]any{"order": orderName, "amount": amount}
	if err := callInto(ctx, c, "imogi_pos.api.payments.create_payment_request", args, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *Client) CancelPaymentRequest(ctx context.Context, name string) error {
	return callInto(ctx, c, "imogi_pos.api.payments.cancel_payment_request", map[string]any{"name": name}, nil)
}
