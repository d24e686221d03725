package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallUnwrapsMessageEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/method/imogi_pos.api.pos.get_price_lists" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var args map[string]any
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			t.Errorf("args must always be a JSON object: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":[{"name":"Dine In","flat_adjustment":"0","enabled":true}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "secret")
	lists, err := client.PriceLists(context.Background())
	if err != nil {
		t.Fatalf("price lists failed: %v", err)
	}
	if len(lists) != 1 || lists[0].Name != "Dine In" {
		t.Fatalf("unexpected price lists: %+v", lists)
	}
}

func TestCallSendsTokenAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token key:secret" {
			t.Errorf("authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"message":null}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "secret")
	if _, err := client.Call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("call failed: %v", err)
	}
}

func TestErrorNormalizationFromMessageField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusExpectationFailed)
		_, _ = w.Write([]byte(`{"message":"Promo code has expired","exc_type":"ValidationError"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")
	_, err := client.ValidatePromo(context.Background(), "OLD")
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if callErr.Kind != KindValidation {
		t.Fatalf("kind = %s, want validation", callErr.Kind)
	}
	if callErr.Message != "Promo code has expired" {
		t.Fatalf("message = %q", callErr.Message)
	}
}

func TestErrorNormalizationFromServerMessages(t *testing.T) {
	// _server_messages is a JSON string holding an array of JSON-encoded
	// objects; the extractor must dig the human-readable message out.
	body := `{"exc_type":"ValidationError","_server_messages":"[\"{\\\"message\\\": \\\"Item ES-TEH-01 is disabled\\\"}\"]"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusExpectationFailed)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")
	_, err := client.Items(context.Background(), "branch-1")
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if callErr.Message != "Item ES-TEH-01 is disabled" {
		t.Fatalf("message = %q", callErr.Message)
	}
}

func TestErrorNormalizationFromExcTraceback(t *testing.T) {
	body := `{"exc":"Traceback (most recent call last):\n  File \"app.py\", line 10\nPermissionError: Not permitted\n"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")
	_, err := client.Call(context.Background(), "anything", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if callErr.Message != "PermissionError: Not permitted" {
		t.Fatalf("message = %q", callErr.Message)
	}
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")
	_, err := client.Call(context.Background(), "anything", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if callErr.Kind != KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", callErr.Kind)
	}
	if callErr.Message == "" {
		t.Fatalf("expected fallback message for empty body")
	}
}

func TestNetworkFailureIsUnavailable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", "")
	_, err := client.Call(context.Background(), "anything", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if callErr.Kind != KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", callErr.Kind)
	}
}

func TestFirstServerMessagePlainStrings(t *testing.T) {
	got := firstServerMessage(`["Out of stock"]`)
	if got != "Out of stock" {
		t.Fatalf("got %q", got)
	}
	if firstServerMessage("not json") != "" {
		t.Fatalf("expected empty result for malformed payload")
	}
}
