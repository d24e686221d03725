package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	stock, cancelStock, err := bus.Subscribe(ctx, "stock_update")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancelStock()

	orders, cancelOrders, err := bus.Subscribe(ctx, "pos_order_updated")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancelOrders()

	if err := bus.Publish(ctx, "stock_update", map[string]any{"item_code": "NASI-01"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case event := <-stock:
		var payload struct {
			ItemCode string `json:"item_code"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("payload decode failed: %v", err)
		}
		if payload.ItemCode != "NASI-01" {
			t.Fatalf("item_code = %s", payload.ItemCode)
		}
	case <-time.After(time.Second):
		t.Fatalf("stock subscriber did not receive event")
	}

	select {
	case event := <-orders:
		t.Fatalf("order subscriber received unrelated event %s", event.Name)
	default:
	}
}

func TestMemoryBusCancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel, err := bus.Subscribe(context.Background(), "stock_update")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatalf("expected channel to be closed after cancel")
	}
}

func TestMemoryBusDropInsteadOfBlock(t *testing.T) {
	bus := NewMemoryBus()
	_, cancel, err := bus.Subscribe(context.Background(), "stock_update")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	// Nobody drains the channel; publishing past the buffer must not hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = bus.Publish(context.Background(), "stock_update", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}
}
