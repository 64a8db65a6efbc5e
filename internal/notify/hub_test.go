package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/safedeal/safedeal/internal/escrow"
)

const (
	buyer  = "cus_aaaaaaaaaaaaaaaaaaaaaaaa"
	seller = "cus_bbbbbbbbbbbbbbbbbbbbbbbb"
	other  = "cus_cccccccccccccccccccccccc"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventTransactionState, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDisputeOpened, EventDisputeResolved},
	}}

	if !h.shouldSend(client, &Event{Type: EventDisputeOpened}) {
		t.Error("Should receive dispute.opened events")
	}
	if !h.shouldSend(client, &Event{Type: EventDisputeResolved}) {
		t.Error("Should receive dispute.resolved events")
	}
	if h.shouldSend(client, &Event{Type: EventTransactionState}) {
		t.Error("Should NOT receive plain transition events")
	}
}

func TestShouldSend_CustomerFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		CustomerIDs: []string{buyer},
	}}

	asBuyer := &Event{
		Type: EventTransactionState,
		Data: map[string]interface{}{"buyerId": buyer, "sellerId": seller},
	}
	asSeller := &Event{
		Type: EventTransactionState,
		Data: map[string]interface{}{"buyerId": other, "sellerId": buyer},
	}
	unrelated := &Event{
		Type: EventTransactionState,
		Data: map[string]interface{}{"buyerId": other, "sellerId": seller},
	}
	deposit := &Event{
		Type: EventDeposit,
		Data: map[string]interface{}{"customerId": buyer},
	}

	if !h.shouldSend(client, asBuyer) {
		t.Error("Should match on buyerId")
	}
	if !h.shouldSend(client, asSeller) {
		t.Error("Should match on sellerId")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated customers")
	}
	if !h.shouldSend(client, deposit) {
		t.Error("Should match on customerId")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{MinAmount: 100_000}}

	large := &Event{
		Type: EventTransactionState,
		Data: map[string]interface{}{"amount": int64(500_000)},
	}
	small := &Event{
		Type: EventTransactionState,
		Data: map[string]interface{}{"amount": int64(5_000)},
	}
	deposit := &Event{
		Type: EventDeposit,
		Data: map[string]interface{}{"amount": int64(5_000)},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large transaction")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small transaction")
	}
	if !h.shouldSend(client, deposit) {
		t.Error("MinAmount filter should only apply to transaction events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventTransactionState}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_TransactionStateChanged(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	txn := &escrow.Transaction{
		ID: "txn_dddddddddddddddddddddddd", BuyerID: buyer, SellerID: seller,
		Amount: 500_000, State: escrow.StateConfirmed,
	}
	h.TransactionStateChanged(txn, escrow.StatePending, "confirm")

	select {
	case msg := <-client.send:
		var event struct {
			Type EventType `json:"type"`
			Data struct {
				TransactionID string `json:"transactionId"`
				From          string `json:"from"`
				To            string `json:"to"`
				Action        string `json:"action"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("Failed to parse event: %v", err)
		}
		if event.Type != EventTransactionState {
			t.Errorf("type = %s, want transaction.state_changed", event.Type)
		}
		if event.Data.From != "pending" || event.Data.To != "confirmed" || event.Data.Action != "confirm" {
			t.Errorf("data = %+v", event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}
}

func TestHub_DisputeEventTypes(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventDisputeOpened}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	txn := &escrow.Transaction{
		ID: "txn_dddddddddddddddddddddddd", BuyerID: buyer, SellerID: seller,
		Amount: 500_000, State: escrow.StateDisputed,
	}
	// Plain transition is filtered out; the dispute gets through.
	h.TransactionStateChanged(txn, escrow.StatePending, "confirm")
	h.TransactionStateChanged(txn, escrow.StateConfirmed, "dispute")

	select {
	case msg := <-client.send:
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatal(err)
		}
		if event.Type != EventDisputeOpened {
			t.Errorf("type = %s, want dispute.opened", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for dispute event")
	}

	select {
	case msg := <-client.send:
		t.Errorf("unexpected second message: %s", msg)
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
