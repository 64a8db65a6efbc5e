package notify

import (
	"time"

	"github.com/safedeal/safedeal/internal/escrow"
)

// TransactionStateChanged broadcasts a lifecycle transition. Disputes
// get their own event types so admin dashboards can subscribe to the
// dispute queue without wading through every transition.
func (h *Hub) TransactionStateChanged(t *escrow.Transaction, from escrow.State, action string) {
	eventType := EventTransactionState
	switch action {
	case "dispute":
		eventType = EventDisputeOpened
	case "resolve_dispute":
		eventType = EventDisputeResolved
	}

	h.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"transactionId": t.ID,
			"buyerId":       t.BuyerID,
			"sellerId":      t.SellerID,
			"amount":        t.Amount,
			"from":          string(from),
			"to":            string(t.State),
			"action":        action,
		},
	})
}

// DepositConfirmed broadcasts a confirmed wallet top-up.
func (h *Hub) DepositConfirmed(customerID string, amount int64, reference string) {
	h.Broadcast(&Event{
		Type:      EventDeposit,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"customerId": customerID,
			"amount":     amount,
			"reference":  reference,
		},
	})
}
