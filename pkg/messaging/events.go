package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	// Stock ledger events
	EventStockDeducted   = "stock.deducted"
	EventStockReceived   = "stock.received"
	EventStockLow        = "stock.low"
	EventStockReconciled = "stock.reconciled"
	EventBatchWrittenOff = "stock.batch.written_off"

	// Purchasing events (consumed; published by the purchasing service)
	EventPurchaseOrderConfirmed = "purchasing.order.confirmed"
)

// Exchange names
const (
	ExchangeStockEvents      = "stock.events"
	ExchangePurchasingEvents = "purchasing.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%10000)
}

// Stock Events

// ConsumedBatchPayload describes one batch consumed by a deduction
type ConsumedBatchPayload struct {
	BatchID  string `json:"batch_id"`
	LotCode  string `json:"lot_code"`
	Quantity int    `json:"quantity"`
	UnitCost string `json:"unit_cost,omitempty"`
}

// StockDeductedEvent is published after a successful deduction commits
type StockDeductedEvent struct {
	PharmacyID      string                 `json:"pharmacy_id"`
	ProductID       string                 `json:"product_id"`
	Quantity        int                    `json:"quantity"`
	NewTotal        int                    `json:"new_total"`
	WeightedCost    string                 `json:"weighted_cost"`
	ConsumedBatches []ConsumedBatchPayload `json:"consumed_batches"`
}

// StockReceivedEvent is published after stock is added to a batch
type StockReceivedEvent struct {
	PharmacyID string `json:"pharmacy_id"`
	ProductID  string `json:"product_id"`
	BatchID    string `json:"batch_id"`
	LotCode    string `json:"lot_code"`
	Quantity   int    `json:"quantity"`
	NewTotal   int    `json:"new_total"`
}

// StockLowEvent is published when a deduction takes a level to or below
// its minimum threshold. Delivery to end users is the alerting service's job.
type StockLowEvent struct {
	PharmacyID   string `json:"pharmacy_id"`
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity"`
	MinThreshold int    `json:"min_threshold"`
}

// StockReconciledEvent is published for every drift correction the
// reconciliation worker applies
type StockReconciledEvent struct {
	PharmacyID  string `json:"pharmacy_id"`
	ProductID   string `json:"product_id"`
	OldQuantity int    `json:"old_quantity"`
	NewQuantity int    `json:"new_quantity"`
	Difference  int    `json:"difference"`
}

// BatchWrittenOffEvent is published when a batch is soft-deleted
type BatchWrittenOffEvent struct {
	PharmacyID string `json:"pharmacy_id"`
	ProductID  string `json:"product_id"`
	BatchID    string `json:"batch_id"`
	LotCode    string `json:"lot_code"`
	Quantity   int    `json:"quantity"`
	Reason     string `json:"reason,omitempty"`
}

// Purchasing Events (consumed)

// PurchaseOrderConfirmedEvent arrives once per confirmed purchase-order line;
// the stock service answers by replenishing the named lot.
type PurchaseOrderConfirmedEvent struct {
	OrderID    string `json:"order_id"`
	PharmacyID string `json:"pharmacy_id"`
	ProductID  string `json:"product_id"`
	LotCode    string `json:"lot_code"`
	ExpiryDate string `json:"expiry_date"` // YYYY-MM-DD
	Quantity   int    `json:"quantity"`
	UnitCost   string `json:"unit_cost,omitempty"`
}
