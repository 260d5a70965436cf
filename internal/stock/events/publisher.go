package events

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
	"github.com/shopspring/decimal"
)

// ConsumedLine is one batch allocation carried on a deduction event.
type ConsumedLine struct {
	BatchID  string
	LotCode  string
	Quantity int
	UnitCost decimal.Decimal
}

// StockEventPublisher publishes stock ledger events
type StockEventPublisher struct {
	publisher *messaging.Publisher
	logger    *logger.Logger
}

// NewStockEventPublisher creates a new stock event publisher
func NewStockEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*StockEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeStockEvents, "stock-service", log)
	if err != nil {
		return nil, err
	}

	return &StockEventPublisher{
		publisher: publisher,
		logger:    log,
	}, nil
}

// PublishStockDeducted publishes a stock deducted event
func (p *StockEventPublisher) PublishStockDeducted(ctx context.Context, pharmacyID, productID string, quantity, newTotal int, weightedCost decimal.Decimal, consumed []ConsumedLine) {
	if p == nil {
		return
	}

	lines := make([]messaging.ConsumedBatchPayload, 0, len(consumed))
	for _, c := range consumed {
		lines = append(lines, messaging.ConsumedBatchPayload{
			BatchID:  c.BatchID,
			LotCode:  c.LotCode,
			Quantity: c.Quantity,
			UnitCost: c.UnitCost.String(),
		})
	}

	data := messaging.StockDeductedEvent{
		PharmacyID:      pharmacyID,
		ProductID:       productID,
		Quantity:        quantity,
		NewTotal:        newTotal,
		WeightedCost:    weightedCost.String(),
		ConsumedBatches: lines,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockDeducted, data); err != nil {
		p.logger.Error().Err(err).Str("product_id", productID).Msg("failed to publish stock deducted event")
	}
}

// PublishStockReceived publishes a stock received event
func (p *StockEventPublisher) PublishStockReceived(ctx context.Context, batch *repository.Batch, quantity, newTotal int) {
	if p == nil {
		return
	}

	data := messaging.StockReceivedEvent{
		PharmacyID: batch.PharmacyID,
		ProductID:  batch.ProductID,
		BatchID:    batch.ID,
		LotCode:    batch.LotCode,
		Quantity:   quantity,
		NewTotal:   newTotal,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockReceived, data); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to publish stock received event")
	}
}

// PublishStockLow publishes a low-stock event
func (p *StockEventPublisher) PublishStockLow(ctx context.Context, pharmacyID, productID string, quantity, minThreshold int) {
	if p == nil {
		return
	}

	data := messaging.StockLowEvent{
		PharmacyID:   pharmacyID,
		ProductID:    productID,
		Quantity:     quantity,
		MinThreshold: minThreshold,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockLow, data); err != nil {
		p.logger.Error().Err(err).Str("product_id", productID).Msg("failed to publish stock low event")
	}
}

// PublishStockReconciled publishes a reconciliation correction event
func (p *StockEventPublisher) PublishStockReconciled(ctx context.Context, pharmacyID, productID string, oldQuantity, newQuantity int) {
	if p == nil {
		return
	}

	data := messaging.StockReconciledEvent{
		PharmacyID:  pharmacyID,
		ProductID:   productID,
		OldQuantity: oldQuantity,
		NewQuantity: newQuantity,
		Difference:  newQuantity - oldQuantity,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockReconciled, data); err != nil {
		p.logger.Error().Err(err).Str("product_id", productID).Msg("failed to publish stock reconciled event")
	}
}

// PublishBatchWrittenOff publishes a batch write-off event
func (p *StockEventPublisher) PublishBatchWrittenOff(ctx context.Context, batch *repository.Batch, reason string) {
	if p == nil {
		return
	}

	data := messaging.BatchWrittenOffEvent{
		PharmacyID: batch.PharmacyID,
		ProductID:  batch.ProductID,
		BatchID:    batch.ID,
		LotCode:    batch.LotCode,
		Quantity:   batch.Quantity,
		Reason:     reason,
	}

	if err := p.publisher.Publish(ctx, messaging.EventBatchWrittenOff, data); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to publish batch written off event")
	}
}
