package consumers

import (
	"context"
	"fmt"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
	"github.com/shopspring/decimal"
)

// PurchaseOrderConsumer consumes purchasing events and feeds confirmed order
// lines into the stock ledger. Lot-merging in AddStock makes redelivery of the
// same line additive, not idempotent; the purchasing service publishes each
// line exactly once per confirmation.
type PurchaseOrderConsumer struct {
	consumer *messaging.Consumer
	ledger   *service.StockLedger
	logger   *logger.Logger
}

// NewPurchaseOrderConsumer creates a new purchase order consumer
func NewPurchaseOrderConsumer(
	rmq *messaging.RabbitMQ,
	ledger *service.StockLedger,
	log *logger.Logger,
) (*PurchaseOrderConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "stock-service.purchasing-events", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangePurchasingEvents, "purchasing.order.#"); err != nil {
		return nil, err
	}

	c := &PurchaseOrderConsumer{
		consumer: consumer,
		ledger:   ledger,
		logger:   log,
	}

	consumer.RegisterHandler(messaging.EventPurchaseOrderConfirmed, c.handleOrderConfirmed)

	return c, nil
}

// Start starts consuming messages
func (c *PurchaseOrderConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *PurchaseOrderConsumer) handleOrderConfirmed(ctx context.Context, event *messaging.Event) error {
	var data messaging.PurchaseOrderConfirmedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Str("pharmacy_id", data.PharmacyID).
		Str("product_id", data.ProductID).
		Str("lot_code", data.LotCode).
		Int("quantity", data.Quantity).
		Msg("received purchase order confirmed event")

	expiryDate, err := time.Parse("2006-01-02", data.ExpiryDate)
	if err != nil {
		return fmt.Errorf("invalid expiry date %q: %w", data.ExpiryDate, err)
	}

	var unitCost decimal.NullDecimal
	if data.UnitCost != "" {
		cost, err := decimal.NewFromString(data.UnitCost)
		if err != nil {
			return fmt.Errorf("invalid unit cost %q: %w", data.UnitCost, err)
		}
		unitCost = decimal.NullDecimal{Decimal: cost, Valid: true}
	}

	_, err = c.ledger.AddStock(ctx, data.PharmacyID, data.ProductID, data.LotCode, expiryDate, data.Quantity, unitCost)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("order_id", data.OrderID).
			Str("lot_code", data.LotCode).
			Msg("failed to receive stock for confirmed order")
		return err
	}

	return nil
}
