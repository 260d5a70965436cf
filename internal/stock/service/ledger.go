package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// StockLedger implements the inventory stock ledger: FEFO allocation with an
// atomic oversell guard on the deduction path, lot-merging replenishment on
// the receiving path. Guard, batch walk and cost snapshot share one
// transaction, so nothing is deducted without the whole operation committing.
type StockLedger struct {
	db        *database.DB
	levelRepo *repository.LevelRepository
	batchRepo *repository.BatchRepository
	publisher *events.StockEventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewStockLedger creates a new stock ledger service
func NewStockLedger(
	db *database.DB,
	levelRepo *repository.LevelRepository,
	batchRepo *repository.BatchRepository,
	publisher *events.StockEventPublisher,
	log *logger.Logger,
) *StockLedger {
	return &StockLedger{
		db:        db,
		levelRepo: levelRepo,
		batchRepo: batchRepo,
		publisher: publisher,
		logger:    log,
		now:       time.Now,
	}
}

// DeductionResult is what a successful deduction hands back to the caller:
// the consumed batches with their frozen unit costs, and the weighted-average
// cost for the whole requested quantity. The caller persists it onto its own
// sale record; the ledger does not keep it.
type DeductionResult struct {
	PharmacyID      string          `json:"pharmacy_id"`
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	NewTotal        int             `json:"new_total"`
	ConsumedBatches []ConsumedBatch `json:"consumed_batches"`
	WeightedCost    decimal.Decimal `json:"weighted_cost"`
}

// ReceiptResult describes the outcome of adding stock
type ReceiptResult struct {
	Batch    *repository.Batch `json:"batch"`
	NewTotal int               `json:"new_total"`
}

// DeductStock removes quantity from a product's stock, consuming batches in
// FEFO order. The flow inside one transaction:
//
//  1. Conditional decrement of the cached level (the oversell guard). A miss
//     means insufficient stock and the operation stops before touching any
//     batch.
//  2. FEFO walk over live, non-expired batches, persisting each consumed
//     batch's new remaining quantity.
//  3. Weighted-average cost snapshot over the consumed set.
//
// After a successful guard, running out of batches mid-walk is data drift,
// not an out-of-stock condition: the error is distinct and the whole
// transaction -- including the decrement -- rolls back.
func (s *StockLedger) DeductStock(ctx context.Context, pharmacyID, productID string, quantity int) (*DeductionResult, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("deduction quantity must be positive")
	}

	var result *DeductionResult
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		newTotal, err := s.levelRepo.DecrementIfAvailable(ctx, tx, pharmacyID, productID, quantity)
		if err != nil {
			if err == repository.ErrInsufficientQuantity {
				available := 0
				if level, lerr := s.levelRepo.GetTx(ctx, tx, pharmacyID, productID); lerr == nil {
					available = level.Quantity
				}
				return &InsufficientStockError{
					PharmacyID: pharmacyID,
					ProductID:  productID,
					Available:  available,
					Requested:  quantity,
				}
			}
			return err
		}

		consumed, err := s.consumeBatches(ctx, tx, pharmacyID, productID, quantity)
		if err != nil {
			return err
		}

		result = &DeductionResult{
			PharmacyID:      pharmacyID,
			ProductID:       productID,
			Quantity:        quantity,
			NewTotal:        newTotal,
			ConsumedBatches: consumed,
			WeightedCost:    WeightedUnitCost(consumed),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("pharmacy_id", pharmacyID).
		Str("product_id", productID).
		Int("quantity", quantity).
		Int("new_total", result.NewTotal).
		Str("weighted_cost", result.WeightedCost.String()).
		Msg("stock deducted")

	consumed := make([]events.ConsumedLine, 0, len(result.ConsumedBatches))
	for _, b := range result.ConsumedBatches {
		consumed = append(consumed, events.ConsumedLine{
			BatchID:  b.BatchID,
			LotCode:  b.LotCode,
			Quantity: b.Quantity,
			UnitCost: b.UnitCost,
		})
	}

	s.publisher.PublishStockDeducted(ctx, result.PharmacyID, result.ProductID, result.Quantity, result.NewTotal, result.WeightedCost, consumed)
	s.checkLowStock(ctx, pharmacyID, productID, result.NewTotal)

	return result, nil
}

// consumeBatches walks the FEFO-ordered batch list, draining each batch
// until the claimed quantity is satisfied. Expired batches are invisible
// here; they still exist for audit and valuation.
func (s *StockLedger) consumeBatches(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID string, quantity int) ([]ConsumedBatch, error) {
	batches, err := s.batchRepo.ListAllocatable(ctx, tx, pharmacyID, productID, s.now())
	if err != nil {
		return nil, err
	}

	consumed := make([]ConsumedBatch, 0, len(batches))
	remaining := quantity

	for _, batch := range batches {
		if remaining == 0 {
			break
		}

		take := batch.Quantity
		if take > remaining {
			take = remaining
		}

		if err := s.batchRepo.UpdateQuantity(ctx, tx, batch.ID, batch.Quantity-take); err != nil {
			return nil, err
		}

		unitCost := decimal.Zero
		if batch.UnitCost.Valid {
			unitCost = batch.UnitCost.Decimal
		}

		consumed = append(consumed, ConsumedBatch{
			BatchID:  batch.ID,
			LotCode:  batch.LotCode,
			Quantity: take,
			UnitCost: unitCost,
		})
		remaining -= take
	}

	if remaining > 0 {
		// The guard already claimed this quantity from the aggregate, so the
		// batches disagreeing is corruption, not a user-facing shortage.
		s.logger.Error().
			Str("pharmacy_id", pharmacyID).
			Str("product_id", productID).
			Int("claimed", quantity).
			Int("allocatable", quantity-remaining).
			Msg("allocation drift detected")
		return nil, &AllocationDriftError{
			PharmacyID:  pharmacyID,
			ProductID:   productID,
			Claimed:     quantity,
			Allocatable: quantity - remaining,
		}
	}

	return consumed, nil
}

// AddStock records received quantity against a lot. An existing active lot
// with the same code is topped up (its original unit cost untouched);
// otherwise a new batch row is created. The cached level is incremented in
// the same transaction. This is the only way stock legitimately increases.
func (s *StockLedger) AddStock(ctx context.Context, pharmacyID, productID, lotCode string, expiryDate time.Time, quantity int, unitCost decimal.NullDecimal) (*ReceiptResult, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("received quantity must be positive")
	}
	if lotCode == "" {
		return nil, errors.BadRequest("lot code is required")
	}

	var result *ReceiptResult
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		batch, err := s.batchRepo.TopUpByLotCode(ctx, tx, pharmacyID, productID, lotCode, quantity)
		if err != nil {
			if !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			batch = &repository.Batch{
				PharmacyID:   pharmacyID,
				ProductID:    productID,
				LotCode:      lotCode,
				Quantity:     quantity,
				ExpiryDate:   expiryDate,
				UnitCost:     unitCost,
				ReceivedDate: s.now().UTC(),
				IsActive:     true,
			}
			if err := s.batchRepo.Create(ctx, tx, batch); err != nil {
				return err
			}
		}

		newTotal, err := s.levelRepo.IncrementOrCreate(ctx, tx, pharmacyID, productID, quantity)
		if err != nil {
			return err
		}

		result = &ReceiptResult{Batch: batch, NewTotal: newTotal}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("pharmacy_id", pharmacyID).
		Str("product_id", productID).
		Str("lot_code", lotCode).
		Int("quantity", quantity).
		Int("new_total", result.NewTotal).
		Msg("stock received")

	s.publisher.PublishStockReceived(ctx, result.Batch, quantity, result.NewTotal)

	return result, nil
}

// WriteOffBatch soft-deletes a batch (expired or damaged stock). The cached
// level is decremented by the batch's remaining quantity in the same
// transaction so the aggregate stays in step without waiting for the
// reconciler.
func (s *StockLedger) WriteOffBatch(ctx context.Context, pharmacyID, batchID, reason string) (*repository.Batch, error) {
	var batch *repository.Batch
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		batch, err = s.batchRepo.SoftDelete(ctx, tx, pharmacyID, batchID)
		if err != nil {
			return err
		}

		if batch.Quantity > 0 {
			// Direct overwrite via the guard is wrong here: write-offs may
			// legitimately drop the level to zero but never below.
			if _, err := s.levelRepo.DecrementIfAvailable(ctx, tx, pharmacyID, batch.ProductID, batch.Quantity); err != nil {
				if err == repository.ErrInsufficientQuantity {
					// The cache is already behind the batches; leave it to
					// the reconciler instead of forcing it negative.
					s.logger.Warn().
						Str("pharmacy_id", pharmacyID).
						Str("batch_id", batchID).
						Msg("level below batch quantity during write-off, deferring to reconciler")
					return nil
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("pharmacy_id", pharmacyID).
		Str("batch_id", batchID).
		Str("lot_code", batch.LotCode).
		Int("quantity", batch.Quantity).
		Str("reason", reason).
		Msg("batch written off")

	s.publisher.PublishBatchWrittenOff(ctx, batch, reason)

	return batch, nil
}

// GetLevel returns the cached stock level for a product
func (s *StockLedger) GetLevel(ctx context.Context, pharmacyID, productID string) (*repository.StockLevel, error) {
	return s.levelRepo.Get(ctx, pharmacyID, productID)
}

// ListLevels returns all stock levels for a pharmacy
func (s *StockLedger) ListLevels(ctx context.Context, pharmacyID string) ([]*repository.StockLevel, error) {
	return s.levelRepo.List(ctx, pharmacyID)
}

// ListLowStock returns levels at or below their minimum threshold
func (s *StockLedger) ListLowStock(ctx context.Context, pharmacyID string) ([]*repository.StockLevel, error) {
	return s.levelRepo.ListBelowThreshold(ctx, pharmacyID)
}

// SetThreshold updates the low-stock threshold for a product
func (s *StockLedger) SetThreshold(ctx context.Context, pharmacyID, productID string, threshold int) error {
	if threshold < 0 {
		return errors.BadRequest("threshold must not be negative")
	}
	return s.levelRepo.SetThreshold(ctx, pharmacyID, productID, threshold)
}

// ListBatches returns the active batches for a product, FEFO-ordered
func (s *StockLedger) ListBatches(ctx context.Context, pharmacyID, productID string) ([]*repository.Batch, error) {
	return s.batchRepo.ListByProduct(ctx, pharmacyID, productID)
}

// ListExpiringBatches returns batches expiring within the given days
func (s *StockLedger) ListExpiringBatches(ctx context.Context, pharmacyID string, withinDays int) ([]*repository.Batch, error) {
	if withinDays <= 0 {
		withinDays = 30
	}
	return s.batchRepo.ListExpiring(ctx, pharmacyID, withinDays)
}

// checkLowStock publishes a low-stock event when a deduction leaves the
// level at or below its threshold. Event delivery is best effort; the ledger
// result is already committed.
func (s *StockLedger) checkLowStock(ctx context.Context, pharmacyID, productID string, newTotal int) {
	level, err := s.levelRepo.Get(ctx, pharmacyID, productID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("pharmacy_id", pharmacyID).
			Str("product_id", productID).
			Msg("failed to check low-stock threshold")
		return
	}

	if level.MinThreshold > 0 && newTotal <= level.MinThreshold {
		s.publisher.PublishStockLow(ctx, pharmacyID, productID, newTotal, level.MinThreshold)
	}
}
