package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

// Batch represents one received lot of a product at one pharmacy.
// Drained and expired batches stay in the table (is_active soft-delete)
// so historical allocations remain traceable.
type Batch struct {
	ID           string              `db:"id" json:"id"`
	PharmacyID   string              `db:"pharmacy_id" json:"pharmacy_id"`
	ProductID    string              `db:"product_id" json:"product_id"`
	LotCode      string              `db:"lot_code" json:"lot_code"`
	Quantity     int                 `db:"quantity" json:"quantity"`
	ExpiryDate   time.Time           `db:"expiry_date" json:"expiry_date"`
	UnitCost     decimal.NullDecimal `db:"unit_cost" json:"unit_cost"`
	ReceivedDate time.Time           `db:"received_date" json:"received_date"`
	IsActive     bool                `db:"is_active" json:"is_active"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

// BatchRepository handles batch persistence
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a new batch row inside the given transaction.
func (r *BatchRepository) Create(ctx context.Context, tx *sqlx.Tx, batch *Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}

	query := `
		INSERT INTO stock_batches (
			id, pharmacy_id, product_id, lot_code, quantity, expiry_date,
			unit_cost, received_date, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return tx.QueryRowxContext(ctx, query,
		batch.ID, batch.PharmacyID, batch.ProductID, batch.LotCode, batch.Quantity,
		batch.ExpiryDate, batch.UnitCost, batch.ReceivedDate, batch.IsActive,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt)
}

// TopUpByLotCode adds quantity to an existing lot of the product.
// Repeated receipts under one lot code extend the same cost lot, so the
// original unit cost is deliberately left untouched.
// Returns errors.ErrNotFound (wrapped) when no active batch carries the code;
// written-off lots do not match, their code restarts as a fresh batch
// (lot uniqueness is enforced over active rows only).
func (r *BatchRepository) TopUpByLotCode(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID, lotCode string, quantity int) (*Batch, error) {
	var batch Batch
	query := `
		UPDATE stock_batches
		SET quantity = quantity + $4, updated_at = NOW()
		WHERE pharmacy_id = $1 AND product_id = $2 AND lot_code = $3 AND is_active = true
		RETURNING *
	`
	err := tx.QueryRowxContext(ctx, query, pharmacyID, productID, lotCode, quantity).StructScan(&batch)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &batch, nil
}

// ListAllocatable loads the batches a FEFO walk may consume: active, with
// stock remaining and an expiry date strictly in the future, soonest expiry
// first (ties broken by id for determinism). Must run inside the same
// transaction as the aggregate decrement.
func (r *BatchRepository) ListAllocatable(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID string, now time.Time) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE pharmacy_id = $1 AND product_id = $2
		AND is_active = true AND quantity > 0 AND expiry_date > $3
		ORDER BY expiry_date, id
	`
	if err := tx.SelectContext(ctx, &batches, query, pharmacyID, productID, now); err != nil {
		return nil, err
	}
	return batches, nil
}

// UpdateQuantity persists a batch's new remaining quantity inside the given
// transaction. Used by the allocation walk after consuming from a batch.
func (r *BatchRepository) UpdateQuantity(ctx context.Context, tx *sqlx.Tx, batchID string, quantity int) error {
	query := `UPDATE stock_batches SET quantity = $2, updated_at = NOW() WHERE id = $1`
	result, err := tx.ExecContext(ctx, query, batchID, quantity)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("batch")
	}

	return nil
}

// GetByID gets a batch by ID within a pharmacy scope
func (r *BatchRepository) GetByID(ctx context.Context, pharmacyID, id string) (*Batch, error) {
	var batch Batch
	query := `SELECT * FROM stock_batches WHERE pharmacy_id = $1 AND id = $2`
	if err := r.db.GetContext(ctx, &batch, query, pharmacyID, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &batch, nil
}

// ListByProduct lists active batches for a product, FEFO-ordered
func (r *BatchRepository) ListByProduct(ctx context.Context, pharmacyID, productID string) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE pharmacy_id = $1 AND product_id = $2 AND is_active = true
		ORDER BY expiry_date, id
	`
	if err := r.db.SelectContext(ctx, &batches, query, pharmacyID, productID); err != nil {
		return nil, err
	}
	return batches, nil
}

// ListExpiring lists active batches with stock that expire within the given
// number of days. Read-only feed for the external alerting module.
func (r *BatchRepository) ListExpiring(ctx context.Context, pharmacyID string, withinDays int) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE pharmacy_id = $1 AND is_active = true AND quantity > 0
		AND expiry_date <= NOW() + INTERVAL '1 day' * $2
		ORDER BY expiry_date, id
	`
	if err := r.db.SelectContext(ctx, &batches, query, pharmacyID, withinDays); err != nil {
		return nil, err
	}
	return batches, nil
}

// SoftDelete marks a batch inactive inside the given transaction and returns
// the batch as it was. Rows are never physically removed; exclusion by flag
// keeps the receipt history auditable.
func (r *BatchRepository) SoftDelete(ctx context.Context, tx *sqlx.Tx, pharmacyID, id string) (*Batch, error) {
	var batch Batch
	query := `
		UPDATE stock_batches
		SET is_active = false, updated_at = NOW()
		WHERE pharmacy_id = $1 AND id = $2 AND is_active = true
		RETURNING *
	`
	err := tx.QueryRowxContext(ctx, query, pharmacyID, id).StructScan(&batch)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &batch, nil
}

// SumActiveQuantity computes the true total of non-deleted batch quantities
// for a product. Expired batches still count: they remain part of the owned
// stock until written off.
func (r *BatchRepository) SumActiveQuantity(ctx context.Context, pharmacyID, productID string) (int, error) {
	var total sql.NullInt64
	query := `
		SELECT SUM(quantity) FROM stock_batches
		WHERE pharmacy_id = $1 AND product_id = $2 AND is_active = true
	`
	if err := r.db.GetContext(ctx, &total, query, pharmacyID, productID); err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}
