package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// BatchFixture represents test batch data
type BatchFixture struct {
	ID           string
	PharmacyID   string
	ProductID    string
	LotCode      string
	Quantity     int
	ExpiryDate   time.Time
	UnitCost     decimal.NullDecimal
	ReceivedDate time.Time
	IsActive     bool
}

// LevelFixture represents test stock level data
type LevelFixture struct {
	ID           string
	PharmacyID   string
	ProductID    string
	Quantity     int
	MinThreshold int
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Batch creates a batch fixture with defaults: active, 100 units, expires in
// a year, costs 1.50 per unit.
func (f *FixtureFactory) Batch(pharmacyID, productID string, opts ...func(*BatchFixture)) BatchFixture {
	seq := f.nextSeq()

	batch := BatchFixture{
		ID:           uuid.New().String(),
		PharmacyID:   pharmacyID,
		ProductID:    productID,
		LotCode:      fmt.Sprintf("LOT-%04d", seq),
		Quantity:     100,
		ExpiryDate:   time.Now().AddDate(1, 0, 0),
		UnitCost:     decimal.NullDecimal{Decimal: decimal.RequireFromString("1.50"), Valid: true},
		ReceivedDate: time.Now().UTC(),
		IsActive:     true,
	}

	for _, opt := range opts {
		opt(&batch)
	}

	return batch
}

// WithLotCode sets the batch lot code
func WithLotCode(lotCode string) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.LotCode = lotCode
	}
}

// WithQuantity sets the batch quantity
func WithQuantity(quantity int) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.Quantity = quantity
	}
}

// WithExpiry sets the batch expiry date
func WithExpiry(expiry time.Time) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.ExpiryDate = expiry
	}
}

// WithUnitCost sets the batch unit cost from a decimal string
func WithUnitCost(cost string) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.UnitCost = decimal.NullDecimal{Decimal: decimal.RequireFromString(cost), Valid: true}
	}
}

// WithoutUnitCost clears the batch unit cost
func WithoutUnitCost() func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.UnitCost = decimal.NullDecimal{}
	}
}

// Expired moves the batch expiry into the past
func Expired() func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.ExpiryDate = time.Now().AddDate(0, 0, -1)
	}
}

// Inactive marks the batch as soft-deleted
func Inactive() func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.IsActive = false
	}
}

// Level creates a stock level fixture
func (f *FixtureFactory) Level(pharmacyID, productID string, quantity int, opts ...func(*LevelFixture)) LevelFixture {
	level := LevelFixture{
		ID:         uuid.New().String(),
		PharmacyID: pharmacyID,
		ProductID:  productID,
		Quantity:   quantity,
	}

	for _, opt := range opts {
		opt(&level)
	}

	return level
}

// WithThreshold sets the level's minimum threshold
func WithThreshold(threshold int) func(*LevelFixture) {
	return func(l *LevelFixture) {
		l.MinThreshold = threshold
	}
}

// InsertBatch seeds a batch row
func InsertBatch(t *testing.T, ctx context.Context, db *sqlx.DB, b BatchFixture) {
	t.Helper()
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_batches (id, pharmacy_id, product_id, lot_code, quantity, expiry_date, unit_cost, received_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.PharmacyID, b.ProductID, b.LotCode, b.Quantity, b.ExpiryDate, b.UnitCost, b.ReceivedDate, b.IsActive,
	)
	if err != nil {
		t.Fatalf("failed to insert batch fixture: %v", err)
	}
}

// InsertLevel seeds a stock level row
func InsertLevel(t *testing.T, ctx context.Context, db *sqlx.DB, l LevelFixture) {
	t.Helper()
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_levels (id, pharmacy_id, product_id, quantity, min_threshold)
		VALUES ($1, $2, $3, $4, $5)`,
		l.ID, l.PharmacyID, l.ProductID, l.Quantity, l.MinThreshold,
	)
	if err != nil {
		t.Fatalf("failed to insert level fixture: %v", err)
	}
}
