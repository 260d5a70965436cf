package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	apperrors "github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// StockLevel is the cached total quantity per (pharmacy, product).
// It is a deliberate denormalization of the batch table for fast reads;
// the reconciliation worker keeps it honest.
type StockLevel struct {
	ID           string    `db:"id" json:"id"`
	PharmacyID   string    `db:"pharmacy_id" json:"pharmacy_id"`
	ProductID    string    `db:"product_id" json:"product_id"`
	Quantity     int       `db:"quantity" json:"quantity"`
	MinThreshold int       `db:"min_threshold" json:"min_threshold"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Drift is one disagreement between a cached level and its batch sum
type Drift struct {
	PharmacyID string `db:"pharmacy_id" json:"pharmacy_id"`
	ProductID  string `db:"product_id" json:"product_id"`
	Cached     int    `db:"cached" json:"cached"`
	Actual     int    `db:"actual" json:"actual"`
}

// ErrInsufficientQuantity is returned by DecrementIfAvailable when the
// conditional update matched no row. The caller re-reads the level for
// error context before failing the operation.
var ErrInsufficientQuantity = errors.New("stock level below requested quantity")

// LevelRepository handles stock level persistence
type LevelRepository struct {
	db *database.DB
}

// NewLevelRepository creates a new stock level repository
func NewLevelRepository(db *database.DB) *LevelRepository {
	return &LevelRepository{db: db}
}

// DecrementIfAvailable is the atomic deduction guard: a single conditional
// decrement that succeeds only when the cached total can cover the request.
// It is one statement, not a read-then-write pair, so two concurrent callers
// racing for the last unit cannot both pass. Returns the new total.
func (r *LevelRepository) DecrementIfAvailable(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID string, quantity int) (int, error) {
	var newTotal int
	query := `
		UPDATE stock_levels
		SET quantity = quantity - $3, updated_at = NOW()
		WHERE pharmacy_id = $1 AND product_id = $2 AND quantity >= $3
		RETURNING quantity
	`
	err := tx.QueryRowxContext(ctx, query, pharmacyID, productID, quantity).Scan(&newTotal)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrInsufficientQuantity
		}
		return 0, err
	}
	return newTotal, nil
}

// IncrementOrCreate adds received quantity to the cached total, creating the
// level row at the incoming quantity on first receipt. Returns the new total.
func (r *LevelRepository) IncrementOrCreate(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID string, quantity int) (int, error) {
	var newTotal int
	query := `
		INSERT INTO stock_levels (id, pharmacy_id, product_id, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pharmacy_id, product_id)
		DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity, updated_at = NOW()
		RETURNING quantity
	`
	err := tx.QueryRowxContext(ctx, query, uuid.New().String(), pharmacyID, productID, quantity).Scan(&newTotal)
	if err != nil {
		return 0, err
	}
	return newTotal, nil
}

// GetTx reads a level inside an open transaction. Used by the deduction path
// to name available vs requested quantity after a failed guard.
func (r *LevelRepository) GetTx(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID string) (*StockLevel, error) {
	var level StockLevel
	query := `SELECT * FROM stock_levels WHERE pharmacy_id = $1 AND product_id = $2`
	if err := tx.GetContext(ctx, &level, query, pharmacyID, productID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("stock level")
		}
		return nil, err
	}
	return &level, nil
}

// Get reads a level by pharmacy and product
func (r *LevelRepository) Get(ctx context.Context, pharmacyID, productID string) (*StockLevel, error) {
	var level StockLevel
	query := `SELECT * FROM stock_levels WHERE pharmacy_id = $1 AND product_id = $2`
	if err := r.db.GetContext(ctx, &level, query, pharmacyID, productID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("stock level")
		}
		return nil, err
	}
	return &level, nil
}

// List lists all levels for a pharmacy
func (r *LevelRepository) List(ctx context.Context, pharmacyID string) ([]*StockLevel, error) {
	var levels []*StockLevel
	query := `SELECT * FROM stock_levels WHERE pharmacy_id = $1 ORDER BY product_id`
	if err := r.db.SelectContext(ctx, &levels, query, pharmacyID); err != nil {
		return nil, err
	}
	return levels, nil
}

// ListBelowThreshold lists levels at or below their minimum threshold.
// Read-only feed for the external alerting module.
func (r *LevelRepository) ListBelowThreshold(ctx context.Context, pharmacyID string) ([]*StockLevel, error) {
	var levels []*StockLevel
	query := `
		SELECT * FROM stock_levels
		WHERE pharmacy_id = $1 AND min_threshold > 0 AND quantity <= min_threshold
		ORDER BY product_id
	`
	if err := r.db.SelectContext(ctx, &levels, query, pharmacyID); err != nil {
		return nil, err
	}
	return levels, nil
}

// SetThreshold updates the low-stock threshold for a product
func (r *LevelRepository) SetThreshold(ctx context.Context, pharmacyID, productID string, threshold int) error {
	query := `
		UPDATE stock_levels
		SET min_threshold = $3, updated_at = NOW()
		WHERE pharmacy_id = $1 AND product_id = $2
	`
	result, err := r.db.ExecContext(ctx, query, pharmacyID, productID, threshold)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperrors.NotFound("stock level")
	}

	return nil
}

// ScanDrift re-derives every level's true batch sum and returns the rows
// where the cache disagrees, plus the number of levels scanned. Runs inside
// the reconciliation transaction so the comparison and the corrections see
// one consistent snapshot.
func (r *LevelRepository) ScanDrift(ctx context.Context, tx *sqlx.Tx) (int, []Drift, error) {
	var rows []struct {
		Drift
		InSync bool `db:"in_sync"`
	}
	query := `
		SELECT l.pharmacy_id, l.product_id, l.quantity AS cached,
			COALESCE(b.total, 0) AS actual,
			l.quantity = COALESCE(b.total, 0) AS in_sync
		FROM stock_levels l
		LEFT JOIN (
			SELECT pharmacy_id, product_id, SUM(quantity) AS total
			FROM stock_batches
			WHERE is_active = true
			GROUP BY pharmacy_id, product_id
		) b ON b.pharmacy_id = l.pharmacy_id AND b.product_id = l.product_id
		ORDER BY l.pharmacy_id, l.product_id
	`
	if err := tx.SelectContext(ctx, &rows, query); err != nil {
		return 0, nil, err
	}

	var drifts []Drift
	for _, row := range rows {
		if !row.InSync {
			drifts = append(drifts, row.Drift)
		}
	}
	return len(rows), drifts, nil
}

// OverwriteQuantity sets a level's cached total to the re-derived batch sum.
// Only the reconciliation worker calls this.
func (r *LevelRepository) OverwriteQuantity(ctx context.Context, tx *sqlx.Tx, pharmacyID, productID string, quantity int) error {
	query := `
		UPDATE stock_levels
		SET quantity = $3, updated_at = NOW()
		WHERE pharmacy_id = $1 AND product_id = $2
	`
	result, err := tx.ExecContext(ctx, query, pharmacyID, productID, quantity)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperrors.NotFound("stock level")
	}

	return nil
}
