package repository_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecrementIfAvailable_ExactQuantityWins(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, productID, 10))

	repo := repository.NewLevelRepository(suite.DB)

	// Draining to exactly zero is allowed
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		newTotal, err := repo.DecrementIfAvailable(ctx, tx, pharmacyID, productID, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, newTotal)
		return nil
	})

	// Nothing left: one more unit fails
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		_, err := repo.DecrementIfAvailable(ctx, tx, pharmacyID, productID, 1)
		assert.ErrorIs(t, err, repository.ErrInsufficientQuantity)
		return nil
	})
}

func TestDecrementIfAvailable_MissingLevel(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	repo := repository.NewLevelRepository(suite.DB)

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		_, err := repo.DecrementIfAvailable(ctx, tx, uuid.New().String(), uuid.New().String(), 1)
		assert.ErrorIs(t, err, repository.ErrInsufficientQuantity)
		return nil
	})
}

func TestIncrementOrCreate(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	repo := repository.NewLevelRepository(suite.DB)

	// First receipt creates the row
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		newTotal, err := repo.IncrementOrCreate(ctx, tx, pharmacyID, productID, 20)
		require.NoError(t, err)
		assert.Equal(t, 20, newTotal)
		return nil
	})

	// Second receipt increments it
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		newTotal, err := repo.IncrementOrCreate(ctx, tx, pharmacyID, productID, 5)
		require.NoError(t, err)
		assert.Equal(t, 25, newTotal)
		return nil
	})

	level, err := repo.Get(ctx, pharmacyID, productID)
	require.NoError(t, err)
	assert.Equal(t, 25, level.Quantity)
}

func TestSetThreshold(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, productID, 10))

	repo := repository.NewLevelRepository(suite.DB)

	err := repo.SetThreshold(ctx, pharmacyID, productID, 5)
	require.NoError(t, err)

	level, err := repo.Get(ctx, pharmacyID, productID)
	require.NoError(t, err)
	assert.Equal(t, 5, level.MinThreshold)

	// Unknown product
	err = repo.SetThreshold(ctx, pharmacyID, uuid.New().String(), 5)
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestListBelowThreshold(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	lowProduct := uuid.New().String()
	okProduct := uuid.New().String()
	noThresholdProduct := uuid.New().String()

	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, lowProduct, 3, testutil.WithThreshold(5)))
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, okProduct, 30, testutil.WithThreshold(5)))
	// Zero quantity but no configured threshold: not an alert
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, noThresholdProduct, 0))

	repo := repository.NewLevelRepository(suite.DB)

	low, err := repo.ListBelowThreshold(ctx, pharmacyID)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, lowProduct, low[0].ProductID)
}

func TestScanDrift(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	driftedProduct := uuid.New().String()
	syncedProduct := uuid.New().String()

	// Drifted: cache says 10, only one active batch of 6 exists
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, driftedProduct, 10))
	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, driftedProduct, testutil.WithQuantity(6)))
	// Soft-deleted batches must not count
	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, driftedProduct, testutil.WithQuantity(4), testutil.Inactive()))

	// In sync: cache 8, batches 5 + 3. The second batch is expired but still
	// owned, so it counts toward the true total.
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, syncedProduct, 8))
	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, syncedProduct, testutil.WithQuantity(5)))
	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, syncedProduct, testutil.WithQuantity(3), testutil.Expired()))

	repo := repository.NewLevelRepository(suite.DB)

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		scanned, drifts, err := repo.ScanDrift(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, 2, scanned)
		require.Len(t, drifts, 1)
		assert.Equal(t, driftedProduct, drifts[0].ProductID)
		assert.Equal(t, 10, drifts[0].Cached)
		assert.Equal(t, 6, drifts[0].Actual)
		return nil
	})
}

func TestOverwriteQuantity(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	testutil.InsertLevel(t, ctx, suite.RawDB, suite.Fixtures.Level(pharmacyID, productID, 10))

	repo := repository.NewLevelRepository(suite.DB)

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		return repo.OverwriteQuantity(ctx, tx, pharmacyID, productID, 7)
	})

	level, err := repo.Get(ctx, pharmacyID, productID)
	require.NoError(t, err)
	assert.Equal(t, 7, level.Quantity)
}
