package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCreate(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	repo := repository.NewBatchRepository(suite.DB)

	batch := &repository.Batch{
		PharmacyID:   pharmacyID,
		ProductID:    productID,
		LotCode:      "LOT-CREATE-1",
		Quantity:     50,
		ExpiryDate:   time.Now().AddDate(1, 0, 0),
		UnitCost:     decimal.NullDecimal{Decimal: decimal.RequireFromString("3.20"), Valid: true},
		ReceivedDate: time.Now().UTC(),
		IsActive:     true,
	}

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		return repo.Create(ctx, tx, batch)
	})

	assert.NotEmpty(t, batch.ID)
	assert.False(t, batch.CreatedAt.IsZero())

	stored, err := repo.GetByID(ctx, pharmacyID, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "LOT-CREATE-1", stored.LotCode)
	assert.Equal(t, 50, stored.Quantity)
	require.True(t, stored.UnitCost.Valid)
	assert.True(t, stored.UnitCost.Decimal.Equal(decimal.RequireFromString("3.2")))
}

func TestTopUpByLotCode(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	seeded := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-MERGE"), testutil.WithQuantity(40), testutil.WithUnitCost("2.00"))
	testutil.InsertBatch(t, ctx, suite.RawDB, seeded)

	repo := repository.NewBatchRepository(suite.DB)

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		batch, err := repo.TopUpByLotCode(ctx, tx, pharmacyID, productID, "LOT-MERGE", 10)
		require.NoError(t, err)
		assert.Equal(t, seeded.ID, batch.ID)
		assert.Equal(t, 50, batch.Quantity)
		// Top-up never rewrites the lot's cost
		require.True(t, batch.UnitCost.Valid)
		assert.True(t, batch.UnitCost.Decimal.Equal(decimal.RequireFromString("2")))
		return nil
	})

	// Unknown lot code
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		_, err := repo.TopUpByLotCode(ctx, tx, pharmacyID, productID, "LOT-NOPE", 10)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	})
}

func TestListAllocatable_FEFOOrderAndExclusions(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()

	late := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-LATE"), testutil.WithExpiry(time.Now().AddDate(0, 6, 0)))
	soon := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-SOON"), testutil.WithExpiry(time.Now().AddDate(0, 1, 0)))
	expired := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-EXPIRED"), testutil.Expired())
	drained := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-DRAINED"), testutil.WithQuantity(0))
	deleted := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-DELETED"), testutil.Inactive())

	for _, b := range []testutil.BatchFixture{late, soon, expired, drained, deleted} {
		testutil.InsertBatch(t, ctx, suite.RawDB, b)
	}

	repo := repository.NewBatchRepository(suite.DB)

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		batches, err := repo.ListAllocatable(ctx, tx, pharmacyID, productID, time.Now())
		require.NoError(t, err)
		// Only live, stocked, non-expired batches, soonest expiry first
		require.Len(t, batches, 2)
		assert.Equal(t, "LOT-SOON", batches[0].LotCode)
		assert.Equal(t, "LOT-LATE", batches[1].LotCode)
		return nil
	})
}

func TestSoftDelete(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()
	seeded := suite.Fixtures.Batch(pharmacyID, productID, testutil.WithQuantity(12))
	testutil.InsertBatch(t, ctx, suite.RawDB, seeded)

	repo := repository.NewBatchRepository(suite.DB)

	withTx(t, ctx, func(tx *sqlx.Tx) error {
		batch, err := repo.SoftDelete(ctx, tx, pharmacyID, seeded.ID)
		require.NoError(t, err)
		assert.Equal(t, 12, batch.Quantity)
		assert.False(t, batch.IsActive)
		return nil
	})

	// The row is still there for audit
	stored, err := repo.GetByID(ctx, pharmacyID, seeded.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	// Deleting twice fails: the first delete already deactivated it
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		_, err := repo.SoftDelete(ctx, tx, pharmacyID, seeded.ID)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	})
}

func TestSoftDelete_PharmacyScoped(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	ownerID := uuid.New().String()
	otherID := uuid.New().String()
	productID := uuid.New().String()
	seeded := suite.Fixtures.Batch(ownerID, productID)
	testutil.InsertBatch(t, ctx, suite.RawDB, seeded)

	repo := repository.NewBatchRepository(suite.DB)

	// Another pharmacy cannot touch the batch
	withTx(t, ctx, func(tx *sqlx.Tx) error {
		_, err := repo.SoftDelete(ctx, tx, otherID, seeded.ID)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	})

	stored, err := repo.GetByID(ctx, ownerID, seeded.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
}

func TestListExpiring(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()

	nearExpiry := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-NEAR"), testutil.WithExpiry(time.Now().AddDate(0, 0, 10)))
	farExpiry := suite.Fixtures.Batch(pharmacyID, productID,
		testutil.WithLotCode("LOT-FAR"), testutil.WithExpiry(time.Now().AddDate(1, 0, 0)))
	testutil.InsertBatch(t, ctx, suite.RawDB, nearExpiry)
	testutil.InsertBatch(t, ctx, suite.RawDB, farExpiry)

	repo := repository.NewBatchRepository(suite.DB)

	batches, err := repo.ListExpiring(ctx, pharmacyID, 30)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "LOT-NEAR", batches[0].LotCode)
}

func TestSumActiveQuantity(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	suite.Reset(t, ctx)

	pharmacyID := uuid.New().String()
	productID := uuid.New().String()

	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, productID, testutil.WithQuantity(5)))
	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, productID, testutil.WithQuantity(3), testutil.Expired()))
	testutil.InsertBatch(t, ctx, suite.RawDB, suite.Fixtures.Batch(pharmacyID, productID, testutil.WithQuantity(9), testutil.Inactive()))

	repo := repository.NewBatchRepository(suite.DB)

	// Expired counts, soft-deleted does not
	total, err := repo.SumActiveQuantity(ctx, pharmacyID, productID)
	require.NoError(t, err)
	assert.Equal(t, 8, total)

	// No batches at all
	total, err = repo.SumActiveQuantity(ctx, pharmacyID, uuid.New().String())
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
