package repository_test

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
	"github.com/stretchr/testify/require"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		// Integration-only package; every test skips itself in short mode,
		// so don't pay for the container.
		os.Exit(m.Run())
	}

	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Fatalf("failed to create integration suite: %v", err)
	}

	code := m.Run()
	testutil.TerminateContainer(ctx)
	os.Exit(code)
}

// withTx runs fn inside a committed transaction
func withTx(t *testing.T, ctx context.Context, fn func(tx *sqlx.Tx) error) {
	t.Helper()
	tx, err := suite.DB.BeginTxx(ctx, nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("transaction body failed: %v", err)
	}
	require.NoError(t, tx.Commit())
}
