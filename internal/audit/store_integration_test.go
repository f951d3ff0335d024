//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func TestStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cryptoquery"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, dsn, Options{Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	version, err := Migrate(store.DB().DB().DB)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	// a second run is a no-op
	_, err = Migrate(store.DB().DB().DB)
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	v := 101.25
	for i, r := range []Record{
		{ID: uuid.NewString(), Query: "old", State: "failed", ErrorKind: "deployment_error", StartedAt: base.Add(-time.Hour)},
		{ID: uuid.NewString(), Query: "new", State: "completed", Result: &v, Strategy: "direct_run", StartedAt: base},
	} {
		require.NoError(t, store.Insert(ctx, r), i)
	}

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Query)
	require.NotNil(t, got[0].Result)
	assert.Equal(t, v, *got[0].Result)
	assert.Equal(t, "old", got[1].Query)
	assert.Nil(t, got[1].Result)
}
