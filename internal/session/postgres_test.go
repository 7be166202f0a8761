package session

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"workflow-gateway/backend/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool, time.Minute)
	require.NoError(t, store.EnsureSchema(ctx))

	t.Run("Create and Get", func(t *testing.T) {
		created, err := store.Create(ctx, models.ChannelAPI, map[string]string{"k": "v"})
		require.NoError(t, err)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, models.ChannelAPI, got.OriginatingChannel)
		assert.Empty(t, got.State)
		assert.Equal(t, "v", got.Metadata["k"])
	})

	t.Run("Update and Touch", func(t *testing.T) {
		created, err := store.Create(ctx, models.ChannelCLI, nil)
		require.NoError(t, err)

		updated, err := store.Update(ctx, created.ID, func(state map[string]any) {
			state["step"] = "one"
		})
		require.NoError(t, err)
		assert.Equal(t, "one", updated.State["step"])

		require.NoError(t, store.Touch(ctx, created.ID))

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "one", got.State["step"])
	})

	t.Run("Delete", func(t *testing.T) {
		created, err := store.Create(ctx, models.ChannelTool, nil)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, created.ID))
		_, err = store.Get(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Expired session behaves as NotFound", func(t *testing.T) {
		shortStore := NewPostgresStore(pool, time.Millisecond)
		created, err := shortStore.Create(ctx, models.ChannelAPI, nil)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		_, err = shortStore.Get(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
