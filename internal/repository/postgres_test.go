package repository_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"together-backend/internal/repository"
)

func setupPostgresStore(t *testing.T) *repository.PostgresStore {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgx.Connect(ctx, databaseURL)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(context.Background())
	})

	config, err := pgxpool.ParseConfig(databaseURL)
	require.NoError(t, err)
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+schema)
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)

	store := repository.NewPostgresStore(pool)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	var doc counterDoc
	assert.ErrorIs(t, store.Get(ctx, "missing", &doc), repository.ErrNotFound)

	require.NoError(t, store.Set(ctx, "doc", counterDoc{Value: 3}))
	require.NoError(t, store.Get(ctx, "doc", &doc))
	assert.Equal(t, 3, doc.Value)
}

func TestPostgresStoreTransactConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transact(ctx, func(tx repository.Txn) error {
				var doc counterDoc
				if _, err := tx.Get(ctx, "counter", &doc); err != nil {
					return err
				}
				doc.Value++
				return tx.Put("counter", doc)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var doc counterDoc
	require.NoError(t, store.Get(ctx, "counter", &doc))
	assert.Equal(t, writers, doc.Value)
}
