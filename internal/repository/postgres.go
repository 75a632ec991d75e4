package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const documentsSchema = `
	CREATE TABLE IF NOT EXISTS documents (
		key        TEXT PRIMARY KEY,
		data       JSONB NOT NULL,
		version    BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

const upsertDocument = `
	INSERT INTO documents (key, data)
	VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE
	SET data = EXCLUDED.data,
		version = documents.version + 1,
		updated_at = now()
`

// PostgresStore keeps documents as JSONB rows. Transactions run at
// SERIALIZABLE isolation; serialization failures are retried.
type PostgresStore struct {
	db          *pgxpool.Pool
	maxAttempts int
}

// NewPostgresStore creates a new document store on the pool
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, maxAttempts: defaultMaxAttempts}
}

// Migrate creates the documents table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, documentsSchema); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Get retrieves a document by key
func (s *PostgresStore) Get(ctx context.Context, key string, dst any) error {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM documents WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Set overwrites a document
func (s *PostgresStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if _, err := s.db.Exec(ctx, upsertDocument, key, data); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Transact runs fn inside a serializable transaction
func (s *PostgresStore) Transact(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.transactOnce(ctx, fn)
		if isRetryable(err) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) transactOnce(ctx context.Context, fn func(tx Txn) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// isRetryable reports whether err means the transaction lost a race and
// was rolled back
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"23505": // unique_violation
		return true
	}
	return false
}

type pgTxn struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTxn) Get(ctx context.Context, key string, dst any) (bool, error) {
	var data []byte
	err := t.tx.QueryRow(ctx, `SELECT data FROM documents WHERE key = $1 FOR UPDATE`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (t *pgTxn) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if _, err := t.tx.Exec(t.ctx, upsertDocument, key, data); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}
