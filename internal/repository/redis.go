package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

var cborEnc = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("repository: cbor enc mode: %v", err))
	}
	return em
}

// RedisStore keeps documents as CBOR values in redis. Transactions use
// WATCH/MULTI/EXEC, so a transaction whose watched keys changed is re-run.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
}

// NewRedisStore creates a store on top of an existing client. Every key is
// stored under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		maxAttempts: defaultMaxAttempts,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Ping checks the redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get retrieves a document by key
func (s *RedisStore) Get(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := cbor.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Set overwrites a document
func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	data, err := cborEnc.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Transact runs fn under WATCH and commits its staged writes in one
// MULTI/EXEC block
func (s *RedisStore) Transact(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rt := &redisTxn{store: s, tx: tx, writes: make(map[string][]byte)}
			if err := fn(rt); err != nil {
				return err
			}
			if len(rt.writes) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for k, v := range rt.writes {
					pipe.Set(ctx, s.key(k), v, 0)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

type redisTxn struct {
	store  *RedisStore
	tx     *redis.Tx
	writes map[string][]byte
}

func (t *redisTxn) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, staged := t.writes[key]
	if !staged {
		full := t.store.key(key)
		// Watch before reading so a concurrent write between the read and
		// EXEC aborts the transaction.
		if err := t.tx.Watch(ctx, full).Err(); err != nil {
			return false, fmt.Errorf("failed to watch %s: %w", key, err)
		}
		var err error
		data, err = t.tx.Get(ctx, full).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, nil
			}
			return false, fmt.Errorf("failed to get %s: %w", key, err)
		}
	}
	if err := cbor.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (t *redisTxn) Put(key string, value any) error {
	data, err := cborEnc.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	t.writes[key] = data
	return nil
}
