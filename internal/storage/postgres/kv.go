package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cory-johannsen/flyingchess/internal/registry"
)

// KVStore implements registry.KVStore over the registry_entries table.
type KVStore struct {
	db *Pool
}

var _ registry.KVStore = (*KVStore)(nil)

// NewKVStore returns a KVStore backed by pool.
//
// Precondition: pool must be connected and migrated.
func NewKVStore(pool *Pool) *KVStore {
	return &KVStore{db: pool}
}

// Get returns the value stored under key.
//
// Postcondition: Returns an error wrapping registry.ErrKeyNotFound when key is absent.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.DB().QueryRow(ctx,
		`SELECT value FROM registry_entries WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", registry.ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Put inserts or replaces the value under key.
//
// Precondition: value must be a JSON document.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.DB().Exec(ctx, `
		INSERT INTO registry_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.DB().Exec(ctx, `DELETE FROM registry_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns every entry whose key starts with prefix.
func (s *KVStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.DB().Query(ctx,
		`SELECT key, value FROM registry_entries WHERE starts_with(key, $1)`, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return out, nil
}
