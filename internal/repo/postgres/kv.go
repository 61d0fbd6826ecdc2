package postgres

import (
	"context"
	"fmt"

	"github.com/basalt-labs/basalt-go/internal/repo"
)

// KVStore stores keyed JSON documents in the kv_entries table.
type KVStore struct {
	db DB
}

func NewKVStore(db DB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Get(ctx context.Context, doc, key string) (any, error) {
	var raw []byte
	err := s.db.QueryRowContext(
		ctx,
		`SELECT value FROM kv_entries WHERE doc = $1 AND key = $2`,
		doc, key,
	).Scan(&raw)
	if err != nil {
		return nil, handleNotFound(err)
	}
	return decodeValue(raw)
}

func (s *KVStore) Put(ctx context.Context, doc, key string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO kv_entries (doc, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (doc, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		doc, key, raw,
	)
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", doc, key, err)
	}
	return nil
}

func (s *KVStore) CASPut(ctx context.Context, doc, key string, value any, ifAbsent bool) (bool, error) {
	if !ifAbsent {
		if err := s.Put(ctx, doc, key, value); err != nil {
			return false, err
		}
		return true, nil
	}
	raw, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO kv_entries (doc, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (doc, key) DO NOTHING`,
		doc, key, raw,
	)
	if err != nil {
		return false, fmt.Errorf("kv cas put %s/%s: %w", doc, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv cas put %s/%s: %w", doc, key, err)
	}
	return affected == 1, nil
}

func (s *KVStore) Delete(ctx context.Context, doc, key string) error {
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM kv_entries WHERE doc = $1 AND key = $2`,
		doc, key,
	)
	if err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", doc, key, err)
	}
	return nil
}

var _ repo.KVStore = (*KVStore)(nil)
