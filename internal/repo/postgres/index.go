package postgres

import (
	"context"
	"fmt"

	"github.com/basalt-labs/basalt-go/internal/repo"
)

// IndexStore keeps secondary-index rows in the index_entries table.
type IndexStore struct {
	db DB
}

func NewIndexStore(db DB) *IndexStore {
	return &IndexStore{db: db}
}

// buildIndexQuery matches the entry key itself or keys extending it past a
// "/" boundary, so "acme/widget" never picks up "acme/widgetpro" rows.
func buildIndexQuery(index, keyPrefix string, limit int) (string, []any) {
	query := `SELECT entry_key, sort_key, value
		 FROM index_entries
		 WHERE index_name = $1 AND (entry_key = $2 OR entry_key LIKE $3)
		 ORDER BY sort_key DESC, seq DESC`
	args := []any{index, keyPrefix, escapeLike(keyPrefix) + `/%`}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	return query, args
}

func (s *IndexStore) Query(ctx context.Context, index, keyPrefix string, limit int) ([]repo.IndexRow, error) {
	query, args := buildIndexQuery(index, keyPrefix, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index query %s: %w", index, err)
	}
	defer func() { _ = rows.Close() }()

	var out []repo.IndexRow
	for rows.Next() {
		var row repo.IndexRow
		var raw []byte
		if err := rows.Scan(&row.Key, &row.SortKey, &raw); err != nil {
			return nil, fmt.Errorf("index scan %s: %w", index, err)
		}
		if row.Value, err = decodeValue(raw); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index rows %s: %w", index, err)
	}
	return out, nil
}

func (s *IndexStore) Upsert(ctx context.Context, index, key, sortKey string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO index_entries (index_name, entry_key, sort_key, value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (index_name, entry_key, sort_key) DO UPDATE SET value = EXCLUDED.value`,
		index, key, sortKey, raw,
	)
	if err != nil {
		return fmt.Errorf("index upsert %s/%s: %w", index, key, err)
	}
	return nil
}

func (s *IndexStore) DeleteEntry(ctx context.Context, index, key string) error {
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM index_entries WHERE index_name = $1 AND entry_key = $2`,
		index, key,
	)
	if err != nil {
		return fmt.Errorf("index delete %s/%s: %w", index, key, err)
	}
	return nil
}

var _ repo.IndexStore = (*IndexStore)(nil)
