package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basalt-labs/basalt-go/internal/repo"
)

// BatchApplier applies a transaction's staged writes inside one SQL
// transaction, giving all-or-nothing visibility across both tables.
type BatchApplier struct {
	db *sql.DB
}

func NewBatchApplier(db *sql.DB) *BatchApplier {
	return &BatchApplier{db: db}
}

func (a *BatchApplier) ApplyBatch(ctx context.Context, writes []repo.StagedWrite) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	kv := NewKVStore(tx)
	index := NewIndexStore(tx)

	for _, w := range writes {
		switch w.Backend {
		case repo.StagedKV:
			if w.Tombstone {
				if err := kv.Delete(ctx, w.Doc, w.Key); err != nil {
					return err
				}
				continue
			}
			applied, err := kv.CASPut(ctx, w.Doc, w.Key, w.Value, w.IfAbsent)
			if err != nil {
				return err
			}
			if !applied {
				return fmt.Errorf("kv %s/%s: %w", w.Doc, w.Key, repo.ErrCASConflict)
			}
		case repo.StagedIndex:
			if w.Tombstone {
				if err := index.DeleteEntry(ctx, w.Doc, w.Key); err != nil {
					return err
				}
				continue
			}
			if err := index.Upsert(ctx, w.Doc, w.Key, w.SortKey, w.Value); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown staged backend %q", w.Backend)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

var _ repo.BatchApplier = (*BatchApplier)(nil)
