package repo

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by KVStore.Get for absent keys.
	ErrNotFound = errors.New("not found")
	// ErrCASConflict is returned when a create-once write finds its key
	// already present.
	ErrCASConflict = errors.New("key already exists")
)

// KVStore holds arbitrary keyed JSON documents grouped by doc name.
type KVStore interface {
	Get(ctx context.Context, doc, key string) (any, error)
	Put(ctx context.Context, doc, key string, value any) error
	// CASPut with ifAbsent succeeds only when the key does not exist yet
	// and reports whether the write was applied.
	CASPut(ctx context.Context, doc, key string, value any, ifAbsent bool) (bool, error)
	Delete(ctx context.Context, doc, key string) error
}

// IndexRow is one secondary-index entry. Rows are identified by
// (index, key, sort key); Query returns them in descending sort order.
type IndexRow struct {
	Key     string
	SortKey string
	Value   any
}

type IndexStore interface {
	// Query returns rows whose entry key equals keyPrefix or extends it past
	// a "/" separator. Keys sharing only a character prefix do not match.
	Query(ctx context.Context, index, keyPrefix string, limit int) ([]IndexRow, error)
	Upsert(ctx context.Context, index, key, sortKey string, value any) error
	// DeleteEntry removes every row under the given entry key.
	DeleteEntry(ctx context.Context, index, key string) error
}

type StagedBackend string

const (
	StagedKV    StagedBackend = "kv"
	StagedIndex StagedBackend = "index"
)

// StagedWrite is one pending mutation held by an open transaction.
// Doc is the KV doc name or the index name depending on Backend.
type StagedWrite struct {
	Backend   StagedBackend
	Doc       string
	Key       string
	SortKey   string
	Value     any
	Tombstone bool
	IfAbsent  bool
}

// BatchApplier applies a transaction's staged writes atomically: either all
// writes land or none do. An IfAbsent write whose key exists fails the whole
// batch with ErrCASConflict.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, writes []StagedWrite) error
}
