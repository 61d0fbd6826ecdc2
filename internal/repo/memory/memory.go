package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basalt-labs/basalt-go/internal/repo"
)

type indexRow struct {
	key     string
	sortKey string
	seq     int64
	value   any
}

// Store is an in-process KV + index backend. Values round-trip through JSON
// so callers see the same value types (float64 numbers, map[string]any) as
// the postgres backend returns.
type Store struct {
	mu    sync.Mutex
	kv    map[string]map[string]any
	index map[string][]indexRow
	seq   int64
}

func NewStore() *Store {
	return &Store{
		kv:    make(map[string]map[string]any),
		index: make(map[string][]indexRow),
	}
}

func clone(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, doc, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.kv[doc][key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(value)
}

func (s *Store) Put(ctx context.Context, doc, key string, value any) error {
	cloned, err := clone(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(doc, key, cloned)
	return nil
}

func (s *Store) putLocked(doc, key string, value any) {
	m, ok := s.kv[doc]
	if !ok {
		m = make(map[string]any)
		s.kv[doc] = m
	}
	m[key] = value
}

func (s *Store) CASPut(ctx context.Context, doc, key string, value any, ifAbsent bool) (bool, error) {
	cloned, err := clone(value)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ifAbsent {
		if _, exists := s.kv[doc][key]; exists {
			return false, nil
		}
	}
	s.putLocked(doc, key, cloned)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, doc, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv[doc], key)
	return nil
}

func (s *Store) Query(ctx context.Context, index, keyPrefix string, limit int) ([]repo.IndexRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]indexRow, 0)
	for _, row := range s.index[index] {
		// Match the key itself or a key extending it past a "/" boundary;
		// "acme/widget" must not pick up "acme/widgetpro" rows.
		if row.key == keyPrefix || strings.HasPrefix(row.key, keyPrefix+"/") {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].sortKey != matched[j].sortKey {
			return matched[i].sortKey > matched[j].sortKey
		}
		return matched[i].seq > matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]repo.IndexRow, 0, len(matched))
	for _, row := range matched {
		value, err := clone(row.value)
		if err != nil {
			return nil, err
		}
		out = append(out, repo.IndexRow{Key: row.key, SortKey: row.sortKey, Value: value})
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, index, key, sortKey string, value any) error {
	cloned, err := clone(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(index, key, sortKey, cloned)
	return nil
}

func (s *Store) upsertLocked(index, key, sortKey string, value any) {
	rows := s.index[index]
	for i, row := range rows {
		if row.key == key && row.sortKey == sortKey {
			rows[i].value = value
			return
		}
	}
	s.seq++
	s.index[index] = append(rows, indexRow{key: key, sortKey: sortKey, seq: s.seq, value: value})
}

func (s *Store) DeleteEntry(ctx context.Context, index, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteIndexLocked(index, key)
	return nil
}

func (s *Store) deleteIndexLocked(index, key string) {
	rows := s.index[index]
	kept := rows[:0]
	for _, row := range rows {
		if row.key != key {
			kept = append(kept, row)
		}
	}
	s.index[index] = kept
}

// ApplyBatch applies staged writes under one lock acquisition: conflicts are
// checked up front so the batch is all-or-nothing.
func (s *Store) ApplyBatch(ctx context.Context, writes []repo.StagedWrite) error {
	prepared := make([]any, len(writes))
	for i, w := range writes {
		if w.Tombstone {
			continue
		}
		cloned, err := clone(w.Value)
		if err != nil {
			return err
		}
		prepared[i] = cloned
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if w.Backend == repo.StagedKV && w.IfAbsent && !w.Tombstone {
			if _, exists := s.kv[w.Doc][w.Key]; exists {
				return fmt.Errorf("kv %s/%s: %w", w.Doc, w.Key, repo.ErrCASConflict)
			}
		}
	}

	for i, w := range writes {
		switch w.Backend {
		case repo.StagedKV:
			if w.Tombstone {
				delete(s.kv[w.Doc], w.Key)
				continue
			}
			s.putLocked(w.Doc, w.Key, prepared[i])
		case repo.StagedIndex:
			if w.Tombstone {
				s.deleteIndexLocked(w.Doc, w.Key)
				continue
			}
			s.upsertLocked(w.Doc, w.Key, w.SortKey, prepared[i])
		default:
			return fmt.Errorf("unknown staged backend %q", w.Backend)
		}
	}
	return nil
}

var (
	_ repo.KVStore      = (*Store)(nil)
	_ repo.IndexStore   = (*Store)(nil)
	_ repo.BatchApplier = (*Store)(nil)
)
