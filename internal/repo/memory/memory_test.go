package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basalt-labs/basalt-go/internal/repo"
)

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := NewStore()
	if _, err := s.Get(context.Background(), "artifact_meta", "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestPutGetRoundTripsJSONTypes(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if err := s.Put(ctx, "artifact_meta", "k", map[string]any{"size": 42}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "artifact_meta", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("got %T", got)
	}
	// JSON round-trip makes numbers float64, same as the postgres backend.
	if m["size"] != float64(42) {
		t.Fatalf("size=%v (%T)", m["size"], m["size"])
	}
}

func TestCASPutCreateOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	applied, err := s.CASPut(ctx, "artifact_meta", "k", "v1", true)
	if err != nil || !applied {
		t.Fatalf("first CASPut applied=%v err=%v", applied, err)
	}
	applied, err = s.CASPut(ctx, "artifact_meta", "k", "v2", true)
	if err != nil {
		t.Fatalf("second CASPut err=%v", err)
	}
	if applied {
		t.Fatalf("second CASPut should not apply")
	}

	got, _ := s.Get(ctx, "artifact_meta", "k")
	if got != "v1" {
		t.Fatalf("value=%v, want v1", got)
	}
}

func TestCASPutConcurrentExactlyOneWins(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.CASPut(ctx, "artifact_meta", "k", "v", true)
			if err != nil {
				t.Errorf("CASPut: %v", err)
				return
			}
			results <- applied
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for applied := range results {
		if applied {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d, want exactly 1", wins)
	}
}

func TestQueryPrefixOrdering(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.10.0", "1.9.0"} {
		if err := s.Upsert(ctx, "artifact_versions", "acme/widget", repo.VersionSortKey(v), map[string]any{"version": v}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := s.Upsert(ctx, "artifact_versions", "acme/gadget", repo.VersionSortKey("9.0.0"), map[string]any{"version": "9.0.0"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := s.Query(ctx, "artifact_versions", "acme/widget", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d, want 3", len(rows))
	}
	first := rows[0].Value.(map[string]any)
	if first["version"] != "1.10.0" {
		t.Fatalf("latest=%v, want 1.10.0", first["version"])
	}

	rows, err = s.Query(ctx, "artifact_versions", "acme/widget", 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("limited rows=%d err=%v", len(rows), err)
	}
}

func TestQueryStopsAtKeyBoundary(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, "artifact_versions", "acme/widget", repo.VersionSortKey("1.0.0"), map[string]any{"version": "1.0.0"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, "artifact_versions", "acme/widgetpro", repo.VersionSortKey("9.9.9"), map[string]any{"version": "9.9.9"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := s.Query(ctx, "artifact_versions", "acme/widget", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "acme/widget" {
		t.Fatalf("rows=%v, want only acme/widget", rows)
	}
	if v := rows[0].Value.(map[string]any)["version"]; v != "1.0.0" {
		t.Fatalf("version=%v leaked from a neighboring key", v)
	}

	// A namespace query still sees both packages through the separator.
	rows, err = s.Query(ctx, "artifact_versions", "acme", 0)
	if err != nil || len(rows) != 2 {
		t.Fatalf("namespace rows=%d err=%v", len(rows), err)
	}
}

func TestUpsertSameSortKeyReplaces(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_ = s.Upsert(ctx, "idx", "k", "s", "old")
	_ = s.Upsert(ctx, "idx", "k", "s", "new")
	rows, _ := s.Query(ctx, "idx", "k", 0)
	if len(rows) != 1 || rows[0].Value != "new" {
		t.Fatalf("rows=%v", rows)
	}
}

func TestApplyBatchAtomicOnConflict(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if err := s.Put(ctx, "artifact_meta", "existing", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	err := s.ApplyBatch(ctx, []repo.StagedWrite{
		{Backend: repo.StagedKV, Doc: "artifact_meta", Key: "new", Value: "v"},
		{Backend: repo.StagedKV, Doc: "artifact_meta", Key: "existing", Value: "v2", IfAbsent: true},
	})
	if !errors.Is(err, repo.ErrCASConflict) {
		t.Fatalf("err=%v, want ErrCASConflict", err)
	}

	// Nothing from the failed batch may be visible.
	if _, err := s.Get(ctx, "artifact_meta", "new"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("staged write leaked after failed batch")
	}
}

func TestApplyBatchAppliesKVAndIndex(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.ApplyBatch(ctx, []repo.StagedWrite{
		{Backend: repo.StagedKV, Doc: "artifact_meta", Key: "a", Value: map[string]any{"x": 1}, IfAbsent: true},
		{Backend: repo.StagedIndex, Doc: "artifact_versions", Key: "acme/widget", SortKey: "s", Value: "row"},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if _, err := s.Get(ctx, "artifact_meta", "a"); err != nil {
		t.Fatalf("kv write missing: %v", err)
	}
	rows, _ := s.Query(ctx, "artifact_versions", "acme/widget", 0)
	if len(rows) != 1 {
		t.Fatalf("index write missing")
	}
}

func TestApplyBatchTombstones(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_ = s.Put(ctx, "artifact_meta", "a", "v")
	_ = s.Upsert(ctx, "idx", "k", "s", "row")

	err := s.ApplyBatch(ctx, []repo.StagedWrite{
		{Backend: repo.StagedKV, Doc: "artifact_meta", Key: "a", Tombstone: true},
		{Backend: repo.StagedIndex, Doc: "idx", Key: "k", Tombstone: true},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if _, err := s.Get(ctx, "artifact_meta", "a"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("kv tombstone not applied")
	}
	rows, _ := s.Query(ctx, "idx", "k", 0)
	if len(rows) != 0 {
		t.Fatalf("index tombstone not applied")
	}
}
