package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/basalt-labs/basalt-go/internal/repo"
	"github.com/basalt-labs/basalt-go/internal/repo/memory"
)

func kvWrite(key string, value any) repo.StagedWrite {
	return repo.StagedWrite{Backend: repo.StagedKV, Doc: "artifact_meta", Key: key, Value: value}
}

func TestSerializableCommitConflict(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store)
	ctx := context.Background()

	t1 := coord.Begin(IsolationSerializable)
	t2 := coord.Begin(IsolationSerializable)
	t1.Stage(kvWrite("k", map[string]any{"writer": "t1"}))
	t2.Stage(kvWrite("k", map[string]any{"writer": "t2"}))

	if err := coord.Commit(ctx, t1); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	err := coord.Commit(ctx, t2)
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeTxnConflict {
		t.Fatalf("second commit err = %v, want TXN_CONFLICT", err)
	}

	// The loser's write must not have landed.
	v, err := store.Get(ctx, "artifact_meta", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(map[string]any)["writer"] != "t1" {
		t.Fatalf("value = %#v", v)
	}
}

func TestSerializableDisjointKeysCommit(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store)
	ctx := context.Background()

	t1 := coord.Begin(IsolationSerializable)
	t2 := coord.Begin(IsolationSerializable)
	t1.Stage(kvWrite("a", 1))
	t2.Stage(kvWrite("b", 2))

	if err := coord.Commit(ctx, t1); err != nil {
		t.Fatalf("commit t1: %v", err)
	}
	if err := coord.Commit(ctx, t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}
}

func TestReadCommittedLastWriterWins(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store)
	ctx := context.Background()

	t1 := coord.Begin(IsolationReadCommitted)
	t2 := coord.Begin(IsolationReadCommitted)
	t1.Stage(kvWrite("k", "first"))
	t2.Stage(kvWrite("k", "second"))

	if err := coord.Commit(ctx, t1); err != nil {
		t.Fatalf("commit t1: %v", err)
	}
	if err := coord.Commit(ctx, t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}
	v, err := store.Get(ctx, "artifact_meta", "k")
	if err != nil || v != "second" {
		t.Fatalf("v=%v err=%v", v, err)
	}
}

func TestCommitAtomicityOnCASFailure(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store)
	ctx := context.Background()

	if err := store.Put(ctx, "artifact_meta", "existing", "old"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn := coord.Begin(IsolationSerializable)
	txn.Stage(kvWrite("fresh", "new"))
	txn.Stage(repo.StagedWrite{
		Backend: repo.StagedKV, Doc: "artifact_meta", Key: "existing", Value: "clobber", IfAbsent: true,
	})

	err := coord.Commit(ctx, txn)
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeCASConflict {
		t.Fatalf("err = %v, want CAS_CONFLICT", err)
	}

	// Neither write of the failed batch is visible.
	if _, err := store.Get(ctx, "artifact_meta", "fresh"); err == nil {
		t.Fatal("partial batch applied")
	}
	v, _ := store.Get(ctx, "artifact_meta", "existing")
	if v != "old" {
		t.Fatalf("existing = %v", v)
	}
}

func TestStagedKVReadsLatestWrite(t *testing.T) {
	txn := &Txn{}
	txn.Stage(kvWrite("k", "v1"))
	txn.Stage(kvWrite("k", "v2"))
	txn.Stage(repo.StagedWrite{Backend: repo.StagedKV, Doc: "artifact_meta", Key: "gone", Tombstone: true})

	v, tombstone, staged := txn.StagedKV("artifact_meta", "k")
	if !staged || tombstone || v != "v2" {
		t.Fatalf("v=%v tombstone=%v staged=%v", v, tombstone, staged)
	}
	_, tombstone, staged = txn.StagedKV("artifact_meta", "gone")
	if !staged || !tombstone {
		t.Fatalf("tombstone=%v staged=%v", tombstone, staged)
	}
	if _, _, staged = txn.StagedKV("artifact_meta", "absent"); staged {
		t.Fatal("absent key reported as staged")
	}
}

func TestParseIsolation(t *testing.T) {
	if iso, err := ParseIsolation(""); err != nil || iso != IsolationSerializable {
		t.Fatalf("default isolation = %v, %v", iso, err)
	}
	if _, err := ParseIsolation("eventual"); err == nil {
		t.Fatal("expected error for unknown isolation")
	}
}

func TestCoordinatorPrunesCommitHistory(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store)
	ctx := context.Background()

	// While an older transaction is still in flight, history behind it must
	// survive so its conflicts are still detected.
	t1 := coord.Begin(IsolationSerializable)
	t2 := coord.Begin(IsolationSerializable)
	t1.Stage(kvWrite("k", 1))
	t2.Stage(kvWrite("k", 2))
	if err := coord.Commit(ctx, t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}
	coord.mu.Lock()
	kept := len(coord.lastCommit)
	coord.mu.Unlock()
	if kept == 0 {
		t.Fatal("commit history pruned while an older transaction was open")
	}

	err := coord.Commit(ctx, t1)
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeTxnConflict {
		t.Fatalf("t1 commit err = %v, want TXN_CONFLICT", err)
	}

	// With nothing in flight, the history map drains instead of growing for
	// the life of the process.
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.lastCommit) != 0 {
		t.Fatalf("lastCommit entries = %d, want 0", len(coord.lastCommit))
	}
	if len(coord.active) != 0 {
		t.Fatalf("active transactions = %d, want 0", len(coord.active))
	}
}

func TestAbortReleasesTransaction(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store)
	ctx := context.Background()

	t1 := coord.Begin(IsolationSerializable)
	t1.Stage(kvWrite("k", 1))
	t2 := coord.Begin(IsolationSerializable)
	t2.Stage(kvWrite("other", 2))
	coord.Abort(t1)
	if err := coord.Commit(ctx, t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.active) != 0 {
		t.Fatalf("active transactions = %d, want 0", len(coord.active))
	}
	if len(coord.lastCommit) != 0 {
		t.Fatalf("lastCommit entries = %d, want 0", len(coord.lastCommit))
	}
}
