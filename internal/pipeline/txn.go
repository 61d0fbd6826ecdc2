package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basalt-labs/basalt-go/internal/repo"
)

type Isolation string

const (
	IsolationSerializable   Isolation = "serializable"
	IsolationRepeatableRead Isolation = "repeatable_read"
	IsolationReadCommitted  Isolation = "read_committed"
)

func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(s) {
	case IsolationSerializable, IsolationRepeatableRead, IsolationReadCommitted:
		return Isolation(s), nil
	case "":
		return IsolationSerializable, nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
}

// Txn accumulates KV and Index mutations without touching the backends.
// Writes land atomically on commit or vanish on abort. Blob writes are not
// staged here; content addressing makes them safe to apply immediately.
type Txn struct {
	isolation Isolation
	startSeq  uint64
	writes    []repo.StagedWrite
}

func (t *Txn) Stage(w repo.StagedWrite) {
	t.writes = append(t.writes, w)
}

// StagedKV returns the latest staged state of a KV key inside this
// transaction, for read-your-writes lookups. The second result reports
// whether the key was staged at all; a staged tombstone yields (nil, true,
// true).
func (t *Txn) StagedKV(doc, key string) (value any, tombstone, staged bool) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		if w.Backend == repo.StagedKV && w.Doc == doc && w.Key == key {
			return w.Value, w.Tombstone, true
		}
	}
	return nil, false, false
}

// Coordinator orders transaction commits. Under serializable isolation it
// rejects a commit whose keys were committed by anyone after the
// transaction began; repeatable_read and read_committed relax to
// last-writer-wins.
type Coordinator struct {
	applier repo.BatchApplier

	mu         sync.Mutex
	commitSeq  uint64
	lastCommit map[string]uint64
	active     map[*Txn]uint64
}

func NewCoordinator(applier repo.BatchApplier) *Coordinator {
	return &Coordinator{
		applier:    applier,
		lastCommit: make(map[string]uint64),
		active:     make(map[*Txn]uint64),
	}
}

func (c *Coordinator) Begin(isolation Isolation) *Txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Txn{isolation: isolation, startSeq: c.commitSeq}
	c.active[t] = t.startSeq
	return t
}

func (c *Coordinator) Commit(ctx context.Context, t *Txn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.release(t)

	if t.isolation == IsolationSerializable {
		for _, w := range t.writes {
			if c.lastCommit[writeKey(w)] > t.startSeq {
				return Errorf(CodeTxnConflict, statusFor(CodeTxnConflict),
					"write-write conflict on %s", writeKey(w))
			}
		}
	}

	if err := c.applier.ApplyBatch(ctx, t.writes); err != nil {
		if errors.Is(err, repo.ErrCASConflict) {
			return Errorf(CodeCASConflict, statusFor(CodeCASConflict), "key already exists")
		}
		return fmt.Errorf("apply transaction: %w", err)
	}

	c.commitSeq++
	for _, w := range t.writes {
		c.lastCommit[writeKey(w)] = c.commitSeq
	}
	return nil
}

// Abort discards the transaction. Nothing reached the backends, so there is
// nothing to undo.
func (c *Coordinator) Abort(t *Txn) {
	t.writes = nil
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(t)
}

// release drops the transaction from the in-flight set and prunes lastCommit
// entries no remaining transaction can conflict with. A conflict needs
// startSeq < commit seq, so entries at or below the oldest in-flight start
// are dead weight. Callers hold c.mu.
func (c *Coordinator) release(t *Txn) {
	delete(c.active, t)
	if len(c.active) == 0 {
		clear(c.lastCommit)
		return
	}
	oldest := c.commitSeq
	for _, start := range c.active {
		if start < oldest {
			oldest = start
		}
	}
	for key, seq := range c.lastCommit {
		if seq <= oldest {
			delete(c.lastCommit, key)
		}
	}
}

func writeKey(w repo.StagedWrite) string {
	return string(w.Backend) + "/" + w.Doc + "/" + w.Key
}
