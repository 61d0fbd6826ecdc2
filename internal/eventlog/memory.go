package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAppender collects events in order, for tests and local runs.
type MemoryAppender struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryAppender() *MemoryAppender {
	return &MemoryAppender{}
}

func (a *MemoryAppender) Append(ctx context.Context, event Event) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *MemoryAppender) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

var _ Appender = (*MemoryAppender)(nil)
