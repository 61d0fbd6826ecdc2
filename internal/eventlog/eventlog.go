package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one append-only registry event. Events record what happened and
// who did it; they are never updated or deleted after insert.
type Event struct {
	EventID    string
	OccurredAt time.Time
	EventType  string
	Actor      string
	RequestID  string
	Payload    any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errors.New("EventType is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	return nil
}

// Appender records events. Append failures must not fail the request that
// produced the event; callers log and continue.
type Appender interface {
	Append(ctx context.Context, event Event) error
}

// ComputeIntegritySHA256 hashes the canonical JSON form of the event so a
// later audit can detect row tampering.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		EventType  string          `json:"event_type"`
		Actor      string          `json:"actor"`
		RequestID  string          `json:"request_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		EventType:  strings.TrimSpace(event.EventType),
		Actor:      strings.TrimSpace(event.Actor),
		RequestID:  strings.TrimSpace(event.RequestID),
		Payload:    payloadJSON,
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func marshalPayload(event Event) ([]byte, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return payloadJSON, nil
}
