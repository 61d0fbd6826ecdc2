package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ExecQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresAppender writes events into the registry_events table.
type PostgresAppender struct {
	db ExecQueryer
}

func NewPostgresAppender(db ExecQueryer) *PostgresAppender {
	return &PostgresAppender{db: db}
}

func (a *PostgresAppender) Append(ctx context.Context, event Event) error {
	if a.db == nil {
		return errors.New("db is required")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payloadJSON, err := marshalPayload(event)
	if err != nil {
		return err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}

	var requestID sql.NullString
	if strings.TrimSpace(event.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(event.RequestID), Valid: true}
	}

	_, err = a.db.ExecContext(
		ctx,
		`INSERT INTO registry_events (
			event_id,
			occurred_at,
			event_type,
			actor,
			request_id,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		event.EventID,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.EventType),
		strings.TrimSpace(event.Actor),
		requestID,
		payloadJSON,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert registry event: %w", err)
	}
	return nil
}

var _ Appender = (*PostgresAppender)(nil)
