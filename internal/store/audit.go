// ABOUTME: Lifecycle event append and query methods on the SQLite store
// ABOUTME: Event IDs are ULIDs so ordering by ID is ordering by time

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// tsLayout is fixed width so text comparison in SQL matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// AppendEvent appends a new entry to the lifecycle log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if !slices.Contains(ValidEventKinds, e.Kind) {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.Timestamp), ulid.DefaultEntropy()).String()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	var port *int
	if e.Port != 0 {
		port = &e.Port
	}

	query := `
		INSERT INTO lifecycle_events (event_id, kind, cwd, port, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.CWD,
		port,
		e.Timestamp.UTC().Format(tsLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting lifecycle event: %w", err)
	}

	s.logger.Debug("appended lifecycle event",
		"id", e.ID,
		"kind", e.Kind,
		"cwd", e.CWD,
	)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const eventsQuery = `
	SELECT event_id, kind, cwd, port, ts, detail_json
	FROM lifecycle_events
	WHERE (? IS NULL OR cwd = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY event_id DESC
	LIMIT ?
`

// ListEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var kind, since *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	if f.Since != nil {
		ts := f.Since.UTC().Format(tsLayout)
		since = &ts
	}

	rows, err := s.db.QueryContext(ctx, eventsQuery,
		f.CWD, f.CWD,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lifecycle events: %w", err)
	}
	return events, nil
}

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var kind, ts string
	var port sql.NullInt64
	var detailJSON sql.NullString

	if err := scanner.Scan(&e.ID, &kind, &e.CWD, &port, &ts, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning lifecycle event: %w", err)
	}

	e.Kind = EventKind(kind)
	e.Port = int(port.Int64)

	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON.Valid {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
