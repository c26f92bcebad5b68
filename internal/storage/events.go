package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
)

// AppendEvent adds an entry to an escrow's audit trail. An empty event id is
// replaced with a new UUID.
func (s *Storage) AppendEvent(ev *escrow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := insertEvent(s.db, ev, false)
	return err
}

func insertEvent(db execer, ev *escrow.Event, ignoreDuplicate bool) (bool, error) {
	var details sql.NullString
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return false, fmt.Errorf("failed to encode event details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	verb := "INSERT"
	if ignoreDuplicate {
		verb = "INSERT OR IGNORE"
	}
	result, err := db.Exec(verb+` INTO escrow_events (id, escrow_id, kind, state, details, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EscrowID, string(ev.Kind), string(ev.State), details, unixNanoOrZero(ev.At),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEvents returns the audit trail of one escrow in insertion order.
func (s *Storage) ListEvents(escrowID string) ([]*escrow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, escrow_id, kind, state, details, at
		FROM escrow_events WHERE escrow_id = ? ORDER BY seq ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*escrow.Event, error) {
	var out []*escrow.Event
	for rows.Next() {
		var ev escrow.Event
		var kind, state string
		var details sql.NullString
		var at int64
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &kind, &state, &details, &at); err != nil {
			return nil, err
		}
		ev.Kind = escrow.EventKind(kind)
		ev.State = escrow.State(state)
		ev.At = timeFromUnixNano(at)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("event %s: failed to decode details: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
