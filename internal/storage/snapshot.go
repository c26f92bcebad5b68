package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
	"github.com/klingon-exchange/fusion-escrow/internal/timelock"
)

// ErrUnsupportedSnapshot is returned when importing an unknown snapshot version.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

// Export returns every escrow and event.
func (s *Storage) Export() (*escrow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT ` + escrowColumns + ` FROM escrows ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	escrows, err := scanEscrows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = tx.Query(`SELECT id, escrow_id, kind, state, details, at FROM escrow_events ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	return &escrow.Snapshot{
		Version:    escrow.SnapshotVersion,
		ExportedAt: time.Now().UTC(),
		Escrows:    escrows,
		Events:     events,
	}, nil
}

// Import restores a snapshot. Every record must carry coordinated
// timelocks. Records already present must be identical; events already
// present are skipped. Nothing is written if any record is rejected.
func (s *Storage) Import(snap *escrow.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if snap.Version != escrow.SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range snap.Escrows {
		tl := rec.Timelocks
		if err := timelock.ValidateCoordination(tl.ICPTimelock, tl.EVMTimelock, tl.TotalBuffer()); err != nil {
			return fmt.Errorf("escrow %s: %w", rec.ID, err)
		}

		row := tx.QueryRow(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, rec.ID)
		existing, err := scanEscrow(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := insertEscrow(tx, rec); err != nil {
				return fmt.Errorf("escrow %s: %w", rec.ID, err)
			}
		case err != nil:
			return err
		case !sameRecord(existing, rec):
			return fmt.Errorf("%w: %s differs from the stored record", ErrEscrowExists, rec.ID)
		}
	}

	for _, ev := range snap.Events {
		if ev.ID == "" {
			return fmt.Errorf("event for %s has no id", ev.EscrowID)
		}
		if _, err := insertEvent(tx, ev, true); err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
	}

	return tx.Commit()
}

func sameRecord(a, b *escrow.Record) bool {
	if a.ID != b.ID || a.Hashlock != b.Hashlock || a.State != b.State ||
		a.Token != b.Token || a.Amount != b.Amount || a.SafetyDeposit != b.SafetyDeposit ||
		a.Depositor != b.Depositor || a.Recipient != b.Recipient || a.ForeignRef != b.ForeignRef {
		return false
	}
	if !sameForeign(a.Foreign, b.Foreign) {
		return false
	}
	at, bt := a.Timelocks, b.Timelocks
	return at.ICPTimelock.Equal(bt.ICPTimelock) &&
		at.EVMTimelock.Equal(bt.EVMTimelock) &&
		at.FinalityBuffer == bt.FinalityBuffer &&
		at.CoordinationBuffer == bt.CoordinationBuffer
}

func sameForeign(a, b *escrow.ForeignParams) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ChainID != b.ChainID || a.Receiver != b.Receiver || a.Token != b.Token {
		return false
	}
	if a.Amount == nil || b.Amount == nil {
		return a.Amount == b.Amount
	}
	return a.Amount.Cmp(b.Amount) == 0
}
