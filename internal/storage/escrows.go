package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
	"github.com/klingon-exchange/fusion-escrow/internal/hashlock"
	"github.com/klingon-exchange/fusion-escrow/pkg/helpers"
)

const escrowColumns = `
	id, hashlock, icp_timelock, evm_timelock, finality_buffer, coordination_buffer,
	token, amount, safety_deposit, depositor, recipient, state,
	foreign_params, foreign_ref, created_at, updated_at`

// Insert stores a new escrow. It fails with ErrEscrowExists if the id is taken.
func (s *Storage) Insert(e *escrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertEscrow(s.db, e)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertEscrow(db execer, e *escrow.Record) error {
	var foreign sql.NullString
	if e.Foreign != nil {
		data, err := json.Marshal(e.Foreign)
		if err != nil {
			return fmt.Errorf("failed to encode foreign params: %w", err)
		}
		foreign = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT INTO escrows (` + escrowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Exec(query,
		e.ID,
		helpers.BytesToHex(e.Hashlock[:]),
		unixNanoOrZero(e.Timelocks.ICPTimelock),
		unixNanoOrZero(e.Timelocks.EVMTimelock),
		int64(e.Timelocks.FinalityBuffer),
		int64(e.Timelocks.CoordinationBuffer),
		e.Token,
		int64(e.Amount),
		int64(e.SafetyDeposit),
		e.Depositor,
		e.Recipient,
		string(e.State),
		foreign,
		nullIfEmpty(e.ForeignRef),
		unixNanoOrZero(e.CreatedAt),
		unixNanoOrZero(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrEscrowExists, e.ID)
		}
		return err
	}
	return nil
}

// Get retrieves an escrow by id.
func (s *Storage) Get(id string) (*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)
	rec, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, id)
	}
	return rec, err
}

// UpdateState moves an escrow from one state to another. It fails with
// ErrStateConflict when the stored state is not from.
func (s *Storage) UpdateState(id string, from, to escrow.State, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE escrows
		SET state = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND state = ?
	`

	result, err := s.db.Exec(query, string(to), at.UnixNano(), id, string(from))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var current string
		err := s.db.QueryRow(`SELECT state FROM escrows WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrEscrowNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, id, current, from)
	}

	return nil
}

// UpdateForeignReference records the foreign escrow reference. A reference
// can be set once; setting the same value again is a no-op.
func (s *Storage) UpdateForeignReference(id, ref string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref == "" {
		return errors.New("empty foreign reference")
	}

	query := `
		UPDATE escrows
		SET foreign_ref = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND (foreign_ref IS NULL OR foreign_ref = '')
	`

	result, err := s.db.Exec(query, ref, at.UnixNano(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var current sql.NullString
		err := s.db.QueryRow(`SELECT foreign_ref FROM escrows WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrEscrowNotFound, id)
		}
		if err != nil {
			return err
		}
		if current.String == ref {
			return nil
		}
		return fmt.Errorf("%w: %s has %s", ErrForeignRefSet, id, current.String)
	}

	return nil
}

// ListByState returns escrows in the given state, oldest first.
func (s *Storage) ListByState(state escrow.State) ([]*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+escrowColumns+` FROM escrows WHERE state = ? ORDER BY created_at ASC, id ASC`,
		string(state),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEscrows(rows)
}

// List returns the most recently updated escrows. A limit of 0 returns all.
func (s *Storage) List(limit int) ([]*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + escrowColumns + ` FROM escrows ORDER BY updated_at DESC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEscrows(rows)
}

// CountByState returns the number of escrows per state.
func (s *Storage) CountByState() (map[escrow.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM escrows GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[escrow.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[escrow.State(state)] = n
	}
	return counts, rows.Err()
}

// Helper functions

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row scanner) (*escrow.Record, error) {
	var e escrow.Record
	var hashHex, state string
	var icp, evm, finality, coordination, amount, safety, createdAt, updatedAt int64
	var foreign, foreignRef sql.NullString

	err := row.Scan(
		&e.ID,
		&hashHex,
		&icp,
		&evm,
		&finality,
		&coordination,
		&e.Token,
		&amount,
		&safety,
		&e.Depositor,
		&e.Recipient,
		&state,
		&foreign,
		&foreignRef,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	h, err := hashlock.ParseHashlock(hashHex)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", e.ID, err)
	}
	e.Hashlock = h
	e.Timelocks.ICPTimelock = timeFromUnixNano(icp)
	e.Timelocks.EVMTimelock = timeFromUnixNano(evm)
	e.Timelocks.FinalityBuffer = time.Duration(finality)
	e.Timelocks.CoordinationBuffer = time.Duration(coordination)
	e.Amount = uint64(amount)
	e.SafetyDeposit = uint64(safety)
	e.State = escrow.State(state)

	if foreign.Valid && foreign.String != "" {
		var fp escrow.ForeignParams
		if err := json.Unmarshal([]byte(foreign.String), &fp); err != nil {
			return nil, fmt.Errorf("escrow %s: failed to decode foreign params: %w", e.ID, err)
		}
		e.Foreign = &fp
	}
	if foreignRef.Valid {
		e.ForeignRef = foreignRef.String
	}

	e.CreatedAt = timeFromUnixNano(createdAt)
	e.UpdatedAt = timeFromUnixNano(updatedAt)

	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*escrow.Record, error) {
	var out []*escrow.Record
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
