package storage

import (
	"time"

	"github.com/klingon-exchange/fusion-escrow/internal/ledger"
)

// LoadBalances returns every stored ledger balance.
func (s *Storage) LoadBalances() ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT token, principal, amount FROM ledger_balances ORDER BY token, principal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		var b ledger.Balance
		var amount int64
		if err := rows.Scan(&b.Token, &b.Principal, &amount); err != nil {
			return nil, err
		}
		b.Amount = uint64(amount)
		out = append(out, b)
	}
	return out, rows.Err()
}

// PutBalances writes balances in one transaction.
func (s *Storage) PutBalances(bs []ledger.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := putBalances(tx, bs); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyGenesis writes the opening balances unless a genesis is already
// recorded, and reports whether it wrote them.
func (s *Storage) ApplyGenesis(bs []ledger.Balance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT OR IGNORE INTO ledger_meta (key, value) VALUES ('genesis', ?)`, time.Now().UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := putBalances(tx, bs); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func putBalances(db execer, bs []ledger.Balance) error {
	for _, b := range bs {
		_, err := db.Exec(`INSERT OR REPLACE INTO ledger_balances (token, principal, amount) VALUES (?, ?, ?)`,
			b.Token, b.Principal, int64(b.Amount))
		if err != nil {
			return err
		}
	}
	return nil
}
