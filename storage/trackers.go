package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"trackergw/protocol"
)

// IsPaired reports whether addr went through pairing.
func (s *Store) IsPaired(addr protocol.Addr) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM paired_trackers WHERE mac = ?`, addr.String()).Scan(&count); err != nil {
		return false, fmt.Errorf("query paired tracker %s: %w", addr, err)
	}
	return count > 0, nil
}

// AddPaired records addr as paired. Re-adding is a no-op.
func (s *Store) AddPaired(addr protocol.Addr) error {
	_, err := s.db.Exec(
		`INSERT INTO paired_trackers (mac, paired_at) VALUES (?, ?)
		 ON CONFLICT(mac) DO NOTHING`,
		addr.String(),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert paired tracker %s: %w", addr, err)
	}
	return nil
}

// RemovePaired forgets the pairing and releases its tracker ID.
func (s *Store) RemovePaired(addr protocol.Addr) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remove paired tracker: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM paired_trackers WHERE mac = ?`, addr.String()); err != nil {
		return fmt.Errorf("delete paired tracker %s: %w", addr, err)
	}
	if _, err := tx.Exec(`DELETE FROM tracker_ids WHERE mac = ?`, addr.String()); err != nil {
		return fmt.Errorf("delete tracker id %s: %w", addr, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove paired tracker: %w", err)
	}
	return nil
}

// ClearPaired forgets every pairing and tracker ID.
func (s *Store) ClearPaired() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear paired trackers: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM paired_trackers`); err != nil {
		return fmt.Errorf("clear paired trackers: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tracker_ids`); err != nil {
		return fmt.Errorf("clear tracker ids: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear paired trackers: %w", err)
	}
	return nil
}

// ForEachPaired calls fn for every pairing in pairing order. A non-nil error from fn stops iteration.
func (s *Store) ForEachPaired(fn func(PairedTracker) error) error {
	rows, err := s.db.Query(
		`SELECT p.mac, p.paired_at, t.tracker_id
		 FROM paired_trackers p
		 LEFT JOIN tracker_ids t ON t.mac = p.mac
		 ORDER BY p.paired_at, p.mac`,
	)
	if err != nil {
		return fmt.Errorf("list paired trackers: %w", err)
	}

	paired := make([]PairedTracker, 0)
	for rows.Next() {
		var (
			mac       string
			pairedAt  int64
			trackerID sql.NullInt64
		)
		if err := rows.Scan(&mac, &pairedAt, &trackerID); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan paired tracker row: %w", err)
		}
		addr, err := protocol.ParseAddr(mac)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("parse stored mac %q: %w", mac, err)
		}
		paired = append(paired, PairedTracker{
			Addr:      addr,
			TrackerID: uint8(trackerID.Int64),
			HasID:     trackerID.Valid,
			PairedAt:  pairedAt,
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate paired tracker rows: %w", err)
	}
	_ = rows.Close()

	// fn runs after the cursor is released so it may call back into the store.
	for _, p := range paired {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// TrackerID returns the persistent ID for addr, allocating the smallest free one on first use.
func (s *Store) TrackerID(addr protocol.Addr) (uint8, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tracker id allocation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing int64
	err = tx.QueryRow(`SELECT tracker_id FROM tracker_ids WHERE mac = ?`, addr.String()).Scan(&existing)
	if err == nil {
		return uint8(existing), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query tracker id %s: %w", addr, err)
	}

	rows, err := tx.Query(`SELECT tracker_id FROM tracker_ids`)
	if err != nil {
		return 0, fmt.Errorf("list tracker ids: %w", err)
	}
	used := make(map[uint8]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan tracker id row: %w", err)
		}
		used[uint8(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate tracker id rows: %w", err)
	}
	_ = rows.Close()

	id, err := lowestFreeID(used)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`INSERT INTO tracker_ids (mac, tracker_id) VALUES (?, ?)`, addr.String(), int64(id)); err != nil {
		return 0, fmt.Errorf("insert tracker id %s: %w", addr, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tracker id allocation: %w", err)
	}
	return id, nil
}

// IsTrackerIDInUse reports whether id is assigned to any address.
func (s *Store) IsTrackerIDInUse(id uint8) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM tracker_ids WHERE tracker_id = ?`, int64(id)).Scan(&count); err != nil {
		return false, fmt.Errorf("query tracker id %d: %w", id, err)
	}
	return count > 0, nil
}
