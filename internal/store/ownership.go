package store

import (
	"database/sql"
	"fmt"
	"time"
)

// OwnershipRecord maps an owner thread to the opaque storage handle it uses
// for one resource kind. Superseded records are kept for audit; at most one
// record per (owner_thread, resource_kind) is active, enforced by a partial
// unique index.
type OwnershipRecord struct {
	ID             int64      `json:"id"`
	OwnerThread    string     `json:"owner_thread"`
	ResourceKind   string     `json:"resource_kind"`
	ResourceHandle string     `json:"resource_handle"`
	Channel        string     `json:"channel,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty"`
}

// CanonicalThread follows merge aliases so that reads against an absorbed
// thread resolve to the survivor's resources. Chains can form when a
// survivor is itself later absorbed, so we follow more than one hop, with a
// cap against accidental cycles.
func (s *Store) CanonicalThread(threadID string) (string, error) {
	current := threadID
	for i := 0; i < 8; i++ {
		var next string
		err := s.db.QueryRow(`SELECT surviving_thread FROM thread_aliases WHERE absorbed_thread = ?`, current).Scan(&next)
		if err == sql.ErrNoRows {
			return current, nil
		}
		if err != nil {
			return "", fmt.Errorf("canonical thread: %w", err)
		}
		current = next
	}
	return current, nil
}

// EnsureOwnership is the atomic insert-if-absent behind OwnershipIndex:
// concurrent first-use calls race on the partial unique index, one insert
// wins, and everyone reads back the winner's handle. Never a
// read-then-write pair.
func (s *Store) EnsureOwnership(ownerThread, resourceKind, handle, channel string) (string, error) {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO ownership_records (owner_thread, resource_kind, resource_handle, channel, active)
		VALUES (?, ?, ?, ?, 1)`,
		ownerThread, resourceKind, handle, channel)
	if err != nil {
		return "", fmt.Errorf("ensure ownership: %w", err)
	}
	var got string
	err = s.db.QueryRow(`SELECT resource_handle FROM ownership_records
		WHERE owner_thread = ? AND resource_kind = ? AND active = 1`,
		ownerThread, resourceKind).Scan(&got)
	if err != nil {
		return "", fmt.Errorf("read ownership: %w", err)
	}
	return got, nil
}

// GetOwnership returns the active record for (thread, kind), or ErrNotFound.
func (s *Store) GetOwnership(ownerThread, resourceKind string) (*OwnershipRecord, error) {
	row := s.db.QueryRow(`SELECT id, owner_thread, resource_kind, resource_handle, COALESCE(channel,''), active, created_at, superseded_at
		FROM ownership_records WHERE owner_thread = ? AND resource_kind = ? AND active = 1`,
		ownerThread, resourceKind)
	return scanOwnership(row)
}

// ListOwnership returns all active records for a thread.
func (s *Store) ListOwnership(ownerThread string) ([]OwnershipRecord, error) {
	rows, err := s.db.Query(`SELECT id, owner_thread, resource_kind, resource_handle, COALESCE(channel,''), active, created_at, superseded_at
		FROM ownership_records WHERE owner_thread = ? AND active = 1 ORDER BY resource_kind ASC`,
		ownerThread)
	if err != nil {
		return nil, fmt.Errorf("list ownership: %w", err)
	}
	defer rows.Close()

	var out []OwnershipRecord
	for rows.Next() {
		rec, err := scanOwnership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// InsertThreadAlias records an absorbed -> surviving redirect. OR IGNORE
// makes repeated merges of the same pair a no-op.
func (s *Store) InsertThreadAlias(absorbedThread, survivingThread string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO thread_aliases (absorbed_thread, surviving_thread)
		VALUES (?, ?)`, absorbedThread, survivingThread)
	if err != nil {
		return fmt.Errorf("insert thread alias: %w", err)
	}
	return nil
}

// TransferOwnership re-keys the absorbed thread's active records to the
// surviving thread inside one transaction. Kinds the survivor lacks are
// transferred wholesale; kinds both sides hold are left untouched and
// returned as conflicts for manual resolution, so nothing is silently lost.
func (s *Store) TransferOwnership(fromThread, toThread string) (moved, conflicts []string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer ownership: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT resource_kind FROM ownership_records
		WHERE owner_thread = ? AND active = 1 ORDER BY resource_kind ASC`, fromThread)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer ownership: %w", err)
	}
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, nil, err
		}
		kinds = append(kinds, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, kind := range kinds {
		var n int
		err := tx.QueryRow(`SELECT COUNT(*) FROM ownership_records
			WHERE owner_thread = ? AND resource_kind = ? AND active = 1`,
			toThread, kind).Scan(&n)
		if err != nil {
			return nil, nil, fmt.Errorf("transfer ownership: %w", err)
		}
		if n > 0 {
			conflicts = append(conflicts, kind)
			continue
		}
		if _, err := tx.Exec(`UPDATE ownership_records SET owner_thread = ?
			WHERE owner_thread = ? AND resource_kind = ? AND active = 1`,
			toThread, fromThread, kind); err != nil {
			return nil, nil, fmt.Errorf("transfer ownership: %w", err)
		}
		moved = append(moved, kind)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("transfer ownership: %w", err)
	}
	return moved, conflicts, nil
}

// SupersedeOwnership deactivates a record, retaining it for the audit trail.
// Used when a merge conflict is manually resolved in the survivor's favor.
func (s *Store) SupersedeOwnership(ownerThread, resourceKind string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE ownership_records SET active = 0, superseded_at = ?
		WHERE owner_thread = ? AND resource_kind = ? AND active = 1`,
		utc(now), ownerThread, resourceKind)
	if err != nil {
		return fmt.Errorf("supersede ownership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOwnership(r rowScanner) (*OwnershipRecord, error) {
	var rec OwnershipRecord
	var supersededAt sql.NullTime
	err := r.Scan(&rec.ID, &rec.OwnerThread, &rec.ResourceKind, &rec.ResourceHandle,
		&rec.Channel, &rec.Active, &rec.CreatedAt, &supersededAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ownership: %w", err)
	}
	if supersededAt.Valid {
		rec.SupersededAt = &supersededAt.Time
	}
	return &rec, nil
}
