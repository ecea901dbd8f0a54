package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Item status constants. Transitions are monotonic:
// pending -> running -> {sent | completed | failed}; pending -> cancelled.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Item kinds.
const (
	KindReminder = "reminder"
	KindFlow     = "flow"
)

// ScheduledItem represents one unit of future work: a reminder to be
// delivered, or a flow to be executed, at DueAt.
type ScheduledItem struct {
	ID          int64      `json:"id"`
	ItemID      string     `json:"item_id"`
	LineageID   string     `json:"lineage_id"`
	OwnerThread string     `json:"owner_thread"`
	Kind        string     `json:"kind"`
	Channel     string     `json:"channel"`
	ChatID      string     `json:"chat_id"`
	Payload     string     `json:"payload"`
	DueAt       time.Time  `json:"due_at"`
	Status      string     `json:"status"`
	Recurrence  string     `json:"recurrence,omitempty"`
	ErrorText   string     `json:"error_text,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
}

const itemColumns = `id, item_id, lineage_id, owner_thread, kind, channel, chat_id,
	COALESCE(payload,''), due_at, status, COALESCE(recurrence,''),
	COALESCE(error_text,''), COALESCE(result,''), created_at, fired_at`

// Enqueue inserts a new pending item. ItemID is generated if empty; the
// lineage of a fresh item is the item itself.
func (s *Store) Enqueue(item *ScheduledItem) (*ScheduledItem, error) {
	if item.ItemID == "" {
		item.ItemID = newID()
	}
	if item.LineageID == "" {
		item.LineageID = item.ItemID
	}
	if item.Kind == "" {
		item.Kind = KindReminder
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_items (item_id, lineage_id, owner_thread, kind, channel, chat_id, payload, due_at, status, recurrence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.LineageID, item.OwnerThread, item.Kind,
		item.Channel, item.ChatID, item.Payload, utc(item.DueAt),
		item.Status, nullIfEmpty(item.Recurrence),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue item: %w", err)
	}
	return s.GetItem(item.ItemID)
}

// GetItem returns an item by item_id.
func (s *Store) GetItem(itemID string) (*ScheduledItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM scheduled_items WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// DueBefore returns pending items with due_at <= now, ordered by due_at
// ascending and tie-broken by row id for determinism.
func (s *Store) DueBefore(now time.Time) ([]ScheduledItem, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items
		WHERE status = ? AND due_at <= ?
		ORDER BY due_at ASC, id ASC`, StatusPending, utc(now))
	if err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// MarkRunning claims a pending item before dispatch. The conditional update
// is the claim: zero affected rows means another poller won the race (or the
// item was cancelled), reported as ErrClaimConflict.
func (s *Store) MarkRunning(itemID string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE scheduled_items SET status = ?, fired_at = ?
		WHERE item_id = ? AND status = ?`,
		StatusRunning, utc(now), itemID, StatusPending)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimConflict
	}
	return nil
}

// MarkSent transitions a running reminder to sent.
func (s *Store) MarkSent(itemID string) error {
	return s.finish(itemID, StatusSent, "", "")
}

// MarkCompleted transitions a running flow to completed with its result.
func (s *Store) MarkCompleted(itemID, result string) error {
	return s.finish(itemID, StatusCompleted, "", result)
}

// MarkFailed transitions a running item to failed, recording the error.
// Failed items are terminal: there is no automatic redelivery, because a
// blind retry risks duplicate delivery to a human.
func (s *Store) MarkFailed(itemID, errText string) error {
	return s.finish(itemID, StatusFailed, errText, "")
}

func (s *Store) finish(itemID, status, errText, result string) error {
	res, err := s.db.Exec(`UPDATE scheduled_items SET status = ?, error_text = ?, result = ?
		WHERE item_id = ? AND status = ?`,
		status, nullIfEmpty(errText), nullIfEmpty(result), itemID, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel transitions a pending item to cancelled. Cancellation is not
// retroactive: racing against a poller that already claimed the item is
// rejected with ErrCancelTooLate.
func (s *Store) Cancel(itemID string) error {
	res, err := s.db.Exec(`UPDATE scheduled_items SET status = ?
		WHERE item_id = ? AND status = ?`,
		StatusCancelled, itemID, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel item: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetItem(itemID); err != nil {
		return err
	}
	return ErrCancelTooLate
}

// RequeueStale returns items stuck in running since before cutoff to
// pending. A crash between claim and mark leaves the row in running; the
// next poll past the grace window picks it up again, which is what gives
// at-least-once semantics without external locking.
func (s *Store) RequeueStale(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE scheduled_items SET status = ?, fired_at = NULL
		WHERE status = ? AND fired_at <= ?`,
		StatusPending, StatusRunning, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListItems returns items for an owner thread, newest first. An empty
// status matches all statuses.
func (s *Store) ListItems(ownerThread, status string, limit int) ([]ScheduledItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + itemColumns + ` FROM scheduled_items WHERE owner_thread = ?`
	args := []interface{}{ownerThread}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListLineage returns every item in a recurring series, oldest first.
func (s *Store) ListLineage(lineageID string) ([]ScheduledItem, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM scheduled_items
		WHERE lineage_id = ? ORDER BY id ASC`, lineageID)
	if err != nil {
		return nil, fmt.Errorf("list lineage: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountItemsByStatus returns item counts grouped by status.
func (s *Store) CountItemsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM scheduled_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(r rowScanner) (*ScheduledItem, error) {
	var it ScheduledItem
	var firedAt sql.NullTime
	err := r.Scan(
		&it.ID, &it.ItemID, &it.LineageID, &it.OwnerThread, &it.Kind,
		&it.Channel, &it.ChatID, &it.Payload, &it.DueAt, &it.Status,
		&it.Recurrence, &it.ErrorText, &it.Result, &it.CreatedAt, &firedAt,
	)
	if err != nil {
		return nil, err
	}
	if firedAt.Valid {
		it.FiredAt = &firedAt.Time
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]ScheduledItem, error) {
	var items []ScheduledItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
