package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestItem(t *testing.T, s *Store, due time.Time) *ScheduledItem {
	t.Helper()
	item, err := s.Enqueue(&ScheduledItem{
		OwnerThread: "thread-1",
		Kind:        KindReminder,
		Channel:     "slack",
		ChatID:      "C123",
		Payload:     "drink water",
		DueAt:       due,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func TestEnqueueAssignsIDsAndLineage(t *testing.T) {
	s := newTestStore(t)
	item := enqueueTestItem(t, s, time.Now().Add(time.Hour))

	if item.ItemID == "" {
		t.Fatal("item_id not assigned")
	}
	if item.LineageID != item.ItemID {
		t.Errorf("fresh item lineage = %q, want its own id %q", item.LineageID, item.ItemID)
	}
	if item.Status != StatusPending {
		t.Errorf("status = %q, want pending", item.Status)
	}
}

func TestDueBeforeOrderingAndCutoff(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	late := enqueueTestItem(t, s, now.Add(-time.Minute))
	early := enqueueTestItem(t, s, now.Add(-time.Hour))
	enqueueTestItem(t, s, now.Add(time.Hour)) // future, must not appear

	due, err := s.DueBefore(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d items, want 2", len(due))
	}
	if due[0].ItemID != early.ItemID || due[1].ItemID != late.ItemID {
		t.Errorf("due order = [%s %s], want earliest first", due[0].ItemID, due[1].ItemID)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	item := enqueueTestItem(t, s, time.Now().Add(-time.Minute))
	now := time.Now()

	if err := s.MarkRunning(item.ItemID, now); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.MarkRunning(item.ItemID, now); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("second claim = %v, want ErrClaimConflict", err)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	s := newTestStore(t)
	item := enqueueTestItem(t, s, time.Now().Add(-time.Minute))
	now := time.Now()

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.MarkRunning(item.ItemID, now); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	if n := len(wins); n != 1 {
		t.Errorf("winners = %d, want exactly 1", n)
	}
}

func TestTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	sent := enqueueTestItem(t, s, now)
	if err := s.MarkRunning(sent.ItemID, now); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSent(sent.ItemID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetItem(sent.ItemID)
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}

	failed := enqueueTestItem(t, s, now)
	if err := s.MarkRunning(failed.ItemID, now); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(failed.ItemID, "slack post: 502"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetItem(failed.ItemID)
	if got.Status != StatusFailed || got.ErrorText != "slack post: 502" {
		t.Errorf("failed item = %q/%q", got.Status, got.ErrorText)
	}

	// Terminal statuses cannot be re-marked.
	if err := s.MarkSent(failed.ItemID); !errors.Is(err, ErrNotFound) {
		t.Errorf("re-mark terminal = %v, want ErrNotFound", err)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	pending := enqueueTestItem(t, s, now.Add(time.Hour))
	if err := s.Cancel(pending.ItemID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	got, _ := s.GetItem(pending.ItemID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	claimed := enqueueTestItem(t, s, now)
	if err := s.MarkRunning(claimed.ItemID, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(claimed.ItemID); !errors.Is(err, ErrCancelTooLate) {
		t.Errorf("cancel running = %v, want ErrCancelTooLate", err)
	}

	if err := s.Cancel("no-such-item"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing = %v, want ErrNotFound", err)
	}
}

func TestCancelledItemNeverClaimed(t *testing.T) {
	s := newTestStore(t)
	item := enqueueTestItem(t, s, time.Now().Add(-time.Minute))
	if err := s.Cancel(item.ItemID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunning(item.ItemID, time.Now()); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("claim after cancel = %v, want ErrClaimConflict", err)
	}
	due, err := s.DueBefore(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("cancelled item still due: %v", due)
	}
}

func TestRequeueStale(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	stale := enqueueTestItem(t, s, now.Add(-time.Hour))
	if err := s.MarkRunning(stale.ItemID, now.Add(-30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	fresh := enqueueTestItem(t, s, now.Add(-time.Hour))
	if err := s.MarkRunning(fresh.ItemID, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := s.RequeueStale(now.Add(-5 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	got, _ := s.GetItem(stale.ItemID)
	if got.Status != StatusPending || got.FiredAt != nil {
		t.Errorf("stale item = %q fired_at=%v, want pending/nil", got.Status, got.FiredAt)
	}
	got, _ = s.GetItem(fresh.ItemID)
	if got.Status != StatusRunning {
		t.Errorf("fresh claim was requeued: %q", got.Status)
	}
}

func TestListLineage(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	root := enqueueTestItem(t, s, now)
	for i := 1; i <= 2; i++ {
		_, err := s.Enqueue(&ScheduledItem{
			LineageID:   root.LineageID,
			OwnerThread: root.OwnerThread,
			Kind:        root.Kind,
			Channel:     root.Channel,
			ChatID:      root.ChatID,
			Payload:     root.Payload,
			DueAt:       now.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	series, err := s.ListLineage(root.LineageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 3 {
		t.Fatalf("lineage = %d items, want 3", len(series))
	}
	for _, it := range series {
		if it.LineageID != root.LineageID {
			t.Errorf("item %s lineage = %q", it.ItemID, it.LineageID)
		}
	}
}

func TestCountItemsByStatus(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	enqueueTestItem(t, s, now)
	enqueueTestItem(t, s, now)
	claimed := enqueueTestItem(t, s, now)
	if err := s.MarkRunning(claimed.ItemID, now); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountItemsByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusPending] != 2 || counts[StatusRunning] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
