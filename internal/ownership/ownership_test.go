package ownership

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stewardbot/steward/internal/store"
)

func newTestIndex(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, "/data", nil), st
}

func TestGetOrCreateIdempotent(t *testing.T) {
	ix, _ := newTestIndex(t)

	h1, err := ix.GetOrCreate("slack:T1:C1", "memory", "slack")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ix.GetOrCreate("slack:T1:C1", "memory", "slack")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("handles differ: %q vs %q", h1, h2)
	}
	if h1 == "" {
		t.Error("empty handle")
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	ix, _ := newTestIndex(t)

	const callers = 10
	handles := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := ix.GetOrCreate("t-1", "notes", "")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Errorf("caller %d got %q, want %q", i, handles[i], handles[0])
		}
	}
}

func TestDistinctKindsDistinctHandles(t *testing.T) {
	ix, _ := newTestIndex(t)
	memory, _ := ix.GetOrCreate("t-1", "memory", "")
	notes, _ := ix.GetOrCreate("t-1", "notes", "")
	if memory == notes {
		t.Errorf("kinds share a handle: %q", memory)
	}
}

func TestGetOrCreateFollowsMergeAlias(t *testing.T) {
	ix, st := newTestIndex(t)

	survivor, err := ix.GetOrCreate("t-survivor", "memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.InsertThreadAlias("t-absorbed", "t-survivor"); err != nil {
		t.Fatal(err)
	}

	// A read against the absorbed thread lands on the survivor's handle
	// instead of minting a new one.
	got, err := ix.GetOrCreate("t-absorbed", "memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != survivor {
		t.Errorf("absorbed thread handle = %q, want survivor's %q", got, survivor)
	}
}

func TestCustomHandleFunc(t *testing.T) {
	ix, _ := newTestIndex(t)
	ix.SetHandleFunc(func(thread, kind string) string {
		return "bucket://" + kind + "/" + thread
	})
	h, err := ix.GetOrCreate("t-1", "memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if h != "bucket://memory/t-1" {
		t.Errorf("handle = %q", h)
	}
}

func TestSanitizeThread(t *testing.T) {
	ix, _ := newTestIndex(t)
	h, err := ix.GetOrCreate("slack/T1:C1", "memory", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"..", ":"} {
		if filepath.Base(h) == bad {
			t.Errorf("handle %q contains unsafe segment", h)
		}
	}
}
