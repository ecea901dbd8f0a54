// Package ownership maps conversation threads to the storage handles they
// own, one handle per resource kind. Lookups follow merge aliases, so a
// thread absorbed by an identity merge transparently reads the survivor's
// resources.
package ownership

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/stewardbot/steward/internal/store"
)

// HandleFunc derives a storage handle for a (thread, kind) pair. It must be
// deterministic: concurrent first-use calls may each compute a candidate,
// and only one wins the insert.
type HandleFunc func(ownerThread, resourceKind string) string

// Index is the ownership lookup service.
type Index struct {
	store  *store.Store
	handle HandleFunc
	logger *slog.Logger
}

// New creates an index. root anchors the default handle layout:
// <root>/<kind>/<thread>.
func New(st *store.Store, root string, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		store:  st,
		handle: defaultHandleFunc(root),
		logger: logger,
	}
}

// SetHandleFunc overrides handle derivation. Must be called before use.
func (ix *Index) SetHandleFunc(fn HandleFunc) { ix.handle = fn }

// GetOrCreate returns the storage handle the thread owns for a resource
// kind, creating the record on first use. The thread is canonicalized
// through merge aliases first, so absorbed threads land on the survivor's
// handle. Concurrent first-use calls all return the same handle.
func (ix *Index) GetOrCreate(threadID, resourceKind, channel string) (string, error) {
	canonical, err := ix.store.CanonicalThread(threadID)
	if err != nil {
		return "", err
	}
	candidate := ix.handle(canonical, resourceKind)
	handle, err := ix.store.EnsureOwnership(canonical, resourceKind, candidate, channel)
	if err != nil {
		return "", err
	}
	if handle == candidate {
		ix.logger.Debug("ownership record ensured",
			"thread", canonical, "kind", resourceKind, "handle", handle)
	}
	return handle, nil
}

// Get returns the active record for (thread, kind) without creating one.
// The thread is canonicalized first.
func (ix *Index) Get(threadID, resourceKind string) (*store.OwnershipRecord, error) {
	canonical, err := ix.store.CanonicalThread(threadID)
	if err != nil {
		return nil, err
	}
	return ix.store.GetOwnership(canonical, resourceKind)
}

// List returns all active records for a thread, canonicalized.
func (ix *Index) List(threadID string) ([]store.OwnershipRecord, error) {
	canonical, err := ix.store.CanonicalThread(threadID)
	if err != nil {
		return nil, err
	}
	return ix.store.ListOwnership(canonical)
}

// defaultHandleFunc lays handles out as stable filesystem-style paths.
func defaultHandleFunc(root string) HandleFunc {
	return func(ownerThread, resourceKind string) string {
		return filepath.ToSlash(filepath.Join(root, resourceKind, sanitizeThread(ownerThread)))
	}
}

// sanitizeThread makes a thread id safe as a path segment.
func sanitizeThread(threadID string) string {
	repl := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	out := repl.Replace(threadID)
	if out == "" {
		out = fmt.Sprintf("t-%x", len(threadID))
	}
	return out
}
