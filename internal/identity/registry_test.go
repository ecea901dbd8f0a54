package identity

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stewardbot/steward/internal/events"
	"github.com/stewardbot/steward/internal/store"
)

type capturedCode struct {
	channel, contact, code string
}

type fakeSender struct {
	sent []capturedCode
}

func (f *fakeSender) SendCode(_ context.Context, channel, contact, code string) error {
	f.sent = append(f.sent, capturedCode{channel, contact, code})
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *fakeSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sender := &fakeSender{}
	return NewRegistry(st, sender, 10*time.Minute, nil, nil), st, sender
}

type recordingPublisher struct {
	published []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.published = append(p.published, ev)
}

func (p *recordingPublisher) Close() error { return nil }

func issueAndGetCode(t *testing.T, r *Registry, sender *fakeSender, identityID, contact string) string {
	t.Helper()
	if err := r.IssueVerification(context.Background(), identityID, "email", contact); err != nil {
		t.Fatalf("issue: %v", err)
	}
	return sender.sent[len(sender.sent)-1].code
}

func TestIssueAndRedeem(t *testing.T) {
	r, _, sender := newTestRegistry(t)
	ident, err := r.Resolve("slack", "t-1")
	if err != nil {
		t.Fatal(err)
	}

	code := issueAndGetCode(t, r, sender, ident.IdentityID, "a@b.c")
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 digits", code)
	}

	res, err := r.Redeem(context.Background(), ident.IdentityID, code)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.UserID, "user-") {
		t.Errorf("user id = %q, want user- prefix", res.UserID)
	}
	if res.Merged {
		t.Error("fresh verification reported a merge")
	}
}

func TestRedeemWrongCode(t *testing.T) {
	r, _, sender := newTestRegistry(t)
	ident, _ := r.Resolve("slack", "t-1")
	code := issueAndGetCode(t, r, sender, ident.IdentityID, "a@b.c")

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, err := r.Redeem(context.Background(), ident.IdentityID, wrong); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("redeem wrong code = %v, want ErrCodeInvalid", err)
	}
	// The real code still works after a bad attempt.
	if _, err := r.Redeem(context.Background(), ident.IdentityID, code); err != nil {
		t.Errorf("redeem real code after bad attempt: %v", err)
	}
}

func TestRedeemExpiredCodeDropsToAnonymous(t *testing.T) {
	r, st, sender := newTestRegistry(t)
	ident, _ := r.Resolve("slack", "t-1")
	code := issueAndGetCode(t, r, sender, ident.IdentityID, "a@b.c")

	r.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if _, err := r.Redeem(context.Background(), ident.IdentityID, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("redeem expired = %v, want ErrCodeExpired", err)
	}
	got, _ := st.GetIdentity(ident.IdentityID)
	if got.VerificationStatus != store.VerificationAnonymous {
		t.Errorf("status after expiry = %q, want anonymous", got.VerificationStatus)
	}
	// A second redeem attempt finds nothing pending.
	if _, err := r.Redeem(context.Background(), ident.IdentityID, code); !errors.Is(err, ErrNotPending) {
		t.Errorf("redeem after expiry = %v, want ErrNotPending", err)
	}
}

func TestReissueInvalidatesPriorCode(t *testing.T) {
	r, _, sender := newTestRegistry(t)
	ident, _ := r.Resolve("slack", "t-1")
	first := issueAndGetCode(t, r, sender, ident.IdentityID, "a@b.c")
	second := issueAndGetCode(t, r, sender, ident.IdentityID, "a@b.c")
	if first == second {
		t.Skip("codes collided; nothing to assert")
	}

	if _, err := r.Redeem(context.Background(), ident.IdentityID, first); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("stale code = %v, want ErrCodeInvalid", err)
	}
	if _, err := r.Redeem(context.Background(), ident.IdentityID, second); err != nil {
		t.Errorf("fresh code: %v", err)
	}
}

func TestRedeemMatchingContactMergesThreads(t *testing.T) {
	r, st, sender := newTestRegistry(t)

	// First endpoint verifies normally.
	a, _ := r.Resolve("slack", "t-a")
	codeA := issueAndGetCode(t, r, sender, a.IdentityID, "a@b.c")
	resA, err := r.Redeem(context.Background(), a.IdentityID, codeA)
	if err != nil {
		t.Fatal(err)
	}

	// Give the first thread a resource so the merge has something to move.
	if _, err := st.EnsureOwnership("t-b", "notes", "/n/b", ""); err != nil {
		t.Fatal(err)
	}

	// Second endpoint verifies the same contact.
	b, _ := r.Resolve("telegram", "t-b")
	codeB := issueAndGetCode(t, r, sender, b.IdentityID, "a@b.c")
	resB, err := r.Redeem(context.Background(), b.IdentityID, codeB)
	if err != nil {
		t.Fatal(err)
	}
	if !resB.Merged {
		t.Error("second redeem did not merge")
	}
	if resB.UserID != resA.UserID {
		t.Errorf("user ids differ: %q vs %q", resB.UserID, resA.UserID)
	}

	// Absorbed thread now redirects to the survivor, which owns the notes.
	if canonical, _ := st.CanonicalThread("t-b"); canonical != "t-a" {
		t.Errorf("canonical(t-b) = %q, want t-a", canonical)
	}
	if rec, err := st.GetOwnership("t-a", "notes"); err != nil || rec.ResourceHandle != "/n/b" {
		t.Errorf("survivor notes = %v, %v", rec, err)
	}
	if got, _ := st.GetIdentity(b.IdentityID); got.MergedAt == nil {
		t.Error("absorbed identity missing merged_at")
	}
}

func TestMergeConflictSurfacedButMergeCompletes(t *testing.T) {
	r, st, _ := newTestRegistry(t)

	_, _ = st.EnsureOwnership("t-a", "memory", "/m/a", "")
	_, _ = st.EnsureOwnership("t-b", "memory", "/m/b", "")
	_, _ = st.EnsureOwnership("t-a", "notes", "/n/a", "")

	err := r.Merge(context.Background(), "t-a", "t-b")
	var mc *MergeConflictError
	if !errors.As(err, &mc) {
		t.Fatalf("merge = %v, want MergeConflictError", err)
	}
	if len(mc.Kinds) != 1 || mc.Kinds[0] != "memory" {
		t.Errorf("conflict kinds = %v", mc.Kinds)
	}

	// The alias and non-conflicting transfer still happened.
	if canonical, _ := st.CanonicalThread("t-a"); canonical != "t-b" {
		t.Errorf("canonical(t-a) = %q, want t-b", canonical)
	}
	if rec, err := st.GetOwnership("t-b", "notes"); err != nil || rec.ResourceHandle != "/n/a" {
		t.Errorf("survivor notes = %v, %v", rec, err)
	}

	// Repeating the merge is idempotent apart from re-reporting the conflict.
	err = r.Merge(context.Background(), "t-a", "t-b")
	if !errors.As(err, &mc) {
		t.Errorf("second merge = %v, want same conflict", err)
	}
}

func TestMergeSameThreadNoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.Merge(context.Background(), "t-a", "t-a"); err != nil {
		t.Errorf("self merge = %v, want nil", err)
	}
}

func TestMergeEmitsAuditEvent(t *testing.T) {
	r, _, sender := newTestRegistry(t)
	rec := &recordingPublisher{}
	r.events = rec

	a, _ := r.Resolve("slack", "t-a")
	codeA := issueAndGetCode(t, r, sender, a.IdentityID, "a@b.c")
	if _, err := r.Redeem(context.Background(), a.IdentityID, codeA); err != nil {
		t.Fatal(err)
	}
	if len(rec.published) != 0 {
		t.Fatalf("fresh verification published %v", rec.published)
	}

	b, _ := r.Resolve("telegram", "t-b")
	codeB := issueAndGetCode(t, r, sender, b.IdentityID, "a@b.c")
	if _, err := r.Redeem(context.Background(), b.IdentityID, codeB); err != nil {
		t.Fatal(err)
	}

	if len(rec.published) != 1 {
		t.Fatalf("published %d events, want 1", len(rec.published))
	}
	ev := rec.published[0]
	if ev.Type != events.TypeIdentityMerged {
		t.Errorf("event type = %q", ev.Type)
	}
	if ev.AbsorbedID != "t-b" || ev.SurvivorID != "t-a" {
		t.Errorf("event threads = %q -> %q, want t-b -> t-a", ev.AbsorbedID, ev.SurvivorID)
	}

	// A self-merge is a no-op and stays silent.
	if err := r.Merge(context.Background(), "t-a", "t-a"); err != nil {
		t.Fatal(err)
	}
	if len(rec.published) != 1 {
		t.Errorf("self merge published an event")
	}
}
