// Package identity manages the verification lifecycle of conversation
// endpoints: anonymous on first contact, pending while a code is
// outstanding, verified once the code is redeemed. Redeeming a code for a
// contact that already belongs to a verified user merges the two identities.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardbot/steward/internal/events"
	"github.com/stewardbot/steward/internal/store"
)

// Verification errors surfaced to callers.
var (
	ErrCodeInvalid = errors.New("identity: verification code invalid")
	ErrCodeExpired = errors.New("identity: verification code expired")
	ErrNotPending  = errors.New("identity: no verification in progress")
)

// MergeConflictError reports resource kinds both threads held at merge time.
// The merge itself completed: the alias is in place and non-conflicting
// kinds were transferred. Conflicting kinds stay active under the absorbed
// thread until resolved manually.
type MergeConflictError struct {
	AbsorbedThread  string
	SurvivingThread string
	Kinds           []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("identity: merge of %s into %s left conflicts on: %s",
		e.AbsorbedThread, e.SurvivingThread, strings.Join(e.Kinds, ", "))
}

// CodeSender delivers a verification code out of band (the channel the user
// is verifying through, or email).
type CodeSender interface {
	SendCode(ctx context.Context, channel, contact, code string) error
}

// Registry coordinates identity state against the store.
type Registry struct {
	store   *store.Store
	sender  CodeSender
	codeTTL time.Duration
	events  events.Publisher
	logger  *slog.Logger

	now func() time.Time // overridable in tests
}

func NewRegistry(st *store.Store, sender CodeSender, codeTTL time.Duration, pub events.Publisher, logger *slog.Logger) *Registry {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   st,
		sender:  sender,
		codeTTL: codeTTL,
		events:  pub,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve returns the identity for a (channel, thread) endpoint, creating an
// anonymous one on first contact.
func (r *Registry) Resolve(channel, threadID string) (*store.Identity, error) {
	return r.store.ResolveIdentity(channel, threadID)
}

// IssueVerification generates a fresh 6-digit code for the identity, stores
// it with an expiry, and delivers it via the code sender. Issuing a new code
// invalidates any outstanding one.
func (r *Registry) IssueVerification(ctx context.Context, identityID, method, contact string) error {
	ident, err := r.store.GetIdentity(identityID)
	if err != nil {
		return err
	}
	code, err := newCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	expires := r.now().Add(r.codeTTL)
	if err := r.store.SetVerificationChallenge(identityID, method, contact, code, expires); err != nil {
		return err
	}
	if r.sender != nil {
		if err := r.sender.SendCode(ctx, ident.Channel, contact, code); err != nil {
			return fmt.Errorf("deliver code: %w", err)
		}
	}
	r.logger.Info("verification code issued",
		"identity", identityID, "method", method, "expires", expires.UTC())
	return nil
}

// RedeemResult describes the outcome of a successful code exchange.
type RedeemResult struct {
	UserID string
	Merged bool // an existing verified user held this contact
}

// Redeem exchanges a code for a persistent user id. Expiry is evaluated
// lazily here: an expired code drops the identity back to anonymous and the
// user must request a new one. If the contact already belongs to a verified
// user, the endpoint joins that user and its thread is merged into the
// user's primary thread; a returned MergeConflictError does not undo the
// redemption.
func (r *Registry) Redeem(ctx context.Context, identityID, code string) (*RedeemResult, error) {
	ident, err := r.store.GetIdentity(identityID)
	if err != nil {
		return nil, err
	}
	if ident.VerificationStatus != store.VerificationPending || ident.VerificationCode == "" {
		return nil, ErrNotPending
	}
	if ident.CodeExpiresAt != nil && r.now().After(*ident.CodeExpiresAt) {
		if err := r.store.ClearVerification(identityID); err != nil {
			return nil, err
		}
		return nil, ErrCodeExpired
	}
	if ident.VerificationCode != code {
		return nil, ErrCodeInvalid
	}

	existing, err := r.store.FindVerifiedByContact(ident.VerificationContact)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing == nil || existing.IdentityID == ident.IdentityID {
		userID := "user-" + uuid.NewString()
		if err := r.store.MarkVerified(identityID, userID); err != nil {
			return nil, err
		}
		r.logger.Info("identity verified", "identity", identityID, "user", userID)
		return &RedeemResult{UserID: userID}, nil
	}

	// Contact match: join the existing user and merge threads.
	userID := existing.PersistentUserID
	if err := r.store.MarkVerified(identityID, userID); err != nil {
		return nil, err
	}
	if err := r.store.MarkMerged(identityID, userID, r.now()); err != nil {
		return nil, err
	}
	r.logger.Info("identity merged into existing user",
		"identity", identityID, "user", userID, "survivor", existing.IdentityID)

	survivorThread, err := r.store.PrimaryThreadForUser(userID)
	if err != nil {
		return nil, err
	}
	res := &RedeemResult{UserID: userID, Merged: true}
	if err := r.Merge(ctx, ident.ThreadID, survivorThread); err != nil {
		var mc *MergeConflictError
		if errors.As(err, &mc) {
			return res, mc
		}
		return nil, err
	}
	return res, nil
}

// Merge absorbs one thread into another: future reads against the absorbed
// thread resolve to the survivor, and the absorbed thread's resources are
// transferred. Repeating a merge of the same pair is a no-op apart from
// re-reporting unresolved conflicts.
func (r *Registry) Merge(ctx context.Context, absorbedThread, survivingThread string) error {
	if absorbedThread == survivingThread {
		return nil
	}
	if err := r.store.InsertThreadAlias(absorbedThread, survivingThread); err != nil {
		return err
	}
	moved, conflicts, err := r.store.TransferOwnership(absorbedThread, survivingThread)
	if err != nil {
		return err
	}
	r.logger.Info("threads merged",
		"absorbed", absorbedThread, "survivor", survivingThread,
		"moved", len(moved), "conflicts", len(conflicts))
	r.events.Publish(ctx, events.Event{
		Type:       events.TypeIdentityMerged,
		AbsorbedID: absorbedThread,
		SurvivorID: survivingThread,
	})
	if len(conflicts) > 0 {
		return &MergeConflictError{
			AbsorbedThread:  absorbedThread,
			SurvivingThread: survivingThread,
			Kinds:           conflicts,
		}
	}
	return nil
}

// newCode returns a uniformly random 6-digit code, zero-padded.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
