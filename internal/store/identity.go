package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Verification status constants. The state machine is
// anonymous -> pending -> verified; expiry drops pending back to anonymous.
const (
	VerificationAnonymous = "anonymous"
	VerificationPending   = "pending"
	VerificationVerified  = "verified"
)

// Identity represents one addressable (channel, thread) conversation
// endpoint. The identity_id prefix makes anonymous vs resolved rows
// human-inspectable: "anon-…" until verification mints a "user-…" id.
type Identity struct {
	ID                  int64      `json:"id"`
	IdentityID          string     `json:"identity_id"`
	PersistentUserID    string     `json:"persistent_user_id,omitempty"`
	Channel             string     `json:"channel"`
	ThreadID            string     `json:"thread_id"`
	VerificationStatus  string     `json:"verification_status"`
	VerificationMethod  string     `json:"verification_method,omitempty"`
	VerificationContact string     `json:"verification_contact,omitempty"`
	VerificationCode    string     `json:"verification_code,omitempty"`
	CodeExpiresAt       *time.Time `json:"code_expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	MergedAt            *time.Time `json:"merged_at,omitempty"`
}

const identityColumns = `id, identity_id, COALESCE(persistent_user_id,''), channel, thread_id,
	verification_status, COALESCE(verification_method,''), COALESCE(verification_contact,''),
	COALESCE(verification_code,''), code_expires_at, created_at, merged_at`

func newAnonIdentityID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return "anon-" + hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("anon-%d", time.Now().UnixNano())
}

// ResolveIdentity returns the identity for (channel, thread_id), creating an
// anonymous one on first contact. The INSERT OR IGNORE against the unique
// thread_id makes concurrent first messages race-safe.
func (s *Store) ResolveIdentity(channel, threadID string) (*Identity, error) {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO identities (identity_id, channel, thread_id, verification_status)
		VALUES (?, ?, ?, ?)`,
		newAnonIdentityID(), channel, threadID, VerificationAnonymous)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	return s.GetIdentityByThread(threadID)
}

// GetIdentity returns an identity by its identity_id.
func (s *Store) GetIdentity(identityID string) (*Identity, error) {
	row := s.db.QueryRow(`SELECT `+identityColumns+` FROM identities WHERE identity_id = ?`, identityID)
	return scanIdentity(row)
}

// GetIdentityByThread returns an identity by its thread_id.
func (s *Store) GetIdentityByThread(threadID string) (*Identity, error) {
	row := s.db.QueryRow(`SELECT `+identityColumns+` FROM identities WHERE thread_id = ?`, threadID)
	return scanIdentity(row)
}

// SetVerificationChallenge stores a freshly issued code, moving the identity
// to pending. Overwriting the columns is what silently invalidates any prior
// unexpired code: at most one code is live per identity.
func (s *Store) SetVerificationChallenge(identityID, method, contact, code string, expiresAt time.Time) error {
	res, err := s.db.Exec(`UPDATE identities SET verification_status = ?, verification_method = ?,
		verification_contact = ?, verification_code = ?, code_expires_at = ?
		WHERE identity_id = ?`,
		VerificationPending, method, contact, code, utc(expiresAt), identityID)
	if err != nil {
		return fmt.Errorf("set verification challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearVerification drops a pending identity back to anonymous (used for
// lazy expiry at redeem time).
func (s *Store) ClearVerification(identityID string) error {
	_, err := s.db.Exec(`UPDATE identities SET verification_status = ?,
		verification_code = NULL, code_expires_at = NULL
		WHERE identity_id = ? AND verification_status = ?`,
		VerificationAnonymous, identityID, VerificationPending)
	if err != nil {
		return fmt.Errorf("clear verification: %w", err)
	}
	return nil
}

// MarkVerified stamps a successful code exchange: the identity becomes
// verified and gains its persistent user id.
func (s *Store) MarkVerified(identityID, persistentUserID string) error {
	res, err := s.db.Exec(`UPDATE identities SET verification_status = ?, persistent_user_id = ?,
		verification_code = NULL, code_expires_at = NULL
		WHERE identity_id = ?`,
		VerificationVerified, persistentUserID, identityID)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMerged rewrites the absorbed identity's persistent user id to the
// survivor's and stamps merged_at. The row is retained for audit.
func (s *Store) MarkMerged(identityID, survivingUserID string, mergedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE identities SET persistent_user_id = ?, merged_at = ?
		WHERE identity_id = ?`,
		survivingUserID, utc(mergedAt), identityID)
	if err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindVerifiedByContact returns the oldest verified, unmerged identity
// holding the given contact, or ErrNotFound.
func (s *Store) FindVerifiedByContact(contact string) (*Identity, error) {
	row := s.db.QueryRow(`SELECT `+identityColumns+` FROM identities
		WHERE verification_contact = ? AND verification_status = ? AND merged_at IS NULL
		ORDER BY id ASC LIMIT 1`,
		contact, VerificationVerified)
	return scanIdentity(row)
}

// PrimaryThreadForUser returns the thread of the oldest unmerged verified
// identity belonging to a persistent user.
func (s *Store) PrimaryThreadForUser(persistentUserID string) (string, error) {
	var thread string
	err := s.db.QueryRow(`SELECT thread_id FROM identities
		WHERE persistent_user_id = ? AND verification_status = ? AND merged_at IS NULL
		ORDER BY id ASC LIMIT 1`,
		persistentUserID, VerificationVerified).Scan(&thread)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("primary thread: %w", err)
	}
	return thread, nil
}

// ListIdentities returns all identities, oldest first.
func (s *Store) ListIdentities() ([]Identity, error) {
	rows, err := s.db.Query(`SELECT ` + identityColumns + ` FROM identities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ident)
	}
	return out, rows.Err()
}

func scanIdentity(r rowScanner) (*Identity, error) {
	var ident Identity
	var codeExpires, mergedAt sql.NullTime
	err := r.Scan(
		&ident.ID, &ident.IdentityID, &ident.PersistentUserID, &ident.Channel,
		&ident.ThreadID, &ident.VerificationStatus, &ident.VerificationMethod,
		&ident.VerificationContact, &ident.VerificationCode, &codeExpires,
		&ident.CreatedAt, &mergedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	if codeExpires.Valid {
		ident.CodeExpiresAt = &codeExpires.Time
	}
	if mergedAt.Valid {
		ident.MergedAt = &mergedAt.Time
	}
	return &ident, nil
}
