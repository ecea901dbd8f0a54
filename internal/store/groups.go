package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Group scope types.
const (
	GroupIndividual = "individual"
	GroupShared     = "group"
	GroupPublic     = "public"
)

// Member roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// GroupResource represents a shared or team-owned storage context. Exactly
// one of OwnerUserID / OwnerGroupID is set.
type GroupResource struct {
	GroupID      string    `json:"group_id"`
	GroupType    string    `json:"group_type"`
	OwnerUserID  string    `json:"owner_user_id,omitempty"`
	OwnerGroupID string    `json:"owner_group_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ACLGrant is a per-resource access entry with optional expiry. An expired
// grant is evaluated as absent at check time; rows are never eagerly swept.
type ACLGrant struct {
	GroupID   string     `json:"group_id"`
	Resource  string     `json:"resource"`
	UserID    string     `json:"user_id"`
	CanWrite  bool       `json:"can_write"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateGroup inserts a group. Exactly one owner must be provided.
func (s *Store) CreateGroup(groupID, groupType, ownerUserID, ownerGroupID string) error {
	if (ownerUserID == "") == (ownerGroupID == "") {
		return fmt.Errorf("create group: exactly one of owner_user_id/owner_group_id must be set")
	}
	_, err := s.db.Exec(`INSERT INTO groups (group_id, group_type, owner_user_id, owner_group_id)
		VALUES (?, ?, ?, ?)`,
		groupID, groupType, nullIfEmpty(ownerUserID), nullIfEmpty(ownerGroupID))
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// GetGroup returns a group by id.
func (s *Store) GetGroup(groupID string) (*GroupResource, error) {
	var g GroupResource
	var ownerUser, ownerGroup sql.NullString
	err := s.db.QueryRow(`SELECT group_id, group_type, owner_user_id, owner_group_id, created_at
		FROM groups WHERE group_id = ?`, groupID).
		Scan(&g.GroupID, &g.GroupType, &ownerUser, &ownerGroup, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.OwnerUserID = ownerUser.String
	g.OwnerGroupID = ownerGroup.String
	return &g, nil
}

// AddGroupMember upserts a member with the given role.
func (s *Store) AddGroupMember(groupID, userID, role string) error {
	if role == "" {
		role = RoleMember
	}
	_, err := s.db.Exec(`INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET role = excluded.role`,
		groupID, userID, role)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// GroupMemberRole returns the member's role, or ("", false) for non-members.
func (s *Store) GroupMemberRole(groupID, userID string) (string, bool, error) {
	var role string
	err := s.db.QueryRow(`SELECT role FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("group member role: %w", err)
	}
	return role, true, nil
}

// GrantACL upserts a per-resource grant. A nil expiresAt means no expiry.
func (s *Store) GrantACL(groupID, resource, userID string, canWrite bool, expiresAt *time.Time) error {
	var exp interface{}
	if expiresAt != nil {
		exp = utc(*expiresAt)
	}
	_, err := s.db.Exec(`INSERT INTO group_acl (group_id, resource, user_id, can_write, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, resource, user_id) DO UPDATE SET
			can_write = excluded.can_write, expires_at = excluded.expires_at`,
		groupID, resource, userID, canWrite, exp)
	if err != nil {
		return fmt.Errorf("grant acl: %w", err)
	}
	return nil
}

// GetACLGrant returns the grant for (group, resource, user), or ErrNotFound.
// Expiry is evaluated by the caller, not here: correctness never depends on
// eager cleanup.
func (s *Store) GetACLGrant(groupID, resource, userID string) (*ACLGrant, error) {
	var g ACLGrant
	var exp sql.NullTime
	err := s.db.QueryRow(`SELECT group_id, resource, user_id, can_write, expires_at, created_at
		FROM group_acl WHERE group_id = ? AND resource = ? AND user_id = ?`,
		groupID, resource, userID).
		Scan(&g.GroupID, &g.Resource, &g.UserID, &g.CanWrite, &exp, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get acl grant: %w", err)
	}
	if exp.Valid {
		g.ExpiresAt = &exp.Time
	}
	return &g, nil
}
