// Package access evaluates read/write permission against group resources.
// Grant expiry is evaluated at check time; expired rows are treated as
// absent and never eagerly swept.
package access

import (
	"errors"
	"time"

	"github.com/stewardbot/steward/internal/store"
)

// Checker answers permission questions against the stored groups and ACLs.
type Checker struct {
	store *store.Store
	now   func() time.Time
}

func NewChecker(st *store.Store) *Checker {
	return &Checker{store: st, now: time.Now}
}

// CanRead reports whether userID may read resource within the group.
// Members always read; public groups are readable by anyone; otherwise an
// unexpired grant suffices.
func (c *Checker) CanRead(groupID, resource, userID string) (bool, error) {
	group, err := c.store.GetGroup(groupID)
	if err != nil {
		return false, err
	}
	if group.GroupType == store.GroupPublic {
		return true, nil
	}
	if group.OwnerUserID != "" && group.OwnerUserID == userID {
		return true, nil
	}
	if _, member, err := c.store.GroupMemberRole(groupID, userID); err != nil {
		return false, err
	} else if member {
		return true, nil
	}
	grant, err := c.liveGrant(groupID, resource, userID)
	if err != nil {
		return false, err
	}
	return grant != nil, nil
}

// CanWrite reports whether userID may write resource within the group.
// The owning user and group admins may write; everyone else needs an
// unexpired elevated grant. Public groups always require the elevated grant,
// except for the owning user.
func (c *Checker) CanWrite(groupID, resource, userID string) (bool, error) {
	group, err := c.store.GetGroup(groupID)
	if err != nil {
		return false, err
	}
	if group.OwnerUserID != "" && group.OwnerUserID == userID {
		return true, nil
	}
	if group.GroupType != store.GroupPublic {
		role, member, err := c.store.GroupMemberRole(groupID, userID)
		if err != nil {
			return false, err
		}
		if member && role == store.RoleAdmin {
			return true, nil
		}
	}
	grant, err := c.liveGrant(groupID, resource, userID)
	if err != nil {
		return false, err
	}
	return grant != nil && grant.CanWrite, nil
}

// liveGrant returns the grant if present and unexpired, else nil.
func (c *Checker) liveGrant(groupID, resource, userID string) (*store.ACLGrant, error) {
	grant, err := c.store.GetACLGrant(groupID, resource, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if grant.ExpiresAt != nil && c.now().After(*grant.ExpiresAt) {
		return nil, nil
	}
	return grant, nil
}
