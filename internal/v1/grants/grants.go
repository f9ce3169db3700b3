// Package grants implements the role and permission model for rooms.
// Each role carries a bitmask of permissions; checks are a single mask test.
package grants

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when a role's mask does not contain a permission.
var ErrPermissionDenied = errors.New("permission denied")

// Role is a totally ordered authority level within a room.
type Role string

const (
	RoleUnregisteredUser Role = "unregistered"
	RoleRegisteredUser   Role = "registered"
	RoleTrustedUser      Role = "trusted"
	RoleModerator        Role = "moderator"
	RoleAdministrator    Role = "admin"
	RoleOwner            Role = "owner"
)

// roleOrder maps each role to its rank; higher outranks lower.
var roleOrder = map[Role]int{
	RoleUnregisteredUser: 0,
	RoleRegisteredUser:   1,
	RoleTrustedUser:      2,
	RoleModerator:        3,
	RoleAdministrator:    4,
	RoleOwner:            5,
}

// Rank returns the role's position in the authority order.
func (r Role) Rank() int {
	return roleOrder[r]
}

// Outranks reports whether r has strictly higher authority than o.
func (r Role) Outranks(o Role) bool {
	return r.Rank() > o.Rank()
}

// Permission names a capability gated by role.
type Permission string

const (
	PermPlaybackPlayPause Permission = "playback.play-pause"
	PermPlaybackSkip      Permission = "playback.skip"
	PermPlaybackSeek      Permission = "playback.seek"
	PermQueueAdd          Permission = "manage-queue.add"
	PermQueueRemove       Permission = "manage-queue.remove"
	PermQueueOrder        Permission = "manage-queue.order"
	PermQueueVote         Permission = "manage-queue.vote"
	PermChat              Permission = "chat"
	PermConfigureTitle    Permission = "configure-room.set-title"
	PermConfigureVisible  Permission = "configure-room.set-visibility"
	PermConfigureQueue    Permission = "configure-room.set-queue-mode"
	PermPromoteTrusted    Permission = "manage-users.promote-trusted-user"
	PermPromoteModerator  Permission = "manage-users.promote-moderator"
	PermPromoteAdmin      Permission = "manage-users.promote-admin"
	PermDemoteTrusted     Permission = "manage-users.demote-trusted-user"
	PermDemoteModerator   Permission = "manage-users.demote-moderator"
	PermDemoteAdmin       Permission = "manage-users.demote-admin"
)

// permissionBits assigns each permission a stable bit position. The masks are
// part of the sync wire format, so positions must not be reordered.
var permissionBits = map[Permission]uint64{
	PermPlaybackPlayPause: 1 << 0,
	PermPlaybackSkip:      1 << 1,
	PermPlaybackSeek:      1 << 2,
	PermQueueAdd:          1 << 3,
	PermQueueRemove:       1 << 4,
	PermQueueOrder:        1 << 5,
	PermQueueVote:         1 << 6,
	PermChat:              1 << 7,
	PermConfigureTitle:    1 << 8,
	PermConfigureVisible:  1 << 9,
	PermConfigureQueue:    1 << 10,
	PermPromoteTrusted:    1 << 11,
	PermPromoteModerator:  1 << 12,
	PermPromoteAdmin:      1 << 13,
	PermDemoteTrusted:     1 << 14,
	PermDemoteModerator:   1 << 15,
	PermDemoteAdmin:       1 << 16,
}

// Bit returns the mask bit for a permission, or 0 if the name is unknown.
func Bit(p Permission) uint64 {
	return permissionBits[p]
}

// Grants holds one permission mask per role.
type Grants struct {
	masks map[Role]uint64
}

// NewGrants returns an empty grant table. Most callers want DefaultGrants.
func NewGrants() *Grants {
	return &Grants{masks: make(map[Role]uint64)}
}

// DefaultGrants builds the standard grant table. Each role's mask is a
// superset of every lower role's mask.
func DefaultGrants() *Grants {
	g := NewGrants()

	unregistered := Bit(PermPlaybackPlayPause) | Bit(PermPlaybackSkip) | Bit(PermPlaybackSeek) |
		Bit(PermQueueAdd) | Bit(PermQueueVote) | Bit(PermChat)
	registered := unregistered
	trusted := registered | Bit(PermQueueRemove) | Bit(PermQueueOrder)
	moderator := trusted | Bit(PermConfigureTitle) | Bit(PermPromoteTrusted) | Bit(PermDemoteTrusted)
	admin := moderator | Bit(PermConfigureVisible) | Bit(PermConfigureQueue) |
		Bit(PermPromoteModerator) | Bit(PermDemoteModerator)
	owner := admin | Bit(PermPromoteAdmin) | Bit(PermDemoteAdmin)

	g.masks[RoleUnregisteredUser] = unregistered
	g.masks[RoleRegisteredUser] = registered
	g.masks[RoleTrustedUser] = trusted
	g.masks[RoleModerator] = moderator
	g.masks[RoleAdministrator] = admin
	g.masks[RoleOwner] = owner
	return g
}

// Check verifies that role holds the named permission.
func (g *Grants) Check(role Role, perm Permission) error {
	bit, ok := permissionBits[perm]
	if !ok {
		return fmt.Errorf("%w: unknown permission %q", ErrPermissionDenied, perm)
	}
	if g.masks[role]&bit == 0 {
		return fmt.Errorf("%w: role %q lacks %q", ErrPermissionDenied, role, perm)
	}
	return nil
}

// Granted reports whether role holds the permission without building an error.
func (g *Grants) Granted(role Role, perm Permission) bool {
	return g.masks[role]&permissionBits[perm] != 0
}

// Mask returns the serializable bitmask for a role.
func (g *Grants) Mask(role Role) uint64 {
	return g.masks[role]
}

// SetMask replaces the mask for one role.
func (g *Grants) SetMask(role Role, mask uint64) {
	g.masks[role] = mask
}

// SetAll replaces every mask with the masks from other.
func (g *Grants) SetAll(other *Grants) {
	g.masks = make(map[Role]uint64, len(other.masks))
	for role, mask := range other.masks {
		g.masks[role] = mask
	}
}
