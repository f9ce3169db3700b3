package room

import (
	"context"

	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/types"
	"github.com/watchroom/backend/go/internal/v1/users"
	"go.uber.org/zap"
)

// RoomUser is one participant's view inside a room. It is owned exclusively
// by its Room; all access happens under the room lock.
type RoomUser struct {
	ClientID             types.ClientIDType
	UserID               int64
	UnregisteredUsername string
	PlayerStatus         types.PlayerStatusType

	cachedUser *users.User
	store      users.Store
}

func newRoomUser(clientID types.ClientIDType, store users.Store) *RoomUser {
	return &RoomUser{
		ClientID:     clientID,
		PlayerStatus: types.PlayerStatusNone,
		store:        store,
	}
}

// UpdateInfo applies an identity bundle from the gateway. A registered user
// id wins over an unregistered username; a status change applies either way.
func (u *RoomUser) UpdateInfo(ctx context.Context, info types.ClientInfo) {
	switch {
	case info.UserID != 0:
		u.UserID = info.UserID
		u.UnregisteredUsername = ""
		if u.store != nil {
			account, err := u.store.GetByID(ctx, info.UserID)
			if err != nil {
				logging.Warn(ctx, "Failed to fetch account for participant",
					zap.Int64("userId", info.UserID), zap.Error(err))
			} else {
				u.cachedUser = account
			}
		}
	case info.Username != "":
		u.UnregisteredUsername = info.Username
		u.UserID = 0
		u.cachedUser = nil
	}

	if info.Status != nil {
		u.PlayerStatus = *info.Status
	}
}

// IsLoggedIn reports whether this participant has a registered account.
func (u *RoomUser) IsLoggedIn() bool {
	return u.UserID != 0
}

// Username returns the display name: the account username when logged in,
// otherwise the unregistered name.
func (u *RoomUser) Username() string {
	if u.IsLoggedIn() && u.cachedUser != nil {
		return u.cachedUser.Username
	}
	return u.UnregisteredUsername
}

// Info returns the identity bundle for event publication.
func (u *RoomUser) Info() types.ClientInfo {
	status := u.PlayerStatus
	return types.ClientInfo{
		ClientID: u.ClientID,
		UserID:   u.UserID,
		Username: u.Username(),
		Status:   &status,
	}
}

// UserView is the participant shape embedded in sync snapshots.
type UserView struct {
	ID         types.ClientIDType     `json:"id"`
	Name       string                 `json:"name"`
	IsLoggedIn bool                   `json:"isLoggedIn"`
	Role       string                 `json:"role"`
	Status     types.PlayerStatusType `json:"status"`
}
