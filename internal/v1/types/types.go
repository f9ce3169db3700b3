package types

import "fmt"

// --- Core Domain Types ---

// ClientIDType uniquely identifies one connected socket within the service.
type ClientIDType string

// RoomNameType is the stable, service-unique name of a room.
type RoomNameType string

// PlayerStatusType reports a participant's local player state.
type PlayerStatusType string

const (
	PlayerStatusNone      PlayerStatusType = "none"
	PlayerStatusReady     PlayerStatusType = "ready"
	PlayerStatusBuffering PlayerStatusType = "buffering"
	PlayerStatusError     PlayerStatusType = "error"
)

// VisibilityType controls whether a room is listed publicly.
type VisibilityType string

const (
	VisibilityPublic   VisibilityType = "public"
	VisibilityUnlisted VisibilityType = "unlisted"
)

// QueueModeType selects how the queue is ordered.
type QueueModeType string

const (
	QueueModeManual QueueModeType = "manual"
	QueueModeVote   QueueModeType = "vote"
)

// VideoID identifies a video on a particular service.
type VideoID struct {
	Service string `json:"service"`
	ID      string `json:"id"`
}

// Key returns the string used to index vote maps.
func (v VideoID) Key() string {
	return v.Service + v.ID
}

// Equal reports whether two ids refer to the same (service, id) pair.
func (v VideoID) Equal(o VideoID) bool {
	return v.Service == o.Service && v.ID == o.ID
}

func (v VideoID) String() string {
	return fmt.Sprintf("%s:%s", v.Service, v.ID)
}

// Video carries the metadata the room needs for one queue entry.
type Video struct {
	VideoID
	Title     string  `json:"title,omitempty"`
	Length    float64 `json:"length"` // seconds
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// ClientInfo is the identity bundle a gateway derives for a connection and
// forwards to rooms on join and update.
type ClientInfo struct {
	ClientID ClientIDType      `json:"clientId"`
	UserID   int64             `json:"userId,omitempty"`
	Username string            `json:"username,omitempty"`
	Status   *PlayerStatusType `json:"status,omitempty"`
}
