package room

import (
	"github.com/watchroom/backend/go/internal/v1/grants"
	"github.com/watchroom/backend/go/internal/v1/types"
)

// RequestType tags the request variants the engine dispatches over.
type RequestType string

const (
	RequestPlayback   RequestType = "play-pause"
	RequestSkip       RequestType = "skip"
	RequestSeek       RequestType = "seek"
	RequestAdd        RequestType = "add"
	RequestRemove     RequestType = "remove"
	RequestOrder      RequestType = "order"
	RequestVote       RequestType = "vote"
	RequestJoin       RequestType = "join"
	RequestLeave      RequestType = "leave"
	RequestUpdateUser RequestType = "update-user"
	RequestChat       RequestType = "chat"
	RequestUndo       RequestType = "undo"
	RequestPromote    RequestType = "promote"
	RequestPlayNow    RequestType = "play-now"
	RequestShuffle    RequestType = "shuffle"
	RequestSettings   RequestType = "settings"
)

// requestPermissions maps request types to the generic permission checked
// before dispatch. Types absent here either need no permission or carry
// their own checks inside the handler.
var requestPermissions = map[RequestType]grants.Permission{
	RequestPlayback: grants.PermPlaybackPlayPause,
	RequestSkip:     grants.PermPlaybackSkip,
	RequestSeek:     grants.PermPlaybackSeek,
	RequestAdd:      grants.PermQueueAdd,
	RequestRemove:   grants.PermQueueRemove,
	RequestOrder:    grants.PermQueueOrder,
	RequestVote:     grants.PermQueueVote,
	RequestChat:     grants.PermChat,
	RequestPlayNow:  grants.PermQueueOrder,
	RequestShuffle:  grants.PermQueueOrder,
}

// Request is one unit of work submitted to a room on behalf of a client.
type Request interface {
	Type() RequestType
	Client() types.ClientIDType
}

// RequestBase carries the fields common to every request variant; embed it to
// satisfy the Client accessor.
type RequestBase struct {
	ClientID types.ClientIDType
}

// NewRequestBase builds the common base for a request on behalf of a client.
func NewRequestBase(clientID types.ClientIDType) RequestBase {
	return RequestBase{ClientID: clientID}
}

func (b RequestBase) Client() types.ClientIDType { return b.ClientID }

// PlaybackRequest toggles play/pause.
type PlaybackRequest struct {
	RequestBase
	State bool
}

func (PlaybackRequest) Type() RequestType { return RequestPlayback }

// SkipRequest advances past the current video.
type SkipRequest struct {
	RequestBase
}

func (SkipRequest) Type() RequestType { return RequestSkip }

// SeekRequest moves the playback position.
type SeekRequest struct {
	RequestBase
	Value *float64
}

func (SeekRequest) Type() RequestType { return RequestSeek }

// AddRequest appends one or more videos to the queue. Exactly one of URL,
// Video, or Videos is set.
type AddRequest struct {
	RequestBase
	URL    string
	Video  *types.VideoID
	Videos []types.VideoID
}

func (AddRequest) Type() RequestType { return RequestAdd }

// RemoveRequest removes a queued video.
type RemoveRequest struct {
	RequestBase
	Video types.VideoID
}

func (RemoveRequest) Type() RequestType { return RequestRemove }

// OrderRequest moves a queue entry from one index to another.
type OrderRequest struct {
	RequestBase
	FromIdx int
	ToIdx   int
}

func (OrderRequest) Type() RequestType { return RequestOrder }

// VoteRequest adds or removes the client's vote for a video.
type VoteRequest struct {
	RequestBase
	Video types.VideoID
	Add   bool
}

func (VoteRequest) Type() RequestType { return RequestVote }

// JoinRequest registers a new participant.
type JoinRequest struct {
	RequestBase
	Info types.ClientInfo
}

func (JoinRequest) Type() RequestType { return RequestJoin }

// LeaveRequest removes a participant.
type LeaveRequest struct {
	RequestBase
}

func (LeaveRequest) Type() RequestType { return RequestLeave }

// UpdateUserRequest refreshes a participant's identity or player status.
type UpdateUserRequest struct {
	RequestBase
	Info types.ClientInfo
}

func (UpdateUserRequest) Type() RequestType { return RequestUpdateUser }

// ChatRequest relays a chat line. Chat is published, never stored.
type ChatRequest struct {
	RequestBase
	Text string
}

func (ChatRequest) Type() RequestType { return RequestChat }

// UndoRequest inverts a prior event echoed back by the client. The server
// keeps no history of its own.
type UndoRequest struct {
	RequestBase
	Event Event
}

func (UndoRequest) Type() RequestType { return RequestUndo }

// PromoteRequest changes another participant's role.
type PromoteRequest struct {
	RequestBase
	TargetClientID types.ClientIDType
	Role           grants.Role
}

func (PromoteRequest) Type() RequestType { return RequestPromote }

// PlayNowRequest promotes a queued video directly to the current source.
type PlayNowRequest struct {
	RequestBase
	Video types.VideoID
}

func (PlayNowRequest) Type() RequestType { return RequestPlayNow }

// ShuffleRequest randomizes the queue order.
type ShuffleRequest struct {
	RequestBase
}

func (ShuffleRequest) Type() RequestType { return RequestShuffle }

// SettingsRequest applies room configuration changes; nil fields are left
// untouched. Each non-nil field is gated by its own configure-room permission.
type SettingsRequest struct {
	RequestBase
	Title       *string
	Description *string
	Visibility  *types.VisibilityType
	QueueMode   *types.QueueModeType
}

func (SettingsRequest) Type() RequestType { return RequestSettings }

// Event is the payload of a published "event" message, and what a client
// echoes back in an UndoRequest. It carries just enough to invert the request.
type Event struct {
	RequestType  RequestType  `json:"type"`
	Video        *types.Video `json:"video,omitempty"`
	Videos       []types.Video `json:"videos,omitempty"`
	PrevPosition float64      `json:"prevPosition,omitempty"`
	QueueIdx     int          `json:"queueIdx,omitempty"`
}

// EventMessage is the wire form published on the room channel after every
// completed state-changing request.
type EventMessage struct {
	Action  string           `json:"action"`
	Request Event            `json:"request"`
	User    types.ClientInfo `json:"user"`
}

// ChatMessage is the wire form of a relayed chat line.
type ChatMessage struct {
	Action string           `json:"action"`
	From   types.ClientInfo `json:"from"`
	Text   string           `json:"text"`
}

// UserMessage is the wire form of a targeted identity frame. The gateway
// delivers it only to the client it names, marked with isYou.
type UserMessage struct {
	Action string   `json:"action"`
	User   UserView `json:"user"`
}
