// Package gateway owns the client sockets of one process: session identity,
// translation between the JSON wire protocol and room requests, per-room
// membership bookkeeping, and fan-out of bus broadcasts to local sockets.
package gateway

import (
	"encoding/json"

	"github.com/watchroom/backend/go/internal/v1/grants"
	"github.com/watchroom/backend/go/internal/v1/room"
	"github.com/watchroom/backend/go/internal/v1/types"
)

// Close codes sent to clients. The 4xxx range is reserved for applications by
// RFC 6455.
const (
	CloseInvalidConnectionURL = 4400
	CloseRoomNotFound         = 4404
	CloseRoomUnloaded         = 4410
	CloseUnknown              = 4000
)

// Wire actions accepted from clients. Anything else is logged and ignored.
const (
	actionPlay      = "play"
	actionPause     = "pause"
	actionSkip      = "skip"
	actionSeek      = "seek"
	actionQueueMove = "queue-move"
	actionChat      = "chat"
	actionStatus    = "status"
	actionSetRole   = "set-role"
	actionKickMe    = "kickme"
	actionAdd       = "add"
	actionRemove    = "remove"
	actionVote      = "vote"
	actionUndo      = "undo"
	actionPlayNow   = "play-now"
	actionShuffle   = "shuffle"
	actionSettings  = "settings"
)

// inboundMessage is the superset of all client-to-server frames. Which fields
// are meaningful depends on Action.
type inboundMessage struct {
	Action string `json:"action"`

	Value   *float64 `json:"value,omitempty"`
	FromIdx *int     `json:"fromIdx,omitempty"`
	ToIdx   *int     `json:"toIdx,omitempty"`
	Text    string   `json:"text,omitempty"`
	Status  string   `json:"status,omitempty"`

	TargetClientID string `json:"targetClientId,omitempty"`
	Role           string `json:"role,omitempty"`

	URL    string          `json:"url,omitempty"`
	Video  *types.VideoID  `json:"video,omitempty"`
	Videos []types.VideoID `json:"videos,omitempty"`
	Add    *bool           `json:"add,omitempty"`

	Event *room.Event `json:"event,omitempty"`

	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Visibility  *string `json:"visibility,omitempty"`
	QueueMode   *string `json:"queueMode,omitempty"`
}

// errUnknownAction marks frames whose action has no translation.
type errUnknownAction struct{ action string }

func (e errUnknownAction) Error() string { return "unknown wire action: " + e.action }

// errMalformedMessage marks frames missing required fields for their action.
type errMalformedMessage struct{ action string }

func (e errMalformedMessage) Error() string { return "malformed " + e.action + " message" }

// translate maps one inbound frame to the room request it stands for. A nil
// request with a nil error means the frame is handled entirely by the gateway
// (currently only kickme).
func translate(clientID types.ClientIDType, msg *inboundMessage) (room.Request, error) {
	base := room.NewRequestBase(clientID)

	switch msg.Action {
	case actionPlay:
		return room.PlaybackRequest{RequestBase: base, State: true}, nil
	case actionPause:
		return room.PlaybackRequest{RequestBase: base, State: false}, nil
	case actionSkip:
		return room.SkipRequest{RequestBase: base}, nil
	case actionSeek:
		if msg.Value == nil {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.SeekRequest{RequestBase: base, Value: msg.Value}, nil
	case actionQueueMove:
		if msg.FromIdx == nil || msg.ToIdx == nil {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.OrderRequest{RequestBase: base, FromIdx: *msg.FromIdx, ToIdx: *msg.ToIdx}, nil
	case actionChat:
		return room.ChatRequest{RequestBase: base, Text: msg.Text}, nil
	case actionStatus:
		status := types.PlayerStatusType(msg.Status)
		return room.UpdateUserRequest{RequestBase: base, Info: types.ClientInfo{
			ClientID: clientID,
			Status:   &status,
		}}, nil
	case actionSetRole:
		if msg.TargetClientID == "" || msg.Role == "" {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.PromoteRequest{
			RequestBase:    base,
			TargetClientID: types.ClientIDType(msg.TargetClientID),
			Role:           grants.Role(msg.Role),
		}, nil
	case actionAdd:
		if msg.URL == "" && msg.Video == nil && len(msg.Videos) == 0 {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.AddRequest{RequestBase: base, URL: msg.URL, Video: msg.Video, Videos: msg.Videos}, nil
	case actionRemove:
		if msg.Video == nil {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.RemoveRequest{RequestBase: base, Video: *msg.Video}, nil
	case actionVote:
		if msg.Video == nil || msg.Add == nil {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.VoteRequest{RequestBase: base, Video: *msg.Video, Add: *msg.Add}, nil
	case actionUndo:
		if msg.Event == nil {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.UndoRequest{RequestBase: base, Event: *msg.Event}, nil
	case actionPlayNow:
		if msg.Video == nil {
			return nil, errMalformedMessage{msg.Action}
		}
		return room.PlayNowRequest{RequestBase: base, Video: *msg.Video}, nil
	case actionShuffle:
		return room.ShuffleRequest{RequestBase: base}, nil
	case actionSettings:
		req := room.SettingsRequest{RequestBase: base, Title: msg.Title, Description: msg.Description}
		if msg.Visibility != nil {
			v := types.VisibilityType(*msg.Visibility)
			req.Visibility = &v
		}
		if msg.QueueMode != nil {
			q := types.QueueModeType(*msg.QueueMode)
			req.QueueMode = &q
		}
		return req, nil
	default:
		return nil, errUnknownAction{msg.Action}
	}
}

// syncFrame wraps a snapshot (or delta) as an outbound sync message.
func syncFrame(fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["action"] = "sync"
	return json.Marshal(out)
}
