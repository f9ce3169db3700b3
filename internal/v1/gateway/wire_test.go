package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/backend/go/internal/v1/grants"
	"github.com/watchroom/backend/go/internal/v1/room"
	"github.com/watchroom/backend/go/internal/v1/types"
)

func parseFrame(t *testing.T, raw string) *inboundMessage {
	t.Helper()
	var msg inboundMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestTranslate_Playback(t *testing.T) {
	req, err := translate("c1", parseFrame(t, `{"action":"play"}`))
	require.NoError(t, err)
	assert.Equal(t, room.PlaybackRequest{RequestBase: room.NewRequestBase("c1"), State: true}, req)

	req, err = translate("c1", parseFrame(t, `{"action":"pause"}`))
	require.NoError(t, err)
	assert.Equal(t, room.PlaybackRequest{RequestBase: room.NewRequestBase("c1"), State: false}, req)

	req, err = translate("c1", parseFrame(t, `{"action":"skip"}`))
	require.NoError(t, err)
	assert.IsType(t, room.SkipRequest{}, req)
}

func TestTranslate_Seek(t *testing.T) {
	req, err := translate("c1", parseFrame(t, `{"action":"seek","value":12.5}`))
	require.NoError(t, err)
	seek, ok := req.(room.SeekRequest)
	require.True(t, ok)
	require.NotNil(t, seek.Value)
	assert.Equal(t, 12.5, *seek.Value)

	// Zero is a valid position and must survive the pointer round trip
	req, err = translate("c1", parseFrame(t, `{"action":"seek","value":0}`))
	require.NoError(t, err)
	require.NotNil(t, req.(room.SeekRequest).Value)
	assert.Zero(t, *req.(room.SeekRequest).Value)

	_, err = translate("c1", parseFrame(t, `{"action":"seek"}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})
}

func TestTranslate_QueueMove(t *testing.T) {
	req, err := translate("c1", parseFrame(t, `{"action":"queue-move","fromIdx":2,"toIdx":0}`))
	require.NoError(t, err)
	assert.Equal(t, room.OrderRequest{RequestBase: room.NewRequestBase("c1"), FromIdx: 2, ToIdx: 0}, req)

	_, err = translate("c1", parseFrame(t, `{"action":"queue-move","fromIdx":2}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})
}

func TestTranslate_ChatAndStatus(t *testing.T) {
	req, err := translate("c1", parseFrame(t, `{"action":"chat","text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, room.ChatRequest{RequestBase: room.NewRequestBase("c1"), Text: "hello"}, req)

	req, err = translate("c1", parseFrame(t, `{"action":"status","status":"buffering"}`))
	require.NoError(t, err)
	update, ok := req.(room.UpdateUserRequest)
	require.True(t, ok)
	require.NotNil(t, update.Info.Status)
	assert.Equal(t, types.PlayerStatusBuffering, *update.Info.Status)
}

func TestTranslate_SetRole(t *testing.T) {
	req, err := translate("c1", parseFrame(t, `{"action":"set-role","targetClientId":"c2","role":"moderator"}`))
	require.NoError(t, err)
	assert.Equal(t, room.PromoteRequest{
		RequestBase:    room.NewRequestBase("c1"),
		TargetClientID: "c2",
		Role:           grants.RoleModerator,
	}, req)

	_, err = translate("c1", parseFrame(t, `{"action":"set-role","role":"moderator"}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})
}

func TestTranslate_QueueActions(t *testing.T) {
	req, err := translate("c1", parseFrame(t, `{"action":"add","url":"https://youtu.be/A"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://youtu.be/A", req.(room.AddRequest).URL)

	req, err = translate("c1", parseFrame(t, `{"action":"add","video":{"service":"youtube","id":"A"}}`))
	require.NoError(t, err)
	require.NotNil(t, req.(room.AddRequest).Video)
	assert.Equal(t, "A", req.(room.AddRequest).Video.ID)

	req, err = translate("c1", parseFrame(t, `{"action":"add","videos":[{"service":"youtube","id":"A"},{"service":"youtube","id":"B"}]}`))
	require.NoError(t, err)
	assert.Len(t, req.(room.AddRequest).Videos, 2)

	_, err = translate("c1", parseFrame(t, `{"action":"add"}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})

	req, err = translate("c1", parseFrame(t, `{"action":"remove","video":{"service":"youtube","id":"A"}}`))
	require.NoError(t, err)
	assert.Equal(t, "A", req.(room.RemoveRequest).Video.ID)

	_, err = translate("c1", parseFrame(t, `{"action":"remove"}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})

	req, err = translate("c1", parseFrame(t, `{"action":"vote","video":{"service":"youtube","id":"A"},"add":true}`))
	require.NoError(t, err)
	assert.True(t, req.(room.VoteRequest).Add)

	_, err = translate("c1", parseFrame(t, `{"action":"vote","video":{"service":"youtube","id":"A"}}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})

	req, err = translate("c1", parseFrame(t, `{"action":"play-now","video":{"service":"youtube","id":"A"}}`))
	require.NoError(t, err)
	assert.Equal(t, "A", req.(room.PlayNowRequest).Video.ID)

	_, err = translate("c1", parseFrame(t, `{"action":"shuffle"}`))
	assert.NoError(t, err)
}

func TestTranslate_Undo(t *testing.T) {
	req, err := translate("c1", parseFrame(t,
		`{"action":"undo","event":{"type":"skip","video":{"service":"youtube","id":"A","length":100},"prevPosition":30}}`))
	require.NoError(t, err)
	undo, ok := req.(room.UndoRequest)
	require.True(t, ok)
	assert.Equal(t, room.RequestSkip, undo.Event.RequestType)
	require.NotNil(t, undo.Event.Video)
	assert.Equal(t, 30.0, undo.Event.PrevPosition)

	_, err = translate("c1", parseFrame(t, `{"action":"undo"}`))
	assert.ErrorAs(t, err, &errMalformedMessage{})
}

func TestTranslate_Settings(t *testing.T) {
	req, err := translate("c1", parseFrame(t,
		`{"action":"settings","title":"Movie night","visibility":"unlisted","queueMode":"vote"}`))
	require.NoError(t, err)
	settings, ok := req.(room.SettingsRequest)
	require.True(t, ok)
	require.NotNil(t, settings.Title)
	assert.Equal(t, "Movie night", *settings.Title)
	require.NotNil(t, settings.Visibility)
	assert.Equal(t, types.VisibilityUnlisted, *settings.Visibility)
	require.NotNil(t, settings.QueueMode)
	assert.Equal(t, types.QueueModeVote, *settings.QueueMode)
	assert.Nil(t, settings.Description)
}

func TestTranslate_UnknownAction(t *testing.T) {
	_, err := translate("c1", parseFrame(t, `{"action":"teleport"}`))
	assert.ErrorAs(t, err, &errUnknownAction{})
	assert.Contains(t, err.Error(), "teleport")
}

func TestSyncFrame(t *testing.T) {
	data, err := syncFrame(map[string]any{"title": "X", "isPlaying": true})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "sync", decoded["action"])
	assert.Equal(t, "X", decoded["title"])
	assert.Equal(t, true, decoded["isPlaying"])
}
