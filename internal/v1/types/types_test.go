package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoID(t *testing.T) {
	a := VideoID{Service: "youtube", ID: "abc"}
	b := VideoID{Service: "youtube", ID: "abc"}
	c := VideoID{Service: "vimeo", ID: "abc"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "youtubeabc", a.Key())
	assert.Equal(t, "youtube:abc", a.String())
}

func TestVideo_JSONShape(t *testing.T) {
	v := Video{
		VideoID: VideoID{Service: "youtube", ID: "abc"},
		Title:   "A video",
		Length:  212.5,
	}

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	// VideoID embeds flat into the video object
	assert.Equal(t, "youtube", decoded["service"])
	assert.Equal(t, "abc", decoded["id"])
	assert.Equal(t, 212.5, decoded["length"])
	assert.NotContains(t, decoded, "thumbnail")
}

func TestClientInfo_OmitsEmptyIdentity(t *testing.T) {
	data, err := json.Marshal(ClientInfo{ClientID: "c1"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "c1", decoded["clientId"])
	assert.NotContains(t, decoded, "userId")
	assert.NotContains(t, decoded, "username")
	assert.NotContains(t, decoded, "status")
}
