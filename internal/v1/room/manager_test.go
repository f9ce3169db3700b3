package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/extractor"
	"github.com/watchroom/backend/go/internal/v1/types"
	"github.com/watchroom/backend/go/internal/v1/users"
)

func newTestManager(t *testing.T) (*Manager, *fakeBus, *clocktesting.FakeClock) {
	t.Helper()
	b := newFakeBus()
	clk := clocktesting.NewFakeClock(time.Now())
	m := NewManager(b, extractor.NewFake(), users.NewMemoryStore(), clk)
	return m, b, clk
}

func TestManager_GetRoom_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.GetRoom("nowhere")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestManager_GetRoom_AutoCreateTemporary(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.AutoCreateTemporary = true

	r, err := m.GetRoom("adhoc")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "adhoc", r.Name())

	// Same name resolves to the same instance
	again, err := m.GetRoom("adhoc")
	require.NoError(t, err)
	assert.Same(t, r, again)
}

func TestManager_CreateRoom(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRoom(ctx, Options{Name: "movie-night", Title: "Movie night"})
	require.NoError(t, err)
	assert.Equal(t, "movie-night", r.Name())

	_, err = m.CreateRoom(ctx, Options{Name: "movie-night"})
	assert.ErrorIs(t, err, ErrRoomAlreadyExists)

	_, err = m.CreateRoom(ctx, Options{})
	assert.Error(t, err)
}

func TestManager_CreateRoom_RestoresSnapshot(t *testing.T) {
	m, b, _ := newTestManager(t)
	ctx := context.Background()

	snap := []byte(`{
		"title": "Revived",
		"currentSource": {"service": "youtube", "id": "A", "length": 100},
		"queue": [{"service": "youtube", "id": "B", "length": 50}],
		"playbackPosition": 12.5,
		"isPlaying": true
	}`)
	require.NoError(t, b.SetKey(ctx, bus.RoomSyncKey("revived"), snap))

	r, err := m.CreateRoom(ctx, Options{Name: "revived"})
	require.NoError(t, err)

	require.NotNil(t, r.CurrentSource())
	assert.Equal(t, "A", r.CurrentSource().ID)
	require.Len(t, r.Queue(), 1)
	assert.Equal(t, "B", r.Queue()[0].ID)
	assert.Equal(t, 12.5, r.EffectivePosition())
	// Restored rooms come back paused regardless of the stored flag
	assert.False(t, r.IsPlaying())
}

func TestManager_CreateRoom_IgnoresBadSnapshot(t *testing.T) {
	m, b, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, b.SetKey(ctx, bus.RoomSyncKey("garbled"), []byte("not json")))

	r, err := m.CreateRoom(ctx, Options{Name: "garbled", Title: "Fresh"})
	require.NoError(t, err)
	assert.Nil(t, r.CurrentSource())
}

func TestManager_TickAll_UnloadsStaleRooms(t *testing.T) {
	m, b, clk := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRoom(ctx, Options{Name: "ghost-town"})
	require.NoError(t, err)

	clk.Step(staleTimeout + time.Second)
	m.tickAll(ctx)

	assert.True(t, r.IsStale())
	_, err = m.GetRoom("ghost-town")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	unloads := b.messages(bus.RoomChannel("ghost-town"), "unload")
	assert.Len(t, unloads, 1)
}

func TestManager_TickAll_KeepsOccupiedRooms(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRoom(ctx, Options{Name: "busy"})
	require.NoError(t, err)
	require.NoError(t, r.ProcessRequest(ctx, JoinRequest{
		RequestBase: NewRequestBase("c1"),
		Info:        types.ClientInfo{ClientID: "c1", Username: "ada"},
	}))

	// Ticks refresh the keepalive while anyone is connected
	for i := 0; i < 5; i++ {
		clk.Step(staleTimeout / 2)
		m.tickAll(ctx)
	}

	got, err := m.GetRoom("busy")
	require.NoError(t, err)
	assert.Same(t, r, got)
}

func TestManager_StartShutdown(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}
