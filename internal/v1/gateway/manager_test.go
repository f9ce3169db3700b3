package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/backend/go/internal/v1/auth"
	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/extractor"
	"github.com/watchroom/backend/go/internal/v1/room"
	"github.com/watchroom/backend/go/internal/v1/types"
	"github.com/watchroom/backend/go/internal/v1/users"
)

// mockConn is an in-memory wsConnection. Inbound frames are fed through a
// channel; written frames are recorded for assertions.
type mockConn struct {
	mu      sync.Mutex
	written []frame

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, frame{messageType, data})
	return nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) SetWriteDeadline(time.Time) error { return nil }

// receive feeds one frame into the read pump.
func (c *mockConn) receive(data string) {
	c.inbound <- []byte(data)
}

// textFrames returns every recorded text payload.
func (c *mockConn) textFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.written {
		if f.messageType == websocket.TextMessage {
			out = append(out, f.data)
		}
	}
	return out
}

// closeCode returns the application code of the recorded close frame, if any.
func (c *mockConn) closeCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.written {
		if f.messageType == websocket.CloseMessage && len(f.data) >= 2 {
			return int(binary.BigEndian.Uint16(f.data[:2])), true
		}
	}
	return 0, false
}

// firstFrameWithAction scans recorded text frames for one with the action.
func (c *mockConn) firstFrameWithAction(action string) (map[string]any, bool) {
	for _, data := range c.textFrames() {
		var decoded map[string]any
		if json.Unmarshal(data, &decoded) != nil {
			continue
		}
		if decoded["action"] == action {
			return decoded, true
		}
	}
	return nil, false
}

type gatewayFixture struct {
	mr      *miniredis.Miniredis
	svc     *bus.Service
	ex      *extractor.Fake
	rooms   *room.Manager
	manager *ClientManager
}

func newGatewayFixture(t *testing.T, start bool) *gatewayFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ex := extractor.NewFake()
	rooms := room.NewManager(svc, ex, users.NewMemoryStore(), nil)
	rooms.AutoCreateTemporary = true

	m := NewClientManager(rooms, svc, auth.NewSessions("test-secret-test-secret-test-sec", nil), nil, nil)
	if start {
		m.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = m.Shutdown(ctx)
		})
	}
	return &gatewayFixture{mr: mr, svc: svc, ex: ex, rooms: rooms, manager: m}
}

func TestHandleConnection_JoinSendsSnapshotFirst(t *testing.T) {
	f := newGatewayFixture(t, true)
	ctx := context.Background()

	// A snapshot already exists for the room; the joiner must see it before
	// anything else
	require.NoError(t, f.svc.SetKey(ctx, bus.RoomSyncKey("lobby"), []byte(`{"name":"lobby","title":"Movie night"}`)))

	conn := newMockConn()
	client := f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")
	require.NotNil(t, client)
	assert.EqualValues(t, "lobby", client.Room())

	require.Eventually(t, func() bool {
		_, ok := conn.firstFrameWithAction("sync")
		return ok
	}, time.Second, 10*time.Millisecond)

	frames := conn.textFrames()
	require.NotEmpty(t, frames)
	var first map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &first))
	assert.Equal(t, "sync", first["action"])
	assert.Equal(t, "Movie night", first["title"])

	r, err := f.rooms.GetRoom("lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, r.ParticipantCount())
	assert.Equal(t, 1, f.manager.ConnectionCount())
}

func TestHandleConnection_FirstJoinerGetsFullSnapshot(t *testing.T) {
	f := newGatewayFixture(t, true)
	ctx := context.Background()

	// No snapshot key exists yet: this join creates the room, and the full
	// sync must still arrive before any delta
	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "fresh-room")

	require.Eventually(t, func() bool {
		_, ok := conn.firstFrameWithAction("sync")
		return ok
	}, time.Second, 10*time.Millisecond)

	frames := conn.textFrames()
	require.NotEmpty(t, frames)
	var first map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &first))
	assert.Equal(t, "sync", first["action"])
	assert.Equal(t, "fresh-room", first["name"])
	assert.Contains(t, first, "queue")
	assert.Contains(t, first, "isPlaying")
	assert.Contains(t, first, "playbackPosition")
}

func TestHandleConnection_EmptyRoomName(t *testing.T) {
	f := newGatewayFixture(t, false)

	conn := newMockConn()
	f.manager.HandleConnection(context.Background(), conn, &auth.Session{ID: "s1"}, "")

	require.Eventually(t, func() bool {
		code, ok := conn.closeCode()
		return ok && code == CloseInvalidConnectionURL
	}, time.Second, 10*time.Millisecond)
}

func TestHandleConnection_RoomNotFound(t *testing.T) {
	f := newGatewayFixture(t, false)
	f.rooms.AutoCreateTemporary = false

	conn := newMockConn()
	f.manager.HandleConnection(context.Background(), conn, &auth.Session{ID: "s1"}, "nowhere")

	require.Eventually(t, func() bool {
		code, ok := conn.closeCode()
		return ok && code == CloseRoomNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestClientFrame_DrivesRoom(t *testing.T) {
	f := newGatewayFixture(t, true)
	ctx := context.Background()

	// Register metadata for the video the frame adds; unknown videos abort
	// the add.
	f.ex.AddVideo(types.Video{VideoID: types.VideoID{Service: "youtube", ID: "A"}, Length: 100})

	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	conn.receive(`{"action":"add","video":{"service":"youtube","id":"A"}}`)

	r, err := f.rooms.GetRoom("lobby")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(r.Queue()) == 1
	}, time.Second, 10*time.Millisecond)

	conn.receive(`{"action":"play"}`)
	require.Eventually(t, r.IsPlaying, time.Second, 10*time.Millisecond)
}

func TestClientFrame_Kickme(t *testing.T) {
	f := newGatewayFixture(t, true)

	conn := newMockConn()
	f.manager.HandleConnection(context.Background(), conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	conn.receive(`{"action":"kickme"}`)

	require.Eventually(t, func() bool {
		code, ok := conn.closeCode()
		return ok && code == CloseUnknown
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnect_AnnouncesLeave(t *testing.T) {
	f := newGatewayFixture(t, true)
	ctx := context.Background()

	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	r, err := f.rooms.GetRoom("lobby")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.ParticipantCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return r.ParticipantCount() == 0 && f.manager.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestOnBusMessage_SyncMergesAndBroadcasts(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	f.manager.onBusMessage(bus.RoomChannel("lobby"), `{"action":"sync","title":"Renamed"}`)

	require.Eventually(t, func() bool {
		_, ok := conn.firstFrameWithAction("sync")
		return ok
	}, time.Second, 10*time.Millisecond)

	// The delta is folded into the cached snapshot for future joiners
	snapshot, err := f.manager.snapshotFor(ctx, "lobby")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "Renamed", snapshot["title"])
	assert.NotContains(t, snapshot, "action")
}

func TestOnBusMessage_ChatAndEventBroadcast(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	f.manager.onBusMessage(bus.RoomChannel("lobby"), `{"action":"chat","text":"hi"}`)
	f.manager.onBusMessage(bus.RoomChannel("lobby"), `{"action":"event","request":{"type":"skip"}}`)

	require.Eventually(t, func() bool {
		_, chatOK := conn.firstFrameWithAction("chat")
		_, eventOK := conn.firstFrameWithAction("event")
		return chatOK && eventOK
	}, time.Second, 10*time.Millisecond)
}

func TestOnBusMessage_Unload(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	f.manager.onBusMessage(bus.RoomChannel("lobby"), `{"action":"unload"}`)

	require.Eventually(t, func() bool {
		code, ok := conn.closeCode()
		return ok && code == CloseRoomUnloaded
	}, time.Second, 10*time.Millisecond)

	f.manager.mu.Lock()
	_, joined := f.manager.roomJoins["lobby"]
	_, cached := f.manager.roomStates["lobby"]
	f.manager.mu.Unlock()
	assert.False(t, joined)
	assert.False(t, cached)
}

func TestOnBusMessage_UserTargetedDelivery(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	conn1 := newMockConn()
	c1 := f.manager.HandleConnection(ctx, conn1, &auth.Session{ID: "s1", Username: "ada"}, "lobby")
	conn2 := newMockConn()
	f.manager.HandleConnection(ctx, conn2, &auth.Session{ID: "s2", Username: "bea"}, "lobby")

	payload := fmt.Sprintf(`{"action":"user","user":{"id":"%s","name":"ada"}}`, c1.ID)
	f.manager.onBusMessage(bus.RoomChannel("lobby"), payload)

	require.Eventually(t, func() bool {
		_, ok := conn1.firstFrameWithAction("user")
		return ok
	}, time.Second, 10*time.Millisecond)

	msg, _ := conn1.firstFrameWithAction("user")
	user := msg["user"].(map[string]any)
	assert.Equal(t, true, user["isYou"])

	// The other member never sees a targeted frame
	_, leaked := conn2.firstFrameWithAction("user")
	assert.False(t, leaked)
}

func TestOnBusMessage_AnnouncementReachesEveryone(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	conn1 := newMockConn()
	f.manager.HandleConnection(ctx, conn1, &auth.Session{ID: "s1", Username: "ada"}, "lobby")
	conn2 := newMockConn()
	f.manager.HandleConnection(ctx, conn2, &auth.Session{ID: "s2", Username: "bea"}, "other-room")

	f.manager.onBusMessage(bus.AnnouncementChannel, `{"action":"announcement","text":"maintenance at noon"}`)

	require.Eventually(t, func() bool {
		_, ok1 := conn1.firstFrameWithAction("announcement")
		_, ok2 := conn2.firstFrameWithAction("announcement")
		return ok1 && ok2
	}, time.Second, 10*time.Millisecond)
}

func TestOnUserModified(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	conn := newMockConn()
	c := f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	r, err := f.rooms.GetRoom("lobby")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.ParticipantCount() == 1 }, time.Second, 10*time.Millisecond)

	f.manager.OnUserModified(ctx, &auth.Session{ID: "s1", Username: "ada-renamed"})

	assert.Equal(t, "ada-renamed", c.Session().Username)
	assert.Equal(t, "ada-renamed", c.Info().Username)
}

func TestClientInfo_Precedence(t *testing.T) {
	f := newGatewayFixture(t, false)

	registered := newClient("c1", newMockConn(), &auth.Session{ID: "s1", UserID: 42, Username: "ignored"}, f.manager)
	assert.EqualValues(t, 42, registered.Info().UserID)
	assert.Empty(t, registered.Info().Username)

	named := newClient("c2", newMockConn(), &auth.Session{ID: "s2", Username: "ada"}, f.manager)
	assert.Equal(t, "ada", named.Info().Username)

	anonymous := newClient("c3", newMockConn(), &auth.Session{ID: "s3"}, f.manager)
	name := anonymous.Info().Username
	assert.NotEmpty(t, name)
	// The generated name is stable for the life of the connection
	assert.Equal(t, name, anonymous.Info().Username)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	f := newGatewayFixture(t, false)
	f.manager.Start(context.Background())
	ctx := context.Background()

	conn := newMockConn()
	f.manager.HandleConnection(ctx, conn, &auth.Session{ID: "s1", Username: "ada"}, "lobby")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(shutdownCtx))

	require.Eventually(t, func() bool {
		select {
		case <-conn.closed:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
