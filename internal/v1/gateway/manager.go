package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchroom/backend/go/internal/v1/auth"
	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/metrics"
	"github.com/watchroom/backend/go/internal/v1/ratelimit"
	"github.com/watchroom/backend/go/internal/v1/room"
	"github.com/watchroom/backend/go/internal/v1/types"
)

// keepaliveInterval is the cadence of ping frames to every open socket.
const keepaliveInterval = 10 * time.Second

// RoomDirectory resolves room names to loaded rooms. Satisfied by
// *room.Manager; an interface here keeps the gateway free of a dependency
// cycle with room construction.
type RoomDirectory interface {
	GetRoom(name string) (*room.Room, error)
}

// BusService is the slice of the message bus the gateway uses: snapshot reads
// for full syncs and a growable subscription for broadcast channels.
type BusService interface {
	GetKey(ctx context.Context, key string) ([]byte, error)
	Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(channel, payload string), channels ...string) *bus.Subscription
}

// ClientManager owns every socket of this process. All membership and cached
// snapshot state lives behind one mutex; socket I/O happens on the per-client
// pumps.
type ClientManager struct {
	mu          sync.Mutex
	connections map[types.ClientIDType]*Client
	roomJoins   map[types.RoomNameType]map[types.ClientIDType]*Client
	roomStates  map[types.RoomNameType]map[string]any

	rooms    RoomDirectory
	bus      BusService
	sessions *auth.Sessions
	limiter  *ratelimit.RateLimiter

	allowedOrigins []string

	sub    *bus.Subscription
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClientManager wires the gateway's collaborators. A nil limiter disables
// rate limiting (tests and dev mode).
func NewClientManager(rooms RoomDirectory, b BusService, sessions *auth.Sessions, limiter *ratelimit.RateLimiter, allowedOrigins []string) *ClientManager {
	return &ClientManager{
		connections:    make(map[types.ClientIDType]*Client),
		roomJoins:      make(map[types.RoomNameType]map[types.ClientIDType]*Client),
		roomStates:     make(map[types.RoomNameType]map[string]any),
		rooms:          rooms,
		bus:            b,
		sessions:       sessions,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
	}
}

// Start opens the bus subscription (announcement channel; room channels are
// added as clients join) and launches the keepalive loop.
func (m *ClientManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.sub = m.bus.Subscribe(m.ctx, &m.wg, m.onBusMessage, bus.AnnouncementChannel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.pingAll()
			}
		}
	}()
}

// ServeWs upgrades a request on /api/room/:roomName and runs the join flow.
func (m *ClientManager) ServeWs(c *gin.Context) {
	if m.limiter != nil && !m.limiter.CheckWebSocket(c) {
		return // response already written
	}

	session, err := m.sessions.FromRequest(c.Request)
	if err != nil {
		logging.Warn(c.Request.Context(), "Rejecting socket with invalid session", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, m.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	m.HandleConnection(c.Request.Context(), conn, session, c.Param("roomName"))
}

// HandleConnection registers an established socket and joins it to its room.
// Exposed separately from ServeWs so tests can drive mock connections.
func (m *ClientManager) HandleConnection(ctx context.Context, conn wsConnection, session *auth.Session, roomName string) *Client {
	client := newClient(types.ClientIDType(uuid.NewString()), conn, session, m)

	m.mu.Lock()
	m.connections[client.ID] = client
	m.mu.Unlock()
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()

	if roomName == "" {
		logging.Warn(ctx, "Socket opened with no room in the URL", zap.String("clientId", string(client.ID)))
		client.CloseWithCode(CloseInvalidConnectionURL, "connection URL must name a room")
		return client
	}

	if err := m.joinRoom(ctx, client, types.RoomNameType(roomName)); err != nil {
		logging.Warn(ctx, "Join failed, closing socket",
			zap.String("clientId", string(client.ID)),
			zap.String("room", roomName), zap.Error(err))
		client.CloseWithCode(CloseRoomNotFound, "room not found")
	}
	return client
}

// joinRoom runs the join sequence: resolve the room, send the full snapshot,
// widen the bus subscription, record membership, then announce the join. The
// snapshot is sent before membership is recorded so the full sync always
// precedes any delta on this socket.
func (m *ClientManager) joinRoom(ctx context.Context, client *Client, name types.RoomNameType) error {
	r, err := m.rooms.GetRoom(string(name))
	if err != nil {
		return err
	}

	client.setRoom(name)

	snapshot, err := m.snapshotFor(ctx, name)
	if err != nil {
		logging.Warn(ctx, "Snapshot fetch failed, serving the live room state",
			zap.String("room", string(name)), zap.Error(err))
	}
	if snapshot == nil {
		// A freshly loaded room has not published yet; build the snapshot from
		// the live room so the full sync still precedes every delta.
		snapshot = r.Snapshot()
	}
	if data, err := syncFrame(snapshot); err == nil {
		client.Send(data)
	}

	if m.sub != nil {
		if err := m.sub.AddChannel(ctx, bus.RoomChannel(string(name))); err != nil {
			logging.Error(ctx, "Failed to widen bus subscription",
				zap.String("room", string(name)), zap.Error(err))
		}
	}

	m.mu.Lock()
	if m.roomJoins[name] == nil {
		m.roomJoins[name] = make(map[types.ClientIDType]*Client)
	}
	m.roomJoins[name][client.ID] = client
	m.mu.Unlock()

	client.sendRequest(ctx, r, room.JoinRequest{
		RequestBase: room.NewRequestBase(client.ID),
		Info:        client.Info(),
	})
	return nil
}

// snapshotFor returns the cached room snapshot, fetching it from the bus key
// on a miss.
func (m *ClientManager) snapshotFor(ctx context.Context, name types.RoomNameType) (map[string]any, error) {
	m.mu.Lock()
	if cached, ok := m.roomStates[name]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	raw, err := m.bus.GetKey(ctx, bus.RoomSyncKey(string(name)))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.roomStates[name] = snapshot
	m.mu.Unlock()
	return snapshot, nil
}

// handleDisconnect removes a dead socket and announces the leave to its room.
func (m *ClientManager) handleDisconnect(client *Client) {
	client.Disconnect()

	m.mu.Lock()
	_, known := m.connections[client.ID]
	delete(m.connections, client.ID)
	name := client.Room()
	if name != "" {
		if members, ok := m.roomJoins[name]; ok {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(m.roomJoins, name)
			}
		}
	}
	m.mu.Unlock()

	if !known {
		return
	}
	metrics.DecConnection()

	if name != "" {
		if r, err := m.rooms.GetRoom(string(name)); err == nil {
			client.sendRequest(context.Background(), r, room.LeaveRequest{
				RequestBase: room.NewRequestBase(client.ID),
			})
		}
	}
}

// onBusMessage routes one bus broadcast to the local sockets it concerns.
func (m *ClientManager) onBusMessage(channel, payload string) {
	if channel == bus.AnnouncementChannel {
		m.broadcastAll([]byte(payload))
		return
	}

	name, ok := roomFromChannel(channel)
	if !ok {
		logging.Warn(context.Background(), "Bus message on unexpected channel", zap.String("channel", channel))
		return
	}

	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		logging.Warn(context.Background(), "Malformed bus message", zap.String("channel", channel), zap.Error(err))
		return
	}
	metrics.BusMessages.WithLabelValues(head.Action).Inc()

	switch head.Action {
	case "sync":
		m.mergeSnapshot(name, payload)
		m.broadcastRoom(name, []byte(payload))
	case "event", "chat":
		m.broadcastRoom(name, []byte(payload))
	case "unload":
		m.closeRoomClients(name)
	case "user":
		m.deliverUserMessage(name, payload)
	default:
		logging.Warn(context.Background(), "Bus message with unknown action",
			zap.String("channel", channel), zap.String("busAction", head.Action))
	}
}

func roomFromChannel(channel string) (types.RoomNameType, bool) {
	const prefix = "room:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return types.RoomNameType(channel[len(prefix):]), true
}

// mergeSnapshot folds a sync delta into the cached snapshot for the room.
func (m *ClientManager) mergeSnapshot(name types.RoomNameType, payload string) {
	var delta map[string]any
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		logging.Warn(context.Background(), "Malformed sync delta", zap.String("room", string(name)), zap.Error(err))
		return
	}
	delete(delta, "action")

	m.mu.Lock()
	defer m.mu.Unlock()
	cached := m.roomStates[name]
	if cached == nil {
		cached = make(map[string]any, len(delta))
		m.roomStates[name] = cached
	}
	for k, v := range delta {
		cached[k] = v
	}
}

func (m *ClientManager) broadcastAll(data []byte) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.connections))
	for _, c := range m.connections {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.Send(data)
	}
}

func (m *ClientManager) broadcastRoom(name types.RoomNameType, data []byte) {
	for _, c := range m.roomMembers(name) {
		c.Send(data)
	}
}

// closeRoomClients disconnects every local member after the room's host
// process dropped it.
func (m *ClientManager) closeRoomClients(name types.RoomNameType) {
	members := m.roomMembers(name)

	m.mu.Lock()
	delete(m.roomJoins, name)
	delete(m.roomStates, name)
	m.mu.Unlock()

	for _, c := range members {
		c.CloseWithCode(CloseRoomUnloaded, "room unloaded")
	}
	logging.Info(context.Background(), "Closed local clients of unloaded room",
		zap.String("room", string(name)), zap.Int("count", len(members)))
}

// deliverUserMessage sends a targeted user frame to the one client it names,
// marking the copy with isYou.
func (m *ClientManager) deliverUserMessage(name types.RoomNameType, payload string) {
	var msg map[string]any
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}
	user, ok := msg["user"].(map[string]any)
	if !ok {
		return
	}
	id, ok := user["id"].(string)
	if !ok {
		return
	}

	var target *Client
	for _, c := range m.roomMembers(name) {
		if string(c.ID) == id {
			target = c
			break
		}
	}
	if target == nil {
		return
	}

	user["isYou"] = true
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	target.Send(data)
}

func (m *ClientManager) roomMembers(name types.RoomNameType) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]*Client, 0, len(m.roomJoins[name]))
	for _, c := range m.roomJoins[name] {
		members = append(members, c)
	}
	return members
}

// OnUserModified swaps the refreshed session into every socket it owns and
// re-announces the identity to their rooms.
func (m *ClientManager) OnUserModified(ctx context.Context, session *auth.Session) {
	m.mu.Lock()
	var affected []*Client
	for _, c := range m.connections {
		if s := c.Session(); s != nil && s.ID == session.ID {
			affected = append(affected, c)
		}
	}
	m.mu.Unlock()

	for _, c := range affected {
		c.SetSession(session)
		name := c.Room()
		if name == "" {
			continue
		}
		r, err := m.rooms.GetRoom(string(name))
		if err != nil {
			continue
		}
		c.sendRequest(ctx, r, room.UpdateUserRequest{
			RequestBase: room.NewRequestBase(c.ID),
			Info:        c.Info(),
		})
	}
}

// allowChat applies the per-user chat rate limit.
func (m *ClientManager) allowChat(ctx context.Context, c *Client) bool {
	if m.limiter == nil {
		return true
	}
	key := string(c.ID)
	if s := c.Session(); s != nil && s.ID != "" {
		key = s.ID
	}
	if !m.limiter.AllowChat(ctx, key) {
		logging.Warn(ctx, "Chat rate limit exceeded", zap.String("clientId", string(c.ID)))
		return false
	}
	return true
}

func (m *ClientManager) pingAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.connections))
	for _, c := range m.connections {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.Ping()
	}
}

// ConnectionCount reports the number of open sockets on this process.
func (m *ClientManager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// Shutdown closes every socket and stops the background loops.
func (m *ClientManager) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down gateway, closing all sockets")

	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		_ = m.sub.Close()
	}

	m.mu.Lock()
	clients := make([]*Client, 0, len(m.connections))
	for _, c := range m.connections {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
