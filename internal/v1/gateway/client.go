package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/watchroom/backend/go/internal/v1/auth"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/room"
	"github.com/watchroom/backend/go/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

// sendBuffer is the per-client outbound queue depth; frames beyond it are
// dropped rather than blocking the broadcaster.
const sendBuffer = 256

// wsConnection is the subset of the socket the client uses, mockable in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// frame is one queued outbound write.
type frame struct {
	messageType int
	data        []byte
}

// Client is one connected socket. The socket's identity comes from the
// session; the joined room is recorded here so disconnects can clean up.
type Client struct {
	ID      types.ClientIDType
	conn    wsConnection
	manager *ClientManager

	mu            sync.RWMutex
	session       *auth.Session
	room          types.RoomNameType
	generatedName string
	closed        bool

	closeOnce sync.Once
	send      chan frame
}

func newClient(id types.ClientIDType, conn wsConnection, session *auth.Session, m *ClientManager) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		manager: m,
		session: session,
		send:    make(chan frame, sendBuffer),
	}
}

// Room returns the joined room name, empty when not joined.
func (c *Client) Room() types.RoomNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) setRoom(name types.RoomNameType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = name
}

// Session returns the current session of this socket.
func (c *Client) Session() *auth.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession swaps the session in after an out-of-band identity change.
func (c *Client) SetSession(s *auth.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Info derives the identity bundle announced to rooms. Precedence: registered
// account id, then the session's unregistered username, then a generated
// pronounceable name.
func (c *Client) Info() types.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := types.ClientInfo{ClientID: c.ID}
	switch {
	case c.session != nil && c.session.IsRegistered():
		info.UserID = c.session.UserID
	case c.session != nil && c.session.Username != "":
		info.Username = c.session.Username
	default:
		if c.generatedName == "" {
			c.generatedName = generateName()
			logging.Warn(context.Background(), "Session carries no identity, generated a display name",
				zap.String("clientId", string(c.ID)), zap.String("name", c.generatedName))
		}
		info.Username = c.generatedName
	}
	return info
}

// Send queues a text frame for this socket. Full or closed queues drop the
// frame with a warning; reconnecting clients recover via the full sync.
func (c *Client) Send(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing client",
				zap.String("clientId", string(c.ID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- frame{websocket.TextMessage, data}:
	default:
		logging.Warn(context.Background(), "Client send queue full, dropping frame",
			zap.String("clientId", string(c.ID)))
	}
}

// Ping queues a ping control frame.
func (c *Client) Ping() {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() { recover() }()

	select {
	case c.send <- frame{websocket.PingMessage, nil}:
	default:
	}
}

// CloseWithCode sends a close frame with the given application code, then
// tears the connection down.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()

	if !closed {
		func() {
			defer func() { recover() }()
			select {
			case c.send <- frame{websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)}:
			default:
			}
		}()
	}
	c.Disconnect()
}

// Disconnect closes the outbound queue; the write pump drains it, sends a
// close frame, and closes the socket, which unwinds the read pump.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump reads frames until the socket dies, translating each text frame
// into a room request. Handler failures are logged; the socket stays open.
func (c *Client) readPump() {
	defer func() {
		c.manager.handleDisconnect(c)
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleMessage(context.Background(), data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		f, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
			logging.Error(context.Background(), "Error writing to client socket",
				zap.String("clientId", string(c.ID)), zap.Error(err))
			return
		}
		if f.messageType == websocket.CloseMessage {
			return
		}
	}
}

// handleMessage parses and routes one inbound frame.
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn(ctx, "Malformed client frame",
			zap.String("clientId", string(c.ID)), zap.Error(err))
		return
	}

	if msg.Action == actionKickMe {
		c.CloseWithCode(CloseUnknown, "client requested disconnect")
		return
	}

	req, err := translate(c.ID, &msg)
	if err != nil {
		logging.Warn(ctx, "Dropping untranslatable client frame",
			zap.String("clientId", string(c.ID)), zap.Error(err))
		return
	}

	if msg.Action == actionChat && !c.manager.allowChat(ctx, c) {
		return
	}

	roomName := c.Room()
	if roomName == "" {
		logging.Warn(ctx, "Client sent a room request before joining",
			zap.String("clientId", string(c.ID)), zap.String("clientAction", msg.Action))
		return
	}

	r, err := c.manager.rooms.GetRoom(string(roomName))
	if err != nil {
		logging.Warn(ctx, "Room vanished under a connected client",
			zap.String("room", string(roomName)), zap.Error(err))
		return
	}

	if err := r.ProcessRequest(ctx, req); err != nil {
		logging.Warn(ctx, "Room request failed",
			zap.String("clientId", string(c.ID)),
			zap.String("room", string(roomName)),
			zap.String("requestType", string(req.Type())),
			zap.Error(err))
	}
}

// sendRequest submits a request to this client's joined room, used by the
// manager for join/leave/update flows.
func (c *Client) sendRequest(ctx context.Context, r *room.Room, req room.Request) {
	if err := r.ProcessRequest(ctx, req); err != nil {
		logging.Warn(ctx, "Room request failed",
			zap.String("clientId", string(c.ID)),
			zap.String("requestType", string(req.Type())),
			zap.Error(err))
	}
}
