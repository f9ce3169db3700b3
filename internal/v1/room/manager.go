package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/extractor"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/metrics"
	"github.com/watchroom/backend/go/internal/v1/users"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ErrRoomNotFound is returned when no room with the requested name is loaded
// on this node. Rooms hosted elsewhere look the same as rooms that do not
// exist; cluster-level routing is out of scope here.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomAlreadyExists is returned when creating a room whose name is taken.
var ErrRoomAlreadyExists = errors.New("room already exists")

// tickInterval is the cadence of the periodic room update.
const tickInterval = 1 * time.Second

// Manager owns the in-process room table, the tick loop, and eviction of
// stale rooms.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	bus       MessageBus
	extractor extractor.Extractor
	userStore users.Store
	clock     clock.PassiveClock

	// AutoCreateTemporary makes GetRoom create an unlisted temporary room
	// on a miss instead of failing, matching the behavior of ad-hoc links.
	AutoCreateTemporary bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a manager. A nil clk falls back to the wall clock.
func NewManager(b MessageBus, ex extractor.Extractor, store users.Store, clk clock.PassiveClock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		rooms:     make(map[string]*Room),
		bus:       b,
		extractor: ex,
		userStore: store,
		clock:     clk,
	}
}

// GetRoom returns the loaded room for name. The same instance is returned
// for the same name for the life of the process (until eviction). Safe for
// concurrent use.
func (m *Manager) GetRoom(name string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[name]; ok {
		return r, nil
	}
	if m.AutoCreateTemporary {
		return m.createLocked(Options{Name: name, IsTemporary: true})
	}
	return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
}

// CreateRoom loads a new room. If the bus still holds a snapshot for the
// name, recoverable state is restored from it (best effort).
func (m *Manager) CreateRoom(ctx context.Context, opts Options) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[opts.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomAlreadyExists, opts.Name)
	}

	r, err := m.createLocked(opts)
	if err != nil {
		return nil, err
	}

	if snap, err := m.bus.GetKey(ctx, bus.RoomSyncKey(opts.Name)); err == nil && len(snap) > 0 {
		if err := r.restoreSnapshot(snap); err != nil {
			logging.Warn(ctx, "Discarding unreadable room snapshot",
				zap.String("room", opts.Name), zap.Error(err))
		} else {
			logging.Info(ctx, "Restored room state from snapshot", zap.String("room", opts.Name))
		}
	}
	return r, nil
}

func (m *Manager) createLocked(opts Options) (*Room, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: empty room name", ErrRoomNotFound)
	}
	r := NewRoom(opts, m.bus, m.extractor, m.userStore, m.clock)
	m.rooms[opts.Name] = r
	metrics.ActiveRooms.Inc()
	logging.Info(context.Background(), "Loaded room", zap.String("room", opts.Name))
	return r, nil
}

// Start launches the tick and eviction loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.tickAll(m.ctx)
			}
		}
	}()
}

// tickAll runs the periodic update on every room and unloads stale ones.
func (m *Manager) tickAll(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.Tick(ctx)
		r.Sync(ctx)
		if r.IsStale() {
			m.unloadRoom(ctx, r)
		}
	}
}

// unloadRoom announces the unload to peers, then drops the room.
func (m *Manager) unloadRoom(ctx context.Context, r *Room) {
	r.OnBeforeUnload(ctx)

	m.mu.Lock()
	if _, ok := m.rooms[r.Name()]; ok {
		delete(m.rooms, r.Name())
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(r.Name())
	}
	m.mu.Unlock()

	logging.Info(ctx, "Unloaded stale room", zap.String("room", r.Name()))
}

// Shutdown stops the tick loop and waits for it to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
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
