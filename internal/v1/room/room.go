// Package room implements the authoritative state machine for one watch
// room: queue management, the playback clock, voting order, roles and
// permissions, dirty tracking, and throttled sync publication to the bus.
//
// All mutation for one room is serialized under a single mutex held for the
// duration of each request handler. Cross-process fanout happens exclusively
// through the bus: deltas on channel "room:{name}", full snapshots under key
// "room-sync:{name}".
package room

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/extractor"
	"github.com/watchroom/backend/go/internal/v1/grants"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/metrics"
	"github.com/watchroom/backend/go/internal/v1/types"
	"github.com/watchroom/backend/go/internal/v1/users"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"
)

var (
	// ErrVideoAlreadyQueued is returned when an add collides with the queue
	// or the current source.
	ErrVideoAlreadyQueued = errors.New("video already queued")
	// ErrVideoNotFound is returned when a remove names an absent video.
	ErrVideoNotFound = errors.New("video not found in queue")
	// ErrImpossiblePromotion is returned when a role change cannot be applied.
	ErrImpossiblePromotion = errors.New("impossible promotion")
	// ErrClientNotFound is returned when a request references an unknown participant.
	ErrClientNotFound = errors.New("client not found in room")
	// ErrInvalidRequest is returned for malformed request payloads.
	ErrInvalidRequest = errors.New("invalid request")
)

// Dirtyable field names. These are the keys of the sync delta wire format.
const (
	fieldName             = "name"
	fieldTitle            = "title"
	fieldDescription      = "description"
	fieldVisibility       = "visibility"
	fieldQueueMode        = "queueMode"
	fieldCurrentSource    = "currentSource"
	fieldQueue            = "queue"
	fieldIsPlaying        = "isPlaying"
	fieldPlaybackPosition = "playbackPosition"
	fieldPlaybackSpeed    = "playbackSpeed"
	fieldUsers            = "users"
	fieldVoteCounts       = "voteCounts"
	fieldGrants           = "grants"
)

// staleTimeout is how long a room survives with no participants before the
// manager unloads it.
const staleTimeout = 240 * time.Second

// defaultSyncDebounce is the trailing-edge coalescing window for sync.
const defaultSyncDebounce = 50 * time.Millisecond

// MessageBus is the slice of the bus the room engine needs.
type MessageBus interface {
	Publish(ctx context.Context, channel string, payload any) error
	SetKey(ctx context.Context, key string, value []byte) error
	GetKey(ctx context.Context, key string) ([]byte, error)
}

// Options configures a new room.
type Options struct {
	Name        string
	Title       string
	Description string
	Visibility  types.VisibilityType
	IsTemporary bool
	Owner       *users.User
}

// Room is the authoritative, in-memory state machine for one room.
type Room struct {
	mu    sync.Mutex
	clock clock.PassiveClock

	name        string
	title       string
	description string
	visibility  types.VisibilityType
	isTemporary bool
	queueMode   types.QueueModeType

	currentSource    *types.Video
	queue            []types.Video
	isPlaying        bool
	playbackPosition float64
	playbackStart    *time.Time // non-nil iff isPlaying
	playbackSpeed    float64

	realUsers []*RoomUser
	owner     *users.User
	userRoles map[grants.Role]set.Set[int64]
	grants    *grants.Grants

	votes         map[string]set.Set[types.ClientIDType]
	dirty         set.Set[string]
	keepAlivePing time.Time

	bus       MessageBus
	extractor extractor.Extractor
	userStore users.Store

	syncScheduled bool
	syncDebounce  time.Duration
	unloaded      bool
}

// NewRoom creates a room. A nil clk falls back to the wall clock.
func NewRoom(opts Options, b MessageBus, ex extractor.Extractor, store users.Store, clk clock.PassiveClock) *Room {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.Visibility == "" {
		opts.Visibility = types.VisibilityPublic
	}
	r := &Room{
		clock:         clk,
		name:          opts.Name,
		title:         opts.Title,
		description:   opts.Description,
		visibility:    opts.Visibility,
		isTemporary:   opts.IsTemporary,
		queueMode:     types.QueueModeManual,
		playbackSpeed: 1.0,
		owner:         opts.Owner,
		userRoles: map[grants.Role]set.Set[int64]{
			grants.RoleTrustedUser:   set.New[int64](),
			grants.RoleModerator:     set.New[int64](),
			grants.RoleAdministrator: set.New[int64](),
		},
		grants:        grants.DefaultGrants(),
		votes:         make(map[string]set.Set[types.ClientIDType]),
		dirty:         set.New[string](),
		keepAlivePing: clk.Now(),
		bus:           b,
		extractor:     ex,
		userStore:     store,
		syncDebounce:  defaultSyncDebounce,
	}
	return r
}

// Name returns the room's stable name.
func (r *Room) Name() string {
	return r.name
}

// --- playback clock ---

// effectivePositionLocked computes the logical position: the stored position
// plus elapsed wall time scaled by speed while playing.
func (r *Room) effectivePositionLocked() float64 {
	if r.isPlaying && r.playbackStart != nil {
		return r.playbackPosition + r.clock.Since(*r.playbackStart).Seconds()*r.playbackSpeed
	}
	return r.playbackPosition
}

// EffectivePosition returns the current logical playback position.
func (r *Room) EffectivePosition() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectivePositionLocked()
}

// IsPlaying reports the playback flag.
func (r *Room) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPlaying
}

// CurrentSource returns a copy of the current video, or nil.
func (r *Room) CurrentSource() *types.Video {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentSource == nil {
		return nil
	}
	cp := *r.currentSource
	return &cp
}

// Queue returns a copy of the queue.
func (r *Room) Queue() []types.Video {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Video, len(r.queue))
	copy(out, r.queue)
	return out
}

// ParticipantCount returns the number of joined participants.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.realUsers)
}

// --- dirty tracking & sync ---

// markDirtyLocked records a mutated field and arms the trailing-edge sync
// timer if not already armed.
func (r *Room) markDirtyLocked(fields ...string) {
	for _, f := range fields {
		r.dirty.Insert(f)
	}
	if !r.syncScheduled && !r.unloaded {
		r.syncScheduled = true
		time.AfterFunc(r.syncDebounce, func() {
			r.Sync(context.Background())
		})
	}
}

// Sync publishes the delta for every dirty field and refreshes the full
// snapshot key. It is a no-op when nothing is dirty or the room has already
// announced its unload; a debounce timer armed just before the unload must
// not resurrect the room for peers.
func (r *Room) Sync(ctx context.Context) {
	r.mu.Lock()
	r.syncScheduled = false
	if r.unloaded || r.dirty.Len() == 0 {
		r.mu.Unlock()
		return
	}

	snapshot := r.buildSnapshotLocked()
	delta := map[string]any{"action": "sync"}
	for _, f := range r.dirty.UnsortedList() {
		if v, ok := snapshot[f]; ok {
			delta[f] = v
		}
	}
	r.dirty = set.New[string]()
	name := r.name
	r.mu.Unlock()

	snapBytes, err := json.Marshal(snapshot)
	if err != nil {
		logging.Error(ctx, "Failed to marshal room snapshot", zap.String("room", name), zap.Error(err))
		return
	}
	if err := r.bus.SetKey(ctx, bus.RoomSyncKey(name), snapBytes); err != nil {
		logging.Error(ctx, "Failed to write room snapshot", zap.String("room", name), zap.Error(err))
	}
	if err := r.bus.Publish(ctx, bus.RoomChannel(name), delta); err != nil {
		logging.Error(ctx, "Failed to publish sync delta", zap.String("room", name), zap.Error(err))
		return
	}
	metrics.SyncsPublished.Inc()
}

// buildSnapshotLocked assembles the full syncable state, including the
// computed users and voteCounts fields. Grants go out as the Owner mask.
func (r *Room) buildSnapshotLocked() map[string]any {
	userViews := make([]UserView, 0, len(r.realUsers))
	for _, u := range r.realUsers {
		userViews = append(userViews, UserView{
			ID:         u.ClientID,
			Name:       u.Username(),
			IsLoggedIn: u.IsLoggedIn(),
			Role:       string(r.effectiveRoleLocked(u)),
			Status:     u.PlayerStatus,
		})
	}

	voteCounts := make(map[string]int, len(r.votes))
	for key, voters := range r.votes {
		voteCounts[key] = voters.Len()
	}

	queue := make([]types.Video, len(r.queue))
	copy(queue, r.queue)

	var current *types.Video
	if r.currentSource != nil {
		cp := *r.currentSource
		current = &cp
	}

	return map[string]any{
		fieldName:             r.name,
		fieldTitle:            r.title,
		fieldDescription:      r.description,
		fieldVisibility:       r.visibility,
		fieldQueueMode:        r.queueMode,
		fieldCurrentSource:    current,
		fieldQueue:            queue,
		fieldIsPlaying:        r.isPlaying,
		fieldPlaybackPosition: r.effectivePositionLocked(),
		fieldPlaybackSpeed:    r.playbackSpeed,
		fieldUsers:            userViews,
		fieldVoteCounts:       voteCounts,
		fieldGrants:           r.grants.Mask(grants.RoleOwner),
	}
}

// Snapshot returns the full syncable state, in the shape written to the
// snapshot key. The gateway serves it to joiners of rooms that have not
// published yet.
func (r *Room) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildSnapshotLocked()
}

// DirtyFields returns the currently dirty field names, for tests and
// debugging.
func (r *Room) DirtyFields() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty.UnsortedList()
}

// SetSyncDebounce overrides the coalescing window; tests shorten it.
func (r *Room) SetSyncDebounce(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncDebounce = d
}

// --- roles ---

// effectiveRoleLocked resolves a participant's authority: owner if they own
// the room, else the highest explicit role set containing their account id,
// else registered or unregistered.
func (r *Room) effectiveRoleLocked(u *RoomUser) grants.Role {
	if u == nil {
		return grants.RoleUnregisteredUser
	}
	if !u.IsLoggedIn() {
		return grants.RoleUnregisteredUser
	}
	if r.owner != nil && u.UserID == r.owner.ID {
		return grants.RoleOwner
	}
	for _, role := range []grants.Role{grants.RoleAdministrator, grants.RoleModerator, grants.RoleTrustedUser} {
		if r.userRoles[role].Has(u.UserID) {
			return role
		}
	}
	return grants.RoleRegisteredUser
}

// EffectiveRole resolves the role for the participant behind a client id.
func (r *Room) EffectiveRole(clientID types.ClientIDType) grants.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveRoleLocked(r.userByClientLocked(clientID))
}

func (r *Room) userByClientLocked(clientID types.ClientIDType) *RoomUser {
	for _, u := range r.realUsers {
		if u.ClientID == clientID {
			return u
		}
	}
	return nil
}

// --- queue internals ---

// isQueuedLocked reports whether id collides with the current source or any
// queue entry.
func (r *Room) isQueuedLocked(id types.VideoID) bool {
	if r.currentSource != nil && r.currentSource.VideoID.Equal(id) {
		return true
	}
	for _, v := range r.queue {
		if v.VideoID.Equal(id) {
			return true
		}
	}
	return false
}

// dequeueNextLocked pops the front of the queue into the current source, or
// clears playback entirely when the queue is empty.
func (r *Room) dequeueNextLocked() {
	if len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.currentSource = &next
		r.playbackPosition = 0
		if r.isPlaying {
			now := r.clock.Now()
			r.playbackStart = &now
		}
		r.markDirtyLocked(fieldQueue, fieldCurrentSource, fieldPlaybackPosition)
		return
	}
	if r.currentSource != nil {
		if r.isPlaying {
			r.isPlaying = false
			r.playbackStart = nil
			r.markDirtyLocked(fieldIsPlaying)
		}
		r.playbackPosition = 0
		r.currentSource = nil
		r.markDirtyLocked(fieldCurrentSource, fieldPlaybackPosition)
	}
}

// --- periodic update ---

// Tick advances the room: auto-dequeue past an ended source, refresh the
// keepalive ping while occupied, and re-sort the queue in vote mode.
func (r *Room) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentSource == nil || r.effectivePositionLocked() > r.currentSource.Length {
		r.dequeueNextLocked()
	}

	if len(r.realUsers) > 0 {
		r.keepAlivePing = r.clock.Now()
	}

	if r.queueMode == types.QueueModeVote {
		r.sortQueueByVotesLocked()
	}
	_ = ctx
}

// sortQueueByVotesLocked stable-sorts the queue by descending vote count and
// marks it dirty only when the order actually changed.
func (r *Room) sortQueueByVotesLocked() {
	if len(r.queue) < 2 {
		return
	}
	before := make([]types.Video, len(r.queue))
	copy(before, r.queue)

	sort.SliceStable(r.queue, func(i, j int) bool {
		return r.votes[r.queue[i].Key()].Len() > r.votes[r.queue[j].Key()].Len()
	})

	for i := range before {
		if !before[i].VideoID.Equal(r.queue[i].VideoID) {
			r.markDirtyLocked(fieldQueue)
			return
		}
	}
}

// --- staleness & unload ---

// IsStale reports whether the room has been empty past the unload timeout.
func (r *Room) IsStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Since(r.keepAlivePing) > staleTimeout
}

// OnBeforeUnload tells every peer process the room is going away so they can
// disconnect their local clients.
func (r *Room) OnBeforeUnload(ctx context.Context) {
	r.mu.Lock()
	r.unloaded = true
	name := r.name
	r.mu.Unlock()

	logging.Info(ctx, "Unloading room", zap.String("room", name))
	if err := r.bus.Publish(ctx, bus.RoomChannel(name), map[string]any{"action": "unload"}); err != nil {
		logging.Error(ctx, "Failed to publish room unload", zap.String("room", name), zap.Error(err))
	}
}

// shuffleQueueLocked randomizes the queue in place.
func (r *Room) shuffleQueueLocked() {
	rand.Shuffle(len(r.queue), func(i, j int) {
		r.queue[i], r.queue[j] = r.queue[j], r.queue[i]
	})
	r.markDirtyLocked(fieldQueue)
}

// restoreSnapshot loads recoverable fields from a previously published
// snapshot. Playback resumes paused; participants and votes are not restored
// because the clients behind them are gone.
func (r *Room) restoreSnapshot(data []byte) error {
	var snap struct {
		Title            string               `json:"title"`
		Description      string               `json:"description"`
		Visibility       types.VisibilityType `json:"visibility"`
		QueueMode        types.QueueModeType  `json:"queueMode"`
		CurrentSource    *types.Video         `json:"currentSource"`
		Queue            []types.Video        `json:"queue"`
		PlaybackPosition float64              `json:"playbackPosition"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.title = snap.Title
	r.description = snap.Description
	if snap.Visibility != "" {
		r.visibility = snap.Visibility
	}
	if snap.QueueMode != "" {
		r.queueMode = snap.QueueMode
	}
	r.currentSource = snap.CurrentSource
	r.queue = snap.Queue
	r.playbackPosition = snap.PlaybackPosition
	return nil
}
