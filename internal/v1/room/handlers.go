package room

import (
	"context"
	"fmt"

	"github.com/watchroom/backend/go/internal/v1/bus"
	"github.com/watchroom/backend/go/internal/v1/grants"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/metrics"
	"github.com/watchroom/backend/go/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// ProcessRequest applies one request to the room. Handlers either fully
// succeed (state mutated, event published) or fully fail with the state
// untouched; there is no partial commit.
func (r *Room) ProcessRequest(ctx context.Context, req Request) error {
	timer := r.clock.Now()
	err := r.processRequest(ctx, req)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RoomRequests.WithLabelValues(string(req.Type()), status).Inc()
	metrics.RequestDuration.WithLabelValues(string(req.Type())).Observe(r.clock.Since(timer).Seconds())
	return err
}

func (r *Room) processRequest(ctx context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The acting participant may be nil for a leave racing a disconnect.
	user := r.userByClientLocked(req.Client())

	if perm, gated := requestPermissions[req.Type()]; gated {
		role := r.effectiveRoleLocked(user)
		if err := r.grants.Check(role, perm); err != nil {
			logging.Warn(ctx, "Request denied",
				zap.String("room", r.name),
				zap.String("type", string(req.Type())),
				zap.String("role", string(role)))
			return err
		}
	}

	switch req := req.(type) {
	case PlaybackRequest:
		return r.handlePlaybackLocked(ctx, user, req)
	case SkipRequest:
		return r.handleSkipLocked(ctx, user)
	case SeekRequest:
		return r.handleSeekLocked(ctx, user, req)
	case AddRequest:
		return r.handleAddLocked(ctx, user, req)
	case RemoveRequest:
		return r.handleRemoveLocked(ctx, user, req.Video)
	case OrderRequest:
		return r.handleOrderLocked(ctx, req)
	case VoteRequest:
		return r.handleVoteLocked(ctx, req)
	case JoinRequest:
		return r.handleJoinLocked(ctx, req)
	case LeaveRequest:
		return r.handleLeaveLocked(ctx, req)
	case UpdateUserRequest:
		return r.handleUpdateUserLocked(ctx, req)
	case ChatRequest:
		return r.handleChatLocked(ctx, user, req)
	case UndoRequest:
		return r.handleUndoLocked(ctx, user, req)
	case PromoteRequest:
		return r.handlePromoteLocked(ctx, user, req)
	case PlayNowRequest:
		return r.handlePlayNowLocked(ctx, user, req)
	case ShuffleRequest:
		r.shuffleQueueLocked()
		r.publishEventLocked(ctx, user, Event{RequestType: RequestShuffle})
		return nil
	case SettingsRequest:
		return r.handleSettingsLocked(ctx, user, req)
	default:
		return fmt.Errorf("%w: unhandled request type %q", ErrInvalidRequest, req.Type())
	}
}

// --- handlers (room lock held) ---

func (r *Room) handlePlaybackLocked(ctx context.Context, user *RoomUser, req PlaybackRequest) error {
	if req.State && !r.isPlaying {
		r.isPlaying = true
		now := r.clock.Now()
		r.playbackStart = &now
		r.markDirtyLocked(fieldIsPlaying)
	} else if !req.State && r.isPlaying {
		r.playbackPosition = r.effectivePositionLocked()
		r.playbackStart = nil
		r.isPlaying = false
		r.markDirtyLocked(fieldIsPlaying, fieldPlaybackPosition)
	}
	r.publishEventLocked(ctx, user, Event{RequestType: RequestPlayback})
	return nil
}

func (r *Room) handleSkipLocked(ctx context.Context, user *RoomUser) error {
	var skipped *types.Video
	if r.currentSource != nil {
		cp := *r.currentSource
		skipped = &cp
	}
	prev := r.effectivePositionLocked()

	r.dequeueNextLocked()

	r.publishEventLocked(ctx, user, Event{
		RequestType:  RequestSkip,
		Video:        skipped,
		PrevPosition: prev,
	})
	return nil
}

func (r *Room) handleSeekLocked(ctx context.Context, user *RoomUser, req SeekRequest) error {
	if req.Value == nil {
		return fmt.Errorf("%w: seek without a position", ErrInvalidRequest)
	}
	prev := r.playbackPosition
	r.playbackPosition = *req.Value
	// playbackStart is deliberately untouched: a seek while playing resets
	// the zero point without pausing.
	r.markDirtyLocked(fieldPlaybackPosition)

	r.publishEventLocked(ctx, user, Event{
		RequestType:  RequestSeek,
		PrevPosition: prev,
	})
	return nil
}

func (r *Room) handleAddLocked(ctx context.Context, user *RoomUser, req AddRequest) error {
	switch {
	case len(req.Videos) > 0:
		return r.addManyLocked(ctx, user, req.Videos)
	case req.Video != nil:
		return r.addOneLocked(ctx, user, *req.Video)
	case req.URL != "":
		id, err := r.extractor.Resolve(ctx, req.URL)
		if err != nil {
			return err
		}
		return r.addOneLocked(ctx, user, id)
	default:
		return fmt.Errorf("%w: add without url, video, or videos", ErrInvalidRequest)
	}
}

func (r *Room) addOneLocked(ctx context.Context, user *RoomUser, id types.VideoID) error {
	if r.isQueuedLocked(id) {
		return fmt.Errorf("%w: %s", ErrVideoAlreadyQueued, id)
	}
	video, err := r.extractor.GetVideoInfo(ctx, id)
	if err != nil {
		return err
	}
	r.queue = append(r.queue, video)
	r.markDirtyLocked(fieldQueue)

	r.publishEventLocked(ctx, user, Event{RequestType: RequestAdd, Video: &video})
	return nil
}

func (r *Room) addManyLocked(ctx context.Context, user *RoomUser, ids []types.VideoID) error {
	videos, err := r.extractor.GetManyVideoInfo(ctx, ids)
	if err != nil {
		return err
	}

	// In-place filter preserving input order among survivors. The batch is
	// also checked against itself so a repeated id keeps only its first copy.
	seen := set.New[string]()
	kept := videos[:0]
	for _, v := range videos {
		if r.isQueuedLocked(v.VideoID) || seen.Has(v.VideoID.Key()) {
			continue
		}
		seen.Insert(v.VideoID.Key())
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return ErrVideoAlreadyQueued
	}
	r.queue = append(r.queue, kept...)
	r.markDirtyLocked(fieldQueue)

	r.publishEventLocked(ctx, user, Event{RequestType: RequestAdd, Videos: kept})
	return nil
}

func (r *Room) handleRemoveLocked(ctx context.Context, user *RoomUser, id types.VideoID) error {
	idx := -1
	for i, v := range r.queue {
		if v.VideoID.Equal(id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}

	removed := r.queue[idx]
	r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
	r.markDirtyLocked(fieldQueue)

	r.publishEventLocked(ctx, user, Event{
		RequestType: RequestRemove,
		Video:       &removed,
		QueueIdx:    idx,
	})
	return nil
}

func (r *Room) handleOrderLocked(ctx context.Context, req OrderRequest) error {
	if req.FromIdx < 0 || req.FromIdx >= len(r.queue) || req.ToIdx < 0 || req.ToIdx >= len(r.queue) {
		return fmt.Errorf("%w: order indices out of range", ErrInvalidRequest)
	}
	v := r.queue[req.FromIdx]
	r.queue = append(r.queue[:req.FromIdx], r.queue[req.FromIdx+1:]...)
	r.queue = append(r.queue[:req.ToIdx], append([]types.Video{v}, r.queue[req.ToIdx:]...)...)
	r.markDirtyLocked(fieldQueue)
	_ = ctx
	return nil
}

func (r *Room) handleVoteLocked(_ context.Context, req VoteRequest) error {
	key := req.Video.Key()
	if req.Add {
		if r.votes[key] == nil {
			r.votes[key] = set.New[types.ClientIDType]()
		}
		r.votes[key].Insert(req.ClientID)
	} else if voters, ok := r.votes[key]; ok {
		voters.Delete(req.ClientID)
		if voters.Len() == 0 {
			delete(r.votes, key)
		}
	}
	r.markDirtyLocked(fieldVoteCounts)
	return nil
}

func (r *Room) handleJoinLocked(ctx context.Context, req JoinRequest) error {
	u := newRoomUser(req.Client(), r.userStore)
	u.UpdateInfo(ctx, req.Info)
	r.realUsers = append(r.realUsers, u)
	r.keepAlivePing = r.clock.Now()
	r.markDirtyLocked(fieldUsers)
	metrics.RoomParticipants.WithLabelValues(r.name).Set(float64(len(r.realUsers)))

	r.publishEventLocked(ctx, u, Event{RequestType: RequestJoin})
	return nil
}

func (r *Room) handleLeaveLocked(ctx context.Context, req LeaveRequest) error {
	for i, u := range r.realUsers {
		if u.ClientID == req.Client() {
			r.realUsers = append(r.realUsers[:i], r.realUsers[i+1:]...)
			r.markDirtyLocked(fieldUsers)
			if len(r.realUsers) > 0 {
				metrics.RoomParticipants.WithLabelValues(r.name).Set(float64(len(r.realUsers)))
			} else {
				metrics.RoomParticipants.DeleteLabelValues(r.name)
			}
			r.publishEventLocked(ctx, u, Event{RequestType: RequestLeave})
			return nil
		}
	}
	// A leave for an unknown client is a no-op: the disconnect already won.
	return nil
}

func (r *Room) handleUpdateUserLocked(ctx context.Context, req UpdateUserRequest) error {
	u := r.userByClientLocked(req.Client())
	if u == nil {
		return fmt.Errorf("%w: %s", ErrClientNotFound, req.Client())
	}
	u.UpdateInfo(ctx, req.Info)
	r.markDirtyLocked(fieldUsers)

	// Targeted identity frame; the gateway stamps isYou on the one copy it
	// delivers to this client.
	msg := UserMessage{Action: "user", User: UserView{
		ID:         u.ClientID,
		Name:       u.Username(),
		IsLoggedIn: u.IsLoggedIn(),
		Role:       string(r.effectiveRoleLocked(u)),
		Status:     u.PlayerStatus,
	}}
	if err := r.bus.Publish(ctx, bus.RoomChannel(r.name), msg); err != nil {
		logging.Error(ctx, "Failed to publish user frame", zap.String("room", r.name), zap.Error(err))
	}
	return nil
}

func (r *Room) handleChatLocked(ctx context.Context, user *RoomUser, req ChatRequest) error {
	var from types.ClientInfo
	if user != nil {
		from = user.Info()
	} else {
		from = types.ClientInfo{ClientID: req.Client()}
	}

	msg := ChatMessage{Action: "chat", From: from, Text: req.Text}
	if err := r.bus.Publish(ctx, bus.RoomChannel(r.name), msg); err != nil {
		logging.Error(ctx, "Failed to publish chat", zap.String("room", r.name), zap.Error(err))
	}
	return nil
}

func (r *Room) handleUndoLocked(ctx context.Context, user *RoomUser, req UndoRequest) error {
	prev := req.Event
	switch prev.RequestType {
	case RequestSeek:
		value := prev.PrevPosition
		return r.handleSeekLocked(ctx, user, SeekRequest{
			RequestBase: RequestBase{ClientID: req.Client()},
			Value:       &value,
		})

	case RequestSkip:
		if r.currentSource != nil {
			r.queue = append([]types.Video{*r.currentSource}, r.queue...)
		}
		r.currentSource = prev.Video
		r.playbackPosition = prev.PrevPosition
		r.markDirtyLocked(fieldQueue, fieldCurrentSource, fieldPlaybackPosition)

	case RequestAdd:
		if len(r.queue) > 0 {
			if prev.Video == nil {
				return fmt.Errorf("%w: undo add without a video", ErrInvalidRequest)
			}
			return r.handleRemoveLocked(ctx, user, prev.Video.VideoID)
		}
		r.currentSource = nil
		r.markDirtyLocked(fieldCurrentSource)

	case RequestRemove:
		if prev.Video == nil {
			return fmt.Errorf("%w: undo remove without a video", ErrInvalidRequest)
		}
		idx := prev.QueueIdx
		if idx < 0 || idx > len(r.queue) {
			idx = len(r.queue)
		}
		r.queue = append(r.queue[:idx], append([]types.Video{*prev.Video}, r.queue[idx:]...)...)
		r.markDirtyLocked(fieldQueue)

	default:
		logging.Warn(ctx, "Ignoring undo for request type",
			zap.String("room", r.name), zap.String("type", string(prev.RequestType)))
	}
	return nil
}

// promotePermissions maps a requested role to the permission the promoter
// must hold to grant it.
var promotePermissions = map[grants.Role]grants.Permission{
	grants.RoleTrustedUser:   grants.PermPromoteTrusted,
	grants.RoleModerator:     grants.PermPromoteModerator,
	grants.RoleAdministrator: grants.PermPromoteAdmin,
}

// demotePermissions maps a role being vacated to the demote permission that
// must be held for the change to be possible.
var demotePermissions = map[grants.Role]grants.Permission{
	grants.RoleTrustedUser:   grants.PermDemoteTrusted,
	grants.RoleModerator:     grants.PermDemoteModerator,
	grants.RoleAdministrator: grants.PermDemoteAdmin,
}

func (r *Room) handlePromoteLocked(ctx context.Context, promoter *RoomUser, req PromoteRequest) error {
	target := r.userByClientLocked(req.TargetClientID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrClientNotFound, req.TargetClientID)
	}
	if !target.IsLoggedIn() {
		return fmt.Errorf("%w: unregistered users cannot hold roles", ErrImpossiblePromotion)
	}
	if req.Role == grants.RoleUnregisteredUser || req.Role == grants.RoleOwner {
		return fmt.Errorf("%w: cannot assign role %q", ErrImpossiblePromotion, req.Role)
	}

	promoterRole := r.effectiveRoleLocked(promoter)
	if perm, ok := promotePermissions[req.Role]; ok {
		if err := r.grants.Check(promoterRole, perm); err != nil {
			return err
		}
	}

	targetRole := r.effectiveRoleLocked(target)
	if targetRole.Outranks(req.Role) {
		// Demotion: the requested role must itself be able to hold the
		// vacated rank's demote permission, otherwise the ladder would allow
		// unreachable states.
		demotePerm, ok := demotePermissions[targetRole]
		if !ok || !r.grants.Granted(req.Role, demotePerm) {
			return fmt.Errorf("%w: role %q cannot displace %q", ErrImpossiblePromotion, req.Role, targetRole)
		}
	}

	for _, role := range []grants.Role{grants.RoleTrustedUser, grants.RoleModerator, grants.RoleAdministrator} {
		r.userRoles[role].Delete(target.UserID)
	}
	if _, explicit := r.userRoles[req.Role]; explicit {
		r.userRoles[req.Role].Insert(target.UserID)
	}
	r.markDirtyLocked(fieldUsers)

	logging.Info(ctx, "Participant role changed",
		zap.String("room", r.name),
		zap.String("target", string(req.TargetClientID)),
		zap.String("role", string(req.Role)))
	return nil
}

func (r *Room) handlePlayNowLocked(ctx context.Context, user *RoomUser, req PlayNowRequest) error {
	idx := -1
	for i, v := range r.queue {
		if v.VideoID.Equal(req.Video) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrVideoNotFound, req.Video)
	}

	promoted := r.queue[idx]
	r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
	if r.currentSource != nil {
		r.queue = append([]types.Video{*r.currentSource}, r.queue...)
	}
	r.currentSource = &promoted
	r.playbackPosition = 0
	if r.isPlaying {
		now := r.clock.Now()
		r.playbackStart = &now
	}
	r.markDirtyLocked(fieldQueue, fieldCurrentSource, fieldPlaybackPosition)

	r.publishEventLocked(ctx, user, Event{RequestType: RequestPlayNow, Video: &promoted})
	return nil
}

func (r *Room) handleSettingsLocked(ctx context.Context, user *RoomUser, req SettingsRequest) error {
	role := r.effectiveRoleLocked(user)

	if req.Title != nil || req.Description != nil {
		if err := r.grants.Check(role, grants.PermConfigureTitle); err != nil {
			return err
		}
	}
	if req.Visibility != nil {
		if err := r.grants.Check(role, grants.PermConfigureVisible); err != nil {
			return err
		}
	}
	if req.QueueMode != nil {
		if err := r.grants.Check(role, grants.PermConfigureQueue); err != nil {
			return err
		}
	}

	if req.Title != nil && *req.Title != r.title {
		r.title = *req.Title
		r.markDirtyLocked(fieldTitle)
	}
	if req.Description != nil && *req.Description != r.description {
		r.description = *req.Description
		r.markDirtyLocked(fieldDescription)
	}
	if req.Visibility != nil && *req.Visibility != r.visibility {
		r.visibility = *req.Visibility
		r.markDirtyLocked(fieldVisibility)
	}
	if req.QueueMode != nil && *req.QueueMode != r.queueMode {
		r.queueMode = *req.QueueMode
		r.markDirtyLocked(fieldQueueMode)
	}
	_ = ctx
	return nil
}

// publishEventLocked emits the event record for a completed state-changing
// request. Publish failures log and continue; the snapshot key still carries
// the latest full state.
func (r *Room) publishEventLocked(ctx context.Context, user *RoomUser, ev Event) {
	var info types.ClientInfo
	if user != nil {
		info = user.Info()
	}
	msg := EventMessage{Action: "event", Request: ev, User: info}
	if err := r.bus.Publish(ctx, bus.RoomChannel(r.name), msg); err != nil {
		logging.Error(ctx, "Failed to publish event", zap.String("room", r.name), zap.Error(err))
	}
}
