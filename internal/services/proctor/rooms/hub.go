// Package rooms tracks room membership and fans messages out to members.
package rooms

import (
	"errors"
	"sort"
	"sync"

	"github.com/louisbranch/proctorvision/internal/services/proctor/registry"
	"go.uber.org/zap"
)

// Sender delivers frames to live participants.
type Sender interface {
	Send(participant string, v any) error
}

// Disconnector tears down a participant whose transport failed.
type Disconnector interface {
	Disconnect(participant string)
}

// StateSyncer brings a late joiner up to date with the room's quiz.
type StateSyncer interface {
	SyncJoiner(participant string, room int64)
}

// CountUpdate is broadcast to a room whenever its membership changes.
type CountUpdate struct {
	Type             string `json:"type"`
	RoomID           int64  `json:"room_id"`
	ParticipantCount int    `json:"participant_count"`
}

const typeRoomCountUpdate = "room_count_update"

type room struct {
	mu      sync.Mutex
	members map[string]struct{}
}

func (r *room) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for participant := range r.members {
		out = append(out, participant)
	}
	sort.Strings(out)
	return out
}

// Hub owns room membership. Rooms are created on first join and never removed.
type Hub struct {
	sender       Sender
	disconnector Disconnector
	logger       *zap.Logger

	// mu guards the room table and the join index, and is taken before a
	// room's lock whenever membership changes so both stay in agreement.
	mu     sync.Mutex
	rooms  map[int64]*room
	joined map[string][]int64 // participant -> rooms in join order

	syncMu sync.RWMutex
	syncer StateSyncer
}

// NewHub creates a hub delivering through sender. Members whose send fails
// are passed to disconnector after the broadcast completes.
func NewHub(sender Sender, disconnector Disconnector, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sender:       sender,
		disconnector: disconnector,
		logger:       logger,
		rooms:        make(map[int64]*room),
		joined:       make(map[string][]int64),
	}
}

// SetSyncer installs the quiz state syncer used on join.
func (h *Hub) SetSyncer(syncer StateSyncer) {
	h.syncMu.Lock()
	h.syncer = syncer
	h.syncMu.Unlock()
}

func (h *Hub) room(id int64) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[id]
}

// Join adds participant to a room, syncs the room's quiz state to the
// joiner and broadcasts the new member count.
func (h *Hub) Join(participant string, roomID int64) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]struct{})}
		h.rooms[roomID] = r
	}
	r.mu.Lock()
	if _, already := r.members[participant]; !already {
		r.members[participant] = struct{}{}
		h.joined[participant] = append(h.joined[participant], roomID)
	}
	r.mu.Unlock()
	h.mu.Unlock()
	h.logger.Info("participant joined room", zap.String("participant", participant), zap.Int64("room", roomID))

	h.syncMu.RLock()
	syncer := h.syncer
	h.syncMu.RUnlock()
	if syncer != nil {
		syncer.SyncJoiner(participant, roomID)
	}
	h.broadcastCount(roomID)
}

// Leave removes participant from a room and rebroadcasts the count.
func (h *Hub) Leave(participant string, roomID int64) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	_, member := r.members[participant]
	delete(r.members, participant)
	r.mu.Unlock()
	if member {
		h.forgetLocked(participant, roomID)
	}
	h.mu.Unlock()
	if !member {
		return
	}

	h.logger.Info("participant left room", zap.String("participant", participant), zap.Int64("room", roomID))
	h.broadcastCount(roomID)
}

// RemoveParticipant drops participant from every room it holds and
// rebroadcasts the count of each affected room.
func (h *Hub) RemoveParticipant(participant string) {
	h.mu.Lock()
	held := h.joined[participant]
	delete(h.joined, participant)
	for _, roomID := range held {
		if r, ok := h.rooms[roomID]; ok {
			r.mu.Lock()
			delete(r.members, participant)
			r.mu.Unlock()
		}
	}
	h.mu.Unlock()

	for _, roomID := range held {
		h.broadcastCount(roomID)
	}
}

// forgetLocked drops roomID from participant's join order. h.mu must be held.
func (h *Hub) forgetLocked(participant string, roomID int64) {
	held := h.joined[participant]
	for i, id := range held {
		if id == roomID {
			held = append(held[:i:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(h.joined, participant)
		return
	}
	h.joined[participant] = held
}

// Count returns the number of members in a room.
func (h *Hub) Count(roomID int64) int {
	r := h.room(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns a sorted snapshot of a room's members.
func (h *Hub) Members(roomID int64) []string {
	r := h.room(roomID)
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// IsMember reports whether participant currently holds a room.
func (h *Hub) IsMember(participant string, roomID int64) bool {
	r := h.room(roomID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[participant]
	return ok
}

// RoomOf returns the earliest joined room participant still holds.
func (h *Hub) RoomOf(participant string) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	held := h.joined[participant]
	if len(held) == 0 {
		return 0, false
	}
	return held[0], true
}

// Broadcast sends v to every member of a room. A failed member never stops
// delivery to the rest; failed members are disconnected afterwards. It
// returns the number of members the frame reached.
func (h *Hub) Broadcast(roomID int64, v any) int {
	var failed []string
	delivered := 0
	for _, participant := range h.Members(roomID) {
		err := h.sender.Send(participant, v)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, registry.ErrNotConnected):
			// Raced with a disconnect; nothing to clean up.
		default:
			h.logger.Warn("broadcast send failed",
				zap.String("participant", participant),
				zap.Int64("room", roomID),
				zap.Error(err),
			)
			failed = append(failed, participant)
		}
	}
	if h.disconnector != nil {
		for _, participant := range failed {
			h.disconnector.Disconnect(participant)
		}
	}
	return delivered
}

func (h *Hub) broadcastCount(roomID int64) {
	h.Broadcast(roomID, CountUpdate{
		Type:             typeRoomCountUpdate,
		RoomID:           roomID,
		ParticipantCount: h.Count(roomID),
	})
}
