package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/carewire/carewire/internal/api"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fallback is the request path used when a room is not in the local cache.
// The production implementation is the REST client.
type Fallback interface {
	FetchRoomByParticipant(ctx context.Context, participantID string) (wire.RoomUpdate, error)
	CreateRoom(ctx context.Context, participants []string, group bool) (wire.RoomUpdate, error)
}

// Registry is the in-memory room cache. All reads return copies ordered by
// last activity; merges never regress unread counts or activity timestamps.
type Registry struct {
	fallback Fallback
	selfID   string
	log      *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*store.Room

	// group coalesces concurrent get-or-create calls for the same
	// participant into a single fallback request.
	group singleflight.Group
}

// NewRegistry creates an empty room registry. selfID is the local user,
// used to build participant lists for created rooms.
func NewRegistry(fallback Fallback, selfID string, logger *zap.Logger) *Registry {
	return &Registry{
		fallback: fallback,
		selfID:   selfID,
		log:      logger,
		rooms:    make(map[string]*store.Room),
	}
}

// Load seeds the cache, replacing current contents. Called once at startup
// with the persisted room list.
func (r *Registry) Load(rooms []store.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]*store.Room, len(rooms))
	for i := range rooms {
		room := rooms[i]
		r.rooms[room.ID] = &room
	}
}

// Get returns a copy of the room, if cached.
func (r *Registry) Get(id string) (store.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return store.Room{}, false
	}
	return copyRoom(room), true
}

// List returns copies of all cached rooms, most recently active first.
// Ties break on room id so the order is stable.
func (r *Registry) List() []store.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, copyRoom(room))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadTotal returns the sum of unread counts across all rooms.
func (r *Registry) UnreadTotal() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, room := range r.rooms {
		total += room.UnreadCount
	}
	return total
}

// Upsert merges a server room update into the cache and returns the merged
// room. Activity never moves backwards. The unread count only drops on an
// explicit read acknowledgment; an ordinary update racing a local mark-read
// cannot resurrect a stale count.
func (r *Registry) Upsert(u wire.RoomUpdate) store.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[u.ID]
	if !ok {
		room = &store.Room{ID: u.ID}
		r.rooms[u.ID] = room
	}
	if len(u.Participants) > 0 {
		room.Participants = append([]string(nil), u.Participants...)
	}
	room.IsGroup = u.IsGroup
	if u.LastActivity > room.LastActivity {
		room.LastActivity = u.LastActivity
	}
	if u.ReadAck || u.UnreadCount > room.UnreadCount {
		room.UnreadCount = u.UnreadCount
	}
	return copyRoom(room)
}

// Bump records activity in a room: its activity timestamp moves forward
// (never back) and the unread count grows by unreadDelta.
func (r *Registry) Bump(roomID string, activity int64, unreadDelta int, lastMessageID string) (store.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return store.Room{}, false
	}
	if activity > room.LastActivity {
		room.LastActivity = activity
	}
	room.UnreadCount += unreadDelta
	if lastMessageID != "" {
		room.LastMessageID = lastMessageID
	}
	return copyRoom(room), true
}

// MarkRead zeroes the unread count and advances the read boundary to ts.
// The boundary is monotonic: a stale ts cannot pull it back.
func (r *Registry) MarkRead(roomID string, ts int64) (store.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return store.Room{}, false
	}
	room.UnreadCount = 0
	if ts > room.LastReadTS {
		room.LastReadTS = ts
	}
	return copyRoom(room), true
}

// GetOrCreate returns the direct room shared with the given participant,
// consulting the fallback when it is not cached. Concurrent calls for the
// same participant coalesce into one fallback round trip, so a burst of
// opens creates at most one room.
func (r *Registry) GetOrCreate(ctx context.Context, participantID string) (store.Room, error) {
	if room, ok := r.directWith(participantID); ok {
		return room, nil
	}

	v, err, _ := r.group.Do(participantID, func() (any, error) {
		// Re-check under coalescing; an earlier caller may have filled
		// the cache while this one queued.
		if room, ok := r.directWith(participantID); ok {
			return room, nil
		}

		u, err := r.fallback.FetchRoomByParticipant(ctx, participantID)
		if errors.Is(err, api.ErrNotFound) {
			r.log.Info("no existing room, creating", zap.String("participant", participantID))
			u, err = r.fallback.CreateRoom(ctx, []string{r.selfID, participantID}, false)
		}
		if err != nil {
			return store.Room{}, fmt.Errorf("get or create room: %w", err)
		}
		return r.Upsert(u), nil
	})
	if err != nil {
		return store.Room{}, err
	}
	return v.(store.Room), nil
}

// directWith finds the cached non-group room containing the participant.
func (r *Registry) directWith(participantID string) (store.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.IsGroup {
			continue
		}
		for _, p := range room.Participants {
			if p == participantID {
				return copyRoom(room), true
			}
		}
	}
	return store.Room{}, false
}

func copyRoom(room *store.Room) store.Room {
	cp := *room
	cp.Participants = append([]string(nil), room.Participants...)
	return cp
}
