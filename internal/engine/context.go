package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/carewire/carewire/internal/bus"
	"github.com/carewire/carewire/internal/conn"
	"github.com/carewire/carewire/internal/messages"
	"github.com/carewire/carewire/internal/presence"
	"github.com/carewire/carewire/internal/rooms"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/wire"
	"go.uber.org/zap"
)

// Sender is the outbound half of the push connection.
type Sender interface {
	Send(cmd *wire.Command) error
	State() conn.State
	Status() conn.Status
}

// Context is the synchronization facade: it composes the connection, room
// registry, message log, and presence tracker behind snapshot reads and a
// handful of operations. A single dispatch goroutine consumes bus events,
// so every mutation of shared state funnels through one place; readers get
// copies, never live references.
type Context struct {
	selfID   string
	db       *store.DB
	rooms    *rooms.Registry
	msgs     *messages.Log
	presence *presence.Tracker
	sender   Sender
	bus      *bus.Bus
	logger   *zap.Logger

	mu         sync.RWMutex
	activeRoom string

	cancel context.CancelFunc
}

// New creates the sync context. Call Start to load persisted state and
// begin dispatching.
func New(selfID string, db *store.DB, reg *rooms.Registry, log *messages.Log, tracker *presence.Tracker, sender Sender, b *bus.Bus, logger *zap.Logger) *Context {
	return &Context{
		selfID:   selfID,
		db:       db,
		rooms:    reg,
		msgs:     log,
		presence: tracker,
		sender:   sender,
		bus:      b,
		logger:   logger,
	}
}

// Start loads persisted state, resubmits sends queued before the last
// shutdown, and starts the dispatch goroutine.
func (c *Context) Start(ctx context.Context) error {
	if err := c.loadState(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the dispatch goroutine.
func (c *Context) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.presence.StopPolling()
}

// loadState seeds the in-memory caches from the store: the room list, each
// room's recent history, and the outbox entries still awaiting delivery.
func (c *Context) loadState() error {
	roomList, err := c.db.ListRooms(500, 0)
	if err != nil {
		return err
	}
	c.rooms.Load(roomList)

	pending, err := c.db.PendingOutbox()
	if err != nil {
		return err
	}
	byRoom := make(map[string][]store.Message)
	for _, e := range pending {
		byRoom[e.RoomID] = append(byRoom[e.RoomID], store.Message{
			RoomID:   e.RoomID,
			ClientID: e.ClientID,
			SenderID: c.selfID,
			Content:  e.Content,
			Status:   store.StatusPending,
			LocalTS:  time.Now().UnixMilli(),
		})
	}

	for _, room := range roomList {
		history, err := c.db.ListMessages(room.ID, 0, 200)
		if err != nil {
			return err
		}
		c.msgs.Load(room.ID, append(history, byRoom[room.ID]...))
	}

	// Resubmit what never made it out. The client id is stable, so the
	// server deduplicates anything that did arrive before the crash.
	for _, e := range pending {
		if _, ok := c.msgs.Retry(e.ClientID); !ok {
			continue
		}
		if err := c.sender.Send(wire.SendMessageCommand(e.ClientID, e.RoomID, e.Content)); err != nil {
			c.logger.Warn("resubmit queued send failed",
				zap.String("clientId", e.ClientID), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		c.logger.Info("resubmitted queued sends", zap.Int("count", len(pending)))
	}
	return nil
}

// SendMessage submits a message optimistically: it appears in the room log
// as pending immediately, is queued durably, and goes out on the wire (or
// into the reconnect queue) right away.
func (c *Context) SendMessage(roomID, content string) (store.Message, error) {
	msg := c.msgs.Send(roomID, c.selfID, content)

	if err := c.db.QueueOutbox(msg.ClientID, roomID, content); err != nil {
		return msg, fmt.Errorf("queue send: %w", err)
	}
	if room, ok := c.rooms.Bump(roomID, msg.LocalTS, 0, ""); ok {
		c.persistRoom(room)
		c.bus.Emit(bus.KindRoomUpserted, room)
	}

	if err := c.sender.Send(wire.SendMessageCommand(msg.ClientID, roomID, content)); err != nil {
		c.logger.Warn("send not queued", zap.String("clientId", msg.ClientID), zap.Error(err))
		return msg, err
	}
	return msg, nil
}

// RetryMessage resubmits a failed send under its original client id.
func (c *Context) RetryMessage(clientID string) error {
	msg, ok := c.msgs.Retry(clientID)
	if !ok {
		return fmt.Errorf("no retryable message %q", clientID)
	}
	if err := c.db.QueueOutbox(msg.ClientID, msg.RoomID, msg.Content); err != nil {
		return fmt.Errorf("queue retry: %w", err)
	}
	return c.sender.Send(wire.SendMessageCommand(msg.ClientID, msg.RoomID, msg.Content))
}

// MarkRoomRead clears a room's unread count and advances its read boundary
// to the newest confirmed message. The boundary is monotonic, so a message
// that arrives late but predates it does not resurrect the unread badge.
func (c *Context) MarkRoomRead(roomID string) error {
	boundary := int64(0)
	for _, m := range c.msgs.Messages(roomID) {
		if m.ServerTS > boundary {
			boundary = m.ServerTS
		}
	}

	room, ok := c.rooms.MarkRead(roomID, boundary)
	if !ok {
		return fmt.Errorf("unknown room %q", roomID)
	}
	c.persistRoom(room)
	c.bus.Emit(bus.KindRoomUpserted, room)

	return c.sender.Send(wire.MarkReadCommand(roomID))
}

// OpenOrCreateRoom returns the direct room with the given participant,
// creating it through the fallback path when it does not exist yet.
func (c *Context) OpenOrCreateRoom(ctx context.Context, participantID string) (store.Room, error) {
	room, err := c.rooms.GetOrCreate(ctx, participantID)
	if err != nil {
		return store.Room{}, err
	}
	c.persistRoom(room)
	c.bus.Emit(bus.KindRoomUpserted, room)
	return room, nil
}

// SetActiveRoom marks the room whose messages ActiveMessages returns.
// Messages arriving for the active room do not count as unread.
func (c *Context) SetActiveRoom(roomID string) {
	c.mu.Lock()
	c.activeRoom = roomID
	c.mu.Unlock()
}

// Rooms returns the room list, most recently active first.
func (c *Context) Rooms() []store.Room {
	return c.rooms.List()
}

// ActiveMessages returns the active room's message log in display order.
func (c *Context) ActiveMessages() []store.Message {
	c.mu.RLock()
	roomID := c.activeRoom
	c.mu.RUnlock()
	if roomID == "" {
		return nil
	}
	return c.msgs.Messages(roomID)
}

// Presence returns a copy of the presence map.
func (c *Context) Presence() map[string]presence.Entry {
	return c.presence.Snapshot()
}

// UnreadTotal returns the sum of unread counts across all rooms.
func (c *Context) UnreadTotal() int {
	return c.rooms.UnreadTotal()
}

// Badge renders the unread total for display: empty at zero, "9+" at ten
// or more.
func (c *Context) Badge() string {
	total := c.rooms.UnreadTotal()
	switch {
	case total <= 0:
		return ""
	case total >= 10:
		return "9+"
	default:
		return strconv.Itoa(total)
	}
}

// ConnState returns the current connection state.
func (c *Context) ConnState() conn.State {
	return c.sender.State()
}

// ConnStatus returns the connection state together with the backoff
// attempt counter and queued outbound count, for status displays.
func (c *Context) ConnStatus() conn.Status {
	return c.sender.Status()
}

func (c *Context) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindServerMessage:
		if p, ok := evt.Payload.(wire.ServerMessage); ok {
			c.applyMessage(p)
		}
	case bus.KindServerAck:
		if p, ok := evt.Payload.(wire.Ack); ok {
			c.applyAck(p)
		}
	case bus.KindServerRoom:
		if p, ok := evt.Payload.(wire.RoomUpdate); ok {
			room := c.rooms.Upsert(p)
			c.persistRoom(room)
			c.bus.Emit(bus.KindRoomUpserted, room)
		}
	case bus.KindServerPresence:
		if p, ok := evt.Payload.(wire.PresenceUpdate); ok {
			c.presence.Apply(p)
		}
	case bus.KindConnUp:
		c.presence.StopPolling()
	case bus.KindConnDown:
		c.presence.StartPolling(c.pollSubjects)
	case bus.KindMessageTimeout:
		if p, ok := evt.Payload.(store.Message); ok {
			if err := c.db.MarkOutboxFailed(p.ClientID, "send timeout"); err != nil {
				c.logger.Error("mark outbox failed", zap.Error(err))
			}
		}
	}
}

// applyMessage ingests a server-pushed message: dedup, positional insert,
// room activity bump, unread accounting against the read boundary, and
// write-through to the store.
func (c *Context) applyMessage(p wire.ServerMessage) {
	msg, changed := c.msgs.Incoming(p)
	if !changed {
		return
	}
	if err := c.db.UpsertMessage(&msg); err != nil {
		c.logger.Error("persist message", zap.Error(err), zap.String("id", msg.ID))
	}
	if msg.ClientID != "" && msg.SenderID == c.selfID {
		// Echo of our own send; settle the outbox entry.
		if err := c.db.MarkOutboxSent(msg.ClientID, msg.ID); err != nil {
			c.logger.Error("mark outbox sent", zap.Error(err))
		}
	}

	c.mu.RLock()
	active := c.activeRoom
	c.mu.RUnlock()

	delta := 0
	if msg.SenderID != c.selfID && msg.RoomID != active {
		cur, known := c.rooms.Get(msg.RoomID)
		if !known || msg.ServerTS > cur.LastReadTS {
			delta = 1
		}
	}

	room, ok := c.rooms.Bump(msg.RoomID, msg.ServerTS, delta, msg.ID)
	if !ok {
		// First sign of this room; a full update usually follows, but the
		// list should show it now.
		room = c.rooms.Upsert(wire.RoomUpdate{
			ID:           msg.RoomID,
			UnreadCount:  delta,
			LastActivity: msg.ServerTS,
		})
	}
	c.persistRoom(room)
	c.bus.Emit(bus.KindRoomUpserted, room)
}

// applyAck settles a pending send against its server acknowledgment.
func (c *Context) applyAck(p wire.Ack) {
	msg, changed := c.msgs.Ack(p)
	if !changed {
		return
	}
	if err := c.db.UpsertMessage(&msg); err != nil {
		c.logger.Error("persist acked message", zap.Error(err), zap.String("id", msg.ID))
	}
	if err := c.db.MarkOutboxSent(msg.ClientID, msg.ID); err != nil {
		c.logger.Error("mark outbox sent", zap.Error(err))
	}
	if room, ok := c.rooms.Bump(msg.RoomID, msg.ServerTS, 0, msg.ID); ok {
		c.persistRoom(room)
		c.bus.Emit(bus.KindRoomUpserted, room)
	}
}

func (c *Context) persistRoom(room store.Room) {
	if err := c.db.UpsertRoom(&room); err != nil {
		c.logger.Error("persist room", zap.Error(err), zap.String("id", room.ID))
	}
}

// pollSubjects lists everyone we share a room with, for offline presence
// polling.
func (c *Context) pollSubjects() []string {
	seen := map[string]bool{c.selfID: true}
	var ids []string
	for _, room := range c.rooms.List() {
		for _, p := range room.Participants {
			if !seen[p] {
				seen[p] = true
				ids = append(ids, p)
			}
		}
	}
	return ids
}
