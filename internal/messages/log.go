package messages

import (
	"sort"
	"sync"
	"time"

	"github.com/carewire/carewire/internal/bus"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log holds the per-room message logs: server-confirmed history in server
// timestamp order, plus locally originated messages awaiting acknowledgment.
// Confirmed entries are deduplicated on the server-issued id; the
// client-generated id stays stable across retries so the server can
// deduplicate resubmissions the same way.
type Log struct {
	bus         *bus.Bus
	log         *zap.Logger
	sendTimeout time.Duration

	mu      sync.RWMutex
	byRoom  map[string][]store.Message
	pending map[string]pendingRef // client id -> location of an unacked send
	seen    map[string]bool       // server ids already applied
	timers  map[string]*time.Timer
}

type pendingRef struct {
	roomID string
}

// NewLog creates an empty message log. sendTimeout bounds how long a send
// may stay unacknowledged before it is marked failed.
func NewLog(b *bus.Bus, sendTimeout time.Duration, logger *zap.Logger) *Log {
	return &Log{
		bus:         b,
		log:         logger,
		sendTimeout: sendTimeout,
		byRoom:      make(map[string][]store.Message),
		pending:     make(map[string]pendingRef),
		seen:        make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}
}

// Load seeds a room's log with persisted history, replacing current
// contents. Entries still pending from a previous run keep their client
// ids so a retry resubmits rather than duplicates.
func (l *Log) Load(roomID string, msgs []store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := make([]store.Message, len(msgs))
	copy(log, msgs)
	sortLog(log)
	l.byRoom[roomID] = log
	for _, m := range log {
		if m.ID != "" {
			l.seen[m.ID] = true
		}
		if m.Status == store.StatusPending && m.ClientID != "" {
			l.pending[m.ClientID] = pendingRef{roomID: roomID}
		}
	}
}

// Send appends an optimistic entry for a locally originated message and
// returns it. The entry is visible immediately with status pending; if no
// acknowledgment arrives within the send timeout it flips to failed.
func (l *Log) Send(roomID, senderID, content string) store.Message {
	msg := store.Message{
		RoomID:   roomID,
		ClientID: uuid.New().String(),
		SenderID: senderID,
		Content:  content,
		Status:   store.StatusPending,
		LocalTS:  time.Now().UnixMilli(),
	}

	l.mu.Lock()
	l.byRoom[roomID] = append(l.byRoom[roomID], msg)
	l.pending[msg.ClientID] = pendingRef{roomID: roomID}
	l.armTimeout(msg.ClientID)
	l.mu.Unlock()

	l.bus.Emit(bus.KindMessageUpserted, msg)
	return msg
}

// Retry resubmits a failed (or still pending) message under its original
// client id and re-arms the timeout. Returns false if the client id is
// unknown or already confirmed.
func (l *Log) Retry(clientID string) (store.Message, bool) {
	l.mu.Lock()
	msg, ok := l.resetForRetry(clientID)
	l.mu.Unlock()
	if !ok {
		return store.Message{}, false
	}
	l.bus.Emit(bus.KindMessageUpserted, msg)
	return msg, true
}

func (l *Log) resetForRetry(clientID string) (store.Message, bool) {
	for roomID, log := range l.byRoom {
		for i := range log {
			m := &log[i]
			if m.ClientID != clientID || m.ID != "" {
				continue
			}
			if m.Status != store.StatusPending && m.Status != store.StatusFailed {
				return store.Message{}, false
			}
			m.Status = store.StatusPending
			l.pending[clientID] = pendingRef{roomID: roomID}
			l.armTimeout(clientID)
			return *m, true
		}
	}
	return store.Message{}, false
}

// Ack reconciles a server acknowledgment with its pending entry: the entry
// gains the server id and timestamp, flips to sent, and moves to its
// server-ordered position. A duplicate acknowledgment is a no-op.
func (l *Log) Ack(a wire.Ack) (store.Message, bool) {
	l.mu.Lock()
	msg, changed := l.confirm(a.ClientID, a.ID, a.RoomID, a.Timestamp)
	l.mu.Unlock()
	if !changed {
		return msg, false
	}
	l.bus.Emit(bus.KindMessageSendAck, msg)
	l.bus.Emit(bus.KindMessageUpserted, msg)
	return msg, true
}

// Incoming applies a server-pushed message. A message echoing one of our
// pending client ids confirms that send; a server id already applied is
// dropped; anything else is inserted at its timestamp position.
func (l *Log) Incoming(in wire.ServerMessage) (store.Message, bool) {
	l.mu.Lock()

	if l.seen[in.ID] {
		l.mu.Unlock()
		return store.Message{}, false
	}
	if in.ClientID != "" {
		if msg, changed := l.confirm(in.ClientID, in.ID, in.RoomID, in.Timestamp); changed {
			l.mu.Unlock()
			l.bus.Emit(bus.KindMessageSendAck, msg)
			l.bus.Emit(bus.KindMessageUpserted, msg)
			return msg, changed
		}
	}

	msg := store.Message{
		RoomID:   in.RoomID,
		ID:       in.ID,
		ClientID: in.ClientID,
		SenderID: in.SenderID,
		Content:  in.Content,
		Status:   store.StatusSent,
		ServerTS: in.Timestamp,
	}
	l.seen[in.ID] = true
	log := append(l.byRoom[in.RoomID], msg)
	sortLog(log)
	l.byRoom[in.RoomID] = log
	l.mu.Unlock()

	l.bus.Emit(bus.KindMessageUpserted, msg)
	return msg, true
}

// confirm flips the unconfirmed entry for clientID to sent under the
// server's identity. It matches any entry without a server id, not just
// ones still tracked as pending: a send that timed out to failed is still
// confirmable, since the queued frame may reach the server after the
// timeout fired. The entry is updated in place, never duplicated.
// Caller holds l.mu.
func (l *Log) confirm(clientID, serverID, roomID string, ts int64) (store.Message, bool) {
	if l.seen[serverID] {
		return l.findByServerID(serverID), false
	}
	for _, log := range l.byRoom {
		for i := range log {
			m := &log[i]
			if m.ClientID != clientID || m.ID != "" {
				continue
			}
			m.ID = serverID
			m.ServerTS = ts
			m.Status = store.StatusSent
			if roomID != "" {
				m.RoomID = roomID
			}
			msg := *m
			sortLog(log)
			delete(l.pending, clientID)
			l.seen[serverID] = true
			l.disarmTimeout(clientID)
			return msg, true
		}
	}
	return store.Message{}, false
}

func (l *Log) findByServerID(serverID string) store.Message {
	for _, log := range l.byRoom {
		for _, m := range log {
			if m.ID == serverID {
				return m
			}
		}
	}
	return store.Message{}
}

// Messages returns a copy of a room's log in display order: confirmed
// history by server timestamp (ties on id), then unconfirmed sends in
// submission order.
func (l *Log) Messages(roomID string) []store.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	log := l.byRoom[roomID]
	out := make([]store.Message, len(log))
	copy(out, log)
	return out
}

// PendingCount reports how many sends are still awaiting acknowledgment.
func (l *Log) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// armTimeout schedules the send timeout for a client id. Caller holds l.mu.
func (l *Log) armTimeout(clientID string) {
	if t, ok := l.timers[clientID]; ok {
		t.Stop()
	}
	l.timers[clientID] = time.AfterFunc(l.sendTimeout, func() {
		l.expire(clientID)
	})
}

func (l *Log) disarmTimeout(clientID string) {
	if t, ok := l.timers[clientID]; ok {
		t.Stop()
		delete(l.timers, clientID)
	}
}

// expire marks a still-unacknowledged send as failed.
func (l *Log) expire(clientID string) {
	l.mu.Lock()
	ref, ok := l.pending[clientID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.pending, clientID)
	delete(l.timers, clientID)

	var msg store.Message
	log := l.byRoom[ref.roomID]
	for i := range log {
		if log[i].ClientID == clientID && log[i].ID == "" {
			log[i].Status = store.StatusFailed
			msg = log[i]
			break
		}
	}
	l.mu.Unlock()

	if msg.ClientID == "" {
		return
	}
	l.log.Warn("send timed out",
		zap.String("clientId", clientID),
		zap.String("room", msg.RoomID))
	l.bus.Emit(bus.KindMessageTimeout, msg)
	l.bus.Emit(bus.KindMessageSendFailed, msg)
	l.bus.Emit(bus.KindMessageUpserted, msg)
}

// sortLog orders confirmed entries by server timestamp (ties on server id)
// and keeps unconfirmed entries after them in submission order.
func sortLog(log []store.Message) {
	sort.SliceStable(log, func(i, j int) bool {
		a, b := log[i], log[j]
		aConfirmed := a.ID != ""
		bConfirmed := b.ID != ""
		if aConfirmed != bConfirmed {
			return aConfirmed
		}
		if !aConfirmed {
			return a.LocalTS < b.LocalTS
		}
		if a.ServerTS != b.ServerTS {
			return a.ServerTS < b.ServerTS
		}
		return a.ID < b.ID
	})
}
