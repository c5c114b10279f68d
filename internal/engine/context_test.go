package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/carewire/carewire/internal/api"
	"github.com/carewire/carewire/internal/bus"
	"github.com/carewire/carewire/internal/conn"
	"github.com/carewire/carewire/internal/messages"
	"github.com/carewire/carewire/internal/presence"
	"github.com/carewire/carewire/internal/rooms"
	"github.com/carewire/carewire/internal/store"
	"github.com/carewire/carewire/internal/wire"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu    sync.Mutex
	cmds  []*wire.Command
	state conn.State
}

func (s *fakeSender) Send(cmd *wire.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *fakeSender) State() conn.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSender) Status() conn.Status {
	return conn.Status{State: s.State()}
}

func (s *fakeSender) sent(typ string) []*wire.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Command
	for _, c := range s.cmds {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

type fakeFallback struct{}

func (fakeFallback) FetchRoomByParticipant(ctx context.Context, participantID string) (wire.RoomUpdate, error) {
	return wire.RoomUpdate{}, api.ErrNotFound
}

func (fakeFallback) CreateRoom(ctx context.Context, participants []string, group bool) (wire.RoomUpdate, error) {
	return wire.RoomUpdate{ID: "room-" + participants[1], Participants: participants, IsGroup: group}, nil
}

type fakeQuerier struct {
	mu      sync.Mutex
	queries int
}

func (q *fakeQuerier) QueryPresence(ctx context.Context, userIDs []string) ([]wire.PresenceUpdate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries++
	return nil, nil
}

func (q *fakeQuerier) queryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queries
}

type fixture struct {
	ctx     *Context
	bus     *bus.Bus
	db      *store.DB
	sender  *fakeSender
	querier *fakeQuerier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return newFixtureWithDB(t, db)
}

func newFixtureWithDB(t *testing.T, db *store.DB) *fixture {
	t.Helper()
	b := bus.New()
	logger := zap.NewNop()
	sender := &fakeSender{state: conn.Connected}
	querier := &fakeQuerier{}

	reg := rooms.NewRegistry(fakeFallback{}, "self", logger)
	log := messages.NewLog(b, time.Hour, logger)
	tracker := presence.NewTracker(b, querier, 10*time.Millisecond, logger)

	c := New("self", db, reg, log, tracker, sender, b, logger)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)

	return &fixture{ctx: c, bus: b, db: db, sender: sender, querier: querier}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendMessageIsOptimisticAndDurable(t *testing.T) {
	f := newFixture(t)
	f.ctx.SetActiveRoom("room-1")
	seedRoom(t, f, "room-1")

	msg, err := f.ctx.SendMessage("room-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", msg.Status)
	}

	log := f.ctx.ActiveMessages()
	if len(log) != 1 || log[0].ClientID != msg.ClientID {
		t.Errorf("active log = %+v, want the pending send", log)
	}

	pending, err := f.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientID != msg.ClientID {
		t.Errorf("outbox = %+v, want one queued entry", pending)
	}

	sends := f.sender.sent(wire.TypeMessageSend)
	if len(sends) != 1 {
		t.Errorf("wire sends = %d, want 1", len(sends))
	}
}

func TestAckSettlesSendOnce(t *testing.T) {
	f := newFixture(t)
	seedRoom(t, f, "room-1")
	f.ctx.SetActiveRoom("room-1")

	msg, err := f.ctx.SendMessage("room-1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	ack := wire.Ack{ClientID: msg.ClientID, ID: "srv-1", RoomID: "room-1", Timestamp: 100}
	f.bus.Emit(bus.KindServerAck, ack)
	// Redelivery of the same ack must not duplicate anything.
	f.bus.Emit(bus.KindServerAck, ack)

	eventually(t, func() bool {
		log := f.ctx.ActiveMessages()
		return len(log) == 1 && log[0].Status == store.StatusSent && log[0].ID == "srv-1"
	}, "ack never settled the send")

	eventually(t, func() bool {
		pending, err := f.db.PendingOutbox()
		return err == nil && len(pending) == 0
	}, "outbox entry never settled")

	// The confirmed message is persisted.
	eventually(t, func() bool {
		ok, err := f.db.HasMessage("room-1", "srv-1")
		return err == nil && ok
	}, "confirmed message never persisted")
}

func TestIncomingMessagesOrderAndUnread(t *testing.T) {
	f := newFixture(t)
	seedRoom(t, f, "room-1")

	// Out-of-order arrival for a room that is not active.
	f.bus.Emit(bus.KindServerMessage, wire.ServerMessage{
		ID: "srv-2", RoomID: "room-1", SenderID: "u2", Content: "second", Timestamp: 200,
	})
	f.bus.Emit(bus.KindServerMessage, wire.ServerMessage{
		ID: "srv-1", RoomID: "room-1", SenderID: "u2", Content: "first", Timestamp: 100,
	})

	eventually(t, func() bool {
		return f.ctx.UnreadTotal() == 2
	}, "unread total never reached 2")

	f.ctx.SetActiveRoom("room-1")
	log := f.ctx.ActiveMessages()
	if len(log) != 2 || log[0].ID != "srv-1" || log[1].ID != "srv-2" {
		t.Errorf("log = %+v, want srv-1 then srv-2", log)
	}

	roomsList := f.ctx.Rooms()
	if roomsList[0].LastActivity != 200 {
		t.Errorf("activity = %d, want 200", roomsList[0].LastActivity)
	}
}

func TestActiveRoomMessagesAreNotUnread(t *testing.T) {
	f := newFixture(t)
	seedRoom(t, f, "room-1")
	f.ctx.SetActiveRoom("room-1")

	f.bus.Emit(bus.KindServerMessage, wire.ServerMessage{
		ID: "srv-1", RoomID: "room-1", SenderID: "u2", Content: "hi", Timestamp: 100,
	})

	eventually(t, func() bool {
		return len(f.ctx.ActiveMessages()) == 1
	}, "message never applied")
	if got := f.ctx.UnreadTotal(); got != 0 {
		t.Errorf("unread = %d, want 0 for the active room", got)
	}
}

func TestReadBoundaryIgnoresLateArrivals(t *testing.T) {
	f := newFixture(t)
	seedRoom(t, f, "room-1")

	f.bus.Emit(bus.KindServerMessage, wire.ServerMessage{
		ID: "srv-2", RoomID: "room-1", SenderID: "u2", Timestamp: 200,
	})
	eventually(t, func() bool { return f.ctx.UnreadTotal() == 1 }, "unread never applied")

	if err := f.ctx.MarkRoomRead("room-1"); err != nil {
		t.Fatal(err)
	}
	if got := f.ctx.UnreadTotal(); got != 0 {
		t.Fatalf("unread after mark read = %d, want 0", got)
	}

	// A late arrival behind the read boundary must not count as unread.
	f.bus.Emit(bus.KindServerMessage, wire.ServerMessage{
		ID: "srv-1", RoomID: "room-1", SenderID: "u2", Timestamp: 150,
	})
	eventually(t, func() bool {
		return len(f.ctx.msgs.Messages("room-1")) == 2
	}, "late arrival never applied")
	if got := f.ctx.UnreadTotal(); got != 0 {
		t.Errorf("unread after late arrival = %d, want 0", got)
	}

	// A genuinely new message still counts.
	f.bus.Emit(bus.KindServerMessage, wire.ServerMessage{
		ID: "srv-3", RoomID: "room-1", SenderID: "u2", Timestamp: 300,
	})
	eventually(t, func() bool { return f.ctx.UnreadTotal() == 1 }, "new message never counted")
}

func TestMarkRoomReadNotifiesServer(t *testing.T) {
	f := newFixture(t)
	seedRoom(t, f, "room-1")

	if err := f.ctx.MarkRoomRead("room-1"); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.sent(wire.TypeRoomRead)); got != 1 {
		t.Errorf("room.read commands = %d, want 1", got)
	}
}

func TestOpenOrCreateRoomPersists(t *testing.T) {
	f := newFixture(t)

	room, err := f.ctx.OpenOrCreateRoom(context.Background(), "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if room.ID != "room-user-2" {
		t.Errorf("room id = %q, want room-user-2", room.ID)
	}

	persisted, err := f.db.GetRoom(room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted == nil {
		t.Fatal("created room not persisted")
	}
}

func TestBadgeAbbreviation(t *testing.T) {
	f := newFixture(t)
	if got := f.ctx.Badge(); got != "" {
		t.Errorf("badge at zero = %q, want empty", got)
	}

	f.bus.Emit(bus.KindServerRoom, wire.RoomUpdate{ID: "a", UnreadCount: 5, LastActivity: 100})
	eventually(t, func() bool { return f.ctx.Badge() == "5" }, "badge never showed 5")

	f.bus.Emit(bus.KindServerRoom, wire.RoomUpdate{ID: "b", UnreadCount: 7, LastActivity: 100})
	eventually(t, func() bool { return f.ctx.Badge() == "9+" }, "badge never abbreviated")
}

func TestConnDownStartsPresencePolling(t *testing.T) {
	f := newFixture(t)
	f.bus.Emit(bus.KindServerRoom, wire.RoomUpdate{
		ID: "room-1", Participants: []string{"self", "u2"}, LastActivity: 100,
	})
	eventually(t, func() bool { return len(f.ctx.Rooms()) == 1 }, "room never applied")

	f.bus.Emit(bus.KindConnDown, nil)
	eventually(t, func() bool { return f.querier.queryCount() > 0 }, "poll loop never started")

	f.bus.Emit(bus.KindConnUp, nil)
	time.Sleep(30 * time.Millisecond)
	n := f.querier.queryCount()
	time.Sleep(60 * time.Millisecond)
	if got := f.querier.queryCount(); got > n+1 {
		t.Errorf("polling kept running after reconnect (%d -> %d)", n, got)
	}
}

func TestRestartRestoresStateAndResubmits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(&store.Room{ID: "room-1", Participants: []string{"self", "u2"}, LastActivity: 100}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		RoomID: "room-1", ID: "srv-1", SenderID: "u2", Content: "old",
		Status: store.StatusSent, ServerTS: 100,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("client-7", "room-1", "unsent"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	f := newFixtureWithDB(t, db)

	roomsList := f.ctx.Rooms()
	if len(roomsList) != 1 || roomsList[0].ID != "room-1" {
		t.Fatalf("rooms = %+v, want room-1", roomsList)
	}

	f.ctx.SetActiveRoom("room-1")
	log := f.ctx.ActiveMessages()
	if len(log) != 2 {
		t.Fatalf("log has %d entries, want history plus restored pending", len(log))
	}
	if log[0].ID != "srv-1" {
		t.Errorf("log[0] = %+v, want persisted history first", log[0])
	}
	if log[1].ClientID != "client-7" || log[1].Status != store.StatusPending {
		t.Errorf("log[1] = %+v, want restored pending send", log[1])
	}

	// The queued send went back on the wire with its original client id.
	sends := f.sender.sent(wire.TypeMessageSend)
	if len(sends) != 1 {
		t.Fatalf("resubmitted sends = %d, want 1", len(sends))
	}
	payload := sends[0].Payload.(map[string]string)
	if payload["clientId"] != "client-7" {
		t.Errorf("resubmitted client id = %q, want client-7", payload["clientId"])
	}
}

func seedRoom(t *testing.T, f *fixture, roomID string) {
	t.Helper()
	f.bus.Emit(bus.KindServerRoom, wire.RoomUpdate{
		ID: roomID, Participants: []string{"self", "u2"}, LastActivity: 1,
	})
	eventually(t, func() bool {
		_, ok := f.ctx.rooms.Get(roomID)
		return ok
	}, "seed room never applied")
}
