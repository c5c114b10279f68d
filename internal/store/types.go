package store

// Message lifecycle statuses. A message is born pending, becomes sent (or
// delivered, once the server reports recipient delivery) on acknowledgment,
// and failed when no acknowledgment arrives in time.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Room represents a synced chat room.
type Room struct {
	ID            string
	Participants  []string
	IsGroup       bool
	UnreadCount   int
	LastMessageID string
	LastActivity  int64 // unix ms of the most recent activity
	LastReadTS    int64 // read boundary: server ts of the last read point
}

// Message represents a message in a room's log.
type Message struct {
	RowID    int64
	RoomID   string
	ID       string // server-confirmed identifier, authoritative once set
	ClientID string // client-generated identifier, stable across retries
	SenderID string
	Content  string
	Status   string
	ServerTS int64 // server clock, unix ms; authoritative for ordering
	LocalTS  int64 // client clock at creation, unix ms
}

// OutboxEntry represents a queued outgoing message.
type OutboxEntry struct {
	RowID        int64
	ClientID     string
	RoomID       string
	Content      string
	Status       string // queued, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
