package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds, grouped by namespace. Subscribers filter on the prefix
// up to and including the dot.
const (
	// conn.*: connection lifecycle, published by the connection manager.
	KindConnUp           = "conn.up"
	KindConnDown         = "conn.down"
	KindConnReauth       = "conn.reauth"
	KindConnAuthFatal    = "conn.auth_failed"
	KindConnStateChanged = "conn.state_changed"

	// server.*: validated inbound pushes, published by the connection
	// manager. Payloads are wire types.
	KindServerMessage  = "server.message"
	KindServerAck      = "server.ack"
	KindServerRoom     = "server.room"
	KindServerPresence = "server.presence"

	// message.*: local message log changes, published by the engine.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSendAck    = "message.send_ack"
	KindMessageTimeout    = "message.send_timeout"

	// room.*: room cache changes, published by the engine.
	KindRoomUpserted = "room.upserted"

	// presence.*: presence map changes, published by the engine.
	KindPresenceChanged = "presence.changed"
)
