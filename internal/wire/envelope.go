package wire

import "encoding/json"

// Envelope is the wire format for all push traffic in both directions:
// a type tag plus a type-specific JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound envelope types pushed by the server.
const (
	TypeConnected       = "connected"
	TypeMessageNew      = "message.new"
	TypeMessageAck      = "message.ack"
	TypeRoomUpdated     = "room.updated"
	TypePresenceChanged = "presence.changed"
	TypeAuthExpired     = "auth.expired"
	TypePong            = "pong"
	TypeError           = "error"
)

// Outbound command types sent by the client.
const (
	TypeAuth        = "auth"
	TypeAuthRefresh = "auth.refresh"
	TypeMessageSend = "message.send"
	TypeRoomRead    = "room.read"
	TypePing        = "ping"
)

// Command is a client-to-server command.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Encode marshals a command into its wire bytes.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// AuthCommand is the handshake command carrying the bearer credential.
func AuthCommand(token string) *Command {
	return &Command{Type: TypeAuth, Payload: map[string]string{"token": token}}
}

// AuthRefreshCommand re-presents a refreshed credential on an open connection.
func AuthRefreshCommand(token string) *Command {
	return &Command{Type: TypeAuthRefresh, Payload: map[string]string{"token": token}}
}

// SendMessageCommand submits a message under a client-generated identifier.
func SendMessageCommand(clientID, roomID, content string) *Command {
	return &Command{Type: TypeMessageSend, Payload: map[string]string{
		"clientId": clientID,
		"roomId":   roomID,
		"content":  content,
	}}
}

// MarkReadCommand reports that the user has read a room up to now.
func MarkReadCommand(roomID string) *Command {
	return &Command{Type: TypeRoomRead, Payload: map[string]string{"roomId": roomID}}
}

// PingCommand is the heartbeat probe; the server echoes the request id in a pong.
func PingCommand(requestID string) *Command {
	return &Command{Type: TypePing, Payload: map[string]string{"requestId": requestID}, RequestID: requestID}
}
