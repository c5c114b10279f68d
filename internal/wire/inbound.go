package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload marks an inbound event that failed validation.
// Such events are logged and dropped; they never halt dispatch.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrUnknownType marks an inbound envelope type this client does not handle.
var ErrUnknownType = errors.New("unknown envelope type")

// Inbound is implemented by every decoded server push payload, so consumers
// can exhaustively type-switch on event kind.
type Inbound interface {
	inbound()
}

// Connected confirms the handshake and identifies the authenticated user.
type Connected struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// ServerMessage is a message persisted by the server, pushed to participants.
// ClientID is echoed back on messages originated by this client.
type ServerMessage struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	ClientID  string `json:"clientId,omitempty"`
	Timestamp int64  `json:"timestamp"` // server clock, unix ms; authoritative for ordering
}

// Ack confirms that a client-submitted message was received and persisted.
type Ack struct {
	ClientID  string `json:"clientId"`
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

// RoomUpdate is the server's view of a room. ReadAck distinguishes a
// mark-read acknowledgment from an ordinary update, which matters when
// merging unread counts.
type RoomUpdate struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"isGroup"`
	UnreadCount  int      `json:"unreadCount"`
	LastActivity int64    `json:"lastActivity"`
	ReadAck      bool     `json:"readAck,omitempty"`
}

// PresenceUpdate reports a participant's online state.
type PresenceUpdate struct {
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	LastActive int64  `json:"lastActive"`
}

// AuthExpired signals that the presented credential is no longer accepted.
type AuthExpired struct {
	Reason string `json:"reason"`
}

// Pong answers a heartbeat probe.
type Pong struct {
	RequestID string `json:"requestId"`
}

// ServerError is a server-side error report.
type ServerError struct {
	Message string `json:"message"`
}

func (Connected) inbound()      {}
func (ServerMessage) inbound()  {}
func (Ack) inbound()            {}
func (RoomUpdate) inbound()     {}
func (PresenceUpdate) inbound() {}
func (AuthExpired) inbound()    {}
func (Pong) inbound()           {}
func (ServerError) inbound()    {}

// Decode parses and validates a raw inbound frame. A frame that is not
// valid JSON, carries an unhandled type, or is missing required fields
// yields an error; callers drop the frame.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch env.Type {
	case TypeConnected:
		var p Connected
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeMessageNew:
		var p ServerMessage
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ID == "" || p.RoomID == "" {
			return nil, fmt.Errorf("%w: %s missing id or roomId", ErrMalformedPayload, env.Type)
		}
		return p, nil
	case TypeMessageAck:
		var p Ack
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ClientID == "" || p.ID == "" {
			return nil, fmt.Errorf("%w: %s missing clientId or id", ErrMalformedPayload, env.Type)
		}
		return p, nil
	case TypeRoomUpdated:
		var p RoomUpdate
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: %s missing id", ErrMalformedPayload, env.Type)
		}
		return p, nil
	case TypePresenceChanged:
		var p PresenceUpdate
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing userId", ErrMalformedPayload, env.Type)
		}
		return p, nil
	case TypeAuthExpired:
		var p AuthExpired
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypePong:
		var p Pong
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeError:
		var p ServerError
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshalPayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		// Some events (auth.expired without a reason) legitimately carry
		// no payload; required-field checks run in Decode.
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return nil
}
