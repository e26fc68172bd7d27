// Package protocol defines the realtime envelope exchanged over the
// signaling connection. SDP and ICE payloads are carried as raw JSON
// and never interpreted here.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/cwrk-planet/signaling-service/internal/domain"
)

// Client → server.
const (
	TypeCreateRoom = "create-room"
	TypeJoinRoom   = "join-room"
	TypeLeaveRoom  = "leave-room"
	TypeChat       = "chat"
	TypePing       = "ping"
)

// Server → client.
const (
	TypeRoomCreated  = "room-created"
	TypeRoomJoined   = "room-joined"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeAdminChanged = "admin-changed"
	TypeChatAck      = "chat-ack"
	TypeNegotiate    = "negotiate" // fallback nudge: recipient should create the offer
	TypePong         = "pong"
	TypeError        = "error"
)

// Relayed verbatim between peers.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeRoomNotFound    = "room-not-found"
	CodeRoomFull        = "room-full"
	CodeInvalidPassword = "invalid-password"
	CodeAlreadyJoined   = "already-joined"
	CodeBadRequest      = "bad-request"
	CodeRateLimited     = "rate-limited"
	CodeGlare           = "glare"
	CodeAuthInvalid     = "auth-invalid"
	CodeInternal        = "internal"
)

// Close codes used before a session exists.
const (
	CloseAuthInvalid = 4401 // bad/expired join token
	ClosePolicy      = 4400 // handshake protocol violation
)

type Envelope struct {
	Type   string          `json:"type"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type CreateRoomPayload struct {
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty"`
}

type JoinRoomPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty"`
}

type RoomCreatedPayload struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}

type UserInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type RoomJoinedPayload struct {
	RoomID        string               `json:"roomId"`
	UserID        string               `json:"userId"`
	IsAdmin       bool                 `json:"isAdmin"`
	ExistingUsers []UserInfo           `json:"existingUsers"`
	ChatHistory   []domain.ChatMessage `json:"chatHistory"`
}

type UserJoinedPayload struct {
	User    UserInfo `json:"user"`
	Message string   `json:"message"`
}

type UserLeftPayload struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type AdminChangedPayload struct {
	UserID string `json:"userId"`
}

type ChatPayload struct {
	Message string `json:"message"`
}

type ChatAckPayload struct {
	MsgID string `json:"msg_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal wraps a payload into raw JSON for an Envelope. Payload types
// above are marshal-safe; an error here is a programming bug, so it is
// swallowed and the envelope carries null data.
func Marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// ErrorEnvelope maps a domain error to its wire form.
func ErrorEnvelope(err error) Envelope {
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		code = CodeRoomNotFound
	case errors.Is(err, domain.ErrRoomFull):
		code = CodeRoomFull
	case errors.Is(err, domain.ErrInvalidPassword):
		code = CodeInvalidPassword
	case errors.Is(err, domain.ErrAlreadyJoined):
		code = CodeAlreadyJoined
	case errors.Is(err, domain.ErrNameRequired), errors.Is(err, domain.ErrNameTooLong):
		code = CodeBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		code = CodeRateLimited
	case errors.Is(err, domain.ErrInvalidToken), errors.Is(err, domain.ErrTokenExpired):
		code = CodeAuthInvalid
	}
	return Envelope{
		Type: TypeError,
		Data: Marshal(ErrorPayload{Code: code, Message: err.Error()}),
	}
}
