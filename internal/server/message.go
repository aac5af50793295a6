package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lox/sus/internal/session"
)

// MessageType identifies a websocket message.
type MessageType string

const (
	// Client to server messages
	MessageTypeAuth           MessageType = "auth"
	MessageTypeCreate         MessageType = "create"
	MessageTypeWatch          MessageType = "watch"
	MessageTypeJoin           MessageType = "join"
	MessageTypeLeave          MessageType = "leave"
	MessageTypeStart          MessageType = "start"
	MessageTypeCancel         MessageType = "cancel"
	MessageTypeOpenDiscussion MessageType = "open_discussion"
	MessageTypeCallVote       MessageType = "call_vote"
	MessageTypeSubmitBallot   MessageType = "submit_ballot"
	MessageTypeDefect         MessageType = "defect"
	MessageTypeDispute        MessageType = "dispute"

	// Server to client messages
	MessageTypeAuthResponse MessageType = "auth_response"
	MessageTypeSession      MessageType = "session"
	MessageTypeEvent        MessageType = "event"
	MessageTypeError        MessageType = "error"
)

func (mt MessageType) String() string {
	return string(mt)
}

// Message is the envelope for every websocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a message stamped with now.
func NewMessage(messageType MessageType, data any, now time.Time) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: now,
	}, nil
}

// Client → Server

// AuthData carries the token the identity resolver turns into an
// identity. With the default resolver the token is the identity.
type AuthData struct {
	Token string `json:"token"`
}

type CreateData struct {
	Stake           int64 `json:"stake"`
	MaxParticipants int   `json:"maxParticipants"`
}

// IntentData addresses a session by id or share code. Only the fields the
// intent needs are read.
type IntentData struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code,omitempty"`
	Stake     int64  `json:"stake,omitempty"`
	Round     int    `json:"round,omitempty"`
	Target    string `json:"target,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Server → Client

type AuthResponseData struct {
	Success  bool   `json:"success"`
	Identity string `json:"identity,omitempty"`
}

type ErrorData struct {
	Code    string         `json:"code"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// EventData carries one committed session event.
type EventData struct {
	SessionID string            `json:"sessionId"`
	Seq       uint64            `json:"seq"`
	Type      session.EventType `json:"type"`
	At        time.Time         `json:"at"`
	Event     session.Event     `json:"event"`
}

// errorData renders err for a client, keeping the stable code and detail of
// domain rejections.
func errorData(fallback string, err error) ErrorData {
	var e *session.Error
	if errors.As(err, &e) {
		return ErrorData{
			Code:    string(e.Code),
			Kind:    e.Kind.String(),
			Message: e.Message,
			Detail:  e.Detail,
		}
	}
	return ErrorData{Code: fallback, Message: err.Error()}
}

// redact returns the event as viewer may see it while the session is live.
// The opening's nonce is withheld along with the defector, since it would
// let anyone test each roster member against the commitment.
func redact(env session.Envelope, viewer session.Identity) EventData {
	ev := env.Event
	if revealed, ok := ev.(session.RoleRevealedEvent); ok && revealed.Defector != viewer {
		ev = session.RoleRevealedEvent{}
	}
	return EventData{
		SessionID: env.SessionID,
		Seq:       env.Seq,
		Type:      env.Type,
		At:        env.At,
		Event:     ev,
	}
}
