// Package protocol defines the wire messages shared by the stream and datagram
// gateways: a JSON envelope {type, timestamp, data} tagged by type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeAuth              Type = "auth"
	TypeAuthSuccess       Type = "auth_success"
	TypeAuthFailed        Type = "auth_failed"
	TypeProgress          Type = "progress"
	TypeProgressBroadcast Type = "progress_broadcast"
	TypeProgressAccepted  Type = "progress_accepted"
	TypeError             Type = "error"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeSubscribe         Type = "subscribe"
	TypeUnsubscribe       Type = "unsubscribe"
	TypeJoin              Type = "join"
	TypeLeave             Type = "leave"
	TypeChat              Type = "chat"
	TypeNotification      Type = "notification"
	TypeRegister          Type = "register"
	TypeRegisterSuccess   Type = "register_success"
	TypeRegisterFailed    Type = "register_failed"
	TypeUnregister        Type = "unregister"
	TypeAck               Type = "ack"
)

// Code is a machine-readable reason carried by auth_failed, register_failed
// and error messages.
type Code string

const (
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeTokenInvalid          Code = "TOKEN_INVALID"
	CodeTokenRevoked          Code = "TOKEN_REVOKED"
	CodeAuthUnavailable       Code = "AUTH_UNAVAILABLE"
	CodeAuthTimeout           Code = "AUTH_TIMEOUT"
	CodeAuthRequired          Code = "AUTH_REQUIRED"
	CodeStaleProgress         Code = "STALE_PROGRESS"
	CodeForbidden             Code = "FORBIDDEN"
	CodeValidation            Code = "VALIDATION"
	CodePersistenceFailed     Code = "PERSISTENCE_FAILED"
	CodeInvalidMessage        Code = "INVALID_MESSAGE"
	CodeUnknownMessageType    Code = "UNKNOWN_MESSAGE_TYPE"
	CodeUnknownRegistration   Code = "UNKNOWN_REGISTRATION"
	CodeDuplicateRegistration Code = "DUPLICATE_REGISTRATION"
	CodeNotInRoom             Code = "NOT_IN_ROOM"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeRateLimited           Code = "RATE_LIMITED"
)

var (
	ErrEmptyType      = errors.New("protocol: message without type")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Message is the envelope every frame and datagram carries.
type Message struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New wraps data in an envelope stamped with now.
func New(t Type, now time.Time, data any) (Message, error) {
	m := Message{Type: t, Timestamp: now.UTC()}
	if data == nil {
		return m, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s: %w", t, err)
	}
	m.Data = b
	return m, nil
}

// Encode returns the JSON form of an envelope carrying data.
func Encode(t Type, now time.Time, data any) ([]byte, error) {
	m, err := New(t, now, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses one envelope. The payload stays raw until Bind.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if m.Type == "" {
		return Message{}, ErrEmptyType
	}
	return m, nil
}

// Bind decodes the payload into v. A missing payload leaves v untouched.
func (m Message) Bind(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	return nil
}
