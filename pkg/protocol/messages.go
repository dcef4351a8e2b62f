// Package protocol defines the wire protocol exchanged between roomdeck
// devices and the hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure. Inbound (device → hub)
// payloads are decoded once, at the hub boundary, into one concrete type per
// message kind; everything past the decoder works with Go types, not type
// strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version announced in the welcome frame.
const Version = 1

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrUnknownType is returned by Decode for a type outside the device set.
var ErrUnknownType = errors.New("unknown message type")

// --- Message type constants ---

const (
	// Device → hub
	TypeAuth         = "auth"
	TypeHeartbeat    = "heartbeat"
	TypeStatus       = "status"
	TypeMetrics      = "metrics"
	TypeMeetingEvent = "meeting_event"

	// Hub → device
	TypeWelcome       = "welcome"
	TypeAuthSuccess   = "auth_success"
	TypeAuthError     = "auth_error"
	TypeError         = "error"
	TypeCommand       = "command"
	TypeMeetingUpdate = "meeting_update"
	TypeConfigUpdate  = "config_update"
)

// --- Error codes carried in error / auth_error frames ---

const (
	CodeBadPayload       = "bad_payload"
	CodeUnknownType      = "unknown_type"
	CodeNotAuthenticated = "not_authenticated"
	CodeUnknownDevice    = "unknown_device"
	CodeInvalidToken     = "invalid_token"
	CodeInternal         = "internal_error"
)

// Message is implemented by every decoded device → hub payload.
type Message interface {
	messageType() string
}

// AuthRequest is the first meaningful frame a device sends. The connection
// stays unauthenticated until one of these is accepted.
type AuthRequest struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token,omitempty"`
}

// Heartbeat is a liveness-only ping; it carries no payload fields.
type Heartbeat struct{}

// StatusUpdate reports a device-initiated status change.
type StatusUpdate struct {
	Status  string `json:"status"` // "online", "offline", "error"
	Message string `json:"message,omitempty"`
}

// MetricsReport carries one telemetry sample. Payload is opaque to the hub.
type MetricsReport struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MeetingEvent reports a meeting join/leave on the device.
type MeetingEvent struct {
	Event     string `json:"event"` // "joined" or "left"
	MeetingID string `json:"meeting_id"`
	Platform  string `json:"platform"`
}

func (*AuthRequest) messageType() string   { return TypeAuth }
func (*Heartbeat) messageType() string     { return TypeHeartbeat }
func (*StatusUpdate) messageType() string  { return TypeStatus }
func (*MetricsReport) messageType() string { return TypeMetrics }
func (*MeetingEvent) messageType() string  { return TypeMeetingEvent }

// Decode parses a raw device frame into its typed message. It returns
// ErrUnknownType for a type outside the device set and a wrapped decode
// error for malformed JSON; callers reply with an error frame in both cases
// and keep the connection open.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeAuth:
		msg = &AuthRequest{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeStatus:
		msg = &StatusUpdate{}
	case TypeMetrics:
		msg = &MetricsReport{}
	case TypeMeetingEvent:
		msg = &MeetingEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}

// --- Hub → device payloads ---

// Welcome is sent on socket accept, before authentication.
type Welcome struct {
	Protocol int `json:"protocol"`
}

// AuthSuccess acknowledges a successful auth. Config is the server-held
// device configuration blob, opaque to the hub.
type AuthSuccess struct {
	DeviceID string          `json:"device_id"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// ErrorFrame carries a non-fatal error back to the device. It is used both
// for the "error" and "auth_error" frame types.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Command is an operator-issued instruction relayed to a device.
type Command struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// MeetingUpdate fans a device's meeting event out to the rest of the fleet.
type MeetingUpdate struct {
	DeviceID  string `json:"device_id"`
	Event     string `json:"event"`
	MeetingID string `json:"meeting_id"`
	Platform  string `json:"platform"`
}

// ConfigUpdate pushes a new configuration blob to a connected device.
type ConfigUpdate struct {
	Config json.RawMessage `json:"config"`
}
