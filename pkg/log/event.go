package log

import (
	"time"
)

// Event represents a client log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the engine instance (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"4,keyasint"`

	// RemoteAddr is the hub address (host:port or URL).
	RemoteAddr string `cbor:"5,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Message     *MessageEvent     `cbor:"10,keyasint,omitempty"` // Request/reply/push traffic
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"` // Connection/session state
	Token       *TokenEvent       `cbor:"12,keyasint,omitempty"` // Token lifecycle activity
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
	// DirectionLocal indicates an event with no wire traffic.
	DirectionLocal Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates request/reply/push traffic.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryToken indicates token lifecycle activity.
	CategoryToken Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryToken:
		return "TOKEN"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures a request, reply or push notification.
type MessageEvent struct {
	// Kind distinguishes request/reply/push.
	Kind MessageKind `cbor:"1,keyasint"`

	// Name is the operation name for requests ("getState", "setObject", ...)
	// or the push type for notifications ("stateChange", "objectChange", ...).
	Name string `cbor:"2,keyasint"`

	// MessageID correlates request/reply pairs (0 for push).
	MessageID uint64 `cbor:"3,keyasint,omitempty"`

	// CacheKey is the broker cache key, if the call was cacheable.
	CacheKey string `cbor:"4,keyasint,omitempty"`

	// TargetID is the identifier a push notification refers to.
	TargetID string `cbor:"5,keyasint,omitempty"`

	// RoundTrip is the duration from send to settle (replies only).
	// Stored as nanoseconds.
	RoundTrip *time.Duration `cbor:"6,keyasint,omitempty"`
}

// MessageKind distinguishes request/reply/push.
type MessageKind uint8

const (
	// MessageKindRequest indicates an outbound request.
	MessageKindRequest MessageKind = 0
	// MessageKindReply indicates a reply to a request.
	MessageKindReply MessageKind = 1
	// MessageKindPush indicates a server push notification.
	MessageKindPush MessageKind = 2
)

// String returns the message kind name.
func (m MessageKind) String() string {
	switch m {
	case MessageKindRequest:
		return "REQUEST"
	case MessageKindReply:
		return "REPLY"
	case MessageKindPush:
		return "PUSH"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection and session lifecycle events.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// TokenEvent captures token lifecycle activity.
type TokenEvent struct {
	// Action names the activity: "scheduled", "leaseAcquired", "leaseDenied",
	// "refreshed", "takeover", "propagated", "recovery".
	Action string `cbor:"1,keyasint"`

	// OwnerID is the lease holder or token owner involved, if any.
	OwnerID string `cbor:"2,keyasint,omitempty"`

	// Remaining is the access token lifetime left when the action fired.
	// Stored as nanoseconds.
	Remaining *time.Duration `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures error details.
type ErrorEventData struct {
	// Message is the error text.
	Message string `cbor:"1,keyasint"`

	// Context describes where the error occurred.
	Context string `cbor:"2,keyasint,omitempty"`
}
