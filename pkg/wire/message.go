package wire

import (
	"fmt"
)

// Out-of-band error sentinels recognized by value in Reply.Error.
// These are protocol constants; compare with ==, not errors.Is.
const (
	// ErrorPermissionDenied indicates the authenticated session lacks the
	// required permission for the requested operation.
	ErrorPermissionDenied = "permissionError"

	// ErrorNotConnected indicates the server-side session is not (yet)
	// connected to its backing data platform.
	ErrorNotConnected = "Not connected"
)

// Kind discriminates message envelopes.
type Kind uint8

const (
	// KindRequest is a client-to-server request expecting a reply.
	KindRequest Kind = 1
	// KindReply answers a request, correlated by MessageID.
	KindReply Kind = 2
	// KindPush is a server push notification (no reply expected).
	KindPush Kind = 3
	// KindAuth carries the access token during the session handshake
	// and after a token refresh.
	KindAuth Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	case KindPush:
		return "PUSH"
	case KindAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true for defined kinds.
func (k Kind) IsValid() bool {
	return k >= KindRequest && k <= KindAuth
}

// Push notification types carried in Message.Method for KindPush.
const (
	// PushStateChanged signals a state value change.
	PushStateChanged = "stateChange"
	// PushObjectChanged signals an object create/update/delete.
	PushObjectChanged = "objectChange"
	// PushFileChanged signals a file create/update/delete.
	PushFileChanged = "fileChange"
	// PushInstanceMessage carries an opaque instance-to-instance message.
	PushInstanceMessage = "im"
)

// Request method names understood by the hub.
const (
	MethodGetState  = "getState"
	MethodSetState  = "setState"
	MethodGetStates = "getStates"

	MethodGetObject  = "getObject"
	MethodSetObject  = "setObject"
	MethodDelObject  = "delObject"
	MethodGetObjects = "getObjects"

	MethodSubscribeStates    = "subscribeStates"
	MethodUnsubscribeStates  = "unsubscribeStates"
	MethodSubscribeObjects   = "subscribeObjects"
	MethodUnsubscribeObjects = "unsubscribeObjects"
	MethodSubscribeFiles     = "subscribeFiles"
	MethodUnsubscribeFiles   = "unsubscribeFiles"

	MethodReadFile   = "readFile"
	MethodWriteFile  = "writeFile"
	MethodDeleteFile = "deleteFile"
	MethodReadDir    = "readDir"

	MethodSendTo         = "sendTo"
	MethodGetVersion     = "getVersion"
	MethodGetPermissions = "getPermissions"
)

// Message is the single envelope carried on every transport frame.
//
// CBOR encoding:
//
//	{
//	  1: kind,       // uint8
//	  2: messageId,  // uint64, request/reply correlation (0 for push)
//	  3: method,     // request method or push type
//	  4: targetId,   // push identifier (state id, object id, file path)
//	  5: filename,   // file pushes: file name within targetId
//	  6: error,      // reply error sentinel or message
//	  7: payload     // method-specific data
//	}
type Message struct {
	Kind      Kind   `cbor:"1,keyasint"`
	MessageID uint64 `cbor:"2,keyasint,omitempty"`
	Method    string `cbor:"3,keyasint,omitempty"`
	TargetID  string `cbor:"4,keyasint,omitempty"`
	Filename  string `cbor:"5,keyasint,omitempty"`
	Error     string `cbor:"6,keyasint,omitempty"`
	Payload   any    `cbor:"7,keyasint,omitempty"`
}

// Validate checks envelope invariants for the given kind.
func (m *Message) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("invalid kind: %d", m.Kind)
	}
	switch m.Kind {
	case KindRequest:
		if m.MessageID == 0 {
			return fmt.Errorf("request requires a non-zero messageId")
		}
		if m.Method == "" {
			return fmt.Errorf("request requires a method")
		}
	case KindReply:
		if m.MessageID == 0 {
			return fmt.Errorf("reply requires a non-zero messageId")
		}
	case KindPush:
		if m.Method == "" {
			return fmt.Errorf("push requires a type")
		}
	}
	return nil
}

// AuthPayload is the payload of a KindAuth message.
//
// Sent once during the post-connect handshake and again whenever the
// client refreshes its access token, so the server-side session stays in
// step with the credential.
type AuthPayload struct {
	// Token is the current access token.
	Token string `cbor:"1,keyasint"`

	// InstanceID identifies the client engine instance.
	InstanceID string `cbor:"2,keyasint,omitempty"`

	// AppVersion is the client application version, for diagnostics.
	AppVersion string `cbor:"3,keyasint,omitempty"`
}

// AuthResult is the reply payload of the handshake KindAuth message.
type AuthResult struct {
	// HandshakeDelay is set when the server needs extra time after the
	// handshake before it can serve requests. Clients should delay their
	// bootstrap sequence briefly when set.
	HandshakeDelay bool `cbor:"1,keyasint,omitempty"`

	// Capabilities lists the feature flags granted to this session.
	Capabilities []string `cbor:"2,keyasint,omitempty"`
}
