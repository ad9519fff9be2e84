// Package model defines the data platform's value types as seen by the
// client: states, objects and file listings.
//
// The client does not interpret these beyond what caching and
// subscriptions need; payload fields are passed through as the server
// sent them.
package model

import "time"

// State is a single addressable value record.
type State struct {
	// Val is the state value (bool, number, string, or structured data).
	Val any `cbor:"val" json:"val"`

	// Ack indicates the value was confirmed by the owning device
	// (true) or is a command not yet executed (false).
	Ack bool `cbor:"ack" json:"ack"`

	// TS is the change timestamp in epoch milliseconds.
	TS int64 `cbor:"ts" json:"ts"`

	// LC is the last-change timestamp in epoch milliseconds (when Val
	// last actually changed, as opposed to being re-written).
	LC int64 `cbor:"lc,omitempty" json:"lc,omitempty"`

	// From identifies the writer ("system.adapter.x.0", a user session, ...).
	From string `cbor:"from,omitempty" json:"from,omitempty"`

	// Quality is the value quality code (0 = good).
	Quality int `cbor:"q,omitempty" json:"q,omitempty"`
}

// Time returns the change timestamp as a time.Time.
func (s *State) Time() time.Time {
	return time.UnixMilli(s.TS)
}

// Object is a metadata record describing a state, device, channel,
// configuration document or any other addressable entity.
type Object struct {
	// ID is the object identifier ("system.config", "my.device.temperature", ...).
	ID string `cbor:"_id" json:"_id"`

	// Type classifies the object ("state", "channel", "device", "config", ...).
	Type string `cbor:"type" json:"type"`

	// Common holds the cross-type metadata (name, role, unit, ...).
	Common map[string]any `cbor:"common,omitempty" json:"common,omitempty"`

	// Native holds type-specific metadata owned by the object's adapter.
	Native map[string]any `cbor:"native,omitempty" json:"native,omitempty"`

	// ACL is the access control record, if the server sent one.
	ACL map[string]any `cbor:"acl,omitempty" json:"acl,omitempty"`
}

// CommonString returns a string field from Common, or "" if absent.
func (o *Object) CommonString(key string) string {
	if o.Common == nil {
		return ""
	}
	s, _ := o.Common[key].(string)
	return s
}

// FileInfo describes one entry in a directory listing.
type FileInfo struct {
	// File is the file or directory name.
	File string `cbor:"file" json:"file"`

	// IsDir indicates a directory entry.
	IsDir bool `cbor:"isDir" json:"isDir"`

	// Size is the file size in bytes (0 for directories).
	Size int64 `cbor:"size,omitempty" json:"size,omitempty"`

	// MTime is the modification time in epoch milliseconds.
	MTime int64 `cbor:"mtime,omitempty" json:"mtime,omitempty"`
}

// StateChange pairs an identifier with its new state for push delivery
// and bulk reads. A nil State signals deletion.
type StateChange struct {
	ID    string `cbor:"id" json:"id"`
	State *State `cbor:"state,omitempty" json:"state,omitempty"`
}

// ObjectChange pairs an identifier with its new object for push delivery.
// A nil Object signals deletion.
type ObjectChange struct {
	ID     string  `cbor:"id" json:"id"`
	Object *Object `cbor:"obj,omitempty" json:"obj,omitempty"`
}
