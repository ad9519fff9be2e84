// Package wire defines the message envelope and CBOR codec for the
// statehub client transport.
//
// Every frame on the transport carries one Message. The Kind field
// discriminates requests, replies, push notifications and session
// control messages. All messages use integer CBOR keys for efficiency.
//
// Reply errors are carried by value, not by type: the server reports
// permission and connectivity failures as well-known sentinel strings
// (ErrorPermissionDenied, ErrorNotConnected) in the Error field.
package wire
