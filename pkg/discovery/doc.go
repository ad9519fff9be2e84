// Package discovery finds hubs on the local network via mDNS/DNS-SD.
//
// Hubs advertise under the service type "_statehub._tcp" with TXT
// records describing the endpoint:
//
//	version=<hub version>
//	secure=1          (TLS, connect with wss://)
//	path=/ws          (endpoint path, defaults to /)
//
// Clients browse with Browser and build the WebSocket URL from the
// discovered HubService. Advertiser is the hub-side counterpart, used
// by hub tooling and tests.
package discovery
