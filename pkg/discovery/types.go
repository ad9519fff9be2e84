package discovery

import (
	"errors"
	"fmt"
	"time"
)

// mDNS service constants.
const (
	// ServiceType is the DNS-SD service type hubs advertise under.
	ServiceType = "_statehub._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the default hub WebSocket port.
	DefaultPort = 8084

	// BrowseTimeout is the default timeout for browse operations.
	BrowseTimeout = 10 * time.Second
)

// Discovery errors.
var (
	// ErrNotFound indicates no hub was discovered within the timeout.
	ErrNotFound = errors.New("discovery: no hub found")
)

// HubService describes one discovered hub.
type HubService struct {
	// InstanceName is the mDNS instance name.
	InstanceName string

	// Host is the advertised hostname.
	Host string

	// Port is the WebSocket port.
	Port uint16

	// Addresses are the resolved IP addresses, IPv4 first.
	Addresses []string

	// Version is the hub version from the TXT record.
	Version string

	// Secure indicates the hub serves TLS (wss).
	Secure bool

	// Path is the WebSocket endpoint path ("/" when unset).
	Path string
}

// URL returns the WebSocket URL for connecting to this hub, preferring
// the first resolved address over the advertised hostname.
func (s *HubService) URL() string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	path := s.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, s.Port, path)
}
