package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures a hub advertisement.
type AdvertiserConfig struct {
	// InstanceName is the mDNS instance name. Required.
	InstanceName string

	// Port is the WebSocket port. Zero means DefaultPort.
	Port int

	// Version is the hub version published in the TXT record.
	Version string

	// Secure indicates the hub serves TLS.
	Secure bool

	// Path is the WebSocket endpoint path.
	Path string

	// Interface restricts advertising to one network interface.
	// Empty means all interfaces.
	Interface string
}

// Advertiser publishes a hub service via mDNS. Used by hub-side tooling
// and tests; clients only browse.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the service and starts answering queries.
func Advertise(config AdvertiserConfig) (*Advertiser, error) {
	if config.InstanceName == "" {
		return nil, fmt.Errorf("discovery: instance name is required")
	}
	port := config.Port
	if port == 0 {
		port = DefaultPort
	}

	var ifaces []net.Interface
	if config.Interface != "" {
		iface, err := net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, fmt.Errorf("discovery: interface %s: %w", config.Interface, err)
		}
		ifaces = []net.Interface{*iface}
	}

	server, err := zeroconf.Register(
		config.InstanceName,
		ServiceType,
		Domain,
		port,
		EncodeTXT(config.Version, config.Secure, config.Path),
		ifaces,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Shutdown stops the advertisement.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
