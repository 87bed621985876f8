package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
)

// Protocol is the transport a mapping forwards.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Mapping is a single parsed entry of the `map` configuration key: a local
// endpoint together with the watchers to notify about its public
// counterpart.
type Mapping struct {
	// ID is the raw configuration key, used as the mapping's stable
	// identity (e.g. in EndpointEvent, logs, and the status panel).
	ID string
	// Protocol the mapping forwards.
	Protocol Protocol
	// LocalIP is the IPv4 address to bind locally.
	LocalIP string
	// LocalPort is the port to bind locally, and, when UPnP is in effect,
	// also the requested external port.
	LocalPort uint16
	// ForceUPnP is true when the scheme explicitly requested UPnP via a
	// "tcp+upnp"/"upnp+tcp"/"udp+upnp"/"upnp+udp" form, independent of the
	// global upnp default.
	ForceUPnP bool
	// Bindings lists the watchers to notify for this mapping, in
	// configuration order.
	Bindings []WatcherBinding
}

// UPnPEnabled reports whether this mapping should request a UPnP port
// mapping, given the global default.
func (m Mapping) UPnPEnabled(globalUPnP bool) bool {
	return m.ForceUPnP || globalUPnP
}

// ParseMappings parses every key of Config.Map into a Mapping, in an
// unspecified but stable order (sorted by key for determinism).
func ParseMappings(cfg *Config) ([]Mapping, error) {
	mappings := make([]Mapping, 0, len(cfg.Map))
	for key, bindings := range cfg.Map {
		m, err := parseMappingKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, key)
		}
		m.Bindings = bindings
		mappings = append(mappings, m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].ID < mappings[j].ID })
	return mappings, nil
}

func parseMappingKey(key string) (Mapping, error) {
	u, err := url.Parse(key)
	if err != nil {
		return Mapping{}, fmt.Errorf("parse mapping url: %w", err)
	}
	var protocol Protocol
	forceUPnP := false
	switch u.Scheme {
	case "tcp":
		protocol = ProtocolTCP
	case "udp":
		protocol = ProtocolUDP
	case "tcp+upnp", "upnp+tcp":
		protocol = ProtocolTCP
		forceUPnP = true
	case "udp+upnp", "upnp+udp":
		protocol = ProtocolUDP
		forceUPnP = true
	default:
		return Mapping{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Mapping{}, fmt.Errorf("empty host")
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return Mapping{}, fmt.Errorf("host %q is not a valid IPv4 address", host)
	}
	portStr := u.Port()
	if portStr == "" {
		return Mapping{}, fmt.Errorf("missing port")
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Mapping{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return Mapping{
		ID:        key,
		Protocol:  protocol,
		LocalIP:   ip.To4().String(),
		LocalPort: port,
		ForceUPnP: forceUPnP,
	}, nil
}

// LocalAddr returns "ip:port" suitable for net.Dial/net.Listen.
func (m Mapping) LocalAddr() string {
	return net.JoinHostPort(m.LocalIP, fmt.Sprint(m.LocalPort))
}
