// Package config defines and loads the on-disk JSON configuration for the
// mapping maintenance engine.
package config

// Config is the root configuration document, loaded from the path given by
// the `-c` flag (default "config.json").
type Config struct {
	// Map is keyed by local endpoint URL, e.g. "tcp://0.0.0.0:8080".
	Map map[string][]WatcherBinding `json:"map"`
	// TCP holds global defaults for mappings using a TCP-based strategy.
	TCP *TCPOptions `json:"tcp,omitempty"`
	// UDP holds global defaults for mappings using a UDP-based strategy.
	UDP *UDPOptions `json:"udp,omitempty"`
	// UPnP is the global default for whether bare tcp/udp mappings should
	// also request a UPnP port mapping. Defaults to true when absent.
	UPnP *bool `json:"upnp,omitempty"`

	DNSPod     map[string]DNSPodCreds     `json:"dnspod,omitempty"`
	AliDNS     map[string]AliDNSCreds     `json:"alidns,omitempty"`
	Cloudflare map[string]CloudflareCreds `json:"cf,omitempty"`
	HTTP       map[string]HTTPSpec        `json:"http,omitempty"`
	Script     map[string]ScriptSpec      `json:"script,omitempty"`
}

// WatcherBinding references a named watcher from a mapping's entry in Map,
// carrying per-mapping parameters for that watcher invocation.
type WatcherBinding struct {
	// Name of the watcher defined in one of the watcher family maps.
	Name string `json:"name"`
	// Value may contain the literal tokens {ip} and {port}, substituted
	// at emission time. For DNS watchers this is the record value; for
	// the HTTP watcher it overrides the watcher-level body; for the
	// script watcher it is appended as the final argument.
	Value string `json:"value"`
	// Domain name, required for DNS watcher families.
	Domain string `json:"domain,omitempty"`
	// RecordType is the DNS record type, required for DNS watcher
	// families.
	RecordType string `json:"type,omitempty"`
	// Priority is required for record types SVCB, HTTPS, MX (and, for
	// Cloudflare, URI).
	Priority *uint16 `json:"priority,omitempty"`
	// RecordID disables automatic record creation when set: updates are
	// always issued against this id, and it is never auto-deleted on
	// shutdown.
	RecordID string `json:"rid,omitempty"`
	// TTL to use for the DNS record, provider-dependent.
	TTL *uint32 `json:"ttl,omitempty"`
	// Proxied controls the Cloudflare-proxy flag on the record.
	Proxied *bool `json:"proxied,omitempty"`
}

// TCPOptions configures the STUN-over-TCP acquisition strategy.
type TCPOptions struct {
	// Stun is a round-robin list of "host:port" STUN servers that support
	// STUN over TCP. Defaults to a single well-known server.
	Stun []string `json:"stun,omitempty"`
	// Keepalive is an HTTP(S) URL periodically fetched to keep the NAT
	// binding alive. Defaults to "http://www.baidu.com".
	Keepalive string `json:"keepalive,omitempty"`
	// Interval in seconds between keepalive requests. Default 50.
	Interval uint64 `json:"interval,omitempty"`
	// StunInterval in seconds between STUN re-probes on the held
	// connection. Default 300.
	StunInterval uint64 `json:"stun_interval,omitempty"`
}

// UDPOptions configures the STUN-over-UDP acquisition strategy.
type UDPOptions struct {
	// Stun is a round-robin list of "host:port" STUN servers.
	Stun []string `json:"stun,omitempty"`
	// Interval in seconds between binding requests. Default 20.
	Interval uint64 `json:"interval,omitempty"`
}

// DNSPodCreds holds API credentials for a named DNSPod watcher.
type DNSPodCreds struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
}

// AliDNSCreds holds API credentials for a named AliDNS watcher.
type AliDNSCreds struct {
	// URL overrides the request endpoint; the request URL may vary by
	// region. Defaults to "https://dns.aliyuncs.com".
	URL       string `json:"url,omitempty"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
}

// CloudflareCreds holds an API token for a named Cloudflare watcher.
type CloudflareCreds struct {
	Token string `json:"token"`
}

// HTTPSpec configures a named HTTP webhook watcher.
type HTTPSpec struct {
	// URL may contain {ip}/{port} placeholders in its query string.
	URL string `json:"url"`
	// Method is the HTTP request method.
	Method string `json:"method"`
	// Body may contain {ip}/{port} placeholders. Overridden per-binding
	// when the binding's Value is non-empty.
	Body string `json:"body,omitempty"`
	// Headers sent with every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// ScriptSpec configures a named local executable watcher.
type ScriptSpec struct {
	// Path to the executable.
	Path string `json:"path"`
	// Args passed before the rendered binding value, if any.
	Args []string `json:"args,omitempty"`
}

const (
	defaultTCPStun         = "turn.cloud-rtc.com:80"
	defaultTCPKeepalive    = "http://www.baidu.com"
	defaultTCPInterval     = 50
	defaultTCPStunInterval = 300
	defaultUDPStun         = "stun.chat.bilibili.com:3478"
	defaultUDPInterval     = 20
)

// applyDefaults fills in the documented defaults for any option left unset.
func (c *Config) applyDefaults() {
	if c.TCP == nil {
		c.TCP = &TCPOptions{}
	}
	if len(c.TCP.Stun) == 0 {
		c.TCP.Stun = []string{defaultTCPStun}
	}
	if c.TCP.Keepalive == "" {
		c.TCP.Keepalive = defaultTCPKeepalive
	}
	if c.TCP.Interval == 0 {
		c.TCP.Interval = defaultTCPInterval
	}
	if c.TCP.StunInterval == 0 {
		c.TCP.StunInterval = defaultTCPStunInterval
	}
	if c.UDP == nil {
		c.UDP = &UDPOptions{}
	}
	if len(c.UDP.Stun) == 0 {
		c.UDP.Stun = []string{defaultUDPStun}
	}
	if c.UDP.Interval == 0 {
		c.UDP.Interval = defaultUDPInterval
	}
	if c.UPnP == nil {
		v := true
		c.UPnP = &v
	}
}

// GlobalUPnP reports whether bare tcp/udp mappings request UPnP by default.
func (c *Config) GlobalUPnP() bool {
	return c.UPnP == nil || *c.UPnP
}
