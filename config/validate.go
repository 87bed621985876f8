package config

import (
	"fmt"
	"strconv"
	"strings"
)

// cloudflareRecordTypes lists every DNS record type Cloudflare accepts; DNSPod and
// AliDNS are left unrestricted since they are queried as free-form strings
// by the respective provider APIs.
var cloudflareRecordTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "HTTPS": true, "MX": true,
	"SRV": true, "SVCB": true, "TXT": true, "URI": true,
}

// Validate checks the configuration for the startup-fatal errors described
// in spec §7: schema problems, missing watcher references, and missing
// `priority` for record types that require it. It must be called after
// applyDefaults.
func (c *Config) Validate() error {
	kinds, err := c.watcherKinds()
	if err != nil {
		return err
	}

	mappings, err := ParseMappings(c)
	if err != nil {
		return err
	}

	if err := checkDuplicateUPnPPorts(mappings, c.GlobalUPnP()); err != nil {
		return err
	}

	for _, m := range mappings {
		for i, b := range m.Bindings {
			kind, ok := kinds[b.Name]
			if !ok {
				return fmt.Errorf("no watcher named %q in %s at index %d", b.Name, m.ID, i)
			}
			if err := validateBinding(kind, b); err != nil {
				return fmt.Errorf("%w in %s at index %d", err, m.ID, i)
			}
		}
	}
	return nil
}

// watcherKinds returns the watcher-name -> family map, erroring if the same
// name is defined in more than one watcher family.
func (c *Config) watcherKinds() (map[string]string, error) {
	kinds := make(map[string]string)
	add := func(kind string, names map[string]struct{}) error {
		for name := range names {
			if existing, ok := kinds[name]; ok {
				return fmt.Errorf("watcher name %q is defined in both %s and %s", name, existing, kind)
			}
			kinds[name] = kind
		}
		return nil
	}
	if err := add("dnspod", keysOf(c.DNSPod)); err != nil {
		return nil, err
	}
	if err := add("alidns", keysOf(c.AliDNS)); err != nil {
		return nil, err
	}
	if err := add("cf", keysOf(c.Cloudflare)); err != nil {
		return nil, err
	}
	if err := add("http", keysOf(c.HTTP)); err != nil {
		return nil, err
	}
	if err := add("script", keysOf(c.Script)); err != nil {
		return nil, err
	}
	return kinds, nil
}

func keysOf[T any](m map[string]T) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func validateBinding(kind string, b WatcherBinding) error {
	switch kind {
	case "dnspod", "alidns":
		if err := validateDNSBinding(b); err != nil {
			return err
		}
		if kind == "dnspod" && b.RecordID != "" {
			if _, err := strconv.ParseUint(b.RecordID, 10, 64); err != nil {
				return fmt.Errorf("invalid rid %q: %w", b.RecordID, err)
			}
		}
	case "cf":
		if err := validateDNSBinding(b); err != nil {
			return err
		}
		recordType := strings.ToUpper(b.RecordType)
		if !cloudflareRecordTypes[recordType] {
			return fmt.Errorf("unsupported record type %q", recordType)
		}
		if recordType == "URI" && b.Priority == nil {
			return fmt.Errorf("missing field `priority`")
		}
	case "http", "script":
		// No binding-level requirements beyond the watcher name existing.
	}
	return nil
}

func validateDNSBinding(b WatcherBinding) error {
	if b.Domain == "" {
		return fmt.Errorf("missing field `domain`")
	}
	if b.RecordType == "" {
		return fmt.Errorf("missing field `type`")
	}
	rt := strings.ToLower(b.RecordType)
	if (rt == "svcb" || rt == "https" || rt == "mx") && b.Priority == nil {
		return fmt.Errorf("missing field `priority`")
	}
	if _, _, ok := SplitDomain(b.Domain); !ok {
		return fmt.Errorf("invalid domain %q", b.Domain)
	}
	return nil
}

// checkDuplicateUPnPPorts is the decided behavior for the spec's open
// question: two mappings requesting the same UPnP external port is a
// startup configuration error, not a runtime race.
func checkDuplicateUPnPPorts(mappings []Mapping, globalUPnP bool) error {
	seen := make(map[string]string)
	for _, m := range mappings {
		if !m.UPnPEnabled(globalUPnP) {
			continue
		}
		key := fmt.Sprintf("%s/%d", m.Protocol, m.LocalPort)
		if existing, ok := seen[key]; ok {
			return fmt.Errorf("mappings %q and %q both request UPnP external port %d/%s", existing, m.ID, m.LocalPort, m.Protocol)
		}
		seen[key] = m.ID
	}
	return nil
}
