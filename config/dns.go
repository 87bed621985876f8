package config

import "strings"

// SplitDomain splits a fully qualified domain name into its record
// subdomain and root domain, the way DNSPod/AliDNS/Cloudflare distinguish
// the zone from the record within it. For "home.example.com" it returns
// ("home", "example.com"). A bare root domain such as "example.com" splits
// to ("@", "example.com"), matching the provider convention for an apex
// record. ok is false when domain has fewer than two labels.
func SplitDomain(domain string) (sub, root string, ok bool) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return "", "", false
	}
	if len(labels) == 2 {
		return "@", domain, true
	}
	root = strings.Join(labels[len(labels)-2:], ".")
	sub = strings.Join(labels[:len(labels)-2], ".")
	return sub, root, true
}
