// Package endpoint defines the publicly-visible (ip, port) pair a mapping
// has acquired through STUN or UPnP.
package endpoint

import "fmt"

// Public is the externally-visible (address, port) pair allocated by the
// NAT device for a mapping. Compared by value.
type Public struct {
	IP   string
	Port uint16
}

// Equal reports whether two endpoints are equivalent: both fields match
// exactly.
func (p Public) Equal(other Public) bool {
	return p.IP == other.IP && p.Port == other.Port
}

func (p Public) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}
