// Package upnpclient discovers a UPnP Internet Gateway Device on the LAN
// and manages port mappings on it, falling back across IGDv1 and IGDv2,
// and their PPP variants, the way commodity home routers expose them
// inconsistently.
package upnpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"golang.org/x/sync/singleflight"
)

// portMapper is the subset of the four goupnp gateway client types that
// AddPortMapping/AddAnyPortMapping/DeletePortMapping/GetExternalIPAddress
// need.
type portMapper interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	AddAnyPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) (uint16, error)
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// Client discovers and caches the gateway's port-mapper clients so repeated
// Add/Remove calls don't repeat SSDP discovery.
type Client struct {
	discover singleflight.Group

	mu      sync.Mutex
	clients []portMapper
}

// New returns a Client with no gateway discovered yet; Discover (or the
// first Add/Remove/ExternalIP call) performs it.
func New() *Client {
	return &Client{}
}

// Discover runs SSDP gateway discovery for IGDv1, IGDv1-PPP, IGDv2 and
// IGDv2-PPP, one after another in that order, keeping the first family
// that yields at least one client. Concurrent callers share a single
// discovery round.
func (c *Client) Discover(ctx context.Context) error {
	_, err, _ := c.discover.Do("discover", func() (any, error) {
		c.mu.Lock()
		already := c.clients != nil
		c.mu.Unlock()
		if already {
			return nil, nil
		}

		clients, err := discoverGateways()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.clients = clients
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func discoverGateways() ([]portMapper, error) {
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		out := make([]portMapper, len(clients))
		for i, cl := range clients {
			out[i] = cl
		}
		return out, nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		out := make([]portMapper, len(clients))
		for i, cl := range clients {
			out[i] = cl
		}
		return out, nil
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		out := make([]portMapper, len(clients))
		for i, cl := range clients {
			out[i] = cl
		}
		return out, nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		out := make([]portMapper, len(clients))
		for i, cl := range clients {
			out[i] = cl
		}
		return out, nil
	}
	return nil, fmt.Errorf("no UPnP internet gateway device found")
}

// AddPortMapping requests an external port forward to internalIP:internalPort.
// leaseSeconds of 0 requests a permanent mapping; the gateway may still
// expire it, which is why probe.UPnP renews periodically.
func (c *Client) AddPortMapping(ctx context.Context, externalPort, internalPort uint16, protocol, internalIP, description string, leaseSeconds uint32) error {
	if err := c.Discover(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	clients := c.clients
	c.mu.Unlock()

	var lastErr error
	for _, client := range clients {
		err := client.AddPortMapping("", externalPort, protocol, internalPort, internalIP, true, description, leaseSeconds)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateway clients available")
	}
	return fmt.Errorf("add port mapping: %w", lastErr)
}

// AddAnyPortMapping requests a forward to internalIP:internalPort and lets
// the gateway pick the external port, for the IGD's conflict-resolution
// path: a gateway that already has externalPort bound to something else
// reserves a different one instead of failing the request. The reserved
// port is returned so the caller can report the endpoint it actually got.
func (c *Client) AddAnyPortMapping(ctx context.Context, externalPort, internalPort uint16, protocol, internalIP, description string, leaseSeconds uint32) (uint16, error) {
	if err := c.Discover(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	clients := c.clients
	c.mu.Unlock()

	var lastErr error
	for _, client := range clients {
		reserved, err := client.AddAnyPortMapping("", externalPort, protocol, internalPort, internalIP, true, description, leaseSeconds)
		if err == nil {
			return reserved, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateway clients available")
	}
	return 0, fmt.Errorf("add any port mapping: %w", lastErr)
}

// DeletePortMapping removes a previously added mapping. Only externalPort
// and protocol identify a mapping on the gateway.
func (c *Client) DeletePortMapping(ctx context.Context, externalPort uint16, protocol string) error {
	if err := c.Discover(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	clients := c.clients
	c.mu.Unlock()

	var lastErr error
	for _, client := range clients {
		if err := client.DeletePortMapping("", externalPort, protocol); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateway clients available")
	}
	return fmt.Errorf("delete port mapping: %w", lastErr)
}

// ExternalIP returns the gateway's current WAN address.
func (c *Client) ExternalIP(ctx context.Context) (string, error) {
	if err := c.Discover(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	clients := c.clients
	c.mu.Unlock()

	var lastErr error
	for _, client := range clients {
		ip, err := client.GetExternalIPAddress()
		if err == nil {
			return ip, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateway clients available")
	}
	return "", fmt.Errorf("get external ip: %w", lastErr)
}
