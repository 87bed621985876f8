// Package probe implements the three acquisition strategies a Mapping
// Runner can hold: STUN over a kept-alive TCP connection, STUN over a
// standing UDP socket, and UPnP IGD port mapping.
package probe

import (
	"context"

	"nat2d/endpoint"
)

// Result is one observation from a running Prober. Err signals a probe
// failure counting toward the Runner's loss threshold; a nil Err carries
// the currently observed endpoint, which the Runner compares against its
// last-known endpoint to detect a change.
type Result struct {
	Endpoint endpoint.Public
	Err      error
}

// Prober abstracts STUN-TCP, STUN-UDP and UPnP acquisition behind the
// capability set the Mapping Runner needs: start maintaining, observe
// results, stop and release any held resource.
type Prober interface {
	// Run starts the prober's internal acquisition and maintenance loop
	// and returns a channel of Results. The first element is the initial
	// acquisition attempt; subsequent elements are maintenance-cycle
	// confirmations, changes, or failures. The channel is closed when ctx
	// is cancelled or Stop is called.
	Run(ctx context.Context) <-chan Result
	// Stop releases any held resource (sockets, UPnP leases) and
	// terminates the Run loop. Safe to call once Run's channel is no
	// longer read.
	Stop(ctx context.Context) error
}
