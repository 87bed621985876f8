package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"nat2d/endpoint"
	"nat2d/upnpclient"
)

const upnpLease = time.Hour

// ErrNotAuthorized classifies a UPnP SOAP fault as a permanent rejection:
// the gateway will never grant this mapping, so the Runner should stop
// retrying and move to FAILED.
var ErrNotAuthorized = errors.New("upnp: action not authorized")

// UPnP requests an external port mapping matching the mapping's local
// port and renews it at half its lease duration for as long as the
// mapping is active.
type UPnP struct {
	client       *upnpclient.Client
	externalPort uint16
	internalPort uint16
	internalIP   string
	protocol     string
	description  string
}

func NewUPnP(client *upnpclient.Client, externalPort, internalPort uint16, internalIP, protocol, description string) *UPnP {
	return &UPnP{
		client:       client,
		externalPort: externalPort,
		internalPort: internalPort,
		internalIP:   internalIP,
		protocol:     strings.ToUpper(protocol),
		description:  description,
	}
}

func (p *UPnP) Run(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go p.run(ctx, out)
	return out
}

func (p *UPnP) run(ctx context.Context, out chan<- Result) {
	defer close(out)

	lease := upnpLease
	if err := p.addInitialMapping(ctx, lease); err != nil {
		if classifyUPnPErr(err) == ErrNotAuthorized {
			select {
			case out <- Result{Err: fmt.Errorf("%w: %v", ErrNotAuthorized, err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- Result{Err: err}:
		case <-ctx.Done():
		}
		return
	}

	wanIP, err := p.client.ExternalIP(ctx)
	if err != nil {
		select {
		case out <- Result{Err: fmt.Errorf("upnp: %w", err)}:
		case <-ctx.Done():
		}
		return
	}

	ep := endpoint.Public{IP: wanIP, Port: p.externalPort}
	select {
	case out <- Result{Endpoint: ep}:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.renew(ctx, lease)
			if err != nil {
				if classifyUPnPErr(err) == ErrNotAuthorized {
					select {
					case out <- Result{Err: fmt.Errorf("%w: %v", ErrNotAuthorized, err)}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case out <- Result{Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case out <- Result{Endpoint: ep}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// renew retries AddPortMapping up to 3 times with a 10s fixed backoff,
// matching the lease-renewal policy in spec §4.1.
func (p *UPnP) renew(ctx context.Context, lease time.Duration) error {
	bo := backoff.NewConstantBackOff(10 * time.Second)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.addMapping(ctx, lease)
		if err == nil {
			return struct{}{}, nil
		}
		if classifyUPnPErr(err) == ErrNotAuthorized {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	return err
}

// addInitialMapping requests the mapping with AddAnyPortMapping so a
// gateway that already has p.externalPort bound to something else can
// hand back a different one instead of failing the request; p.externalPort
// is updated to whatever the gateway actually reserved.
func (p *UPnP) addInitialMapping(ctx context.Context, lease time.Duration) error {
	reserved, err := p.client.AddAnyPortMapping(ctx, p.externalPort, p.internalPort, p.protocol, p.internalIP, p.description, uint32(lease.Seconds()))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "permanent") {
		logrus.Debug("upnp: gateway only supports permanent leases, retrying with lease=0")
		reserved, err = p.client.AddAnyPortMapping(ctx, p.externalPort, p.internalPort, p.protocol, p.internalIP, p.description, 0)
	}
	if err != nil {
		return err
	}
	p.externalPort = reserved
	return nil
}

func (p *UPnP) addMapping(ctx context.Context, lease time.Duration) error {
	err := p.client.AddPortMapping(ctx, p.externalPort, p.internalPort, p.protocol, p.internalIP, p.description, uint32(lease.Seconds()))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "permanent") {
		logrus.Debug("upnp: gateway only supports permanent leases, retrying with lease=0")
		return p.client.AddPortMapping(ctx, p.externalPort, p.internalPort, p.protocol, p.internalIP, p.description, 0)
	}
	return err
}

func (p *UPnP) Stop(ctx context.Context) error {
	return p.client.DeletePortMapping(ctx, p.externalPort, p.protocol)
}

func classifyUPnPErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "action not authorized") {
		return ErrNotAuthorized
	}
	return nil
}
