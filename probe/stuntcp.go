package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/sirupsen/logrus"

	"nat2d/endpoint"
	"nat2d/stunclient"
)

// StunTCP holds one TCP connection to a STUN server open for the lifetime
// of the mapping, using it both as the NAT binding's anchor and as the
// channel over which periodic Binding Requests observe the reflexive
// address. A separate HTTP keepalive loop, dialed from the same local
// port via SO_REUSEPORT, exercises the binding more frequently than the
// STUN probe interval so intermediate NATs don't expire it.
type StunTCP struct {
	localAddr    string
	servers      []string
	keepaliveURL string
	interval     time.Duration
	stunInterval time.Duration

	mu     sync.Mutex
	conn   net.Conn
	srvIdx int
}

// NewStunTCP builds a STUN-TCP prober. The initial connection races every
// configured server concurrently and keeps whichever answers first;
// servers is round-robinned thereafter on connection failure during
// maintenance.
func NewStunTCP(localAddr string, servers []string, keepaliveURL string, interval, stunInterval time.Duration) *StunTCP {
	return &StunTCP{
		localAddr:    localAddr,
		servers:      servers,
		keepaliveURL: keepaliveURL,
		interval:     interval,
		stunInterval: stunInterval,
	}
}

func (p *StunTCP) Run(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go p.run(ctx, out)
	return out
}

func (p *StunTCP) run(ctx context.Context, out chan<- Result) {
	defer close(out)

	conn, addr, err := stunclient.FastestServer(p.localAddr, p.servers)
	if err != nil {
		select {
		case out <- Result{Err: fmt.Errorf("stun-tcp: %w", err)}:
		case <-ctx.Done():
		}
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	select {
	case out <- Result{Endpoint: udpAddrToPublic(addr)}:
	case <-ctx.Done():
		return
	}

	go p.keepaliveLoop(ctx)

	ticker := time.NewTicker(p.stunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			addr, err := stunclient.ProbeTCP(p.currentConn())
			if err != nil {
				logrus.WithError(err).Warn("stun-tcp: binding request failed, rotating server")
				newConn, newAddr, derr := p.dialNext()
				if derr != nil {
					select {
					case out <- Result{Err: fmt.Errorf("stun-tcp: %w", derr)}:
					case <-ctx.Done():
						return
					}
					continue
				}
				p.swapConn(newConn)
				addr = newAddr
			}
			select {
			case out <- Result{Endpoint: udpAddrToPublic(addr)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *StunTCP) keepaliveLoop(ctx context.Context) {
	client := http.Client{
		Timeout: 3 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return reuseport.Dial(network, p.localAddr, addr)
			},
		},
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := client.Get(p.keepaliveURL)
			if err != nil {
				logrus.WithError(err).Debug("stun-tcp: keepalive request failed")
				continue
			}
			resp.Body.Close()
		}
	}
}

func (p *StunTCP) dialNext() (net.Conn, net.Addr, error) {
	var lastErr error
	for i := 0; i < len(p.servers); i++ {
		p.mu.Lock()
		server := p.servers[p.srvIdx%len(p.servers)]
		p.srvIdx++
		p.mu.Unlock()

		conn, addr, err := stunclient.BindTCP(p.localAddr, server)
		if err == nil {
			return conn, addr, nil
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("all stun servers failed: %w", lastErr)
}

func (p *StunTCP) currentConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *StunTCP) swapConn(conn net.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (p *StunTCP) Stop(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func udpAddrToPublic(addr net.Addr) endpoint.Public {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return endpoint.Public{}
	}
	return endpoint.Public{IP: udp.IP.String(), Port: uint16(udp.Port)}
}
