package probe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"nat2d/stunclient"
)

// StunUDP binds one UDP socket for the lifetime of the mapping; the socket
// itself is the NAT binding, so it is never closed between probe cycles.
type StunUDP struct {
	localAddr string
	servers   []string
	interval  time.Duration

	mu     sync.Mutex
	conn   *net.UDPConn
	srvIdx int
}

func NewStunUDP(localAddr string, servers []string, interval time.Duration) *StunUDP {
	return &StunUDP{localAddr: localAddr, servers: servers, interval: interval}
}

func (p *StunUDP) Run(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go p.run(ctx, out)
	return out
}

func (p *StunUDP) run(ctx context.Context, out chan<- Result) {
	defer close(out)

	laddr, err := net.ResolveUDPAddr("udp", p.localAddr)
	if err != nil {
		select {
		case out <- Result{Err: fmt.Errorf("stun-udp: %w", err)}:
		case <-ctx.Done():
		}
		return
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		select {
		case out <- Result{Err: fmt.Errorf("stun-udp: %w", err)}:
		case <-ctx.Done():
		}
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer conn.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		addr, err := p.probeOnce()
		if err != nil {
			select {
			case out <- Result{Err: fmt.Errorf("stun-udp: %w", err)}:
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case out <- Result{Endpoint: udpAddrToPublic(addr)}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *StunUDP) probeOnce() (net.Addr, error) {
	p.mu.Lock()
	server := p.servers[p.srvIdx%len(p.servers)]
	p.srvIdx++
	conn := p.conn
	p.mu.Unlock()

	saddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}
	return stunclient.ProbeUDP(conn, saddr)
}

func (p *StunUDP) Stop(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
