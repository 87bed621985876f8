// Package stunclient performs STUN (RFC 5389) Binding transactions over
// both TCP and UDP, returning the server-observed reflexive address.
package stunclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pion/stun"
	"golang.org/x/sync/errgroup"
)

const transactionTimeout = 3 * time.Second

// BindTCP dials server from localAddr (reused so the caller can later
// listen on the same local port) and performs a single STUN Binding
// transaction over the connection, returning it still open for reuse as a
// keepalive/probe socket.
func BindTCP(localAddr, server string) (net.Conn, net.Addr, error) {
	conn, err := reuseport.Dial("tcp", localAddr, server)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", server, err)
	}
	addr, err := bindOnStream(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, addr, nil
}

// ProbeTCP performs a Binding transaction on an already-connected stream,
// without closing it. Used for periodic re-probes of a held NAT binding.
func ProbeTCP(conn net.Conn) (net.Addr, error) {
	return bindOnStream(conn)
}

func bindOnStream(conn net.Conn) (net.Addr, error) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(transactionTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read binding response: %w", err)
	}
	return decodeXORAddr(buf[:n])
}

// FastestServer races BindTCP against every server concurrently and keeps
// whichever Binding transaction completes first, closing the rest. A
// server that fails to dial or respond just loses the race rather than
// failing the whole call; the call only errors if every server does.
func FastestServer(localAddr string, servers []string) (net.Conn, net.Addr, error) {
	var (
		mu   sync.Mutex
		won  bool
		conn net.Conn
		addr net.Addr
		errs []error
	)

	var g errgroup.Group
	for _, server := range servers {
		server := server
		g.Go(func() error {
			c, a, err := BindTCP(localAddr, server)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if won {
				c.Close()
				return nil
			}
			won, conn, addr = true, c, a
			return nil
		})
	}
	g.Wait()

	if !won {
		return nil, nil, fmt.Errorf("all stun servers failed: %w", firstOrNil(errs))
	}
	return conn, addr, nil
}

func firstOrNil(errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("no servers configured")
	}
	return errs[0]
}

// ListenUDP opens a UDP socket on localAddr and performs a Binding
// transaction against server, returning the socket open for reuse.
func ListenUDP(localAddr, server string) (*net.UDPConn, net.Addr, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp: %w", err)
	}
	saddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("resolve server addr: %w", err)
	}
	addr, err := ProbeUDP(conn, saddr)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, addr, nil
}

// ProbeUDP performs a Binding transaction on an already-open UDP socket
// against server.
func ProbeUDP(conn *net.UDPConn, server *net.UDPAddr) (net.Addr, error) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(msg.Raw, server); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(transactionTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("read binding response: %w", err)
	}
	return decodeXORAddr(buf[:n])
}

// HeartbeatTCP sends a Binding Request without reading the response, to
// keep an intermediate NAT's TCP mapping from expiring.
func HeartbeatTCP(conn net.Conn) error {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	if _, err := conn.Write(msg.Raw); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	return nil
}

// HeartbeatUDP sends a Binding Request without reading the response.
func HeartbeatUDP(conn *net.UDPConn, server *net.UDPAddr) error {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	if _, err := conn.WriteToUDP(msg.Raw, server); err != nil {
		return fmt.Errorf("send udp heartbeat: %w", err)
	}
	return nil
}

func decodeXORAddr(raw []byte) (*net.UDPAddr, error) {
	var response stun.Message
	response.Raw = raw
	if err := response.Decode(); err != nil {
		return nil, fmt.Errorf("decode stun message: %w", err)
	}
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&response); err != nil {
		return nil, fmt.Errorf("read xor-mapped-address: %w", err)
	}
	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
