package stunclient

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/require"
)

// fakeStunTCPServer answers every connection with a fixed Binding Success
// response after delay, ignoring whatever request it's sent.
func fakeStunTCPServer(t *testing.T, ip string, port int, delay time.Duration) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	msg := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	xor := stun.XORMappedAddress{IP: net.ParseIP(ip), Port: port}
	require.NoError(t, xor.AddTo(msg))
	msg.Encode()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				c.Read(buf)
				if delay > 0 {
					time.Sleep(delay)
				}
				c.Write(msg.Raw)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestDecodeXORAddr(t *testing.T) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	xor := stun.XORMappedAddress{IP: net.ParseIP("203.0.113.9"), Port: 51820}
	require.NoError(t, xor.AddTo(msg))
	msg.Encode()

	addr, err := decodeXORAddr(msg.Raw)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", addr.IP.String())
	require.Equal(t, 51820, addr.Port)
}

func TestDecodeXORAddrMissingAttribute(t *testing.T) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	msg.Encode()

	_, err := decodeXORAddr(msg.Raw)
	require.Error(t, err)
}

func TestDecodeXORAddrGarbage(t *testing.T) {
	_, err := decodeXORAddr([]byte{0x00, 0x01, 0x02})
	require.Error(t, err)
}

func TestFastestServerKeepsFirstResponder(t *testing.T) {
	fast := fakeStunTCPServer(t, "203.0.113.9", 51820, 0)
	slow := fakeStunTCPServer(t, "203.0.113.10", 51821, 200*time.Millisecond)

	conn, addr, err := FastestServer("127.0.0.1:0", []string{slow, fast})
	require.NoError(t, err)
	defer conn.Close()

	udp, ok := addr.(*net.UDPAddr)
	require.True(t, ok)
	require.Equal(t, "203.0.113.9", udp.IP.String())
}

func TestFastestServerAllFail(t *testing.T) {
	_, _, err := FastestServer("127.0.0.1:0", []string{"127.0.0.1:1"})
	require.Error(t, err)
}
