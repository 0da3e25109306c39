package probe

import (
	"context"
	"fmt"
	"net"
)

// Transport picks how the supervisor reaches a worker's agent: TCP into the
// container's published port, or the per-worker unix socket mounted into the
// runtime dir.
type Transport interface {
	BaseURL() string
	DialContext(ctx context.Context, network string, addr string) (net.Conn, error)
}

type TransportType string

const (
	UDS TransportType = "uds"
	TCP TransportType = "tcp"
)

type Option struct {
	Path string
	Type TransportType
}

func NewTransport(opt Option) (Transport, error) {
	switch opt.Type {
	case UDS:
		return NewUDSTransport(opt.Path), nil
	case TCP:
		return NewTCPTransport(opt.Path), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", opt.Type)
	}
}

type TCPTransport struct {
	Addr string
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		Addr: addr,
	}
}

func (t *TCPTransport) BaseURL() string {
	return "http://" + t.Addr
}

func (t *TCPTransport) DialContext(ctx context.Context, network string, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

type UDSTransport struct {
	SocketPath string
}

func NewUDSTransport(path string) *UDSTransport {
	return &UDSTransport{
		SocketPath: path,
	}
}

// BaseURL returns a placeholder host; the dialer ignores it and connects to
// the socket instead.
func (t *UDSTransport) BaseURL() string {
	return "http://agent"
}

func (t *UDSTransport) DialContext(ctx context.Context, _ string, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", t.SocketPath)
}
