package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/frankli0324/go-dispatch/internal/model"
)

// Dialers open the raw stream an http 1.1 request is written to, either
// straight to the target or through a CONNECT tunnel on a proxy.
//
// A Dialer MUST NOT hold connection state: every call returns a fresh
// stream that is owned, and closed, by the caller.
type Dialer interface {
	Dial(ctx context.Context, r *Route) (net.Conn, error)
}

// Route describes where a single connection goes.
type Route struct {
	Host string
	Port int
	TLS  bool

	// Proxy is the "host:port" of a CONNECT proxy, empty for a direct
	// connection. ProxyHeader is sent along with the CONNECT request.
	Proxy       string
	ProxyHeader model.Headers
}

func (r *Route) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

var noDeadline time.Time

type CoreDialer struct {
	Timeout time.Duration

	TLSConfig *tls.Config // the config to use, ServerName is always set per route

	// DialContext defaults to a [net.Dialer] honoring Timeout
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (d *CoreDialer) Clone() *CoreDialer {
	return &CoreDialer{
		Timeout:     d.Timeout,
		TLSConfig:   d.TLSConfig.Clone(),
		DialContext: d.DialContext,
	}
}

func (d *CoreDialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	if d.DialContext != nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}

func (d *CoreDialer) Dial(ctx context.Context, r *Route) (conn net.Conn, err error) {
	if r.Proxy != "" {
		conn, err = d.DialContextOverProxy(ctx, r.Proxy, r.Addr(), r.ProxyHeader)
	} else {
		conn, err = d.dial(ctx, r.Addr())
	}
	if err != nil {
		return nil, err
	}
	if !r.TLS {
		return conn, nil
	}

	config := d.TLSConfig.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	config.ServerName = r.Host
	config.NextProtos = []string{"http/1.1"} // never h2
	c := tls.Client(conn, config)
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// LoadCertificate reads a client certificate together with its private
// key from a single PEM file.
func LoadCertificate(path string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(path, path)
	if err != nil {
		return cert, fmt.Errorf("load client certificate %s: %w", path, err)
	}
	return cert, nil
}
