package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/frankli0324/go-dispatch/internal/dialer"
	"github.com/frankli0324/go-dispatch/internal/model"
	"github.com/frankli0324/go-dispatch/internal/transport"
)

var errNotOpen = errors.New("connection is not open")

// socketConn speaks http 1.1 itself over a tcp (or tls) stream.
type socketConn struct {
	dialer    *dialer.CoreDialer
	tlsConfig *tls.Config

	proxy       string
	proxyHeader model.Headers

	target  Target
	conn    net.Conn
	w       *transport.Writer
	method  string
	timeout time.Duration
}

func newSocketConn(opts Options) *socketConn {
	d := opts.Dialer
	if d == nil {
		d = &dialer.CoreDialer{}
	}
	return &socketConn{dialer: d, tlsConfig: opts.TLSConfig}
}

func (c *socketConn) Kind() Kind { return KindSocket }

func (c *socketConn) Capabilities() Capabilities {
	return Capabilities{Tunnel: true, NativeProxyAuth: true, RawHeaders: true}
}

func (c *socketConn) SetTunnel(host string, port int, header model.Headers) {
	c.proxy = net.JoinHostPort(host, strconv.Itoa(port))
	c.proxyHeader = header
}

func (c *socketConn) Open(ctx context.Context, t Target) error {
	d := c.dialer.Clone()
	d.Timeout = t.Timeout
	if c.tlsConfig != nil {
		d.TLSConfig = c.tlsConfig.Clone()
	}
	https := t.Protocol == "https"
	if https && t.CertificateRef != "" {
		cert, err := dialer.LoadCertificate(t.CertificateRef)
		if err != nil {
			return err
		}
		if d.TLSConfig == nil {
			d.TLSConfig = &tls.Config{}
		}
		d.TLSConfig.Certificates = append(d.TLSConfig.Certificates, cert)
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	conn, err := d.Dial(ctx, &dialer.Route{
		Host: t.Host, Port: t.Port, TLS: https,
		Proxy: c.proxy, ProxyHeader: c.proxyHeader,
	})
	if err != nil {
		return err
	}
	c.target, c.conn, c.timeout = t, conn, t.Timeout
	c.w = transport.NewWriter(conn)
	return nil
}

// DefaultHeaders is what the socket transport would add by itself: the
// Host naming the target, with the port only when it isn't the default
// one for the protocol.
func (c *socketConn) DefaultHeaders() model.Headers {
	host := c.target.Host
	if c.target.Port != defaultPort(c.target.Protocol) {
		host = net.JoinHostPort(host, strconv.Itoa(c.target.Port))
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return model.Headers{
		{Name: "Host", Value: host},
		{Name: "Accept-Encoding", Value: "identity"},
	}
}

func (c *socketConn) extendDeadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *socketConn) WriteRequestLine(method, path string) error {
	if c.conn == nil {
		return errNotOpen
	}
	c.method = method
	return c.w.WriteRequestLine(method, path)
}

func (c *socketConn) WriteHeader(name, value string) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.w.WriteHeader(name, value)
}

func (c *socketConn) EndHeaders() error {
	if c.conn == nil {
		return errNotOpen
	}
	c.extendDeadline()
	return c.w.EndHeaders()
}

func (c *socketConn) WriteBody(body []byte) error {
	if c.conn == nil {
		return errNotOpen
	}
	if body == nil {
		return nil
	}
	c.extendDeadline()
	return c.w.WriteBody(body)
}

func (c *socketConn) ReadResponse() (*RawResponse, error) {
	if c.conn == nil {
		return nil, errNotOpen
	}
	c.extendDeadline()
	resp, err := transport.ReadResponse(bufio.NewReader(c.conn), c.method)
	if err != nil {
		return nil, err
	}
	return &RawResponse{
		Status:  resp.Status,
		Reason:  resp.Reason,
		Headers: resp.Header,
		Length:  resp.ContentLength,
		Body:    resp.Body,
	}, nil
}

func (c *socketConn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func defaultPort(protocol string) int {
	if protocol == "http" {
		return 80
	}
	return 443
}
