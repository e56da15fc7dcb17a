package conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/frankli0324/go-dispatch/internal/model"
)

// platformConn runs the exchange on net/http, with the client
// certificate taken from the system certificate store.
type platformConn struct {
	buffered
	store     CertStore
	tlsConfig *tls.Config

	proxy       *url.URL
	proxyHeader model.Headers

	ctx    context.Context
	client *http.Client
}

func newPlatformConn(opts Options) *platformConn {
	store := opts.CertStore
	if store == nil {
		store = SystemCertStore()
	}
	return &platformConn{store: store, tlsConfig: opts.TLSConfig}
}

func (c *platformConn) Kind() Kind { return KindPlatform }

func (c *platformConn) Capabilities() Capabilities {
	return Capabilities{Tunnel: true, ProxyCredentials: true, NoBodySignal: true}
}

func (c *platformConn) SetTunnel(host string, port int, header model.Headers) {
	c.proxy = &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	c.proxyHeader = header
}

// SetProxyCredentials is only meaningful after SetTunnel.
func (c *platformConn) SetProxyCredentials(user, password string) {
	if c.proxy != nil {
		c.proxy.User = url.UserPassword(user, password)
	}
}

func (c *platformConn) Open(ctx context.Context, t Target) error {
	tr := cleanhttp.DefaultTransport()
	tr.ForceAttemptHTTP2 = false
	if c.tlsConfig != nil {
		tr.TLSClientConfig = c.tlsConfig.Clone()
	}
	if t.Protocol == "https" && t.CertificateRef != "" {
		cert, err := c.store.Certificate(t.CertificateRef)
		if err != nil {
			return err
		}
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.Certificates = append(tr.TLSClientConfig.Certificates, cert)
	}
	c.client = &http.Client{
		Transport: tr,
		Timeout:   t.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.ctx = ctx
	c.open(t)
	return nil
}

func (c *platformConn) WriteBody(body []byte) error {
	if err := c.begin(); err != nil {
		return err
	}
	// credentials may arrive after Open, the proxy is resolved per request
	if c.proxy != nil {
		tr := c.client.Transport.(*http.Transport)
		tr.Proxy = http.ProxyURL(c.proxy)
		tr.ProxyConnectHeader = toHTTPHeader(c.proxyHeader)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.ctx, c.method, c.url(), rd)
	if err != nil {
		return err
	}
	for _, f := range c.header {
		if strings.EqualFold(f.Name, "Host") {
			req.Host = f.Value
			continue
		}
		req.Header.Add(f.Name, f.Value)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	c.resp = resp
	return nil
}

func (c *platformConn) Close() error {
	err := c.close()
	if c.client != nil {
		c.client.CloseIdleConnections()
		c.client = nil
	}
	return err
}
