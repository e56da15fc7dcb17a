package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/frankli0324/go-dispatch/internal/model"
)

var errNoProxyTransport = errors.New("session transport can't be routed through a proxy")

// sessionConn hands the request to a caller supplied resty session. the
// session itself is never modified: every exchange runs on a shallow
// copy of its http.Client.
type sessionConn struct {
	buffered
	session *resty.Client

	proxy       *url.URL
	proxyHeader model.Headers

	cancel context.CancelFunc
	ctx    context.Context
}

func newSessionConn(opts Options) *sessionConn {
	return &sessionConn{session: opts.Session}
}

func (c *sessionConn) Kind() Kind { return KindSession }

func (c *sessionConn) Capabilities() Capabilities {
	return Capabilities{Tunnel: true, NativeProxyAuth: true, NoBodySignal: true}
}

func (c *sessionConn) SetTunnel(host string, port int, header model.Headers) {
	c.proxy = &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	c.proxyHeader = header
}

func (c *sessionConn) Open(ctx context.Context, t Target) error {
	if t.Timeout > 0 {
		c.ctx, c.cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		c.ctx = ctx
	}
	c.open(t)
	return nil
}

// client derives the per-exchange resty client from the session.
func (c *sessionConn) client() (*resty.Client, error) {
	hc := *c.session.GetClient()
	if c.proxy != nil {
		tr, ok := hc.Transport.(*http.Transport)
		switch {
		case hc.Transport == nil:
			tr = http.DefaultTransport.(*http.Transport)
		case !ok:
			return nil, fmt.Errorf("%w: %T", errNoProxyTransport, hc.Transport)
		}
		tr = tr.Clone()
		tr.Proxy = http.ProxyURL(c.proxy)
		tr.ProxyConnectHeader = toHTTPHeader(c.proxyHeader)
		hc.Transport = tr
	}

	rc := resty.NewWithClient(&hc)
	rc.Header = c.session.Header.Clone()
	if rc.Header == nil {
		rc.Header = http.Header{}
	}
	rc.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	host, agent := c.header.Get("Host"), c.header.Get("User-Agent")
	rc.SetPreRequestHook(func(_ *resty.Client, r *http.Request) error {
		if host != "" {
			r.Host = host
		}
		// an empty agent is sent as no agent at all, not resty's default
		r.Header["User-Agent"] = []string{agent}
		return nil
	})
	return rc, nil
}

// WriteBody sends the whole request, nil meaning there is no body.
func (c *sessionConn) WriteBody(body []byte) error {
	if err := c.begin(); err != nil {
		return err
	}
	rc, err := c.client()
	if err != nil {
		return err
	}

	req := rc.R().SetContext(c.ctx).SetDoNotParseResponse(true)
	for _, f := range c.header {
		if strings.EqualFold(f.Name, "Host") {
			continue
		}
		req.Header.Add(f.Name, f.Value)
	}
	if c.proxy != nil && c.target.Protocol == "http" {
		// plain http goes to the proxy as is, no CONNECT carries the auth
		for _, f := range c.proxyHeader {
			req.Header.Add(f.Name, f.Value)
		}
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(c.method, c.url())
	if err != nil {
		return err
	}
	c.resp = resp.RawResponse
	return nil
}

func (c *sessionConn) Close() error {
	err := c.close()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return err
}
