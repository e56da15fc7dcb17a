package internal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/conn"
	"github.com/frankli0324/go-dispatch/internal/dialer"
	"github.com/frankli0324/go-dispatch/internal/model"
	"github.com/frankli0324/go-dispatch/internal/observe"
)

var errNoTunnel = errors.New("connection can't tunnel through a proxy")

// Client sends requests one connection per exchange. the zero value uses
// the default configuration. a Client is safe for concurrent use, none
// of its fields change after New.
type Client struct {
	cfg      *config.Config
	session  *resty.Client
	tls      *tls.Config
	dialer   *dialer.CoreDialer
	store    conn.CertStore
	env      *conn.Environment
	factory  conn.Factory
	observer observe.Observer
	limiter  *rate.Limiter
}

type Option func(*Client)

// WithSession routes every request through s instead of a connection of
// our own.
func WithSession(s *resty.Client) Option { return func(c *Client) { c.session = s } }

// WithTLSConfig is the base tls configuration, it decides what servers
// are trusted.
func WithTLSConfig(cfg *tls.Config) Option { return func(c *Client) { c.tls = cfg } }

func WithDialer(d *dialer.CoreDialer) Option { return func(c *Client) { c.dialer = d } }

func WithCertStore(s conn.CertStore) Option { return func(c *Client) { c.store = s } }

func WithEnvironment(env conn.Environment) Option { return func(c *Client) { c.env = &env } }

// WithFactory replaces the constructor of connections.
func WithFactory(f conn.Factory) Option { return func(c *Client) { c.factory = f } }

func WithObserver(o observe.Observer) Option { return func(c *Client) { c.observer = o } }

// WithLimiter overrides the limiter built from Config.RequestsPerSecond.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

func New(cfg *config.Config, opts ...Option) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) config() *config.Config {
	if c.cfg == nil {
		return config.Default()
	}
	return c.cfg
}

func (c *Client) environment() conn.Environment {
	if c.env == nil {
		return conn.DefaultEnvironment()
	}
	return *c.env
}

func (c *Client) newConn(k conn.Kind) (conn.Connection, error) {
	f := c.factory
	if f == nil {
		f = conn.New
	}
	return f(k, conn.Options{Session: c.session, TLSConfig: c.tls, Dialer: c.dialer, CertStore: c.store})
}

func (c *Client) obs() observe.Observer {
	if c.observer == nil {
		return observe.Nop{}
	}
	return c.observer
}

// Do sends req and follows 307 redirects, at most Config.MaxRedirects of
// them. req is built in place and rewritten by every redirect. statuses
// of 300 and above come back as *model.HTTPError.
func (c *Client) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	cfg := c.config()
	id := uuid.NewString()
	req.Build()
	for n := 0; ; n++ {
		resp, err := c.hop(ctx, id, n, req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.Status == 307:
		case resp.Status >= 300:
			return nil, &model.HTTPError{Status: resp.Status, Message: resp.Reason, Headers: resp.Headers, Body: resp.Body}
		default:
			return resp, nil
		}

		location := resp.Headers.Get("location")
		u, err := url.Parse(location)
		if location == "" || err != nil || u.Host == "" {
			return nil, &model.HTTPError{Status: resp.Status, Message: resp.Reason, Headers: resp.Headers, Body: resp.Body}
		}
		if n >= cfg.MaxRedirects {
			return nil, fmt.Errorf("%w: gave up after %d redirects, last location %s", model.ErrRedirectLoop, n, location)
		}
		if s := strings.ToLower(u.Scheme); s == "http" || s == "https" {
			req.Protocol = s
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		req.Redirect(u.Host, path)
	}
}

// hop runs a single exchange on a connection of its own, which is closed
// before hop returns.
func (c *Client) hop(ctx context.Context, id string, n int, req *model.Request) (resp *model.Response, err error) {
	cfg := c.config()
	protocol := strings.ToLower(req.Protocol)
	if protocol == "" {
		protocol = strings.ToLower(cfg.Protocol)
	}
	host, port, err := splitHostPort(req.Host, protocol)
	if err != nil {
		return nil, err
	}
	proxy, err := cfg.ProxyFor(&url.URL{Scheme: protocol, Host: req.Host})
	if err != nil {
		return nil, err
	}
	kind := conn.Select(c.session != nil, cfg.CertificateRef, c.environment())

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	o := c.obs()
	h := observe.Hop{
		RequestID: id, N: n, Kind: kind.String(), Method: req.Method,
		URL: protocol + "://" + req.Host + req.Path, Tunnel: proxy.Enabled(),
	}
	ctx = o.HopStarted(ctx, h)
	start, status := time.Now(), 0
	defer func() { o.HopFinished(ctx, h, status, time.Since(start), err) }()

	cn, err := c.newConn(kind)
	if err != nil {
		return nil, err
	}
	defer cn.Close()
	caps := cn.Capabilities()

	if proxy.Enabled() {
		t, ok := cn.(conn.Tunneler)
		if !caps.Tunnel || !ok {
			return nil, fmt.Errorf("%w: %s", errNoTunnel, kind)
		}
		var auth model.Headers
		if a := proxy.Authorization(); a != "" && caps.NativeProxyAuth {
			auth = model.Headers{{Name: "Proxy-Authorization", Value: a}}
		}
		t.SetTunnel(proxy.Host, proxy.Port, auth)
	}

	if err := cn.Open(ctx, conn.Target{
		Host: host, Port: port, Protocol: protocol,
		CertificateRef: cfg.CertificateRef, Timeout: cfg.Timeout(),
	}); err != nil {
		return nil, err
	}
	if err := cn.WriteRequestLine(req.Method, req.Path); err != nil {
		return nil, err
	}
	if proxy.User != "" && !caps.NativeProxyAuth {
		if pa, ok := cn.(conn.ProxyAuthenticator); ok && caps.ProxyCredentials {
			pa.SetProxyCredentials(proxy.User, proxy.Password)
		}
	}

	plan := planHeaders(cn, req, proxy.Enabled(), net.JoinHostPort(host, strconv.Itoa(port)), cfg.UserAgent)
	for _, f := range plan {
		if err := cn.WriteHeader(f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	if err := cn.EndHeaders(); err != nil {
		return nil, err
	}
	if req.Body != nil {
		o.RequestBody(ctx, h, req.Body)
		if err := cn.WriteBody(req.Body); err != nil {
			return nil, err
		}
	} else if caps.NoBodySignal {
		if err := cn.WriteBody(nil); err != nil {
			return nil, err
		}
	}

	raw, err := cn.ReadResponse()
	if err != nil {
		return nil, err
	}
	status = raw.Status
	body, err := readBody(raw)
	if err != nil {
		return nil, err
	}
	if body != nil {
		o.ResponseBody(ctx, h, body)
	}
	resp = &model.Response{Status: raw.Status, Reason: raw.Reason, Headers: raw.Headers.Lower(), Body: body}
	if resp.Status == 307 {
		o.Redirected(ctx, h, resp.Headers.Get("location"))
	}
	return resp, nil
}

// readBody reads exactly what raw announces. an announced length of 0
// is no body at all, an unknown length reads until EOF.
func readBody(raw *conn.RawResponse) ([]byte, error) {
	switch {
	case raw.Length == 0 || raw.Body == nil:
		return nil, nil
	case raw.Length < 0:
		b, err := io.ReadAll(raw.Body)
		if b == nil {
			b = []byte{}
		}
		return b, err
	}
	b := make([]byte, raw.Length)
	if _, err := io.ReadFull(raw.Body, b); err != nil {
		return nil, err
	}
	return b, nil
}

func splitHostPort(hostport, protocol string) (string, int, error) {
	port := 443
	if protocol == "http" {
		port = 80
	}
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port, or a bare ipv6 address
		return strings.Trim(hostport, "[]"), port, nil
	}
	if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in host %q", hostport)
	}
	return host, port, nil
}
