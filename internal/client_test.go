package internal

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/conn"
	"github.com/frankli0324/go-dispatch/internal/model"
	"github.com/frankli0324/go-dispatch/internal/observe"
)

type reply struct {
	status int
	reason string
	header model.Headers
	length int64
	body   string
}

type mockConn struct {
	kind     conn.Kind
	caps     conn.Capabilities
	defaults model.Headers
	reply    reply
	openErr  error

	events  []string
	target  conn.Target
	tunnel  []string
	tunHdr  model.Headers
	line    string
	headers model.Headers
	bodies  [][]byte
	closed  int
}

func (m *mockConn) Kind() conn.Kind { return m.kind }
func (m *mockConn) Capabilities() conn.Capabilities { return m.caps }
func (m *mockConn) DefaultHeaders() model.Headers { return m.defaults }
func (m *mockConn) SetProxyCredentials(u, p string) { m.events = append(m.events, "creds "+u+":"+p) }
func (m *mockConn) EndHeaders() error { m.events = append(m.events, "end"); return nil }
func (m *mockConn) Close() error { m.closed++; return nil }
func (m *mockConn) WriteHeader(name, value string) error {
	m.headers = append(m.headers, model.Header{Name: name, Value: value})
	return nil
}

func (m *mockConn) SetTunnel(host string, port int, header model.Headers) {
	m.events = append(m.events, "tunnel")
	m.tunnel = []string{host, strconv.Itoa(port)}
	m.tunHdr = header
}

func (m *mockConn) Open(_ context.Context, t conn.Target) error {
	m.events = append(m.events, "open")
	m.target = t
	return m.openErr
}

func (m *mockConn) WriteRequestLine(method, path string) error {
	m.events = append(m.events, "line")
	m.line = method + " " + path
	return nil
}

func (m *mockConn) WriteBody(body []byte) error {
	m.events = append(m.events, "body")
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *mockConn) ReadResponse() (*conn.RawResponse, error) {
	m.events = append(m.events, "read")
	r := m.reply
	reason := r.reason
	if reason == "" {
		reason = http.StatusText(r.status)
	}
	raw := &conn.RawResponse{Status: r.status, Reason: reason, Headers: r.header, Length: r.length}
	if r.length != 0 {
		raw.Body = strings.NewReader(r.body)
	}
	return raw, nil
}

// factory hands out the given connections in order and records the kind
// each was asked for.
type factory struct {
	conns []*mockConn
	kinds []conn.Kind
}

func (f *factory) New(k conn.Kind, _ conn.Options) (conn.Connection, error) {
	f.kinds = append(f.kinds, k)
	c := f.conns[len(f.kinds)-1]
	c.kind = k
	return c, nil
}

var socketCaps = conn.Capabilities{Tunnel: true, NativeProxyAuth: true, RawHeaders: true}
var platformCaps = conn.Capabilities{Tunnel: true, ProxyCredentials: true, NoBodySignal: true}

func newTestClient(cfg *config.Config, conns ...*mockConn) (*Client, *factory) {
	f := &factory{conns: conns}
	return New(cfg, WithFactory(f.New), WithEnvironment(conn.Environment{})), f
}

func TestDo(t *testing.T) {
	m := &mockConn{caps: socketCaps, reply: reply{
		status: 200,
		header: model.Headers{{Name: "Content-Type", Value: "text/xml"}, {Name: "X-Ms-Request-Id", Value: "abc"}},
		length: 6, body: "<a/>..",
	}}
	cfg := config.Default()
	cfg.UserAgent = "agent/1.0"
	c, f := newTestClient(cfg, m)

	resp, err := c.Do(context.Background(), &model.Request{
		Method:  "GET",
		Host:    "management.core.windows.net",
		Path:    "/services/hostedservices?a b=1",
		Query:   []model.QueryParam{{Name: "embed", Value: "true"}, {Name: "skip", Null: true}},
		Headers: model.Headers{{Name: "x-ms-version", Value: "2014-06-01"}, {Name: "x-empty", Value: ""}},
	})
	require.NoError(t, err)

	assert.Equal(t, []conn.Kind{conn.KindSocket}, f.kinds)
	assert.Equal(t, conn.Target{Host: "management.core.windows.net", Port: 443, Protocol: "https", Timeout: 65 * time.Second}, m.target)
	assert.Equal(t, "GET /services/hostedservices?embed=true&a%20b=1", m.line)
	assert.Equal(t, model.Headers{{Name: "x-ms-version", Value: "2014-06-01"}, {Name: "User-Agent", Value: "agent/1.0"}}, m.headers)
	assert.Empty(t, m.bodies, "no body signal on a socket")
	assert.Equal(t, 1, m.closed)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, model.Headers{{Name: "content-type", Value: "text/xml"}, {Name: "x-ms-request-id", Value: "abc"}}, resp.Headers)
	assert.Equal(t, "<a/>..", string(resp.Body))
}

func TestDoHTTPError(t *testing.T) {
	m := &mockConn{caps: socketCaps, reply: reply{
		status: 404, header: model.Headers{{Name: "Content-Length", Value: "9"}}, length: 9, body: "not found",
	}}
	c, _ := newTestClient(nil, m)

	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
	var he *model.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 404, he.Status)
	assert.Equal(t, "Not Found", he.Message)
	assert.Equal(t, model.Headers{{Name: "content-length", Value: "9"}}, he.Headers)
	assert.Equal(t, "not found", string(he.Body))
	assert.Equal(t, 1, m.closed)
}

func TestDoOtherRedirectsFail(t *testing.T) {
	for _, status := range []int{301, 302, 303, 308, 500} {
		m := &mockConn{caps: socketCaps, reply: reply{status: status, header: model.Headers{{Name: "Location", Value: "https://h2/"}}}}
		c, _ := newTestClient(nil, m)
		_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
		var he *model.HTTPError
		require.ErrorAs(t, err, &he, status)
		assert.Equal(t, status, he.Status)
	}
}

func TestDoRedirect(t *testing.T) {
	first := &mockConn{caps: socketCaps, reply: reply{status: 307, header: model.Headers{{Name: "Location", Value: "https://host2/newpath"}}}}
	second := &mockConn{caps: socketCaps, reply: reply{status: 200, length: 2, body: "ok"}}
	c, f := newTestClient(nil, first, second)

	req := &model.Request{Method: "GET", Host: "host1:8443", Path: "/old?x=1"}
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Len(t, f.kinds, 2)
	assert.Equal(t, 8443, first.target.Port)
	assert.Equal(t, "host2", second.target.Host)
	assert.Equal(t, 443, second.target.Port)
	assert.Equal(t, "GET /newpath?x=1", second.line)
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, second.closed)
	assert.Equal(t, "host2", req.Host)
}

func TestDoRedirectScheme(t *testing.T) {
	first := &mockConn{caps: socketCaps, reply: reply{status: 307, header: model.Headers{{Name: "location", Value: "http://plain:8080/a%20b"}}}}
	second := &mockConn{caps: socketCaps, reply: reply{status: 204}}
	c, _ := newTestClient(nil, first, second)

	resp, err := c.Do(context.Background(), &model.Request{Method: "DELETE", Host: "h", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Equal(t, conn.Target{Host: "plain", Port: 8080, Protocol: "http", Timeout: 65 * time.Second}, second.target)
	assert.Equal(t, "DELETE /a%20b", second.line)
}

func TestDoRedirectWithoutLocation(t *testing.T) {
	m := &mockConn{caps: socketCaps, reply: reply{status: 307}}
	c, _ := newTestClient(nil, m)
	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
	var he *model.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 307, he.Status)
}

func TestDoRedirectLoop(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRedirects = 2
	var conns []*mockConn
	for i := 0; i < 3; i++ {
		conns = append(conns, &mockConn{caps: socketCaps, reply: reply{status: 307, header: model.Headers{{Name: "Location", Value: "https://h/again"}}}})
	}
	c, f := newTestClient(cfg, conns...)

	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
	assert.ErrorIs(t, err, model.ErrRedirectLoop)
	assert.Len(t, f.kinds, 3)
	for _, m := range conns {
		assert.Equal(t, 1, m.closed)
	}
}

func TestDoBodyLength(t *testing.T) {
	cases := []struct {
		name   string
		reply  reply
		expect []byte
	}{
		{"Zero", reply{status: 200, length: 0}, nil},
		{"UnknownEmpty", reply{status: 200, length: -1, body: ""}, []byte{}},
		{"Unknown", reply{status: 200, length: -1, body: "until eof"}, []byte("until eof")},
		{"Exact", reply{status: 200, length: 3, body: "abcdef"}, []byte("abc")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(nil, &mockConn{caps: socketCaps, reply: tc.reply})
			resp, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
			require.NoError(t, err)
			assert.Equal(t, tc.expect, resp.Body)
		})
	}

	c, _ := newTestClient(nil, &mockConn{caps: socketCaps, reply: reply{status: 200, length: 10, body: "short"}})
	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDoClosesOnFailure(t *testing.T) {
	boom := errors.New("connection refused")
	m := &mockConn{caps: socketCaps, openErr: boom}
	c, _ := newTestClient(nil, m)
	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.closed)
}

func TestDoSocketTunnel(t *testing.T) {
	m := &mockConn{
		caps:     socketCaps,
		defaults: model.Headers{{Name: "Host", Value: "api.example.com"}, {Name: "Accept-Encoding", Value: "identity"}},
		reply:    reply{status: 200},
	}
	cfg := config.Default()
	cfg.ProxyHost, cfg.ProxyPort = "proxy.local", 3128
	cfg.ProxyUser, cfg.ProxyPassword = "user", "pass"
	c, _ := newTestClient(cfg, m)

	_, err := c.Do(context.Background(), &model.Request{
		Method: "PUT", Host: "api.example.com", Path: "/x",
		Headers: model.Headers{{Name: "Host", Value: "api.example.com"}, {Name: "Content-Type", Value: "text/xml"}},
		Body:    []byte("<x/>"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tunnel", "open", "line", "end", "body", "read"}, m.events)
	assert.Equal(t, []string{"proxy.local", "3128"}, m.tunnel)
	assert.Equal(t, model.Headers{{Name: "Proxy-Authorization", Value: "Basic dXNlcjpwYXNz"}}, m.tunHdr)
	assert.Equal(t, "api.example.com", m.target.Host, "the connection targets the real server")
	assert.Equal(t, model.Headers{
		{Name: "Host", Value: "api.example.com:443"},
		{Name: "Accept-Encoding", Value: "identity"},
		{Name: "Content-Type", Value: "text/xml"},
		{Name: "Content-Length", Value: "4"},
		{Name: "User-Agent", Value: ""},
	}, m.headers)
}

func TestDoSocketDefaultHost(t *testing.T) {
	m := &mockConn{caps: socketCaps, defaults: model.Headers{{Name: "Host", Value: "h"}}, reply: reply{status: 200}}
	c, _ := newTestClient(nil, m)
	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, model.Headers{{Name: "Host", Value: "h"}, {Name: "User-Agent", Value: ""}}, m.headers)
}

func TestDoPlatformProxyCredentials(t *testing.T) {
	cases := []struct {
		name     string
		user     string
		password string
		events   []string
	}{
		{"user and password", "user", "pass", []string{"tunnel", "open", "line", "creds user:pass", "end", "body", "read"}},
		{"user only", "user", "", []string{"tunnel", "open", "line", "creds user:", "end", "body", "read"}},
		{"no user", "", "pass", []string{"tunnel", "open", "line", "end", "body", "read"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &mockConn{caps: platformCaps, reply: reply{status: 200}}
			cfg := config.Default()
			cfg.ProxyHost, cfg.ProxyPort = "proxy.local", 8080
			cfg.ProxyUser, cfg.ProxyPassword = tc.user, tc.password
			cfg.CertificateRef = `CURRENT_USER\my\Client`
			f := &factory{conns: []*mockConn{m}}
			c := New(cfg, WithFactory(f.New), WithEnvironment(conn.Environment{
				NativeCertStore: true, FileExists: func(string) bool { return false },
			}))

			_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "h", Path: "/"})
			require.NoError(t, err)
			assert.Equal(t, []conn.Kind{conn.KindPlatform}, f.kinds)
			assert.Equal(t, tc.events, m.events)
			assert.Nil(t, m.tunHdr)
			assert.Equal(t, [][]byte{nil}, m.bodies, "explicit no body signal")
			assert.False(t, m.headers.Has("Host"))
		})
	}
}

func TestDoSessionSelected(t *testing.T) {
	m := &mockConn{caps: conn.Capabilities{Tunnel: true, NativeProxyAuth: true, NoBodySignal: true}, reply: reply{status: 200}}
	f := &factory{conns: []*mockConn{m}}
	c := New(nil, WithSession(resty.New()), WithFactory(f.New))
	_, err := c.Do(context.Background(), &model.Request{Method: "POST", Host: "h", Path: "/", Body: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, []conn.Kind{conn.KindSession}, f.kinds)
	assert.Equal(t, [][]byte{[]byte("b")}, m.bodies)
	assert.False(t, m.headers.Has("Content-Length"))
}

type recorder struct {
	observe.Nop
	events []string
}

func (r *recorder) HopStarted(ctx context.Context, h observe.Hop) context.Context {
	r.events = append(r.events, "start "+h.URL)
	return ctx
}

func (r *recorder) HopFinished(_ context.Context, h observe.Hop, status int, _ time.Duration, err error) {
	r.events = append(r.events, "finish "+strconv.Itoa(status))
}

func (r *recorder) Redirected(_ context.Context, _ observe.Hop, location string) {
	r.events = append(r.events, "redirect "+location)
}

func TestDoObserver(t *testing.T) {
	first := &mockConn{caps: socketCaps, reply: reply{status: 307, header: model.Headers{{Name: "Location", Value: "https://host2/b"}}}}
	second := &mockConn{caps: socketCaps, reply: reply{status: 200}}
	rec := &recorder{}
	f := &factory{conns: []*mockConn{first, second}}
	c := New(nil, WithFactory(f.New), WithEnvironment(conn.Environment{}), WithObserver(rec),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	_, err := c.Do(context.Background(), &model.Request{Method: "GET", Host: "host1", Path: "/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"start https://host1/a",
		"redirect https://host2/b",
		"finish 307",
		"start https://host2/b",
		"finish 200",
	}, rec.events)
}

func TestDoLimiterCanceled(t *testing.T) {
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	lim.Allow()
	c, _ := newTestClient(nil, &mockConn{caps: socketCaps})
	c.limiter = lim
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, &model.Request{Method: "GET", Host: "h", Path: "/"})
	assert.Error(t, err)
}

func TestDoOverSocket(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/next", r.URL.Path)
		assert.Equal(t, "q=1", r.URL.RawQuery)
		assert.Len(t, r.Header.Values("Host"), 0) // folded into r.Host by net/http
		assert.Equal(t, "agent", r.UserAgent())
		w.Header().Set("X-Ms-Request-Id", "2")
		io.WriteString(w, "final")
	}))
	defer final.Close()
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", final.URL+"/next")
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer first.Close()

	cfg := config.Default()
	cfg.Protocol = "HTTP"
	cfg.UserAgent = "agent"
	c := New(cfg, WithEnvironment(conn.Environment{}))
	resp, err := c.Do(context.Background(), &model.Request{
		Method: "GET",
		Host:   strings.TrimPrefix(first.URL, "http://"),
		Path:   "/start?q=1",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "2", resp.Headers.Get("x-ms-request-id"))
	assert.Equal(t, "final", string(resp.Body))
}

func TestDoOverSession(t *testing.T) {
	var agents []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents = r.Header.Values("User-Agent")
		io.WriteString(w, "via session")
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Protocol = "http"
	c := New(cfg, WithSession(resty.New()))
	resp, err := c.Do(context.Background(), &model.Request{
		Method: "GET",
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Path:   "/",
	})
	require.NoError(t, err)
	assert.Equal(t, "via session", string(resp.Body))
	assert.Empty(t, agents, "no agent is sent when none is configured")
}

// tunnelProxy accepts one CONNECT and relays it to the requested address.
func tunnelProxy(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	connects := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		connects <- req.Method + " " + req.Host + " " + req.Header.Get("Proxy-Authorization")
		up, err := net.Dial("tcp", req.Host)
		if err != nil {
			return
		}
		defer up.Close()
		io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
		go io.Copy(up, br)
		io.Copy(c, up)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, connects
}

// headServer answers one request with ok and hands over the raw header lines.
func headServer(t *testing.T) (string, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	heads := make(chan []string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		var lines []string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			lines = append(lines, line)
		}
		heads <- lines
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()
	return ln.Addr().String(), heads
}

func TestDoSocketThroughProxy(t *testing.T) {
	addr, heads := headServer(t)
	phost, pport, connects := tunnelProxy(t)

	cfg := config.Default()
	cfg.Protocol = "http"
	cfg.ProxyHost, cfg.ProxyPort = phost, pport
	cfg.ProxyUser, cfg.ProxyPassword = "user", "pass"
	c := New(cfg, WithEnvironment(conn.Environment{}))
	resp, err := c.Do(context.Background(), &model.Request{
		Method:  "GET",
		Host:    addr,
		Path:    "/through",
		Headers: model.Headers{{Name: "Host", Value: "ignored.example"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, "CONNECT "+addr+" Basic dXNlcjpwYXNz", <-connects)

	lines := <-heads
	require.NotEmpty(t, lines)
	assert.Equal(t, "GET /through HTTP/1.1", lines[0])
	var hosts []string
	for _, l := range lines[1:] {
		if name, value, ok := strings.Cut(l, ":"); ok && strings.EqualFold(name, "Host") {
			hosts = append(hosts, strings.TrimSpace(value))
		}
	}
	assert.Equal(t, []string{addr}, hosts, "exactly one Host, naming the target")
}
