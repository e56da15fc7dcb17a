// Package conn defines the capability interface every connection variant
// implements, the three variants themselves and the rule choosing
// between them.
//
// A Connection carries exactly one request/response exchange. It is
// created unopened by [New], opened once, written in order (request
// line, headers, body), read once and closed. Nothing is pooled.
package conn

import (
	"context"
	"io"
	"time"

	"github.com/frankli0324/go-dispatch/internal/model"
)

type Kind int

const (
	KindSocket Kind = iota
	KindSession
	KindPlatform
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindSession:
		return "session"
	case KindPlatform:
		return "platform"
	}
	return "unknown"
}

// Capabilities are fixed when a connection is constructed, callers
// branch on them instead of probing for methods.
type Capabilities struct {
	// Tunnel: the connection implements [Tunneler].
	Tunnel bool
	// ProxyCredentials: the connection implements [ProxyAuthenticator].
	ProxyCredentials bool
	// NativeProxyAuth: the Proxy-Authorization header handed to
	// SetTunnel is honored, no separate credentials are needed.
	NativeProxyAuth bool
	// NoBodySignal: a request without a body must still be sent with
	// WriteBody(nil).
	NoBodySignal bool
	// RawHeaders: header fields reach the wire exactly as written, the
	// transport adds neither Host nor Content-Length on its own.
	RawHeaders bool
}

// Target is the server a connection talks to, never the proxy.
type Target struct {
	Host           string
	Port           int
	Protocol       string // "http" or "https"
	CertificateRef string
	Timeout        time.Duration
}

type RawResponse struct {
	Status  int
	Reason  string
	Headers model.Headers
	// Length is -1 when the body runs until the stream ends and 0 when
	// there is no body.
	Length int64
	Body   io.Reader
}

type Connection interface {
	Kind() Kind
	Capabilities() Capabilities

	Open(ctx context.Context, t Target) error
	WriteRequestLine(method, path string) error
	WriteHeader(name, value string) error
	EndHeaders() error
	// WriteBody sends the request body. a nil body is the explicit
	// "no body" signal for connections reporting NoBodySignal.
	WriteBody(body []byte) error
	ReadResponse() (*RawResponse, error)
	Close() error
}

// Tunneler routes the connection through the CONNECT proxy at
// host:port. it must be called before Open.
type Tunneler interface {
	SetTunnel(host string, port int, header model.Headers)
}

// ProxyAuthenticator takes proxy credentials for connections that
// can't use a pre-built Proxy-Authorization header.
type ProxyAuthenticator interface {
	SetProxyCredentials(user, password string)
}

// DefaultHeaderer is implemented by connections whose transport would
// emit header fields of its own. the caller decides which of them end
// up on the wire.
type DefaultHeaderer interface {
	DefaultHeaders() model.Headers
}
