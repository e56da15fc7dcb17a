package dialer

import (
	"crypto/tls"

	"github.com/frankli0324/go-dispatch/internal/dialer"
)

// Dialers are responsible for creating the underlying streams the socket
// connection writes requests to and reads responses from: a raw TCP
// connection, wrapped in TLS for https, possibly tunneled through a
// CONNECT proxy.
//
// Unlike [net/http.Transport], A Dialer MUST NOT hold active connection
// states. every exchange dials its own stream and closes it afterwards.
type Dialer = dialer.Dialer

// CoreDialer is the default implementation of the [Dialer] interface. a
// zero value dials directly with no timeout of its own.
type CoreDialer = dialer.CoreDialer

// Route is where a Dialer connects to, and through which proxy.
type Route = dialer.Route

// LoadCertificate reads a PEM file holding both a client certificate
// and its private key.
func LoadCertificate(path string) (tls.Certificate, error) {
	return dialer.LoadCertificate(path)
}
