package conn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCertNotFound   = errors.New("certificate not found")
	errNoStore        = errors.New("no system certificate store on this platform")
	errBadCertRef     = errors.New(`certificate reference must look like LOCATION\store\subject`)
	errUnknownCertLoc = errors.New("unknown certificate store location")
)

// CertStore resolves a certificate reference to a client certificate
// with a usable private key.
type CertStore interface {
	Certificate(ref string) (tls.Certificate, error)
}

type CertStoreFunc func(ref string) (tls.Certificate, error)

func (f CertStoreFunc) Certificate(ref string) (tls.Certificate, error) { return f(ref) }

// certRef is a parsed `CURRENT_USER\my\Subject Name`. the subject part
// is matched as a substring, the way the system store does it.
type certRef struct {
	Location string
	Store    string
	Subject  string
}

func parseCertRef(ref string) (certRef, error) {
	parts := strings.SplitN(ref, `\`, 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return certRef{}, fmt.Errorf("%w: %q", errBadCertRef, ref)
	}
	loc := strings.ToUpper(parts[0])
	switch loc {
	case "CURRENT_USER", "LOCAL_MACHINE":
	default:
		return certRef{}, fmt.Errorf("%w: %q", errUnknownCertLoc, parts[0])
	}
	return certRef{Location: loc, Store: parts[1], Subject: parts[2]}, nil
}
