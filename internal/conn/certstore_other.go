//go:build !windows

package conn

import (
	"crypto/tls"
	"fmt"
)

type unsupportedStore struct{}

// SystemCertStore returns the certificate store of the running system.
// there is none outside of windows, lookups always fail.
func SystemCertStore() CertStore { return unsupportedStore{} }

func (unsupportedStore) Certificate(ref string) (tls.Certificate, error) {
	if _, err := parseCertRef(ref); err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{}, fmt.Errorf("%w: %s", errNoStore, ref)
}
