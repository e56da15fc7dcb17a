package conn

import (
	"crypto/tls"
	"fmt"
	"os"
	"runtime"

	"github.com/go-resty/resty/v2"

	"github.com/frankli0324/go-dispatch/internal/dialer"
	"github.com/frankli0324/go-dispatch/internal/model"
)

// Environment is what the selection rule needs to know about the host.
type Environment struct {
	// NativeCertStore is set on systems with a certificate store that
	// references like `CURRENT_USER\my\Name` point into.
	NativeCertStore bool
	FileExists      func(path string) bool
}

func DefaultEnvironment() Environment {
	return Environment{
		NativeCertStore: runtime.GOOS == "windows",
		FileExists: func(path string) bool {
			fi, err := os.Stat(path)
			return err == nil && fi.Mode().IsRegular()
		},
	}
}

// Select picks the connection variant. an injected session always wins,
// a certificate reference that isn't a file on disk means the platform
// store on systems having one, everything else goes over a socket.
func Select(hasSession bool, certRef string, env Environment) Kind {
	if hasSession {
		return KindSession
	}
	if env.NativeCertStore && certRef != "" {
		if env.FileExists == nil || !env.FileExists(certRef) {
			return KindPlatform
		}
	}
	return KindSocket
}

// Options carry what the variants need besides the [Target].
type Options struct {
	// Session backs [KindSession].
	Session *resty.Client
	// TLSConfig is the base for every https connection, trust policy
	// is left to it.
	TLSConfig *tls.Config
	// Dialer is used by [KindSocket], a zero [dialer.CoreDialer] when nil.
	Dialer *dialer.CoreDialer
	// CertStore resolves certificate references for [KindPlatform].
	CertStore CertStore
}

// Factory constructs an unopened connection of the given kind.
type Factory func(k Kind, opts Options) (Connection, error)

func New(k Kind, opts Options) (Connection, error) {
	switch k {
	case KindSocket:
		return newSocketConn(opts), nil
	case KindSession:
		if opts.Session == nil {
			return nil, fmt.Errorf("session connection: %w", errNoSession)
		}
		return newSessionConn(opts), nil
	case KindPlatform:
		return newPlatformConn(opts), nil
	}
	return nil, fmt.Errorf("%w: %d", model.ErrUnknownKind, int(k))
}
