package dispatch

import (
	"github.com/frankli0324/go-dispatch/internal"
	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/conn"
)

// Client sends [Request]s over a fresh connection per exchange and
// follows 307 redirects. the zero value is ready to use with the
// default [Config].
type Client = internal.Client
type Option = internal.Option

type Config = config.Config

// Environment tells the client whether the system has a certificate
// store, see [WithEnvironment].
type Environment = conn.Environment

// CertStore resolves certificate references like `CURRENT_USER\my\Name`.
type CertStore = conn.CertStore

func New(cfg *Config, opts ...Option) *Client { return internal.New(cfg, opts...) }

func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a yaml configuration file over the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ConfigFromEnv reads DISPATCH_* variables, or prefix_* when prefix is set.
func ConfigFromEnv(prefix string) (*Config, error) { return config.FromEnv(prefix) }

var (
	// WithSession sends every request through a resty session. it takes
	// precedence over any other way of connecting.
	WithSession = internal.WithSession
	// WithTLSConfig sets the tls configuration https connections start
	// from, trust decisions are left to it.
	WithTLSConfig   = internal.WithTLSConfig
	WithDialer      = internal.WithDialer
	WithCertStore   = internal.WithCertStore
	WithEnvironment = internal.WithEnvironment
	WithObserver    = internal.WithObserver
	WithLimiter     = internal.WithLimiter
)
