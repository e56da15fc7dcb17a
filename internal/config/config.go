// Package config holds the dispatcher settings. they load from the
// environment (envconfig) or a yaml file, whatever isn't set keeps its
// default.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/net/http/httpproxy"
	"gopkg.in/yaml.v3"
)

// DefaultPrefix is the environment prefix read by FromEnv("").
const DefaultPrefix = "DISPATCH"

type Config struct {
	// Protocol is used for requests that don't override it, "http" or
	// "https" in any case.
	Protocol string `envconfig:"PROTOCOL" default:"https" yaml:"protocol"`
	// CertificateRef is a PEM file holding the client certificate and
	// key, or a system store reference like `CURRENT_USER\my\Name`.
	CertificateRef string `envconfig:"CERTIFICATE" yaml:"certificate"`
	TimeoutSeconds int    `envconfig:"TIMEOUT" default:"65" yaml:"timeout_seconds"`
	UserAgent      string `envconfig:"USER_AGENT" yaml:"user_agent"`

	ProxyHost     string `envconfig:"PROXY_HOST" yaml:"proxy_host"`
	ProxyPort     int    `envconfig:"PROXY_PORT" yaml:"proxy_port"`
	ProxyUser     string `envconfig:"PROXY_USER" yaml:"proxy_user"`
	ProxyPassword string `envconfig:"PROXY_PASSWORD" yaml:"proxy_password"`
	// ProxyFromEnvironment takes the proxy from HTTPS_PROXY, HTTP_PROXY
	// and NO_PROXY when ProxyHost is empty.
	ProxyFromEnvironment bool `envconfig:"PROXY_FROM_ENVIRONMENT" yaml:"proxy_from_environment"`

	MaxRedirects int `envconfig:"MAX_REDIRECTS" default:"10" yaml:"max_redirects"`
	// RequestsPerSecond limits how fast hops are started, 0 is unlimited.
	RequestsPerSecond float64 `envconfig:"REQUESTS_PER_SECOND" yaml:"requests_per_second"`
	Burst             int     `envconfig:"BURST" default:"1" yaml:"burst"`

	Log LogConfig `envconfig:"LOG" yaml:"log"`
}

type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"DEV" yaml:"development"`
}

func Default() *Config {
	return &Config{
		Protocol:       "https",
		TimeoutSeconds: 65,
		MaxRedirects:   10,
		Burst:          1,
		Log:            LogConfig{Level: "info"},
	}
}

// FromEnv reads the configuration from variables like DISPATCH_PROTOCOL,
// DefaultPrefix is used when prefix is empty.
func FromEnv(prefix string) (*Config, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Load reads a yaml file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

var (
	ErrProtocol = errors.New("protocol must be http or https")
	ErrProxy    = errors.New("invalid proxy configuration")
)

func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Protocol) {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("%w, got %q", ErrProtocol, c.Protocol))
	}
	if c.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("timeout_seconds must not be negative, got %d", c.TimeoutSeconds))
	}
	if c.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("max_redirects must not be negative, got %d", c.MaxRedirects))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must not be negative, got %v", c.RequestsPerSecond))
	}
	if c.ProxyHost != "" && (c.ProxyPort <= 0 || c.ProxyPort > 65535) {
		errs = append(errs, fmt.Errorf("%w: proxy_port %d out of range", ErrProxy, c.ProxyPort))
	}
	return errors.Join(errs...)
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Proxy is the CONNECT proxy a request goes through. the zero Proxy
// means a direct connection.
type Proxy struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (p Proxy) Enabled() bool { return p.Host != "" }

// Authorization is the value of the Proxy-Authorization header, empty
// unless both user and password are set.
func (p Proxy) Authorization() string {
	if p.User == "" || p.Password == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.User+":"+p.Password))
}

func (c *Config) ProxyAuthorization() string {
	return c.Proxy().Authorization()
}

// Proxy is the explicitly configured proxy.
func (c *Config) Proxy() Proxy {
	return Proxy{Host: c.ProxyHost, Port: c.ProxyPort, User: c.ProxyUser, Password: c.ProxyPassword}
}

// ProxyFor picks the proxy for a request to target: the configured one,
// or with ProxyFromEnvironment whatever the environment says.
func (c *Config) ProxyFor(target *url.URL) (Proxy, error) {
	if c.ProxyHost != "" || !c.ProxyFromEnvironment {
		return c.Proxy(), nil
	}
	u, err := httpproxy.FromEnvironment().ProxyFunc()(target)
	if err != nil || u == nil {
		return Proxy{}, err
	}
	p := Proxy{Host: u.Hostname()}
	if port := u.Port(); port != "" {
		if p.Port, err = strconv.Atoi(port); err != nil {
			return Proxy{}, fmt.Errorf("%w: %s", ErrProxy, u.Redacted())
		}
	} else if u.Scheme == "https" {
		p.Port = 443
	} else {
		p.Port = 80
	}
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

func (p Proxy) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
