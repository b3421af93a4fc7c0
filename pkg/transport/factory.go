package transport

import (
	"fmt"
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
)

// Descriptor names a transport kind, its configuration and the middleware
// applied around it.
type Descriptor struct {
	Kind       Kind
	Config     Config
	Middleware []Middleware
}

// NewTransport builds the transport described by d. The configuration must be
// the variant required by d.Kind; a mismatch is a Validation error naming
// both types. No I/O happens here.
func NewTransport(d Descriptor) (Transport, error) {
	var base Transport

	switch d.Kind {
	case KindStdio:
		cfg, ok := stdioConfigOf(d.Config)
		if !ok {
			return nil, mismatch("transport.StdioConfig", d.Config)
		}
		base = NewStdioTransport(cfg)
	case KindHTTP:
		cfg, ok := httpConfigOf(d.Config)
		if !ok {
			return nil, mismatch("transport.HTTPConfig", d.Config)
		}
		cfg, err := normalizeHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		base = newHTTPTransport(cfg)
	default:
		return nil, mcperrors.ValidationError(fmt.Sprintf("unsupported transport kind %q", d.Kind))
	}

	if len(d.Middleware) == 0 {
		return base, nil
	}
	return Chain(d.Middleware...).Wrap(base), nil
}

func stdioConfigOf(c Config) (StdioConfig, bool) {
	switch v := c.(type) {
	case StdioConfig:
		return v, true
	case *StdioConfig:
		if v != nil {
			return *v, true
		}
	}
	return StdioConfig{}, false
}

func httpConfigOf(c Config) (HTTPConfig, bool) {
	switch v := c.(type) {
	case HTTPConfig:
		return v, true
	case *HTTPConfig:
		if v != nil {
			return *v, true
		}
	}
	return HTTPConfig{}, false
}

func mismatch(expected string, actual Config) error {
	name := fmt.Sprintf("%T", actual)
	if actual == nil {
		name = "<nil>"
	}
	return mcperrors.ConfigMismatch(expected, name).WithContext(&mcperrors.Context{
		Component: "transport_factory",
		Operation: "new_transport",
	})
}

func normalizeHTTPConfig(cfg HTTPConfig) (HTTPConfig, error) {
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	if !strings.HasPrefix(cfg.BasePath, "/") {
		return cfg, mcperrors.ValidationError(fmt.Sprintf("base path %q must start with /", cfg.BasePath))
	}
	if cfg.Timeout <= 0 {
		return cfg, mcperrors.ValidationError("http timeout must be positive")
	}
	if cfg.Sessions == nil {
		return cfg, mcperrors.ValidationError("http transport requires a session manager")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.ResponseGrace <= 0 {
		cfg.ResponseGrace = defaultResponseGrace
	}
	return cfg, nil
}
