// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/observability"
	"github.com/ajitpratap0/mcp-transport-go/pkg/server"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session/redisstore"
	"github.com/ajitpratap0/mcp-transport-go/pkg/transport"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is everything cmd/mcp-server needs to start.
type Config struct {
	// Transport is "stdio" or "http". ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=stdio"`

	HTTPAddr       string        `env:"MCP_HTTP_ADDR,default=:8080"`
	HTTPBasePath   string        `env:"MCP_HTTP_BASE_PATH,default=/mcp"`
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
	MaxConcurrency int           `env:"MCP_MAX_CONCURRENCY,default=64"`
	MaxMessageSize int64         `env:"MCP_MAX_MESSAGE_SIZE,default=4194304"`

	SessionIdleTimeout   time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=30m"`
	SessionSweepInterval time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL,default=1m"`
	// SessionStore is "memory" or "redis". ENV: MCP_SESSION_STORE
	SessionStore string `env:"MCP_SESSION_STORE,default=memory"`
	Redis        redisstore.Config

	// AuthType is "none", "apikey" or "jwt". ENV: MCP_AUTH_TYPE
	AuthType string `env:"MCP_AUTH_TYPE,default=none"`
	// APIKeys in "key:principal[:scope1 scope2]" entries separated by commas.
	APIKeys string `env:"MCP_API_KEYS"`
	// JWTAudience entries are separated by semicolons.
	JWTAudience []string      `env:"MCP_JWT_AUDIENCE"`
	JWTSecret   string        `env:"MCP_JWT_SECRET"`
	JWTIssuer   string        `env:"MCP_JWT_ISSUER"`
	JWKSURL     string        `env:"MCP_JWKS_URL"`
	JWTLeeway   time.Duration `env:"MCP_JWT_LEEWAY,default=30s"`

	LogLevel  string `env:"MCP_LOG_LEVEL,default=info"`
	LogFormat string `env:"MCP_LOG_FORMAT,default=text"`

	MetricsAddr       string  `env:"MCP_METRICS_ADDR"`
	TracingExporter   string  `env:"MCP_TRACING_EXPORTER,default=none"`
	TracingEndpoint   string  `env:"MCP_TRACING_ENDPOINT"`
	TracingInsecure   bool    `env:"MCP_TRACING_INSECURE,default=false"`
	TracingSampleRate float64 `env:"MCP_TRACING_SAMPLE_RATE,default=1.0"`

	DuplicatePolicy string `env:"MCP_DUPLICATE_POLICY,default=overwrite"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings so startup fails early.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		add("MCP_TRANSPORT: %v", err)
	}
	if kind == transport.KindHTTP {
		if c.HTTPAddr == "" {
			add("MCP_HTTP_ADDR is required for the http transport")
		}
		if !strings.HasPrefix(c.HTTPBasePath, "/") {
			add("MCP_HTTP_BASE_PATH must start with /")
		}
	}
	if c.RequestTimeout <= 0 {
		add("MCP_REQUEST_TIMEOUT must be positive")
	}
	if c.MaxConcurrency <= 0 {
		add("MCP_MAX_CONCURRENCY must be positive")
	}
	if c.MaxMessageSize <= 0 {
		add("MCP_MAX_MESSAGE_SIZE must be positive")
	}
	if c.SessionIdleTimeout < 0 {
		add("MCP_SESSION_IDLE_TIMEOUT must not be negative")
	}
	if c.SessionIdleTimeout > 0 && c.SessionSweepInterval <= 0 {
		add("MCP_SESSION_SWEEP_INTERVAL must be positive when sessions expire")
	}

	switch c.SessionStore {
	case StoreMemory, StoreRedis:
	default:
		add("MCP_SESSION_STORE must be %q or %q", StoreMemory, StoreRedis)
	}

	switch c.AuthType {
	case auth.TypeNone, "":
	case auth.TypeAPIKey:
		if kind == transport.KindStdio {
			add("MCP_AUTH_TYPE=%s has no effect on the stdio transport", c.AuthType)
		}
		if _, err := auth.ParseAPIKeys(c.APIKeys); err != nil {
			add("MCP_API_KEYS: %v", err)
		} else if strings.TrimSpace(c.APIKeys) == "" {
			add("MCP_API_KEYS is required for apikey auth")
		}
	case auth.TypeJWT:
		if kind == transport.KindStdio {
			add("MCP_AUTH_TYPE=%s has no effect on the stdio transport", c.AuthType)
		}
		if c.JWTSecret == "" && c.JWKSURL == "" {
			add("jwt auth requires MCP_JWT_SECRET or MCP_JWKS_URL")
		}
		if c.JWTSecret != "" && c.JWKSURL != "" {
			add("set only one of MCP_JWT_SECRET and MCP_JWKS_URL")
		}
	default:
		add("MCP_AUTH_TYPE must be none, apikey or jwt")
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("MCP_LOG_LEVEL: %v", err)
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatText, logging.FormatJSON:
	default:
		add("MCP_LOG_FORMAT must be text or json")
	}

	switch observability.ExporterType(c.TracingExporter) {
	case observability.ExporterTypeNone, "":
	case observability.ExporterTypeOTLPGRPC, observability.ExporterTypeOTLPHTTP:
		if c.TracingEndpoint == "" {
			add("MCP_TRACING_ENDPOINT is required for exporter %s", c.TracingExporter)
		}
	default:
		add("MCP_TRACING_EXPORTER must be none, otlp-grpc or otlp-http")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		add("MCP_TRACING_SAMPLE_RATE must be between 0 and 1")
	}

	if _, err := server.ParseDuplicatePolicy(c.DuplicatePolicy); err != nil {
		add("MCP_DUPLICATE_POLICY: %v", err)
	}

	if len(problems) > 0 {
		return mcperrors.ValidationError("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// Kind returns the configured transport kind. Call after Validate.
func (c *Config) Kind() transport.Kind {
	kind, _ := transport.ParseKind(c.Transport)
	return kind
}

// Auth converts the auth settings for auth.NewFromConfig.
func (c *Config) Auth() auth.Config {
	return auth.Config{
		Type:        c.AuthType,
		APIKeys:     c.APIKeys,
		JWTSecret:   c.JWTSecret,
		JWKSURL:     c.JWKSURL,
		JWTIssuer:   c.JWTIssuer,
		JWTAudience: c.JWTAudience,
		JWTLeeway:   c.JWTLeeway,
	}
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() logging.Logger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.InfoLevel
	}
	return logging.New(nil, logging.Format(c.LogFormat), level)
}
