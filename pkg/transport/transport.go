package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// Transport moves framed protocol messages between peers and the server
// loop. Implementations are independent of the dispatcher.
type Transport interface {
	// Open prepares the transport. For HTTP with an Addr it binds the
	// listener; stdio creates its implicit session.
	Open(ctx context.Context) error

	// Receive blocks until the next inbound message is available.
	//
	// A returned MCPError with the Parse Error or Invalid Request code means
	// one frame was rejected and the transport is still usable; the Exchange
	// then carries whatever could be recovered (possibly a message holding
	// only an id). ErrClosed or io.EOF mean the transport is done.
	Receive(ctx context.Context) (*Exchange, error)

	// Send delivers msg to the peer owning sessionID.
	Send(ctx context.Context, sessionID string, msg *protocol.Message) error

	// Close releases the transport. It is safe to call more than once.
	Close() error

	// Kind reports which transport this is.
	Kind() Kind
}

// Exchange is one inbound message bound to its session.
type Exchange struct {
	Message *protocol.Message
	Session *session.Session

	// Context is scoped to the inbound request: it carries the transport's
	// deadline and is cancelled when the peer goes away.
	Context context.Context
}

// Kind discriminates transport implementations.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
)

func (k Kind) String() string { return string(k) }

// ParseKind accepts the names used in configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStdio, KindHTTP:
		return Kind(s), nil
	}
	return "", errors.New("transport: unknown kind " + s)
}

// Config is the kind-specific configuration of a transport.
type Config interface {
	Kind() Kind
}

// Default limits.
const (
	DefaultMaxMessageSize = 4 << 20
	DefaultBasePath       = "/mcp"
	DefaultHTTPTimeout    = 30 * time.Second
)

// StdioConfig configures the stdio transport. Zero values use the process
// streams.
type StdioConfig struct {
	Reader io.Reader
	Writer io.Writer

	// MaxMessageSize bounds a single line, excluding its newline.
	MaxMessageSize int

	// Sessions owns the implicit session. A private manager without idle
	// expiry is used when nil.
	Sessions *session.Manager

	Logger logging.Logger
}

func (StdioConfig) Kind() Kind { return KindStdio }

// AuthenticatedEvent is passed to HTTPConfig.OnAuthenticated after the
// identity has been attached to the session and before dispatch.
type AuthenticatedEvent struct {
	SessionID  string
	NewSession bool
	Info       *auth.Info
	RemoteAddr string
	UserAgent  string
	Method     string
	At         time.Time
}

// RejectedEvent is passed to HTTPConfig.OnRejected when authentication
// fails. The dispatcher is never reached for such requests.
type RejectedEvent struct {
	SessionID  string
	RemoteAddr string
	Method     string
	Err        error
	At         time.Time
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Addr, when set, makes Open listen and serve on it. Without it the
	// transport is only an http.Handler.
	Addr string

	BasePath string
	Timeout  time.Duration

	// ResponseGrace is how long a POST keeps waiting after Timeout for the
	// dispatcher's own timeout response before answering itself.
	ResponseGrace time.Duration

	MaxMessageSize int64

	Sessions      *session.Manager
	Authenticator auth.Authenticator

	// OnAuthenticated runs synchronously on the request goroutine.
	OnAuthenticated func(AuthenticatedEvent)
	OnRejected      func(RejectedEvent)

	// SecureCookie sets the Secure attribute on the session cookie.
	SecureCookie bool

	Logger logging.Logger
}

func (HTTPConfig) Kind() Kind { return KindHTTP }

// ErrClosed is returned by Receive and Send after Close.
var ErrClosed = errors.New("transport: closed")
