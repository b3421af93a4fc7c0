package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

const (
	// SessionHeader carries the session id in both directions.
	SessionHeader = "Mcp-Session-Id"
	// SessionCookie is accepted as an alternative to SessionHeader.
	SessionCookie = "mcp_session_id"

	defaultResponseGrace = 250 * time.Millisecond
	incomingQueueSize    = 64
	shutdownTimeout      = 5 * time.Second
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// HTTPTransport serves the JSON-RPC endpoint and the per-session event
// stream. It is an http.Handler; with HTTPConfig.Addr set, Open also runs a
// server for it.
//
// Each POST is handled on its own goroutine. A request waits for the response
// the server loop hands back through Send, bounded by HTTPConfig.Timeout.
type HTTPTransport struct {
	cfg      HTTPConfig
	sessions *session.Manager
	logger   logging.Logger

	incoming chan *Exchange

	mu      sync.Mutex
	pending map[string]chan *protocol.Message

	opened    atomic.Bool
	server    *http.Server
	addr      net.Addr
	closed    chan struct{}
	closeOnce sync.Once
}

// NewHTTPTransport validates cfg the same way NewTransport does and returns
// the concrete transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	cfg, err := normalizeHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newHTTPTransport(cfg), nil
}

func newHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPTransport{
		cfg:      cfg,
		sessions: cfg.Sessions,
		logger:   logger.WithFields(logging.String("component", "http_transport")),
		incoming: make(chan *Exchange, incomingQueueSize),
		pending:  make(map[string]chan *protocol.Message),
		closed:   make(chan struct{}),
	}
}

func (t *HTTPTransport) Kind() Kind { return KindHTTP }

// BasePath returns the path the endpoint is mounted at.
func (t *HTTPTransport) BasePath() string { return t.cfg.BasePath }

// Addr returns the bound listener address once Open has run with an Addr.
func (t *HTTPTransport) Addr() net.Addr { return t.addr }

// Open starts serving on cfg.Addr when one is configured. The listener is
// bound before Open returns so address errors surface here.
func (t *HTTPTransport) Open(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if !t.opened.CompareAndSwap(false, true) {
		return mcperrors.TransportRunning(KindHTTP.String())
	}
	if t.cfg.Addr == "" {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return mcperrors.TransportError(KindHTTP.String(), "listen", err)
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.BasePath, logging.HTTPMiddleware(t.logger)(t))

	t.addr = ln.Addr()
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.WithError(err).Error("http server stopped")
		}
	}()
	t.logger.Info("http transport listening",
		logging.String("addr", t.addr.String()),
		logging.String("base_path", t.cfg.BasePath),
	)
	return nil
}

// Receive returns the next accepted message from any session.
func (t *HTTPTransport) Receive(ctx context.Context) (*Exchange, error) {
	select {
	case ex := <-t.incoming:
		return ex, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

// Send hands a response to the POST waiting for it, exactly once. A response
// nobody waits for any more (the request timed out or the client left) is
// dropped. Every other message is queued on the session's event stream.
func (t *HTTPTransport) Send(ctx context.Context, sessionID string, msg *protocol.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	if msg.IsResponse() {
		if msg.ID.IsNil() {
			t.logger.Debug("dropping response without id", logging.String("session_id", sessionID))
			return nil
		}
		key := pendingKey(sessionID, msg.ID)
		t.mu.Lock()
		ch, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("dropping late response",
				logging.String("session_id", sessionID),
				logging.String("id", msg.ID.String()),
			)
			return nil
		}
		ch <- msg
		return nil
	}

	sess, err := t.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Publish(msg) {
		return mcperrors.SessionNotFound(sessionID)
	}
	return nil
}

// Close stops accepting messages, releases waiting requests and event
// streams, and shuts the server down if Open started one.
func (t *HTTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = t.server.Shutdown(ctx)
		}
	})
	return err
}

func (t *HTTPTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// ServeHTTP implements http.Handler.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.isClosed() {
		t.writeError(w, http.StatusServiceUnavailable, nil, mcperrors.TransportClosed(KindHTTP.String()))
		return
	}
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		t.writeError(w, http.StatusMethodNotAllowed, nil, mcperrors.InvalidRequest("method "+r.Method+" not allowed"))
	}
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		t.writeError(w, http.StatusUnsupportedMediaType, nil, mcperrors.InvalidRequest("content-type must be application/json"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxMessageSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			t.writeError(w, http.StatusRequestEntityTooLarge, nil, mcperrors.MessageTooLarge(int(maxErr.Limit)+1, int(maxErr.Limit)))
			return
		}
		t.writeError(w, http.StatusBadRequest, nil, mcperrors.ParseError("failed to read body"))
		return
	}

	// An existing session must be live before anything else happens.
	var sess *session.Session
	if id := sessionIDFrom(r); id != "" {
		if sess, err = t.sessions.Get(ctx, id); err != nil {
			t.writeSessionError(w, err)
			return
		}
		// Held from acceptance so a sweep cannot reap the session mid-request.
		sess.StartRequest()
		defer sess.EndRequest()
	}

	info, ok := t.authenticate(w, r, sess)
	if !ok {
		return
	}

	msg, rpcErr := protocol.Decode(body)
	if rpcErr != nil {
		var id *protocol.RequestID
		if msg != nil {
			id = msg.ID
		}
		if sess != nil {
			t.setSessionID(w, sess.ID())
		}
		t.writeError(w, http.StatusBadRequest, id, mcperrors.FromJSONRPCError(rpcErr))
		return
	}

	isNew := sess == nil
	if isNew {
		if sess, err = t.sessions.Create(ctx); err != nil {
			t.writeError(w, http.StatusInternalServerError, msg.ID, err)
			return
		}
		sess.StartRequest()
		defer sess.EndRequest()
	}
	if err := t.bindIdentity(r, sess, info, isNew); err != nil {
		t.writeSessionError(w, err)
		return
	}
	if err := t.sessions.Activate(ctx, sess.ID()); err != nil {
		t.writeSessionError(w, err)
		return
	}
	t.setSessionID(w, sess.ID())

	if !msg.IsRequest() {
		// Notifications and client responses outlive this HTTP request.
		ex := &Exchange{Message: msg, Session: sess, Context: context.WithoutCancel(ctx)}
		if err := t.enqueue(ctx, ex); err != nil {
			t.writeError(w, http.StatusServiceUnavailable, nil, mcperrors.TransportClosed(KindHTTP.String()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	t.handleRequest(w, r, sess, msg)
}

// handleRequest waits for the response to msg. The caller holds the
// session's in-flight counter for the whole wait.
func (t *HTTPTransport) handleRequest(w http.ResponseWriter, r *http.Request, sess *session.Session, msg *protocol.Message) {
	key := pendingKey(sess.ID(), msg.ID)
	ch := make(chan *protocol.Message, 1)

	t.mu.Lock()
	if _, dup := t.pending[key]; dup {
		t.mu.Unlock()
		t.writeError(w, http.StatusConflict, msg.ID, mcperrors.InvalidRequest("request id already in flight"))
		return
	}
	t.pending[key] = ch
	t.mu.Unlock()
	defer t.forget(key, ch)

	ctx, cancel := context.WithTimeout(r.Context(), t.cfg.Timeout)
	defer cancel()

	if err := t.enqueue(ctx, &Exchange{Message: msg, Session: sess, Context: ctx}); err != nil {
		t.finishWithoutResponse(w, r, msg, err)
		return
	}

	select {
	case resp := <-ch:
		t.writeJSON(w, http.StatusOK, resp)
	case <-ctx.Done():
		if r.Context().Err() != nil {
			t.logger.Debug("client went away", logging.String("session_id", sess.ID()), logging.String("id", msg.ID.String()))
			return
		}
		// The dispatcher sees the same deadline and normally answers with its
		// own timeout error; give it a moment before answering here.
		grace := time.NewTimer(t.cfg.ResponseGrace)
		defer grace.Stop()
		select {
		case resp := <-ch:
			t.writeJSON(w, http.StatusOK, resp)
		case <-grace.C:
			t.writeJSON(w, http.StatusOK, mcperrors.ToErrorResponse(msg.ID, mcperrors.OperationTimeout(msg.Method, t.cfg.Timeout)))
		case <-r.Context().Done():
		case <-t.closed:
			t.writeJSON(w, http.StatusServiceUnavailable, mcperrors.ToErrorResponse(msg.ID, mcperrors.TransportClosed(KindHTTP.String())))
		}
	case <-t.closed:
		t.writeJSON(w, http.StatusServiceUnavailable, mcperrors.ToErrorResponse(msg.ID, mcperrors.TransportClosed(KindHTTP.String())))
	}
}

func (t *HTTPTransport) finishWithoutResponse(w http.ResponseWriter, r *http.Request, msg *protocol.Message, err error) {
	switch {
	case errors.Is(err, ErrClosed):
		t.writeJSON(w, http.StatusServiceUnavailable, mcperrors.ToErrorResponse(msg.ID, mcperrors.TransportClosed(KindHTTP.String())))
	case r.Context().Err() != nil:
	default:
		t.writeJSON(w, http.StatusOK, mcperrors.ToErrorResponse(msg.ID, mcperrors.OperationTimeout(msg.Method, t.cfg.Timeout)))
	}
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := sessionIDFrom(r)
	if id == "" {
		t.writeError(w, http.StatusBadRequest, nil, mcperrors.InvalidRequest("missing session id"))
		return
	}
	sess, err := t.sessions.Get(ctx, id)
	if err != nil {
		t.writeSessionError(w, err)
		return
	}
	if _, ok := t.authenticate(w, r, sess); !ok {
		return
	}
	if err := t.sessions.Close(ctx, id); err != nil {
		t.writeSessionError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     t.cfg.BasePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// authenticate runs the configured Authenticator. On failure it writes the
// 401 response and reports false.
func (t *HTTPTransport) authenticate(w http.ResponseWriter, r *http.Request, sess *session.Session) (*auth.Info, bool) {
	if t.cfg.Authenticator == nil {
		return nil, true
	}
	info, err := t.cfg.Authenticator.Authenticate(r.Context(), auth.CredentialsFromRequest(r))
	if err != nil {
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID()
		}
		t.logger.Info("authentication rejected",
			logging.String("session_id", sessionID),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if t.cfg.OnRejected != nil {
			t.cfg.OnRejected(RejectedEvent{
				SessionID:  sessionID,
				RemoteAddr: r.RemoteAddr,
				Method:     r.Method,
				Err:        err,
				At:         time.Now(),
			})
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
		authErr := auth.ToMCPError(err)
		t.writeError(w, mcperrors.HTTPStatus(authErr), nil, authErr)
		return nil, false
	}
	return info, true
}

// bindIdentity attaches info to the session and runs the OnAuthenticated
// hook. Nothing happens without an identity.
func (t *HTTPTransport) bindIdentity(r *http.Request, sess *session.Session, info *auth.Info, isNew bool) error {
	if info == nil {
		return nil
	}
	if err := t.sessions.Attach(r.Context(), sess.ID(), info); err != nil {
		return err
	}
	if t.cfg.OnAuthenticated != nil {
		t.cfg.OnAuthenticated(AuthenticatedEvent{
			SessionID:  sess.ID(),
			NewSession: isNew,
			Info:       info,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
			Method:     r.Method,
			At:         time.Now(),
		})
	}
	return nil
}

func (t *HTTPTransport) enqueue(ctx context.Context, ex *Exchange) error {
	select {
	case t.incoming <- ex:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

func (t *HTTPTransport) forget(key string, ch chan *protocol.Message) {
	t.mu.Lock()
	if cur, ok := t.pending[key]; ok && cur == ch {
		delete(t.pending, key)
	}
	t.mu.Unlock()
}

func (t *HTTPTransport) setSessionID(w http.ResponseWriter, id string) {
	w.Header().Set(SessionHeader, id)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     t.cfg.BasePath,
		HttpOnly: true,
		Secure:   t.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (t *HTTPTransport) writeSessionError(w http.ResponseWriter, err error) {
	t.writeError(w, mcperrors.HTTPStatus(err), nil, err)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, status int, id *protocol.RequestID, err error) {
	t.writeJSON(w, status, mcperrors.ToErrorResponse(id, err))
}

func (t *HTTPTransport) writeJSON(w http.ResponseWriter, status int, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.logger.WithError(err).Error("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		t.logger.WithError(err).Debug("failed to write response")
	}
}

func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func pendingKey(sessionID string, id *protocol.RequestID) string {
	return sessionID + "|" + id.Key()
}
