package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// Stage is a step in the lifecycle of one request.
type Stage string

const (
	StageReceived       Stage = "received"
	StageAuthenticated  Stage = "authenticated"
	StageRejected       Stage = "rejected"
	StageRouted         Stage = "routed"
	StageMethodNotFound Stage = "method_not_found"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// Terminal reports whether no stage follows s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Observer is told about every request the Dispatcher handles. The context
// returned by RequestStarted is passed to the handler and to the later calls,
// so an Observer can carry a span through it.
type Observer interface {
	RequestStarted(ctx context.Context, method string) context.Context
	StageReached(ctx context.Context, method string, stage Stage)
	RequestFinished(ctx context.Context, method string, final Stage, rpcErr *protocol.Error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RequestStarted(ctx context.Context, _ string) context.Context { return ctx }
func (nopObserver) StageReached(context.Context, string, Stage) {}
func (nopObserver) RequestFinished(context.Context, string, Stage, *protocol.Error, time.Duration) {
}

// Dispatcher routes requests to the capabilities of a registry snapshot and
// produces exactly one response per request.
type Dispatcher struct {
	registry       *Snapshot
	observer       Observer
	logger         logging.Logger
	info           protocol.Implementation
	handlerTimeout time.Duration
	requireAuth    bool

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithObserver reports request stages to o.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(logger logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithServerInfo sets the name and version returned by initialize.
func WithServerInfo(name, version string) DispatcherOption {
	return func(d *Dispatcher) {
		d.info = protocol.Implementation{Name: name, Version: version}
	}
}

// WithHandlerTimeout bounds every handler call. Zero leaves only the
// caller's deadline in effect.
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.handlerTimeout = timeout }
}

// WithRequireAuth rejects requests whose session carries no auth.Info.
func WithRequireAuth(required bool) DispatcherOption {
	return func(d *Dispatcher) { d.requireAuth = required }
}

// NewDispatcher creates a dispatcher over a frozen registry.
func NewDispatcher(registry *Snapshot, opts ...DispatcherOption) *Dispatcher {
	if registry == nil {
		registry = NewRegistry().Snapshot()
	}
	d := &Dispatcher{
		registry: registry,
		observer: nopObserver{},
		logger:   logging.NewNop(),
		info:     protocol.Implementation{Name: "mcp-transport-go", Version: "dev"},
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// call is a routed request ready to run.
type call func(ctx context.Context) (interface{}, error)

// Dispatch handles one inbound message. It returns the response for a
// request and nil for notifications and client responses.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *protocol.Message, sess *session.Session) *protocol.Message {
	if msg == nil || msg.IsResponse() {
		return nil
	}
	if msg.IsNotification() {
		d.handleNotification(msg, sess)
		return nil
	}

	start := time.Now()
	method := msg.Method
	ctx = d.observer.RequestStarted(ctx, method)
	d.observer.StageReached(ctx, method, StageReceived)

	fail := func(err error) *protocol.Message {
		rpcErr := mcperrors.ToJSONRPCError(err)
		d.observer.StageReached(ctx, method, StageFailed)
		d.observer.RequestFinished(ctx, method, StageFailed, rpcErr, time.Since(start))
		d.logFailure(method, msg.ID, err)
		return protocol.NewErrorResponse(msg.ID, rpcErr)
	}

	if d.requireAuth && (sess == nil || sess.AuthInfo() == nil) {
		d.observer.StageReached(ctx, method, StageRejected)
		return fail(mcperrors.Unauthorized("session is not authenticated"))
	}
	d.observer.StageReached(ctx, method, StageAuthenticated)

	run, err := d.route(msg, sess)
	if err != nil {
		switch {
		case mcperrors.IsCode(err, mcperrors.CodeMethodNotFound):
			d.observer.StageReached(ctx, method, StageMethodNotFound)
		case mcperrors.IsCode(err, mcperrors.CodeUnauthorized):
			d.observer.StageReached(ctx, method, StageRejected)
		}
		return fail(err)
	}
	d.observer.StageReached(ctx, method, StageRouted)

	result, err := d.invoke(ctx, msg, sess, run)
	if err != nil {
		return fail(err)
	}

	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return fail(mcperrors.InternalError(fmt.Errorf("marshal result: %w", err)))
	}
	d.observer.StageReached(ctx, method, StageCompleted)
	d.observer.RequestFinished(ctx, method, StageCompleted, nil, time.Since(start))
	return resp
}

func (d *Dispatcher) logFailure(method string, id *protocol.RequestID, err error) {
	fields := []logging.Field{
		logging.String("method", method),
		logging.String("id", id.String()),
		logging.ErrorField(err),
	}
	if mcperrors.IsCode(err, mcperrors.CodeInternalError) {
		d.logger.Error("request failed", fields...)
		return
	}
	d.logger.Debug("request failed", fields...)
}

func (d *Dispatcher) route(msg *protocol.Message, sess *session.Session) (call, error) {
	switch msg.Method {
	case protocol.MethodInitialize:
		return func(context.Context) (interface{}, error) {
			return protocol.InitializeResult{
				ProtocolVersion: protocol.ProtocolRevision,
				Capabilities:    d.registry.Capabilities(),
				ServerInfo:      d.info,
			}, nil
		}, nil
	case protocol.MethodPing:
		return func(context.Context) (interface{}, error) { return struct{}{}, nil }, nil
	case protocol.MethodListTools:
		return func(context.Context) (interface{}, error) {
			return protocol.ListToolsResult{Tools: nonNil(d.registry.Tools())}, nil
		}, nil
	case protocol.MethodListPrompts:
		return func(context.Context) (interface{}, error) {
			return protocol.ListPromptsResult{Prompts: nonNil(d.registry.Prompts())}, nil
		}, nil
	case protocol.MethodListResources:
		return func(context.Context) (interface{}, error) {
			return protocol.ListResourcesResult{Resources: nonNil(d.registry.Resources())}, nil
		}, nil
	case protocol.MethodCallTool:
		var p protocol.CallToolParams
		if err := decodeParams(msg.Params, &p); err != nil {
			return nil, err
		}
		return d.capability(protocol.GroupTools, p.Name, "name", p.Arguments, msg, sess)
	case protocol.MethodGetPrompt:
		var p protocol.GetPromptParams
		if err := decodeParams(msg.Params, &p); err != nil {
			return nil, err
		}
		return d.capability(protocol.GroupPrompts, p.Name, "name", p.Arguments, msg, sess)
	case protocol.MethodReadResource:
		var p protocol.ReadResourceParams
		if err := decodeParams(msg.Params, &p); err != nil {
			return nil, err
		}
		return d.capability(protocol.GroupResources, p.URI, "uri", nil, msg, sess)
	}
	return nil, mcperrors.MethodNotFound(msg.Method)
}

func (d *Dispatcher) capability(group, name, field string, args json.RawMessage, msg *protocol.Message, sess *session.Session) (call, error) {
	if name == "" {
		return nil, mcperrors.InvalidParams(fmt.Sprintf("params.%s is required", field))
	}
	e, ok := d.registry.lookup(group, name)
	if !ok {
		return nil, mcperrors.CapabilityNotFound(group, name)
	}
	if len(e.RequiredScopes) > 0 {
		var info *auth.Info
		if sess != nil {
			info = sess.AuthInfo()
		}
		if !info.CanAccess(e.RequiredScopes) {
			return nil, mcperrors.Unauthorized(fmt.Sprintf("%s %q requires one of %v", group, name, e.RequiredScopes))
		}
	}
	if err := validateArguments(e.schema, args); err != nil {
		return nil, err
	}

	req := &Request{
		Session:   sess,
		Method:    msg.Method,
		ID:        msg.ID,
		Name:      name,
		Arguments: args,
	}
	return func(ctx context.Context) (interface{}, error) {
		return e.Handler(ctx, req)
	}, nil
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return mcperrors.InvalidParams(err.Error())
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type outcome struct {
	result interface{}
	err    error
}

// invoke runs the routed call on its own goroutine so a handler that ignores
// its context cannot hold the response past the deadline.
func (d *Dispatcher) invoke(ctx context.Context, msg *protocol.Message, sess *session.Session, run call) (interface{}, error) {
	var cancel context.CancelFunc
	if d.handlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	key := requestKey(sess, msg.ID)
	d.track(key, cancel)
	defer d.untrack(key)

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("handler panic",
					logging.String("method", msg.Method),
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())))
				done <- outcome{err: mcperrors.InternalError(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		result, err := run(ctx)
		done <- outcome{result: result, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = outcome{err: ctx.Err()}
	}
	if o.err != nil {
		return nil, d.mapError(ctx, msg.Method, started, o.err)
	}
	return o.result, nil
}

func (d *Dispatcher) mapError(ctx context.Context, method string, started time.Time, err error) error {
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		return mcpErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		timeout := d.handlerTimeout
		if dl, ok := ctx.Deadline(); ok {
			timeout = dl.Sub(started).Round(time.Millisecond)
		}
		return mcperrors.OperationTimeout(method, timeout)
	case errors.Is(err, context.Canceled):
		return mcperrors.OperationCancelled(method)
	}
	return mcperrors.InternalError(err)
}

func requestKey(sess *session.Session, id *protocol.RequestID) string {
	sid := ""
	if sess != nil {
		sid = sess.ID()
	}
	return sid + "|" + id.Key()
}

func (d *Dispatcher) track(key string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.active[key] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(key string) {
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

// InFlight returns the number of handlers currently running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) handleNotification(msg *protocol.Message, sess *session.Session) {
	switch msg.Method {
	case protocol.NotificationCancelled:
		var p protocol.CancelledParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.RequestID == nil {
			d.logger.Debug("ignoring malformed cancellation", logging.ErrorField(err))
			return
		}
		d.mu.Lock()
		cancel, ok := d.active[requestKey(sess, p.RequestID)]
		d.mu.Unlock()
		if ok {
			cancel()
			d.logger.Debug("request cancelled by client",
				logging.String("id", p.RequestID.String()),
				logging.String("reason", p.Reason))
		}
	case protocol.NotificationInitialized:
	default:
		d.logger.Debug("ignoring notification", logging.String("method", msg.Method))
	}
}
