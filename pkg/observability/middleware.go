package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/server"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
	"github.com/ajitpratap0/mcp-transport-go/pkg/transport"
)

type spanKey struct{}

// DispatchObserver reports every dispatched request as Prometheus metrics
// and, when tracing is enabled, as one server span per request with an
// event per lifecycle stage. Either side may be nil.
type DispatchObserver struct {
	metrics *Metrics
	tracing *TracingProvider
}

var _ server.Observer = (*DispatchObserver)(nil)

// NewDispatchObserver creates an observer over metrics and tracing.
func NewDispatchObserver(metrics *Metrics, tracing *TracingProvider) *DispatchObserver {
	return &DispatchObserver{metrics: metrics, tracing: tracing}
}

func (o *DispatchObserver) RequestStarted(ctx context.Context, method string) context.Context {
	if o.tracing == nil {
		return ctx
	}
	ctx, span := o.tracing.StartMethodSpan(ctx, method)
	return context.WithValue(ctx, spanKey{}, span)
}

func (o *DispatchObserver) StageReached(ctx context.Context, _ string, stage server.Stage) {
	if o.metrics != nil {
		o.metrics.RecordStage(string(stage))
	}
	if span, ok := ctx.Value(spanKey{}).(trace.Span); ok {
		span.AddEvent("mcp.stage", trace.WithAttributes(attribute.String("mcp.stage", string(stage))))
	}
}

func (o *DispatchObserver) RequestFinished(ctx context.Context, method string, final server.Stage, rpcErr *protocol.Error, elapsed time.Duration) {
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	if o.metrics != nil {
		o.metrics.RecordRequest(method, string(final), code, elapsed)
	}

	span, ok := ctx.Value(spanKey{}).(trace.Span)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("mcp.final_stage", string(final)))
	if rpcErr != nil {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
		span.SetStatus(codes.Error, rpcErr.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SessionHooks returns callbacks for session.WithHooks that keep the live
// session gauge and close counters current.
func SessionHooks(m *Metrics) (func(*session.Session), func(*session.Session, session.CloseReason)) {
	onCreate := func(*session.Session) { m.SessionOpened() }
	onClose := func(_ *session.Session, reason session.CloseReason) { m.SessionClosed(string(reason)) }
	return onCreate, onClose
}

// RejectionHook returns an HTTPConfig.OnRejected callback. Requests refused
// by authentication never reach the dispatcher, so they are counted here as
// rejected and failed.
func RejectionHook(m *Metrics, logger logging.Logger) func(transport.RejectedEvent) {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(ev transport.RejectedEvent) {
		code := mcperrors.CodeUnauthorized
		if mcpErr := auth.ToMCPError(ev.Err); mcpErr != nil {
			code = mcpErr.Code()
		}
		if m != nil {
			m.RecordStage(string(server.StageRejected))
			m.RecordRequest(ev.Method, string(server.StageFailed), code, 0)
		}
		logger.Warn("authentication rejected",
			logging.String("session_id", ev.SessionID),
			logging.String("remote_addr", ev.RemoteAddr),
			logging.Int("code", code))
	}
}

// AuditHook returns an HTTPConfig.OnAuthenticated callback that logs who
// authenticated on which session.
func AuditHook(logger logging.Logger) func(transport.AuthenticatedEvent) {
	return func(ev transport.AuthenticatedEvent) {
		principal := ""
		if ev.Info != nil {
			principal = ev.Info.Principal
		}
		logger.Info("session authenticated",
			logging.String("session_id", ev.SessionID),
			logging.Bool("new_session", ev.NewSession),
			logging.String("principal", principal),
			logging.String("remote_addr", ev.RemoteAddr),
			logging.String("user_agent", ev.UserAgent))
	}
}
