package transport

import (
	"context"
	"errors"
	"io"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
)

// Frame directions reported to a FrameRecorder.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// FrameRecorder receives per-frame counts. observability.Metrics implements it.
type FrameRecorder interface {
	RecordFrame(transport, direction string)
	RecordFrameError(transport string, code int)
}

// ObservabilityMiddleware counts and logs every frame crossing a transport.
type ObservabilityMiddleware struct {
	recorder FrameRecorder
	logger   logging.Logger
}

// NewObservabilityMiddleware creates a new observability middleware. Either
// argument may be nil.
func NewObservabilityMiddleware(recorder FrameRecorder, logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ObservabilityMiddleware{recorder: recorder, logger: logger}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &observabilityTransport{
		Wrapped:    Wrapped{transport},
		middleware: om,
		kind:       transport.Kind().String(),
	}
}

// observabilityTransport wraps a transport with observability features
type observabilityTransport struct {
	Wrapped
	middleware *ObservabilityMiddleware
	kind       string
}

// Receive wraps the underlying Receive with frame accounting
func (ot *observabilityTransport) Receive(ctx context.Context) (*Exchange, error) {
	ex, err := ot.Wrapped.Receive(ctx)
	switch {
	case err == nil:
		if ot.middleware.recorder != nil {
			ot.middleware.recorder.RecordFrame(ot.kind, DirectionIn)
		}
		if ex != nil && ex.Message != nil {
			ot.middleware.logger.Debug("frame received",
				logging.String("transport", ot.kind),
				logging.String("method", ex.Message.Method),
				logging.String("id", ex.Message.ID.String()),
			)
		}
	case errors.Is(err, ErrClosed), errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		code := protocol.InternalError
		if mcpErr, ok := mcperrors.AsMCPError(err); ok {
			code = mcpErr.Code()
		}
		if ot.middleware.recorder != nil {
			ot.middleware.recorder.RecordFrameError(ot.kind, code)
		}
		ot.middleware.logger.WithError(err).Warn("frame rejected", logging.String("transport", ot.kind))
	}
	return ex, err
}

// Send wraps the underlying Send with frame accounting
func (ot *observabilityTransport) Send(ctx context.Context, sessionID string, msg *protocol.Message) error {
	err := ot.Wrapped.Send(ctx, sessionID, msg)
	if err != nil {
		ot.middleware.logger.WithError(err).Warn("send failed",
			logging.String("transport", ot.kind),
			logging.String("session_id", sessionID),
		)
		return err
	}
	if ot.middleware.recorder != nil {
		ot.middleware.recorder.RecordFrame(ot.kind, DirectionOut)
	}
	return nil
}
