package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/transport"
)

// DefaultMaxConcurrency bounds concurrent dispatches on HTTP transports.
const DefaultMaxConcurrency = 64

// Server pumps messages between a Transport and a Dispatcher.
type Server struct {
	dispatcher     *Dispatcher
	logger         logging.Logger
	maxConcurrency int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxConcurrency bounds how many requests are dispatched at once on
// transports that deliver requests concurrently.
func WithMaxConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxConcurrency = int64(n)
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(logger logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server around d.
func NewServer(d *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher:     d,
		logger:         logging.NewNop(),
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatcher returns the server's dispatcher.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Serve opens t and runs Receive, Dispatch and Send until the transport is
// closed, its input ends, or ctx is done. Stdio exchanges are handled one at
// a time in arrival order; HTTP exchanges are dispatched concurrently.
// Serve returns nil on orderly shutdown and waits for in-flight dispatches
// before returning.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	if err := t.Open(ctx); err != nil {
		// Closed before it ever opened.
		if done(ctx, err) {
			return nil
		}
		return err
	}

	kind := t.Kind()
	logger := s.logger.WithFields(logging.String("transport", kind.String()))
	logger.Info("serving")

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(s.maxConcurrency)
	defer wg.Wait()

	for {
		ex, err := t.Receive(ctx)
		if err != nil {
			if done(ctx, err) {
				logger.Info("transport finished", logging.ErrorField(err))
				return nil
			}
			if s.replyToFrameError(ctx, t, ex, err, logger) {
				continue
			}
			return err
		}

		if kind != transport.KindHTTP {
			s.handle(ctx, t, ex, logger)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		wg.Add(1)
		go func(ex *transport.Exchange) {
			defer wg.Done()
			defer sem.Release(1)
			s.handle(ctx, t, ex, logger)
		}(ex)
	}
}

func done(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, transport.ErrClosed) || errors.Is(err, io.EOF)
}

// replyToFrameError answers a Parse Error or Invalid Request with an error
// response carrying the recovered id, or null when none could be read.
func (s *Server) replyToFrameError(ctx context.Context, t transport.Transport, ex *transport.Exchange, err error, logger logging.Logger) bool {
	if !mcperrors.IsCode(err, mcperrors.CodeParseError) && !mcperrors.IsCode(err, mcperrors.CodeInvalidRequest) {
		return false
	}

	var id *protocol.RequestID
	sessionID := ""
	if ex != nil {
		if ex.Message != nil {
			id = ex.Message.ID
		}
		if ex.Session != nil {
			sessionID = ex.Session.ID()
		}
	}
	logger.Debug("frame rejected", logging.ErrorField(err))
	if sendErr := t.Send(ctx, sessionID, mcperrors.ToErrorResponse(id, err)); sendErr != nil {
		logger.Warn("failed to send error response", logging.ErrorField(sendErr))
	}
	return true
}

func (s *Server) handle(ctx context.Context, t transport.Transport, ex *transport.Exchange, logger logging.Logger) {
	reqCtx := ex.Context
	if reqCtx == nil {
		reqCtx = ctx
	}

	resp := s.dispatcher.Dispatch(reqCtx, ex.Message, ex.Session)
	if resp == nil {
		return
	}

	sessionID := ""
	if ex.Session != nil {
		sessionID = ex.Session.ID()
	}
	// The request context may already be done; the response still has to go
	// out so the transport can account for it.
	if err := t.Send(context.WithoutCancel(reqCtx), sessionID, resp); err != nil && !errors.Is(err, transport.ErrClosed) {
		logger.Warn("failed to send response",
			logging.String("method", ex.Message.Method),
			logging.ErrorField(err))
	}
}
