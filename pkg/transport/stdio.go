package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// StdioTransport exchanges newline-delimited JSON-RPC messages over a pair of
// byte streams, by default the process's standard input and output. There is
// exactly one peer, so every message belongs to one implicit session and no
// authentication takes place.
//
// Receive is not safe for concurrent use; the server loop reads one message,
// dispatches it and answers before reading the next.
type StdioTransport struct {
	input   io.Reader
	reader  *bufio.Reader
	maxSize int

	writeMu sync.Mutex
	writer  *bufio.Writer

	sessions *session.Manager
	sess     *session.Session
	logger   logging.Logger

	buf       []byte
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewStdioTransport creates a stdio transport from cfg.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	if cfg.Reader == nil {
		cfg.Reader = os.Stdin
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(session.WithIdleTimeout(0))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &StdioTransport{
		input:    cfg.Reader,
		reader:   bufio.NewReaderSize(cfg.Reader, 64*1024),
		maxSize:  cfg.MaxMessageSize,
		writer:   bufio.NewWriter(cfg.Writer),
		sessions: cfg.Sessions,
		logger:   cfg.Logger.WithFields(logging.String("component", "stdio_transport")),
	}
}

func (t *StdioTransport) Kind() Kind { return KindStdio }

// Session returns the implicit session once the transport is open.
func (t *StdioTransport) Session() *session.Session { return t.sess }

// Open creates the implicit session and marks it Active.
func (t *StdioTransport) Open(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.sess != nil {
		return mcperrors.TransportRunning(KindStdio.String())
	}
	s, err := t.sessions.Create(ctx)
	if err != nil {
		return err
	}
	if err := t.sessions.Activate(ctx, s.ID()); err != nil {
		return err
	}
	t.sess = s
	t.logger.Debug("stdio transport opened", logging.String("session_id", s.ID()))
	return nil
}

// Receive reads the next frame. Blank lines are skipped. A malformed or
// oversized frame yields a Parse Error and leaves the stream positioned at
// the start of the following line. Reaching the end of input returns io.EOF.
//
// The read itself cannot be interrupted by ctx; closing the input stream is
// the termination signal.
func (t *StdioTransport) Receive(ctx context.Context) (*Exchange, error) {
	if t.sess == nil {
		return nil, mcperrors.TransportError(KindStdio.String(), "receive", errors.New("transport not open"))
	}
	for {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		line, err := t.readFrame()
		if err != nil {
			if t.closed.Load() {
				return nil, ErrClosed
			}
			var tooLarge *frameTooLargeError
			if errors.As(err, &tooLarge) {
				return t.exchange(ctx, nil), mcperrors.MessageTooLarge(tooLarge.size, t.maxSize)
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, mcperrors.TransportError(KindStdio.String(), "read", err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, rpcErr := protocol.Decode(line)
		if rpcErr != nil {
			return t.exchange(ctx, msg), mcperrors.FromJSONRPCError(rpcErr)
		}
		if err := t.sessions.Touch(ctx, t.sess.ID()); err != nil {
			t.logger.WithError(err).Warn("failed to touch stdio session")
		}
		return t.exchange(ctx, msg), nil
	}
}

func (t *StdioTransport) exchange(ctx context.Context, msg *protocol.Message) *Exchange {
	return &Exchange{Message: msg, Session: t.sess, Context: ctx}
}

type frameTooLargeError struct {
	size int
}

func (e *frameTooLargeError) Error() string { return "frame exceeds maximum message size" }

// readFrame returns the next line without its terminator. The returned slice
// is only valid until the next call.
func (t *StdioTransport) readFrame() ([]byte, error) {
	t.buf = t.buf[:0]
	size := 0
	oversized := false

	for {
		chunk, err := t.reader.ReadSlice('\n')
		content := bytes.TrimRight(chunk, "\r\n")
		size += len(content)
		if size > t.maxSize {
			// Keep consuming up to the newline so the next frame starts clean.
			oversized = true
			t.buf = t.buf[:0]
		} else if !oversized {
			t.buf = append(t.buf, chunk...)
		}

		switch {
		case err == nil:
			if oversized {
				return nil, &frameTooLargeError{size: size}
			}
			return bytes.TrimRight(t.buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if oversized {
				return nil, &frameTooLargeError{size: size}
			}
			if len(t.buf) > 0 {
				return bytes.TrimRight(t.buf, "\r\n"), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Send writes msg followed by a newline and flushes. Concurrent calls are
// serialized. The session id is ignored: there is only one peer.
func (t *StdioTransport) Send(_ context.Context, _ string, msg *protocol.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return mcperrors.TransportError(KindStdio.String(), "encode", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return mcperrors.TransportError(KindStdio.String(), "write", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return mcperrors.TransportError(KindStdio.String(), "write", err)
	}
	if err := t.writer.Flush(); err != nil {
		return mcperrors.TransportError(KindStdio.String(), "flush", err)
	}
	return nil
}

// Close closes the implicit session and the input stream when it is an
// io.Closer.
func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.sess != nil {
			if cerr := t.sessions.Close(context.Background(), t.sess.ID()); cerr != nil && !mcperrors.IsCode(cerr, mcperrors.CodeSessionNotFound) {
				t.logger.WithError(cerr).Warn("failed to close stdio session")
			}
		}
		if closer, ok := t.input.(io.Closer); ok && t.input != os.Stdin {
			err = closer.Close()
		}
		t.writeMu.Lock()
		if ferr := t.writer.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		t.writeMu.Unlock()
	})
	return err
}
