package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
)

type fakeRecorder struct {
	mu     sync.Mutex
	frames map[string]int
	errors map[int]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{frames: map[string]int{}, errors: map[int]int{}}
}

func (r *fakeRecorder) RecordFrame(transport, direction string) {
	r.mu.Lock()
	r.frames[transport+"/"+direction]++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordFrameError(_ string, code int) {
	r.mu.Lock()
	r.errors[code]++
	r.mu.Unlock()
}

func TestObservabilityMiddleware_CountsFrames(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" + "garbage\n"
	rec := newFakeRecorder()
	var logs bytes.Buffer

	tr, err := NewTransport(Descriptor{
		Kind:       KindStdio,
		Config:     StdioConfig{Reader: strings.NewReader(input), Writer: io.Discard},
		Middleware: []Middleware{NewObservabilityMiddleware(rec, logging.New(&logs, logging.FormatText, logging.DebugLevel))},
	})
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	ctx := context.Background()
	ex, err := tr.Receive(ctx)
	require.NoError(t, err)

	resp, err := protocol.NewResponse(ex.Message.ID, "pong")
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, ex.Session.ID(), resp))

	_, err = tr.Receive(ctx)
	require.Error(t, err)

	_, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.frames["stdio/in"])
	assert.Equal(t, 1, rec.frames["stdio/out"])
	assert.Equal(t, map[int]int{mcperrors.CodeParseError: 1}, rec.errors, "EOF is not a frame error")
	assert.Contains(t, logs.String(), "frame rejected")
}
