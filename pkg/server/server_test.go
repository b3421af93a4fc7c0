package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
	"github.com/ajitpratap0/mcp-transport-go/pkg/transport"
	"github.com/ajitpratap0/mcp-transport-go/pkg/utils"
)

func decodeLines(t *testing.T, out string) []map[string]interface{} {
	t.Helper()
	var msgs []map[string]interface{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), scanner.Text())
		msgs = append(msgs, m)
	}
	return msgs
}

func TestServe_StdioScenario(t *testing.T) {
	leaks := utils.NewLeakChecker(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`,
		`{not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"two","method":"ping"}`,
	}, "\n") + "\n"
	var out bytes.Buffer

	tr, err := transport.NewTransport(transport.Descriptor{
		Kind:   transport.KindStdio,
		Config: transport.StdioConfig{Reader: strings.NewReader(input), Writer: &out},
	})
	require.NoError(t, err)

	srv := NewServer(NewDispatcher(NewRegistry().Snapshot()))
	require.NoError(t, srv.Serve(context.Background(), tr))
	require.NoError(t, tr.Close())

	msgs := decodeLines(t, out.String())
	require.Len(t, msgs, 3, "the notification gets no reply")

	assert.Equal(t, float64(1), msgs[0]["id"])
	errObj := msgs[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(mcperrors.CodeMethodNotFound), errObj["code"])
	assert.NotEmpty(t, errObj["message"])

	id, present := msgs[1]["id"]
	assert.True(t, present)
	assert.Nil(t, id, "unparseable input is answered with id null")
	assert.Equal(t, float64(mcperrors.CodeParseError), msgs[1]["error"].(map[string]interface{})["code"])

	assert.Equal(t, "two", msgs[2]["id"])
	assert.Equal(t, map[string]interface{}{}, msgs[2]["result"])

	leaks.Verify()
}

func TestServe_NullIDRequestIsInvalid(t *testing.T) {
	var calls int
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(Capability{Name: "echo", Handler: func(context.Context, *Request) (interface{}, error) {
		calls++
		return "ok", nil
	}}))

	input := `{"jsonrpc":"2.0","id":null,"method":"tools/call","params":{"name":"echo"}}` + "\n"
	var out bytes.Buffer
	tr := transport.NewStdioTransport(transport.StdioConfig{Reader: strings.NewReader(input), Writer: &out})

	require.NoError(t, NewServer(NewDispatcher(r.Snapshot())).Serve(context.Background(), tr))
	require.NoError(t, tr.Close())

	msgs := decodeLines(t, out.String())
	require.Len(t, msgs, 1)
	id, present := msgs[0]["id"]
	assert.True(t, present)
	assert.Nil(t, id)
	assert.Equal(t, float64(mcperrors.CodeInvalidRequest), msgs[0]["error"].(map[string]interface{})["code"])
	assert.Zero(t, calls)
}

func TestServe_StdioIsSequential(t *testing.T) {
	var mu sync.Mutex
	var order []string
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(Capability{Name: "step", Handler: func(_ context.Context, req *Request) (interface{}, error) {
		if req.ID.String() == "1" {
			time.Sleep(30 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, req.ID.String())
		mu.Unlock()
		return "ok", nil
	}}))

	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"step"}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"step"}}` + "\n"
	var out bytes.Buffer
	tr := transport.NewStdioTransport(transport.StdioConfig{Reader: strings.NewReader(input), Writer: &out})

	require.NoError(t, NewServer(NewDispatcher(r.Snapshot())).Serve(context.Background(), tr))
	assert.Equal(t, []string{"1", "2"}, order)

	msgs := decodeLines(t, out.String())
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(1), msgs[0]["id"])
	assert.Equal(t, float64(2), msgs[1]["id"])
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := transport.NewStdioTransport(transport.StdioConfig{Reader: pr, Writer: io.Discard})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(NewDispatcher(nil)).Serve(ctx, tr) }()

	cancel()
	// Stdio reads block on the pipe; closing the transport releases them.
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_TransportClosedBeforeOpen(t *testing.T) {
	tr := transport.NewStdioTransport(transport.StdioConfig{Reader: strings.NewReader(""), Writer: io.Discard})
	require.NoError(t, tr.Close())

	assert.NoError(t, NewServer(NewDispatcher(nil)).Serve(context.Background(), tr))
}

func TestServe_HTTPConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(Capability{Name: "wait", Handler: func(ctx context.Context, _ *Request) (interface{}, error) {
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}))
	require.NoError(t, r.RegisterTool(Capability{Name: "fast", Handler: constHandler("fast")}))

	sessions := session.NewManager()
	tr, err := transport.NewHTTPTransport(transport.HTTPConfig{Timeout: 5 * time.Second, Sessions: sessions})
	require.NoError(t, err)
	hs := httptest.NewServer(tr)
	defer hs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- NewServer(NewDispatcher(r.Snapshot()), WithMaxConcurrency(4)).Serve(ctx, tr) }()

	post := func(body string) (*http.Response, map[string]interface{}) {
		req, err := http.NewRequest(http.MethodPost, hs.URL+transport.DefaultBasePath, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var m map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
		return resp, m
	}

	slow := make(chan map[string]interface{}, 1)
	go func() {
		_, m := post(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
		slow <- m
	}()

	// A second session completes while the first is still blocked.
	resp, m := post(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fast"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fast", m["result"])
	assert.NotEmpty(t, resp.Header.Get(transport.SessionHeader))

	close(release)
	select {
	case m := <-slow:
		assert.Equal(t, "released", m["result"])
	case <-time.After(3 * time.Second):
		t.Fatal("blocked request never completed")
	}
	assert.Equal(t, 2, sessions.Len())

	cancel()
	require.NoError(t, tr.Close())
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
