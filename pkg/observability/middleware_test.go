package observability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/server"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
	"github.com/ajitpratap0/mcp-transport-go/pkg/transport"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{ServiceName: "test"})
	require.NoError(t, err)
	return m
}

func newTestTracing(t *testing.T) (*TracingProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewTracingProvider(context.Background(), TracingConfig{
		ServiceName: "test",
		Exporter:    exp,
		NeverSample: []string{protocol.MethodPing},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func dispatchAll(t *testing.T, obs server.Observer, msgs ...*protocol.Message) {
	t.Helper()
	r := server.NewRegistry()
	require.NoError(t, r.RegisterTool(server.Capability{Name: "ok", Handler: func(context.Context, *server.Request) (interface{}, error) {
		return "fine", nil
	}}))
	d := server.NewDispatcher(r.Snapshot(), server.WithObserver(obs))

	sess, err := session.NewManager().Create(context.Background())
	require.NoError(t, err)
	for _, msg := range msgs {
		d.Dispatch(context.Background(), msg, sess)
	}
}

func call(t *testing.T, id int64, method string, params interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewRequest(protocol.IntID(id), method, params)
	require.NoError(t, err)
	return msg
}

func TestDispatchObserver_RecordsMetrics(t *testing.T) {
	m := newTestMetrics(t)
	dispatchAll(t, NewDispatchObserver(m, nil),
		call(t, 1, protocol.MethodCallTool, protocol.CallToolParams{Name: "ok"}),
		call(t, 2, protocol.MethodCallTool, protocol.CallToolParams{Name: "missing"}),
		call(t, 3, "nope", nil),
	)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestTotal.WithLabelValues(protocol.MethodCallTool, "completed", "0")))
	notFound := "-32601"
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestTotal.WithLabelValues(protocol.MethodCallTool, "failed", notFound)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestTotal.WithLabelValues("nope", "failed", notFound)))

	assert.Equal(t, float64(3), testutil.ToFloat64(m.stageTotal.WithLabelValues("received")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.stageTotal.WithLabelValues("method_not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stageTotal.WithLabelValues("routed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.requestDuration))
}

func TestDispatchObserver_RecordsSpans(t *testing.T) {
	tp, exp := newTestTracing(t)
	dispatchAll(t, NewDispatchObserver(nil, tp),
		call(t, 1, protocol.MethodCallTool, protocol.CallToolParams{Name: "ok"}),
		call(t, 2, protocol.MethodCallTool, protocol.CallToolParams{Name: "missing"}),
		call(t, 3, protocol.MethodPing, nil),
	)
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2, "ping is never sampled")

	ok := spans[0]
	assert.Equal(t, "mcp."+protocol.MethodCallTool, ok.Name)
	assert.Equal(t, codes.Ok, ok.Status.Code)
	var stages []string
	for _, ev := range ok.Events {
		for _, attr := range ev.Attributes {
			if attr.Key == "mcp.stage" {
				stages = append(stages, attr.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{"received", "authenticated", "routed", "completed"}, stages)

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status.Code)
	var code int64
	for _, attr := range failed.Attributes {
		if attr.Key == "rpc.jsonrpc.error_code" {
			code = attr.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(mcperrors.CodeMethodNotFound), code)
}

func TestSessionHooks(t *testing.T) {
	m := newTestMetrics(t)
	onCreate, onClose := SessionHooks(m)
	manager := session.NewManager(session.WithHooks(onCreate, onClose))
	ctx := context.Background()

	a, err := manager.Create(ctx)
	require.NoError(t, err)
	_, err = manager.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsActive))

	require.NoError(t, manager.Close(ctx, a.ID()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsClosedTotal.WithLabelValues(string(session.ReasonClosed))))
}

func TestRejectionHook(t *testing.T) {
	m := newTestMetrics(t)
	var logs bytes.Buffer
	hook := RejectionHook(m, logging.New(&logs, logging.FormatJSON, logging.InfoLevel))

	hook(transport.RejectedEvent{Method: "POST", RemoteAddr: "10.0.0.1:1234", Err: auth.ErrInvalidCredentials, At: time.Now()})

	code := "-32102"
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestTotal.WithLabelValues("POST", "failed", code)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stageTotal.WithLabelValues("rejected")))
	assert.Contains(t, logs.String(), "authentication rejected")
}

func TestAuditHook(t *testing.T) {
	var logs bytes.Buffer
	hook := AuditHook(logging.New(&logs, logging.FormatText, logging.InfoLevel))
	hook(transport.AuthenticatedEvent{SessionID: "s1", NewSession: true, Info: auth.NewInfo("alice", "apikey", nil, time.Now())})

	assert.Contains(t, logs.String(), "principal=alice")
	assert.Contains(t, logs.String(), "session_id=s1")
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordFrame("stdio", "in")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `mcp_transport_frames_total{direction="in",service="test",transport="stdio"} 1`), string(body))
}
