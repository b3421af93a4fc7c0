// Package transport moves JSON-RPC messages between MCP peers and the server
// loop.
//
// # Supported Transport Kinds
//
// StdioTransport:
//   - Newline-delimited JSON over standard input/output
//   - One peer, one implicit Active session, no authentication
//   - Frames are bounded by MaxMessageSize; an oversized or malformed line is
//     reported as a Parse Error and reading continues with the next line
//
// HTTPTransport:
//   - POST carries one message per request; the session id travels in the
//     Mcp-Session-Id header or the mcp_session_id cookie
//   - GET with Accept: text/event-stream opens the session's server-push
//     stream (Server-Sent Events)
//   - DELETE closes the session
//   - The configured auth.Authenticator runs before anything is dispatched
//
// # Creating Transports
//
// Transports are built from a Descriptor. The configuration variant must
// match the kind:
//
//	t, err := transport.NewTransport(transport.Descriptor{
//		Kind: transport.KindHTTP,
//		Config: transport.HTTPConfig{
//			Addr:     ":8080",
//			Timeout:  30 * time.Second,
//			Sessions: session.NewManager(),
//		},
//		Middleware: []transport.Middleware{
//			transport.NewObservabilityMiddleware(metrics, logger),
//		},
//	})
//
// # Middleware System
//
// Middleware wraps a Transport and delegates to it; the first middleware in a
// chain is the outermost. ObservabilityMiddleware counts and logs frames.
package transport
