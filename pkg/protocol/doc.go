// Package protocol defines the JSON-RPC 2.0 envelope and the MCP payloads
// exchanged by the transport layer.
//
// # Package Organization
//
//   - jsonrpc.go: the Message envelope, constructors, classification and Decode
//   - requestid.go: RequestID, which preserves string/number ids
//   - mcp.go: method names, capability groups and request/result payloads
//
// # Message Flow
//
// A transport frames raw bytes and calls Decode. Decode distinguishes two
// failure modes: input that is not JSON at all (ParseError) and JSON that is
// not a valid envelope (InvalidRequest). Both are answered with an error
// response; when no id can be recovered the response carries "id": null.
//
// Responses always serialize "id", and success responses always serialize
// "result", even when the handler returned nothing:
//
//	{"jsonrpc":"2.0","id":1,"result":null}
package protocol
