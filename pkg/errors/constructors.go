package errors

import "fmt"

// ParseError is returned when a frame is not valid JSON.
func ParseError(detail string) MCPError {
	return New(CodeParseError, "Parse error").WithDetail(detail)
}

// InvalidRequest is returned when a JSON document is not a valid envelope.
func InvalidRequest(detail string) MCPError {
	return New(CodeInvalidRequest, "Invalid Request").WithDetail(detail)
}

// MethodNotFound is returned for a method the server does not implement.
func MethodNotFound(method string) MCPError {
	return Newf(CodeMethodNotFound, "Method not found: %s", method).
		WithData(map[string]interface{}{"method": method})
}

// CapabilityNotFound is MethodNotFound for a named tool, prompt or resource.
func CapabilityNotFound(group, name string) MCPError {
	return Newf(CodeMethodNotFound, "Unknown %s: %s", group, name).
		WithData(map[string]interface{}{"group": group, "name": name})
}

// InvalidParams is returned when arguments fail to decode or validate. The
// reason is sent to the peer as data.
func InvalidParams(reason string) MCPError {
	return New(CodeInvalidParams, "Invalid params").
		WithData(map[string]interface{}{"reason": reason})
}

// InternalError hides cause from the peer and keeps it for logs.
func InternalError(cause error) MCPError {
	return Wrap(cause, CodeInternalError, "Internal error")
}

// Unauthorized is the generic rejection surfaced to the peer.
func Unauthorized(reason string) MCPError {
	return New(CodeUnauthorized, "Unauthorized").WithDetail(reason)
}

func AuthRequired() MCPError {
	return New(CodeAuthRequired, "Authentication required")
}

// InvalidCredentials covers both an unknown principal and a wrong secret.
func InvalidCredentials() MCPError {
	return New(CodeInvalidCredentials, "Invalid credentials")
}

// SessionNotFound is returned for unknown, expired and closed sessions alike
// so a peer cannot tell which ids once existed.
func SessionNotFound(sessionID string) MCPError {
	return New(CodeSessionNotFound, "Session not found").
		WithDetail(fmt.Sprintf("session %q", sessionID))
}

func OperationTimeout(method string, timeout fmt.Stringer) MCPError {
	return Newf(CodeOperationTimeout, "Request timed out: %s", method).
		WithData(map[string]interface{}{"method": method, "timeout": timeout.String()})
}

func OperationCancelled(method string) MCPError {
	return Newf(CodeOperationCancelled, "Request cancelled: %s", method)
}

func transportContext(kind, operation string) *Context {
	return &Context{Component: kind + "_transport", Operation: operation}
}

// TransportError wraps a low-level read or write failure.
func TransportError(kind, operation string, cause error) MCPError {
	return Wrap(cause, CodeTransportError, "Transport error").
		WithContext(transportContext(kind, operation))
}

// TransportClosed is returned by operations on a closed transport.
func TransportClosed(kind string) MCPError {
	return New(CodeTransportClosed, "Transport closed").
		WithContext(transportContext(kind, ""))
}

// TransportRunning is returned when Open is called twice.
func TransportRunning(kind string) MCPError {
	return New(CodeTransportError, "Transport already open").
		WithContext(transportContext(kind, "open"))
}

// MessageTooLarge is reported for a frame exceeding the configured limit.
// The peer sees it as a Parse error.
func MessageTooLarge(size, limit int) MCPError {
	return New(CodeParseError, "Parse error").
		WithDetail(fmt.Sprintf("message of %d bytes exceeds limit of %d", size, limit)).
		WithData(map[string]interface{}{"limit": limit})
}

// ValidationError rejects configuration or input at startup.
func ValidationError(detail string) MCPError {
	return New(CodeValidationError, "Validation error").WithDetail(detail)
}

// ConfigMismatch is returned when a transport descriptor's config variant
// does not match its kind.
func ConfigMismatch(expected, actual string) MCPError {
	return Newf(CodeValidationError, "transport config mismatch: expected %s, got %s", expected, actual).
		WithData(map[string]interface{}{"expected": expected, "actual": actual})
}

// DuplicateCapability is returned when a registry rejects a second
// registration under the same name.
func DuplicateCapability(group, name string) MCPError {
	return Newf(CodeValidationError, "%s %q already registered", group, name).
		WithData(map[string]interface{}{"group": group, "name": name})
}
