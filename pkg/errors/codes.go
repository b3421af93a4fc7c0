package errors

import "net/http"

// JSON-RPC 2.0 reserved codes.
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	// CodeMethodNotFound also covers an unregistered tool, prompt or resource.
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	// CodeInternalError covers handler failures; the cause stays server side.
	CodeInternalError int = -32603
)

// Server codes. Each block of one hundred belongs to one category.
const (
	CodeUnauthorized       int = -32100
	CodeAuthRequired       int = -32101
	CodeInvalidCredentials int = -32102

	// CodeSessionNotFound is used for unknown, expired and closed sessions.
	CodeSessionNotFound int = -32200

	CodeOperationCancelled int = -32300
	CodeOperationTimeout   int = -32301

	CodeTransportError  int = -32500
	CodeTransportClosed int = -32502

	// CodeValidationError rejects configuration and registrations. It is
	// raised at startup and never reaches a peer in normal operation.
	CodeValidationError int = -32750
)

// CodeInfo describes how a code is classified and surfaced.
type CodeInfo struct {
	Name     string
	Category Category
	// Retryable reports whether a client may resend the same request, possibly
	// after re-initializing its session.
	Retryable bool
	// HTTPStatus is the status the HTTP transport uses when the error is
	// produced before a request reaches the dispatcher.
	HTTPStatus int
}

var codes = map[int]CodeInfo{
	CodeParseError:     {"ParseError", CategoryProtocol, false, http.StatusBadRequest},
	CodeInvalidRequest: {"InvalidRequest", CategoryProtocol, false, http.StatusBadRequest},
	CodeMethodNotFound: {"MethodNotFound", CategoryProtocol, false, http.StatusOK},
	CodeInvalidParams:  {"InvalidParams", CategoryValidation, false, http.StatusOK},
	CodeInternalError:  {"InternalError", CategoryInternal, false, http.StatusInternalServerError},

	CodeUnauthorized:       {"Unauthorized", CategoryAuth, false, http.StatusUnauthorized},
	CodeAuthRequired:       {"AuthRequired", CategoryAuth, false, http.StatusUnauthorized},
	CodeInvalidCredentials: {"InvalidCredentials", CategoryAuth, false, http.StatusUnauthorized},

	CodeSessionNotFound: {"SessionNotFound", CategoryNotFound, true, http.StatusNotFound},

	CodeOperationCancelled: {"OperationCancelled", CategoryCancelled, false, http.StatusOK},
	CodeOperationTimeout:   {"OperationTimeout", CategoryTimeout, true, http.StatusOK},

	CodeTransportError:  {"TransportError", CategoryTransport, true, http.StatusInternalServerError},
	CodeTransportClosed: {"TransportClosed", CategoryTransport, true, http.StatusServiceUnavailable},

	CodeValidationError: {"ValidationError", CategoryValidation, false, http.StatusBadRequest},
}

// LookupCode returns the classification of a known code.
func LookupCode(code int) (CodeInfo, bool) {
	info, ok := codes[code]
	return info, ok
}

// CodeName returns the symbolic name of code, or "UnknownError".
func CodeName(code int) string {
	if info, ok := codes[code]; ok {
		return info.Name
	}
	return "UnknownError"
}

// CategoryOf returns the category of code. Unknown codes are internal.
func CategoryOf(code int) Category {
	if info, ok := codes[code]; ok {
		return info.Category
	}
	return CategoryInternal
}

// HTTPStatus maps an error to the status used when it ends an HTTP exchange
// before dispatch. Errors outside the taxonomy map to 500.
func HTTPStatus(err error) int {
	if mcpErr, ok := AsMCPError(err); ok {
		if info, ok := codes[mcpErr.Code()]; ok {
			return info.HTTPStatus
		}
	}
	return http.StatusInternalServerError
}

// IsReservedCode reports whether code lies in the range JSON-RPC reserves
// for implementation-defined server errors and predefined errors.
func IsReservedCode(code int) bool {
	return code >= -32768 && code <= -32000
}
