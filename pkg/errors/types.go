// Package errors provides structured error handling for the MCP transport
// layer. Every failure that can reach a peer is an MCPError carrying a fixed
// JSON-RPC code, a human message and optional structured data, and converts
// losslessly to the JSON-RPC error object.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Category groups codes for logging and metrics.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryNotFound   Category = "not_found"
	CategoryTransport  Category = "transport"
	CategoryInternal   Category = "internal"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryProtocol   Category = "protocol"
)

// Context records where an error occurred. It is never sent to the peer.
type Context struct {
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// MCPError is the error type every layer returns for peer-visible failures.
//
// Only Code, Message and Data cross the wire. Details, Context and the
// wrapped cause are for logs.
type MCPError interface {
	error

	Code() int
	Message() string
	Details() string
	Data() interface{}
	Category() Category
	Retryable() bool
	Context() *Context

	// The With methods return modified copies; an MCPError is immutable.
	WithContext(ctx *Context) MCPError
	WithDetail(detail string) MCPError
	WithData(data interface{}) MCPError

	Unwrap() error
}

type mcpError struct {
	code    int
	message string
	details string
	data    interface{}
	context *Context
	cause   error
}

// New returns an MCPError with the given code and peer-visible message. The
// category and retryability follow from the code.
func New(code int, message string) MCPError {
	return &mcpError{code: code, message: message}
}

// Newf is New with a formatted message.
func Newf(code int, format string, args ...interface{}) MCPError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap returns an MCPError that keeps cause for errors.Is and logging. The
// cause text is never sent to the peer.
func Wrap(cause error, code int, message string) MCPError {
	return &mcpError{code: code, message: message, cause: cause}
}

func (e *mcpError) Error() string {
	if e.details == "" {
		return e.message
	}
	return e.message + ": " + e.details
}

func (e *mcpError) Code() int { return e.code }
func (e *mcpError) Message() string { return e.message }
func (e *mcpError) Details() string { return e.details }
func (e *mcpError) Data() interface{} { return e.data }
func (e *mcpError) Category() Category { return CategoryOf(e.code) }
func (e *mcpError) Context() *Context { return e.context }
func (e *mcpError) Unwrap() error { return e.cause }

func (e *mcpError) Retryable() bool {
	info, ok := codes[e.code]
	return ok && info.Retryable
}

func (e *mcpError) WithContext(ctx *Context) MCPError {
	c := *e
	c.context = ctx
	return &c
}

// WithDetail appends detail, separated by "; " from any existing detail.
func (e *mcpError) WithDetail(detail string) MCPError {
	c := *e
	if c.details == "" {
		c.details = detail
	} else {
		c.details += "; " + detail
	}
	return &c
}

func (e *mcpError) WithData(data interface{}) MCPError {
	c := *e
	c.data = data
	return &c
}

// MarshalJSON renders the full error, cause included, for structured logs.
func (e *mcpError) MarshalJSON() ([]byte, error) {
	type logged struct {
		Code      int         `json:"code"`
		Name      string      `json:"name"`
		Message   string      `json:"message"`
		Category  Category    `json:"category"`
		Retryable bool        `json:"retryable,omitempty"`
		Details   string      `json:"details,omitempty"`
		Data      interface{} `json:"data,omitempty"`
		Context   *Context    `json:"context,omitempty"`
		Cause     string      `json:"cause,omitempty"`
	}
	out := logged{
		Code:      e.code,
		Name:      CodeName(e.code),
		Message:   e.message,
		Category:  e.Category(),
		Retryable: e.Retryable(),
		Details:   e.details,
		Data:      e.data,
		Context:   e.context,
	}
	if e.cause != nil {
		out.Cause = e.cause.Error()
	}
	return json.Marshal(out)
}

// AsMCPError extracts an MCPError anywhere in err's chain.
func AsMCPError(err error) (MCPError, bool) {
	var mcpErr MCPError
	if err != nil && stderrors.As(err, &mcpErr) {
		return mcpErr, true
	}
	return nil, false
}

// IsCode reports whether err carries code.
func IsCode(err error, code int) bool {
	mcpErr, ok := AsMCPError(err)
	return ok && mcpErr.Code() == code
}

// IsCategory reports whether err carries a code of category.
func IsCategory(err error, category Category) bool {
	mcpErr, ok := AsMCPError(err)
	return ok && mcpErr.Category() == category
}

// IsRetryable reports whether a client may resend the request that failed
// with err.
func IsRetryable(err error) bool {
	mcpErr, ok := AsMCPError(err)
	return ok && mcpErr.Retryable()
}
