package errors

import (
	"context"
	stderrors "errors"

	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
)

// ToJSONRPCError converts any error to the JSON-RPC error object sent to the
// peer. MCPErrors keep their code, message and data. Anything else becomes an
// Internal error without the original text.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	var rpcErr *protocol.Error
	if stderrors.As(err, &rpcErr) {
		return rpcErr
	}

	mcpErr := FromError(err)
	return &protocol.Error{
		Code:    mcpErr.Code(),
		Message: mcpErr.Message(),
		Data:    mcpErr.Data(),
	}
}

// FromJSONRPCError converts an error object received from a peer.
// ToJSONRPCError(FromJSONRPCError(e)) reproduces e.
func FromJSONRPCError(rpcErr *protocol.Error) MCPError {
	if rpcErr == nil {
		return nil
	}
	e := New(rpcErr.Code, rpcErr.Message)
	if rpcErr.Data != nil {
		e = e.WithData(rpcErr.Data)
	}
	return e
}

// ToErrorResponse builds the error response for a request id. A nil id yields
// "id": null.
func ToErrorResponse(id *protocol.RequestID, err error) *protocol.Message {
	return protocol.NewErrorResponse(id, ToJSONRPCError(err))
}

// FromError maps any error onto the taxonomy. Context errors become timeout
// and cancellation; everything else unknown is internal.
func FromError(err error) MCPError {
	if err == nil {
		return nil
	}
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, CodeOperationTimeout, "Operation timed out")
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, CodeOperationCancelled, "Operation cancelled")
	default:
		return InternalError(err)
	}
}
