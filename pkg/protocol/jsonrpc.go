package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// Error codes reserved by JSON-RPC 2.0. The full taxonomy,
// including the protocol-specific codes, lives in pkg/errors.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope. A request carries ID and Method, a
// notification carries Method only, and a response carries ID and exactly one
// of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so a decoded error object can be
// returned directly to callers.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id *RequestID, method string, params interface{}) (*Message, error) {
	if id == nil {
		return nil, fmt.Errorf("request id is required")
	}
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Message, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewResponse creates a new JSON-RPC 2.0 success response
func NewResponse(id *RequestID, result interface{}) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response. A nil id is
// encoded as null, as required for errors on unparseable input.
func NewErrorResponse(id *RequestID, e *Error) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   e,
	}
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && !m.ID.IsNil()
}

// IsNotification reports whether the message is a one-way notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID.IsNil()
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Validate checks the envelope invariants and returns a *Error carrying the
// InvalidRequest code when they do not hold.
func (m *Message) Validate() *Error {
	if m.JSONRPC != JSONRPCVersion {
		return &Error{Code: InvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", m.JSONRPC)}
	}
	if m.Method != "" {
		if m.Result != nil || m.Error != nil {
			return &Error{Code: InvalidRequest, Message: "request must not carry result or error"}
		}
		return nil
	}
	switch {
	case m.Result != nil && m.Error != nil:
		return &Error{Code: InvalidRequest, Message: "response must carry exactly one of result or error"}
	case m.Result == nil && m.Error == nil:
		return &Error{Code: InvalidRequest, Message: "message is neither a request nor a response"}
	}
	return nil
}

// MarshalJSON always emits "id" on responses (null when unknown) and always
// emits "result" on success responses, as JSON-RPC 2.0 requires.
func (m *Message) MarshalJSON() ([]byte, error) {
	type envelope Message
	if !m.IsResponse() {
		return json.Marshal((*envelope)(m))
	}

	var out struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
	out.JSONRPC = m.JSONRPC
	out.ID = json.RawMessage("null")
	if !m.ID.IsNil() {
		idJSON, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		out.ID = idJSON
	}
	out.Error = m.Error
	if m.Error == nil {
		out.Result = m.Result
	}
	return json.Marshal(out)
}

// Decode parses a single framed message. Non-JSON input yields a ParseError,
// a well-formed document that is not a valid envelope yields InvalidRequest.
// The returned message is non-nil whenever an id could be recovered so the
// caller can correlate the error response.
func Decode(data []byte) (*Message, *Error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &Error{Code: ParseError, Message: "empty message"}
	}
	if !json.Valid(data) {
		return nil, &Error{Code: ParseError, Message: "invalid JSON"}
	}
	if data[0] != '{' {
		return nil, &Error{Code: InvalidRequest, Message: "message must be a JSON object"}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// Valid JSON that does not fit the envelope, e.g. an object id.
		partial := recoverID(data)
		return partial, &Error{Code: InvalidRequest, Message: fmt.Sprintf("invalid envelope: %v", err)}
	}
	if verr := msg.Validate(); verr != nil {
		return &msg, verr
	}
	if msg.Method != "" && msg.ID.IsNil() && hasNullID(data) {
		// A null id is neither a request id nor a notification.
		return nil, &Error{Code: InvalidRequest, Message: "request id must not be null"}
	}
	return &msg, nil
}

// hasNullID reports whether data carries an explicit "id": null.
func hasNullID(data []byte) bool {
	var fields struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	return bytes.Equal(fields.ID, []byte("null"))
}

func recoverID(data []byte) *Message {
	var head struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.ID.IsNil() {
		return nil
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: head.ID}
}
