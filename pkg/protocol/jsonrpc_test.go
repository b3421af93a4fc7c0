package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Request(t *testing.T) {
	msg, perr := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`))
	require.Nil(t, perr)
	require.NotNil(t, msg)

	assert.True(t, msg.IsRequest())
	assert.False(t, msg.IsNotification())
	assert.False(t, msg.IsResponse())
	assert.Equal(t, "tools/call", msg.Method)
	assert.Equal(t, int64(1), msg.ID.Value())
	assert.JSONEq(t, `{"name":"echo"}`, string(msg.Params))
}

func TestDecode_Notification(t *testing.T) {
	msg, perr := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.Nil(t, perr)
	assert.True(t, msg.IsNotification())
	assert.False(t, msg.IsRequest())
}

func TestDecode_NullIDResponseAccepted(t *testing.T) {
	msg, perr := Decode([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`))
	require.Nil(t, perr)
	assert.True(t, msg.IsResponse())
	assert.True(t, msg.ID.IsNil())
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantID   bool
	}{
		{"empty", ``, ParseError, false},
		{"not json", `{"jsonrpc":`, ParseError, false},
		{"array", `[1,2]`, InvalidRequest, false},
		{"wrong version", `{"jsonrpc":"1.0","id":3,"method":"ping"}`, InvalidRequest, true},
		{"neither request nor response", `{"jsonrpc":"2.0","id":4}`, InvalidRequest, true},
		{"both result and error", `{"jsonrpc":"2.0","id":5,"result":{},"error":{"code":1,"message":"x"}}`, InvalidRequest, true},
		{"object id", `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`, InvalidRequest, false},
		{"null request id", `{"jsonrpc":"2.0","id":null,"method":"tools/call"}`, InvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, perr := Decode([]byte(tt.input))
			require.NotNil(t, perr)
			assert.Equal(t, tt.wantCode, perr.Code)
			if tt.wantID {
				require.NotNil(t, msg)
				assert.False(t, msg.ID.IsNil())
			}
		})
	}
}

func TestMessage_MarshalResponse(t *testing.T) {
	t.Run("success with nil result keeps result", func(t *testing.T) {
		resp, err := NewResponse(IntID(7), nil)
		require.NoError(t, err)
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":null}`, string(data))
	})

	t.Run("error with unknown id is null", func(t *testing.T) {
		resp := NewErrorResponse(nil, &Error{Code: ParseError, Message: "invalid JSON"})
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"invalid JSON"}}`, string(data))
	})

	t.Run("string id preserved", func(t *testing.T) {
		resp := NewErrorResponse(StringID("abc"), &Error{Code: MethodNotFound, Message: "nope", Data: map[string]string{"method": "x"}})
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"nope","data":{"method":"x"}}}`, string(data))
	})
}

func TestMessage_MarshalNotificationOmitsID(t *testing.T) {
	n, err := NewNotification("notifications/message", map[string]string{"level": "info"})
	require.NoError(t, err)
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`, string(data))
}

func TestRequestID_KeyDistinguishesTypes(t *testing.T) {
	assert.NotEqual(t, StringID("1").Key(), IntID(1).Key())
	assert.Equal(t, IntID(1).Key(), IntID(1).Key())

	var decoded RequestID
	require.NoError(t, json.Unmarshal([]byte(`"1"`), &decoded))
	assert.Equal(t, StringID("1").Key(), decoded.Key())

	require.NoError(t, json.Unmarshal([]byte(`1.5`), &decoded))
	assert.Equal(t, 1.5, decoded.Value())

	assert.Error(t, json.Unmarshal([]byte(`true`), &decoded))
}

func TestErrorObject_RoundTrip(t *testing.T) {
	orig := &Error{Code: -32102, Message: "invalid credentials", Data: map[string]interface{}{"scheme": "bearer"}}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Error
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, orig.Code, back.Code)
	assert.Equal(t, orig.Message, back.Message)
	assert.Equal(t, orig.Data, back.Data)
}
