package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeAlwaysEmitsProtocolTag(t *testing.T) {
	var req, err = NewRequest(7, "$/ping", nil)
	require.NoError(t, err)

	data, err := Encode(req)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Equal(t, json.RawMessage(`"2.0"`), fields["jsonrpc"])

	// Responses and notifications carry the tag as well.
	data, err = Encode(NewResponse(7, "pong"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"jsonrpc":"2.0"`)

	note, err := NewNotification("$/log", map[string]string{"line": "hi"})
	require.NoError(t, err)
	data, err = Encode(note)
	require.NoError(t, err)
	require.Contains(t, string(data), `"jsonrpc":"2.0"`)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	var req, err = NewRequest(42, "$/download",
		map[string]string{"store_path": "/nix/store/AAA-alpha", "from": "http://localhost:8080"})
	require.NoError(t, err)

	var resp = NewResponse(42, "pong")
	var errResp = NewErrorResponse(3, CodeInternalError, "boom")
	note, err := NewNotification("$/log", map[string]int{"n": 1})
	require.NoError(t, err)

	for _, m := range []*Message{req, resp, errResp, note} {
		var data, err = Encode(m)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, m, decoded)
	}
}

func TestDecodeClassification(t *testing.T) {
	var m, err = Decode([]byte(`{"jsonrpc":"2.0","id":0,"method":"$/ping"}`))
	require.NoError(t, err)
	require.True(t, m.IsRequest())
	require.False(t, m.IsResponse())
	require.False(t, m.IsNotification())

	m, err = Decode([]byte(`{"jsonrpc":"2.0","id":0,"result":"pong"}`))
	require.NoError(t, err)
	require.True(t, m.IsResponse())

	m, err = Decode([]byte(`{"jsonrpc":"2.0","id":0,"error":{"code":-32603,"message":"boom"}}`))
	require.NoError(t, err)
	require.True(t, m.IsResponse())
	require.Equal(t, CodeInternalError, m.Error.Code)

	m, err = Decode([]byte(`{"jsonrpc":"2.0","method":"$/log","params":{}}`))
	require.NoError(t, err)
	require.True(t, m.IsNotification())

	// Unknown top-level fields are ignored.
	m, err = Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"$/ping","whatever":true}`))
	require.NoError(t, err)
	require.True(t, m.IsRequest())
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	var cases = []string{
		`this is not json`,
		`{}`,
		// An id without method, result, or error is not a valid envelope.
		`{"jsonrpc":"2.0","id":3}`,
		`[1,2,3]`,
	}
	for _, frame := range cases {
		var _, err = Decode([]byte(frame))
		require.Error(t, err, "frame: %s", frame)
	}
}

func TestRequestParamsOmittedWhenNil(t *testing.T) {
	var req, err = NewRequest(0, "$/ping", nil)
	require.NoError(t, err)

	data, err := Encode(req)
	require.NoError(t, err)
	require.NotContains(t, string(data), "params")
}
