// Package rpc implements the JSON-RPC session protocol spoken between the
// nxy server and its agents: a framed envelope codec, a symmetric Peer which
// correlates outbound requests with inbound responses, and the websocket
// pumps which bridge a Peer onto a live connection.
package rpc

import (
	"encoding/json"
	"fmt"
	"math"
)

// Version is the protocol tag written into every envelope.
const Version = "2.0"

// NoID is the reserved request id carried by a synthesized ParseError
// response, used when the offending frame's own id could not be decoded.
const NoID = math.MaxUint64

// Canonical JSON-RPC error codes.
const (
	CodeParseError     int32 = -32700
	CodeInvalidRequest int32 = -32600
	CodeMethodNotFound int32 = -32601
	CodeInvalidParams  int32 = -32602
	CodeInternalError  int32 = -32603
)

// Error is the error member of a response envelope.
type Error struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is a single wire envelope: exactly one of a request, a response,
// or a notification. Classification is structural, mirroring the wire
// format: a method with an id is a request, an id with a result or error is
// a response, a method without an id is a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest returns true if the message is a request envelope.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification returns true if the message is a notification envelope.
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsResponse returns true if the message is a response envelope.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request envelope. |params| is marshalled immediately;
// a nil |params| omits the member from the wire form.
func NewRequest(id uint64, method string, params interface{}) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		var b, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshalling params of %q: %w", method, err)
		}
		raw = b
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response envelope carrying |result|.
func NewResponse(id uint64, result interface{}) *Message {
	var b, err = json.Marshal(result)
	if err != nil {
		panic(err) // Marshal cannot fail for the value types we respond with.
	}
	return &Message{JSONRPC: Version, ID: &id, Result: b}
}

// NewErrorResponse builds a response envelope carrying an error member.
func NewErrorResponse(id uint64, code int32, message string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message}}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params interface{}) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		var b, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshalling params of %q: %w", method, err)
		}
		raw = b
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// Encode renders the envelope to its wire form, always emitting the
// protocol tag. The codec is pure: no I/O and no hidden state.
func Encode(m *Message) ([]byte, error) {
	m.JSONRPC = Version
	return json.Marshal(m)
}

// Decode parses a wire frame into an envelope. Frames which unmarshal but
// do not classify as exactly one of request, response, or notification are
// rejected: a frame carrying an id but neither method, result, nor error is
// not a valid envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return nil, fmt.Errorf("frame is not a request, response, or notification")
	}
	return &m, nil
}
