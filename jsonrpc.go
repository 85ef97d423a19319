package mcpd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the protocol version string required in every envelope.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC 2.0 error codes. Handlers may use their own codes outside
// the reserved -32768..-32000 range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RequestID holds a JSON-RPC request id exactly as it appeared on the wire.
// Ids may be strings, integers, or null; keeping the raw bytes lets responses
// echo the id verbatim without coercing its type.
type RequestID json.RawMessage

// NullID is the id used in responses to requests whose id could not be
// determined, such as parse failures.
var NullID = RequestID("null")

// StringID returns a RequestID carrying the given string.
func StringID(s string) RequestID {
	return RequestID(strconv.Quote(s))
}

// IntID returns a RequestID carrying the given integer.
func IntID(n int64) RequestID {
	return RequestID(strconv.FormatInt(n, 10))
}

// IsNull reports whether the id is the JSON literal null.
func (id RequestID) IsNull() bool {
	return string(id) == "null"
}

// String returns the raw wire form of the id, with string ids unquoted.
func (id RequestID) String() string {
	if s, err := strconv.Unquote(string(id)); err == nil {
		return s
	}
	return string(id)
}

// UnmarshalJSON implements json.Unmarshaler, retaining the raw id bytes.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	*id = RequestID(append([]byte(nil), data...))
	return nil
}

// MarshalJSON implements json.Marshaler. An unset id marshals as null so
// error responses for unidentifiable requests stay well-formed.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(id), nil
}

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent a
// request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID pairs a request with its response. An absent id marks a notification.
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as a raw JSON object.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// IsNotification reports whether the message expects no reply. An explicit
// null id is treated the same as an absent one.
func (m JSONRPCMessage) IsNotification() bool {
	return len(m.ID) == 0 || m.ID.IsNull()
}

// JSONRPCError represents an error object in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data carries additional unstructured information about the error.
	Data any `json:"data,omitempty"`
}

func (e JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data: %v", e.Code, e.Message, e.Data)
}

// DecodeMessage parses and validates a single JSON-RPC envelope. Failures are
// reported as a JSONRPCError carrying the appropriate protocol code: malformed
// JSON maps to CodeParseError, while well-formed JSON that is not a conforming
// envelope maps to CodeInvalidRequest. Parse failures never reach a handler.
func DecodeMessage(data []byte) (JSONRPCMessage, *JSONRPCError) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Valid JSON with the wrong shape, e.g. an array or a
			// non-string method.
			return JSONRPCMessage{}, &JSONRPCError{
				Code:    CodeInvalidRequest,
				Message: "invalid request",
				Data:    err.Error(),
			}
		}
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    CodeParseError,
			Message: "parse error",
			Data:    err.Error(),
		}
	}

	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "invalid request",
			Data:    "request does not conform to JSON-RPC 2.0",
		}
	}
	if msg.Method == "" {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "invalid request",
			Data:    "missing method",
		}
	}

	return msg, nil
}

// NewRequest builds a request envelope with the given id, method, and params.
// A nil params leaves the params field absent.
func NewRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// NewNotification builds a notification envelope, which carries no id and
// therefore expects no reply.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	msg, err := NewRequest(nil, method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return msg, nil
}

// NewResponse builds a success envelope echoing the given id.
func NewResponse(id RequestID, result any) (JSONRPCMessage, error) {
	bs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	}, nil
}

// NewError builds an error envelope. A zero-length id marshals as null, per
// the protocol rule for requests whose id could not be determined.
func NewError(id RequestID, code int, message string, data any) JSONRPCMessage {
	if len(id) == 0 {
		id = NullID
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
