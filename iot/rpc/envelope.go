package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/iot/topic"
)

// Version is the only supported protocol version
const Version = "2.0"

// Standard error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

var (
	// ErrMethodNotFound matches error responses with CodeMethodNotFound
	ErrMethodNotFound = errors.New("method not found")
	// ErrInvalidParams is returned by handlers for unusable params. It also
	// matches error responses with CodeInvalidParams.
	ErrInvalidParams = errors.New("invalid params")
	// ErrTimeout is returned by Call when the device did not respond in time
	ErrTimeout = errors.New("device response timeout")
	// ErrShuttingDown is returned for calls outstanding or started during shutdown
	ErrShuttingDown = errors.New("server is shutting down")
	// ErrDuplicateMethod is returned when a method name is registered twice
	ErrDuplicateMethod = errors.New("duplicate method")
)

// Request is a JSON-RPC request. A request without id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification returns true if the request carries no id
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC response carrying either a result or an error
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError returns an error object with code and message
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is maps the standard codes to the package's sentinel errors
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMethodNotFound:
		return e.Code == CodeMethodNotFound
	case ErrInvalidParams:
		return e.Code == CodeInvalidParams
	}
	return false
}

var nullID = json.RawMessage("null")

func success(id json.RawMessage, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func failure(id json.RawMessage, e *Error) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Error: e}
}

// idSegment returns the id as used in the response topic: strings unquoted,
// numbers verbatim. Other ids, and ids that cannot be a topic segment, are refused.
func idSegment(id json.RawMessage) (string, bool) {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return "", false
	}
	var segment string
	switch {
	case id[0] == '"':
		if err := json.Unmarshal(id, &segment); err != nil {
			return "", false
		}
	case id[0] == '-' || (id[0] >= '0' && id[0] <= '9'):
		if _, err := strconv.ParseFloat(string(id), 64); err != nil {
			return "", false
		}
		segment = string(id)
	default:
		return "", false
	}
	if topic.ValidIdentity(segment) != nil {
		return "", false
	}
	return segment, true
}

func isBatch(payload []byte) bool {
	payload = bytes.TrimSpace(payload)
	return len(payload) > 0 && payload[0] == '['
}
