// Package rpc serves capability calls as JSON-RPC 2.0 over HTTP, replying
// synchronously or streaming task events as server-sent events.
package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alecgard/creditgate/internal/gateway"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// JSON-RPC error codes. The -320xx and -324xx codes are application codes.
const (
	CodeParseError            = -32700
	CodeInvalidRequest        = -32600
	CodeMethodNotFound        = -32601
	CodeInvalidParams         = -32602
	CodeInternalError         = -32603
	CodeTaskNotFound          = -32001
	CodeTaskNotCancelable     = -32002
	CodeResubscribeNotAllowed = -32004
	CodeRateLimited           = -32029
	CodeUnauthorized          = -32401
	CodePaymentRequired       = -32402
)

// Methods served on a capability endpoint.
const (
	MethodSend        = "message/send"
	MethodStream      = "message/stream"
	MethodResubscribe = "tasks/resubscribe"
	MethodCancel      = "tasks/cancel"
	MethodGet         = "tasks/get"
)

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func newResult(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, ID: nullID(id), Result: result}
}

func newError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, ID: nullID(id), Error: &Error{Code: code, Message: message}}
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// errorFor maps a gateway error to a JSON-RPC error and the HTTP status the
// reply is sent with.
func errorFor(err error) (*Error, int) {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr, http.StatusOK
	case errors.Is(err, gateway.ErrUnauthorized):
		return &Error{Code: CodeUnauthorized, Message: err.Error()}, http.StatusUnauthorized
	case errors.Is(err, gateway.ErrPaymentRequired):
		return &Error{Code: CodePaymentRequired, Message: err.Error()}, http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrTaskNotFound):
		return &Error{Code: CodeTaskNotFound, Message: err.Error()}, http.StatusOK
	case errors.Is(err, gateway.ErrTaskNotCancelable):
		return &Error{Code: CodeTaskNotCancelable, Message: err.Error()}, http.StatusOK
	case errors.Is(err, gateway.ErrResubscribeUnsupported):
		return &Error{Code: CodeResubscribeNotAllowed, Message: err.Error()}, http.StatusOK
	case errors.Is(err, gateway.ErrInvalidParams):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}, http.StatusOK
	case errors.Is(err, gateway.ErrCapabilityNotFound):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}, http.StatusNotFound
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}, http.StatusInternalServerError
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteAuthError writes a JSON-RPC error for a request rejected before
// dispatch, such as a missing or malformed credential. It satisfies
// auth.ErrorWriter.
func WriteAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	writeResponse(w, http.StatusUnauthorized, newError(nil, CodeUnauthorized, err.Error()))
}

// WriteRateLimited writes the JSON-RPC error for a call rejected by the rate
// limiter. It satisfies ratelimit.RejectWriter.
func WriteRateLimited(w http.ResponseWriter, _ *http.Request, retryAfter time.Duration) {
	resp := newError(nil, CodeRateLimited, "rate limit exceeded")
	resp.Error.Data = map[string]int64{"retryAfterMs": retryAfter.Milliseconds()}
	writeResponse(w, http.StatusTooManyRequests, resp)
}
