package shvrpc

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode is an SHV RPC error code.
type ErrorCode int

const (
	CodeNoError             ErrorCode = 0
	CodeInvalidRequest      ErrorCode = 1
	CodeMethodNotFound      ErrorCode = 2
	CodeInvalidParam        ErrorCode = 3
	CodeInternalError       ErrorCode = 4
	CodeParseError          ErrorCode = 5
	CodeMethodCallTimeout   ErrorCode = 6
	CodeMethodCallCancelled ErrorCode = 7
	CodeMethodCallException ErrorCode = 8
	CodePermissionDenied    ErrorCode = 9
	CodeLoginRequired       ErrorCode = 10
	CodeUserIDRequired      ErrorCode = 11
	CodeNotImplemented      ErrorCode = 12
)

var errorCodeNames = map[ErrorCode]string{
	CodeNoError:             "NoError",
	CodeInvalidRequest:      "InvalidRequest",
	CodeMethodNotFound:      "MethodNotFound",
	CodeInvalidParam:        "InvalidParam",
	CodeInternalError:       "InternalError",
	CodeParseError:          "ParseError",
	CodeMethodCallTimeout:   "MethodCallTimeout",
	CodeMethodCallCancelled: "MethodCallCancelled",
	CodeMethodCallException: "MethodCallException",
	CodePermissionDenied:    "PermissionDenied",
	CodeLoginRequired:       "LoginRequired",
	CodeUserIDRequired:      "UserIDRequired",
	CodeNotImplemented:      "NotImplemented",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(c)) + ")"
}

// RpcError is an error reported by the remote side of a method call. Method
// handlers return it to control the code seen by the caller.
type RpcError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// NewRpcError creates an RpcError.
func NewRpcError(code ErrorCode, msg string) *RpcError {
	return &RpcError{Code: code, Message: msg}
}

func (e *RpcError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// CallErrorKind classifies a failed method call.
type CallErrorKind int

const (
	// KindConnectionClosed means the connection ended before a response
	// arrived.
	KindConnectionClosed CallErrorKind = iota
	// KindInvalidMessage means the response could not be decoded.
	KindInvalidMessage
	// KindRpcError means the remote side answered with an error code.
	KindRpcError
	// KindResultTypeMismatch means the result had an unexpected type.
	KindResultTypeMismatch
)

// CallError is returned by Client.Call.
type CallError struct {
	Path   string
	Method string
	Kind   CallErrorKind
	// Rpc is set when Kind is KindRpcError.
	Rpc *RpcError
	Err error
}

// Tag is the short machine readable reason surfaced to HTTP clients.
func (e *CallError) Tag() string {
	switch e.Kind {
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindRpcError:
		code := CodeInternalError
		if e.Rpc != nil {
			code = e.Rpc.Code
		}
		return "RpcError(" + code.String() + ")"
	case KindResultTypeMismatch:
		return "ResultTypeMismatch"
	default:
		return "Unknown"
	}
}

func (e *CallError) Error() string {
	var reason string
	switch {
	case e.Kind == KindRpcError && e.Rpc != nil:
		reason = "RPC error " + e.Rpc.Error()
	case e.Err != nil:
		reason = e.Tag() + ": " + e.Err.Error()
	default:
		reason = e.Tag()
	}
	return fmt.Sprintf("%s:%s() failed: %s", e.Path, e.Method, reason)
}

func (e *CallError) Unwrap() error {
	if e.Rpc != nil {
		return e.Rpc
	}
	return e.Err
}

// ConnectionClosed builds a KindConnectionClosed error.
func ConnectionClosed(path, method string, err error) *CallError {
	return &CallError{Path: path, Method: method, Kind: KindConnectionClosed, Err: err}
}

// CallFailed wraps an error returned by a method handler. RpcErrors are
// passed through, anything else becomes a MethodCallException.
func CallFailed(path, method string, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	var re *RpcError
	if !errors.As(err, &re) {
		re = NewRpcError(CodeMethodCallException, err.Error())
	}
	return &CallError{Path: path, Method: method, Kind: KindRpcError, Rpc: re}
}
