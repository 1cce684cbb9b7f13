// Package protocol provides the batch wire codec and the error taxonomy shared
// by the router, executor and connection layers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dan-strohschein/clusterbatch/model"
)

// ErrorCode classifies failures across the batch engine.
type ErrorCode int

const (
	// Connection errors (1000-1099)
	ErrorCodeConnection          ErrorCode = 1001
	ErrorCodeTimeout             ErrorCode = 1002
	ErrorCodeConnectionExhausted ErrorCode = 1010
	ErrorCodePoolSaturated       ErrorCode = 1011

	// Cluster errors (1100-1199)
	ErrorCodeClusterEmpty ErrorCode = 1101
	ErrorCodeNodeNotFound ErrorCode = 1102

	// Protocol errors (2000-2099)
	ErrorCodeProtocolError ErrorCode = 2001

	// Server errors (3000-3099)
	ErrorCodeServerBatch  ErrorCode = 3001
	ErrorCodeServerRecord ErrorCode = 3002

	// Client errors (4000-4099)
	ErrorCodeClientAbort ErrorCode = 4001
	ErrorCodeParameter   ErrorCode = 4002
)

// String returns the lower-case name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeConnection:
		return "connection"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeConnectionExhausted:
		return "connection_exhausted"
	case ErrorCodePoolSaturated:
		return "pool_saturated"
	case ErrorCodeClusterEmpty:
		return "cluster_empty"
	case ErrorCodeNodeNotFound:
		return "node_not_found"
	case ErrorCodeProtocolError:
		return "protocol"
	case ErrorCodeServerBatch:
		return "server_batch"
	case ErrorCodeServerRecord:
		return "server_record"
	case ErrorCodeClientAbort:
		return "client_abort"
	case ErrorCodeParameter:
		return "parameter"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// Sentinels for errors.Is. Matching is by Code only.
var (
	ErrConnection          = &TransportError{Code: ErrorCodeConnection}
	ErrTimeout             = &TransportError{Code: ErrorCodeTimeout}
	ErrConnectionExhausted = &TransportError{Code: ErrorCodeConnectionExhausted}
	ErrPoolSaturated       = &TransportError{Code: ErrorCodePoolSaturated}
	ErrClusterEmpty        = &TransportError{Code: ErrorCodeClusterEmpty}
	ErrNodeNotFound        = &TransportError{Code: ErrorCodeNodeNotFound}
	ErrProtocol            = &TransportError{Code: ErrorCodeProtocolError}
	ErrServerBatch         = &TransportError{Code: ErrorCodeServerBatch}
	ErrClientAbort         = &TransportError{Code: ErrorCodeClientAbort}
	ErrParameter           = &TransportError{Code: ErrorCodeParameter}
)

// TransportError represents an error with structured error code
type TransportError struct {
	Code        ErrorCode              `json:"code"`
	Result      model.ResultCode       `json:"result"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	IsRetryable bool                   `json:"isRetryable"`

	cause error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("[%d] %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		msg = fmt.Sprintf("%s (details: %s)", msg, string(detailsJSON))
	}
	if e.cause != nil {
		msg = msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *TransportError) Unwrap() error {
	return e.cause
}

// Is matches another TransportError with the same code.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of e carrying an extra detail entry.
func (e *TransportError) WithDetail(key string, value interface{}) *TransportError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// NewTransportError creates a new transport error
func NewTransportError(code ErrorCode, result model.ResultCode, message string, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Result:      result,
		Message:     message,
		Details:     details,
		IsRetryable: isRetryable(code),
	}
}

// isRetryable determines if an error code represents a retryable error
func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrorCodeTimeout,
		ErrorCodeConnection,
		ErrorCodeConnectionExhausted,
		ErrorCodeNodeNotFound:
		return true
	default:
		return false
	}
}

// ConnectionError creates a socket level error for node.
func ConnectionError(node string, cause error) *TransportError {
	e := NewTransportError(ErrorCodeConnection, model.ResultClientError, "connection failed", map[string]interface{}{
		"node": node,
	})
	e.cause = cause
	return e
}

// TimeoutError creates a timeout error. Socket and total deadline expiry share
// the code; the details tell them apart.
func TimeoutError(node string, iteration int, total bool) *TransportError {
	return NewTransportError(ErrorCodeTimeout, model.ResultTimeout, "timeout", map[string]interface{}{
		"node":      node,
		"iteration": iteration,
		"total":     total,
	})
}

// ConnectionExhaustedError reports that a node has no connection capacity left.
func ConnectionExhaustedError(node string, capacity int) *TransportError {
	return NewTransportError(ErrorCodeConnectionExhausted, model.ResultNoMoreConnections, "no more connections", map[string]interface{}{
		"node":     node,
		"capacity": capacity,
	})
}

// PoolSaturatedError reports a rejected worker pool submission.
func PoolSaturatedError(capacity int) *TransportError {
	return NewTransportError(ErrorCodePoolSaturated, model.ResultClientError, "batch worker pool saturated", map[string]interface{}{
		"capacity": capacity,
	})
}

// ClusterEmptyError reports that no server nodes are known.
func ClusterEmptyError() *TransportError {
	return NewTransportError(ErrorCodeClusterEmpty, model.ResultServerError, "cluster is empty", nil)
}

// NodeNotFoundError reports that a partition has no eligible node.
func NodeNotFoundError(namespace string, partition uint32) *TransportError {
	return NewTransportError(ErrorCodeNodeNotFound, model.ResultInvalidNode, "no node for partition", map[string]interface{}{
		"namespace": namespace,
		"partition": partition,
	})
}

// ProtocolError reports a malformed or inconsistent stream.
func ProtocolError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeProtocolError, model.ResultClientError, message, details)
}

// ServerBatchError wraps a batch-fatal result code returned by a node.
func ServerBatchError(rc model.ResultCode) *TransportError {
	return NewTransportError(ErrorCodeServerBatch, rc, rc.String(), map[string]interface{}{
		"resultCode": int(rc),
	})
}

// ClientAbortError reports that the caller asked to stop.
func ClientAbortError() *TransportError {
	return NewTransportError(ErrorCodeClientAbort, model.ResultClientAbort, "client abort", nil)
}

// ParameterError reports invalid input.
func ParameterError(message string) *TransportError {
	return NewTransportError(ErrorCodeParameter, model.ResultParamError, message, nil)
}

// CodeOf returns the code of the first TransportError in err's chain.
func CodeOf(err error) ErrorCode {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrorCodeConnection
}

// ResultOf returns the result code carried by err, or ResultClientError.
func ResultOf(err error) model.ResultCode {
	if err == nil {
		return model.ResultOK
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Result
	}
	return model.ResultClientError
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsRetryable
	}
	return false
}
