// Package rpc owns the JSON-RPC payload contract.
//
// Ownership boundary:
// - raw and typed payload shapes
// - request id generation
// - protocol error codes
// - per-type method/publish-options registry
package rpc

import "encoding/json"

// Version is the JSON-RPC protocol version stamped on every payload.
const Version = "2.0"

// Payload is the method-agnostic wire shape. Exactly one of the
// request (Method set) and response (Result or Error set) forms is valid.
type Payload struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (p *Payload) IsRequest() bool {
	return p.Method != ""
}

func (p *Payload) IsResponse() bool {
	return p.Method == "" && (p.Result != nil || p.Error != nil)
}

func (p *Payload) IsError() bool {
	return p.Error != nil
}

// Request is a typed JSON-RPC request.
type Request[T any] struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  T      `json:"params"`
}

// NewRequest builds a request, generating an id when the sentinel zero
// value is given.
func NewRequest[T any](method string, params T, id int64) Request[T] {
	if id == 0 {
		id = NewID()
	}
	return Request[T]{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// Response is a typed JSON-RPC response. A non-nil Error marks failure;
// Result is only meaningful when Error is nil.
type Response[TR any] struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  TR     `json:"result"`
	Error   *Error `json:"error,omitempty"`
}

func NewResponse[TR any](id int64, result TR) Response[TR] {
	return Response[TR]{JSONRPC: Version, ID: id, Result: result}
}

func NewErrorResponse[TR any](id int64, err *Error) Response[TR] {
	return Response[TR]{JSONRPC: Version, ID: id, Error: err}
}

func (r *Response[TR]) IsError() bool {
	return r.Error != nil
}
