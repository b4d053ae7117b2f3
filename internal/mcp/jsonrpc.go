// ABOUTME: JSON-RPC 2.0 envelope types, error codes and response writers for the MCP endpoint.
// ABOUTME: Request ids are kept as raw JSON and echoed byte-for-byte; an absent id is written as null.

package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeInvalidToken is the server-defined code for rejected bearer tokens.
	CodeInvalidToken = -32001
)

// Request is an inbound JSON-RPC envelope.
type Request struct {
	JSONRPC string
	ID      json.RawMessage
	// HasID is set when the id member is present, including "id":null.
	HasID  bool
	Method string
	Params json.RawMessage
}

// IsNotification reports whether the request expects no response.
func (r Request) IsNotification() bool {
	return !r.HasID && strings.HasPrefix(r.Method, "notifications/")
}

// Response is an outbound JSON-RPC envelope. Exactly one of Result and Error is set.
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

func (e *Error) Error() string {
	return e.Message
}

// envelope parsing failures
var (
	errNotJSON       = errors.New("body is not valid JSON")
	errNotObject     = errors.New("request must be a JSON object")
	errBadID         = errors.New("id must be a string, number or null")
	errBadVersion    = errors.New(`jsonrpc must be "2.0"`)
	errBadMethod     = errors.New("method must be a string")
	errMissingMethod = errors.New("method is required")
)

// parseRequest decodes body into a Request. When the id could be read it is
// returned in the Request even if a later field is invalid, so the error
// response can echo it.
func parseRequest(body []byte) (Request, error) {
	var req Request
	if !json.Valid(body) {
		return req, errNotJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return req, errNotObject
	}

	if id, ok := fields["id"]; ok {
		if !validID(id) {
			return req, errBadID
		}
		req.ID = id
		req.HasID = true
	}

	if v, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &req.JSONRPC); err != nil || req.JSONRPC != "2.0" {
			return req, errBadVersion
		}
	}

	m, ok := fields["method"]
	if !ok || isNull(m) {
		return req, errMissingMethod
	}
	if err := json.Unmarshal(m, &req.Method); err != nil {
		return req, errBadMethod
	}
	if req.Method == "" {
		return req, errMissingMethod
	}

	if p, ok := fields["params"]; ok && !isNull(p) {
		req.Params = p
	}
	return req, nil
}

// validID accepts the id forms JSON-RPC allows: string, number or null.
func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	default:
		return isNull(raw)
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func newResult(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}
