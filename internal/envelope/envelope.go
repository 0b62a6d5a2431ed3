package envelope

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol version Holon-RPC speaks.
const Version = "2.0"

// Reserved error codes. The JSON-RPC standard reserves -32768..-32000;
// the rest are Holon-RPC's own domain codes. Internal errors are the one
// side-dependent case: -32603 from the broker, 13 from a peer handler.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalBroker = -32603 // internal error, broker side
	CodeInternalPeer   = 13     // internal error, peer handler side
	CodeDeadlineExceed = 4
	CodeNotFound       = 5
	CodeUnavailable    = 14
)

// Error is the wire-visible {code, message, data} triple carried in an
// envelope's "error" field. It implements the standard error interface so
// handler code, transport code, and tests can all treat it as a normal Go
// error while still recovering the original code with errors.As.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("holon-rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with no data payload.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds an Error with a formatted message.
func NewErrorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Envelope is one JSON-RPC 2.0 message: a request, a notification, a
// success response, or an error response. Which shape a given Envelope
// has is determined by which optional fields are populated — see IsRequest,
// IsNotification, and IsResponse.
type Envelope struct {
	JSONRPC string
	ID      *string
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *Error
}

// envelopeWithID and envelopeNoID are the two wire shapes an Envelope
// marshals to: a request or response carries its id verbatim, even when
// that id is nil (a parse/invalid-request error response is addressed to
// a literal `"id":null`, per the wire contract); a notification — a
// request with no id at all — omits the key entirely rather than sending
// it as null. json.Marshal can't express "omit on nil for this one case
// but not that one" with a single struct tag, so MarshalJSON picks between
// these two shapes based on which case applies.
type envelopeWithID struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type envelopeNoID struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON implements the id-presence rule described above Envelope.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Method != "" && e.ID == nil {
		return json.Marshal(envelopeNoID{
			JSONRPC: e.JSONRPC,
			Method:  e.Method,
			Params:  e.Params,
			Result:  e.Result,
			Error:   e.Error,
		})
	}
	return json.Marshal(envelopeWithID{
		JSONRPC: e.JSONRPC,
		ID:      e.ID,
		Method:  e.Method,
		Params:  e.Params,
		Result:  e.Result,
		Error:   e.Error,
	})
}

// UnmarshalJSON restores an Envelope from either wire shape; id's absence
// and explicit null both decode to ID == nil, which is exactly the
// distinction IsNotification/IsResponse need.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWithID
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.JSONRPC = w.JSONRPC
	e.ID = w.ID
	e.Method = w.Method
	e.Params = w.Params
	e.Result = w.Result
	e.Error = w.Error
	return nil
}

// IsRequest reports whether the envelope is request-shaped: it names a
// method. A request-shaped envelope without an id is a Notification.
func (e *Envelope) IsRequest() bool {
	return e.Method != ""
}

// IsNotification reports whether the envelope is a request with no id —
// the sender expects no response.
func (e *Envelope) IsNotification() bool {
	return e.IsRequest() && e.ID == nil
}

// IsResponse reports whether the envelope carries a result or an error
// rather than a method — i.e. it answers some earlier request.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && (e.Result != nil || e.Error != nil)
}

// StrPtr is a small convenience for building envelopes with a string id
// literal, since Envelope.ID is a pointer (nil means "no id").
func StrPtr(s string) *string { return &s }

// NewRequest builds a request-shaped envelope. Pass id = nil for a
// notification.
func NewRequest(id *string, method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal params for %q: %w", method, err)
	}
	return &Envelope{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewResult builds a success response envelope. The caller must supply the
// same id the caller's request carried.
func NewResult(id *string, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal result: %w", err)
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response envelope. id may be nil when
// the triggering request's id could not be recovered (parse/invalid
// request failures).
func NewErrorResponse(id *string, errObj *Error) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Error: errObj}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// Decode parses a single frame's bytes into an Envelope. On malformed JSON
// it returns a parse-error Envelope (id = null) rather than an error value,
// matching the wire contract: a decode failure is itself something the
// codec must be able to send back over the same connection.
func Decode(data []byte) (*Envelope, bool) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewErrorResponse(nil, NewError(CodeParseError, "parse error")), false
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return NewErrorResponse(nil, NewError(CodeParseError, "parse error")), false
	}
	if _, ok := probe.(map[string]any); !ok {
		return NewErrorResponse(nil, NewError(CodeInvalidRequest, "invalid request")), false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return NewErrorResponse(nil, NewError(CodeParseError, "parse error")), false
	}
	return &env, true
}

// Encode serializes an Envelope back to wire bytes, stamping the protocol
// version if the caller omitted it.
func Encode(env *Envelope) ([]byte, error) {
	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	return json.Marshal(env)
}

// NormalizeResult ensures a handler's return value is JSON-object-shaped on
// the wire, per the invariant that every response's "result" field is a
// JSON object. A nil result becomes an empty object; other non-object
// results (arrays, scalars) are wrapped as {"value": <raw>}; object results
// pass through unchanged. This keeps the
// invariant uniform across every response path, not just fan-out.
func NormalizeResult(result any) any {
	if result == nil {
		return map[string]any{}
	}
	switch result.(type) {
	case map[string]any:
		return result
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return map[string]any{"value": nil}
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err == nil {
		if _, ok := probe.(map[string]any); ok {
			return probe
		}
	}
	return map[string]any{"value": result}
}
