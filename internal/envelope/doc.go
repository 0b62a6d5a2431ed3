// Package envelope implements the Holon-RPC frame codec: the mapping between
// a JSON-RPC 2.0 message and the bytes carried by a single WebSocket frame.
//
// # Overview
//
// Every Holon-RPC connection, whether initiated by the broker or a holon
// client, exchanges exactly one JSON object per WebSocket text (or UTF-8
// binary) frame. This package owns that boundary: decoding inbound frames
// into an Envelope, classifying what kind of envelope it is (request,
// notification, or response), and encoding outbound Envelopes back to bytes.
//
// # Envelope shapes
//
//	Request:      {"jsonrpc":"2.0","id":"c1","method":"...","params":{...}}
//	Notification: {"jsonrpc":"2.0","method":"...","params":{...}}            (no id)
//	Response:     {"jsonrpc":"2.0","id":"c1","result":{...}}
//	Error:        {"jsonrpc":"2.0","id":"c1","error":{"code":...,"message":"..."}}
//
// # Failure handling
//
// A frame that is not valid JSON yields a parse-error Envelope (code
// -32700) addressed to a null id, since no id could be recovered. A frame
// that is valid JSON but not a JSON object (e.g. an array or scalar) yields
// an invalid-request Envelope (code -32600), also addressed to a null id.
// Neither case reaches a handler.
package envelope
