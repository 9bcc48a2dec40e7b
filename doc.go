// Package wirejson implements the messaging core shared by JSON-RPC tooling
// protocols in the style of the Language Server Protocol base layer: framed
// transports, a message codec, and a symmetric connection that correlates
// requests with responses, dispatches inbound traffic to handlers, and
// streams progress while requests are in flight.
//
// Both sides of a connection are peers. Either side may send requests and
// notifications, serve the peer's requests, cancel work it no longer needs
// through an in-band notification or a file-based marker protocol, and
// observe partial results and work-done progress as they arrive.
package wirejson
