// Package envflow is an in-process message bus for structured envelopes. An
// envelope is a small JSON document with one header block (sender, optional
// recipient, conversation thread) and exactly one payload sub-tree whose key
// names the payload kind. Listeners register at startup with an identity, the
// kinds they accept, and a handler; the registry then seals and the bus
// routes ingress traffic until shutdown.
//
// Every message passes an air lock before routing: near-well-formed input is
// repaired, the tree is canonicalized so identical content always yields
// identical bytes, and bytes that cannot be repaired are rejected at the
// boundary. Accepted messages are written to a mandatory audit stream (sqlite
// archive plus a live in-process feed) before the first listener sees them.
//
// Routing is directed when the envelope names a recipient and broadcast
// otherwise. Broadcast fan-out runs listeners concurrently with per-listener
// failure containment: a panic, error, or timeout in one handler becomes a
// diagnostic envelope on the reserved "huh" kind while its siblings proceed.
// Handler responses are stamped with the responding listener's identity; a
// response claiming any other sender is discarded as a security event.
//
// A minimal setup builds a Bus from Config, registers listeners, seals the
// registry, and either calls Deliver directly or serves the HTTP/WebSocket
// ingress; see examples/simple for a copy/paste start.
package envflow
