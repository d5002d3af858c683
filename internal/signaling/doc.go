// Package signaling is the WebSocket transport in front of the relay router.
// It upgrades connections, assigns each one an opaque session id, enforces
// inbound message limits, and forwards the transport lifecycle events
// (open, message, close) into the router.
package signaling
