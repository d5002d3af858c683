// Package relay implements the message router at the core of the signaling
// server: per-message dispatch by kind, room fan-out with sender exclusion,
// and the spatial volume broadcasts derived from client positions.
package relay
