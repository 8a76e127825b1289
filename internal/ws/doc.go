// Package ws implements the relay's WebSocket transport layer.
//
// The transport layer:
//   - Encodes and decodes RFC 6455 frames (text, close, ping, pong)
//   - Performs the HTTP upgrade handshake for accepting and initiating roles
//   - Enforces the masking policy per role (initiator masks, accepter does not)
//   - Tracks each connection through an explicit lifecycle state machine
//   - Answers pings automatically and echoes close frames once
//
// Fragmentation is not supported: every frame carries FIN and a frame with
// FIN clear is a transport error.
package ws
