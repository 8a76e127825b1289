// Package client is the initiating-role relay endpoint. It dials one
// of the relay's upgrade paths, performs the signed auth exchange, and
// exposes the stream over channels.
//
// Responsibilities:
//   - Dial the relay and complete the websocket handshake
//   - Authenticate with the shared credential pair on every (re)connect
//   - Reconnect with exponential backoff when the connection drops
//   - Answer relay heartbeats with application-level pings
//
// Handshake failures (the channel was never established) surface as
// *ws.HandshakeError from Connect; a channel that breaks afterwards
// surfaces on Errors() and triggers the reconnect loop instead.
package client
