// Package relay implements the market-data fan-out core.
//
// The relay:
//   - registers producer and consumer sessions under one registry
//   - enforces a single-producer slot where a new producer replaces the old
//   - routes symbol-keyed market data to subscribed consumers in arrival order
//   - correlates history requests with producer responses by request id
//   - pushes heartbeats and evicts idle sessions from a supervisor loop
//
// All shared state sits behind one RWMutex on the Hub. Socket work never
// happens under that lock: messages are enqueued to per-session queues and
// teardown of a session is deferred until the lock is released.
package relay
