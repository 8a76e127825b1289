// Package auth implements credential validation for relay sessions.
//
// The validator:
//   - verifies the presented api key against the configured one
//   - bounds the request timestamp by a configurable clock tolerance
//   - checks an HMAC-SHA256 signature over the key and timestamp
//   - enforces a remote-address allow-list when one is configured
//
// Checks run in a fixed order and the first failure wins, so a stale
// timestamp is reported as stale even when the signature is also wrong.
package auth
