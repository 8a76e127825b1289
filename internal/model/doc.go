// Package model defines the JSON message vocabulary shared by the relay,
// its producers, and its consumers.
//
// Conventions:
//   - Every message carries a "type" field naming its kind
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Prices and volumes: float64, quoted to the instrument's tick size
//   - Correlation: history requests are tagged with a "request_id" that
//     is stripped before the response reaches the requester
package model
