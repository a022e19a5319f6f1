// Package peer owns a single two-party WebRTC connection and its reactions
// data channel.
//
// A Manager enforces the signaling order the co-watch flow relies on: the
// offerer creates its offer once, the remote description is applied exactly
// once, and remote candidates that arrive early are queued until it is.
// Connection state is relayed as-is; there is no automatic reconnection.
package peer
