// Package signalstore defines the signaling document store used to relay
// session descriptions and ICE candidates between two co-watching peers.
//
// A session is one document holding an offer and, once a peer joins, an
// answer. Each session also owns two append-only candidate sequences, one
// per side. Backends live in subpackages; every backend must pass the
// conformance suite in storetest.
package signalstore
