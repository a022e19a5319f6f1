package config

// DefaultWebRTCSCTPMaxReceiveBufferBytes bounds memory held per association.
// Reactions are tiny, so the default is far below pion's 1 MiB.
const DefaultWebRTCSCTPMaxReceiveBufferBytes = 64 * 1024

// minWebRTCSCTPReceiveBufferBytes is the minimum SCTP receive buffer size that
// pion/sctp will accept during association setup. Values below this break SCTP
// negotiation (INIT/INIT-ACK validation).
const minWebRTCSCTPReceiveBufferBytes = 1500
