// Package olm implements the cryptographic primitive layer for the Matrix
// end-to-end encryption coordinator.
//
// This package provides the account, session, and group-session primitives the
// coordinator drives: a device account holding long-lived identity keys and a
// bounded pool of one-time keys, one-to-one device sessions built on the Noise
// one-way X pattern, and group ratchet sessions for room messages.
//
// # Core Types
//
//   - [Account]: device identity (curve25519 + ed25519) plus the one-time key pool
//   - [OutboundSession] / [InboundSession]: one-to-one device sessions
//   - [OutboundGroupSession] / [InboundGroupSession]: per-room group ratchets
//   - [ReplayCache]: per-timeline replay detection for group messages
//
// # Sessions
//
// An outbound session is established against a peer's identity key and one of
// its claimed one-time keys. Establishment is asynchronous: no message from the
// peer is required, and every encrypted message carries the handshake header so
// the peer can (re)build the matching inbound session at any point.
//
//	session, err := olm.NewOutboundSession(account.IdentityKeyPair(), peerIdentity, claimedKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := session.Encrypt(plaintext)
//
// # Group Sessions
//
// Group sessions use a hash ratchet: the sender advances a chain key per
// message and signs each payload with a per-session ed25519 key. Receivers
// import the chain at a given index and can never decrypt earlier indexes.
//
// Account and ReplayCache guard their own state with a lock. Sessions and
// group sessions are not safe for unsynchronized concurrent use; callers
// serialize access on their owning worker, which is how the coordinator
// drives them.
package olm
