package olm

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"
)

// Message is one entry of a to-device ciphertext map.
//
// Type 0 carries a full one-way handshake, so a peer can build the matching
// inbound session from any message of the session; there is no type 1 in this
// scheme because the one-way pattern never switches to a transport phase.
type Message struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// MessageTypePreKey identifies messages that carry session-establishing
// handshake material.
const MessageTypePreKey = 0

const sessionPrologue = "mxcrypto/olm/x/1"

var (
	// ErrBadMessageFormat is returned for messages that cannot be parsed.
	ErrBadMessageFormat = errors.New("bad encrypted message format")
	// ErrBadMAC is returned when authenticated decryption fails.
	ErrBadMAC = errors.New("message authentication failed")
	// ErrSessionMismatch is returned when a message does not belong to the
	// session asked to decrypt it.
	ErrSessionMismatch = errors.New("message does not match session")
	// ErrUnknownOneTimeKey is returned when a peer opened a session against a
	// one-time key this account no longer holds.
	ErrUnknownOneTimeKey = errors.New("no such one-time key")
)

func sessionCipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

func sessionPrologueBytes(senderIdentity, oneTimeKey [32]byte) []byte {
	p := make([]byte, 0, len(sessionPrologue)+64)
	p = append(p, sessionPrologue...)
	p = append(p, senderIdentity[:]...)
	p = append(p, oneTimeKey[:]...)
	return p
}

func sessionID(senderIdentity, receiverIdentity, oneTimeKey [32]byte) string {
	h := sha256.New()
	h.Write([]byte("mxcrypto/olm/session"))
	h.Write(senderIdentity[:])
	h.Write(receiverIdentity[:])
	h.Write(oneTimeKey[:])
	return EncodeBase64(h.Sum(nil))
}

// OutboundSession encrypts to-device payloads for one peer device. It is
// bound to the peer's identity key and the one-time key claimed at
// establishment; at most one outbound session per peer key is kept active by
// the coordinator.
type OutboundSession struct {
	identity     *KeyPair
	peerIdentity [32]byte
	oneTimeKey   [32]byte
	id           string
	created      time.Time
}

// NewOutboundSession creates an outbound session toward the device that owns
// peerIdentityKeyB64, using a one-time key claimed from the server. Both keys
// are unpadded base64 curve25519 keys.
func NewOutboundSession(identity *KeyPair, peerIdentityKeyB64, oneTimeKeyB64 string) (*OutboundSession, error) {
	peerIdentity, err := decodeKey32(peerIdentityKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid peer identity key: %w", err)
	}
	oneTimeKey, err := decodeKey32(oneTimeKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid one-time key: %w", err)
	}

	return &OutboundSession{
		identity:     identity,
		peerIdentity: peerIdentity,
		oneTimeKey:   oneTimeKey,
		id:           sessionID(identity.Public, peerIdentity, oneTimeKey),
		created:      time.Now(),
	}, nil
}

// ID returns the session identifier, stable across both ends.
func (s *OutboundSession) ID() string {
	return s.id
}

// PeerIdentityKey returns the unpadded base64 identity key this session
// encrypts to.
func (s *OutboundSession) PeerIdentityKey() string {
	return EncodeBase64(s.peerIdentity[:])
}

// Encrypt seals plaintext for the peer device. Each message runs a fresh
// one-way Noise X handshake against the session's one-time key, so any single
// message suffices for the peer to build the inbound session.
func (s *OutboundSession) Encrypt(plaintext []byte) (*Message, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: sessionCipherSuite(),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeX,
		Initiator:   true,
		Prologue:    sessionPrologueBytes(s.identity.Public, s.oneTimeKey),
		StaticKeypair: noise.DHKey{
			Private: s.identity.Private[:],
			Public:  s.identity.Public[:],
		},
		PeerStatic: s.oneTimeKey[:],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	body := make([]byte, 0, 33+len(msg))
	body = append(body, 1)
	body = append(body, s.oneTimeKey[:]...)
	body = append(body, msg...)

	return &Message{Type: MessageTypePreKey, Body: EncodeBase64(body)}, nil
}

// InboundSession decrypts to-device payloads from one peer device. It owns
// the one-time key the peer claimed; several inbound sessions from the same
// peer may coexist, one per key the peer established against.
type InboundSession struct {
	senderIdentity [32]byte
	receiver       [32]byte
	oneTimeKey     *KeyPair
	id             string
	created        time.Time
}

// NewInboundSession builds the inbound session matching a received pre-key
// message, decrypts that message, and removes the consumed one-time key from
// the account pool. senderIdentityKeyB64 comes from the enclosing event's
// sender_key field and is authenticated by the handshake itself.
func (a *Account) NewInboundSession(senderIdentityKeyB64 string, msg *Message) (*InboundSession, []byte, error) {
	senderIdentity, oneTimeKeyPub, noiseMsg, err := parseSessionMessage(senderIdentityKeyB64, msg)
	if err != nil {
		return nil, nil, err
	}

	pair := a.oneTimeKeyPair(oneTimeKeyPub)
	if pair == nil {
		return nil, nil, ErrUnknownOneTimeKey
	}

	session := &InboundSession{
		senderIdentity: senderIdentity,
		receiver:       a.identity.Public,
		oneTimeKey:     &KeyPair{Public: pair.Public, Private: pair.Private},
		id:             sessionID(senderIdentity, a.identity.Public, oneTimeKeyPub),
		created:        time.Now(),
	}

	plaintext, err := session.open(noiseMsg)
	if err != nil {
		return nil, nil, err
	}

	a.removeOneTimeKey(oneTimeKeyPub)
	return session, plaintext, nil
}

// ID returns the session identifier, stable across both ends.
func (s *InboundSession) ID() string {
	return s.id
}

// SenderIdentityKey returns the unpadded base64 identity key of the peer that
// established this session.
func (s *InboundSession) SenderIdentityKey() string {
	return EncodeBase64(s.senderIdentity[:])
}

// MatchesMessage reports whether msg was encrypted under this session's
// one-time key by this session's sender.
func (s *InboundSession) MatchesMessage(senderIdentityKeyB64 string, msg *Message) bool {
	senderIdentity, oneTimeKeyPub, _, err := parseSessionMessage(senderIdentityKeyB64, msg)
	if err != nil {
		return false
	}
	return senderIdentity == s.senderIdentity && oneTimeKeyPub == s.oneTimeKey.Public
}

// Decrypt opens a message belonging to this session.
func (s *InboundSession) Decrypt(senderIdentityKeyB64 string, msg *Message) ([]byte, error) {
	senderIdentity, oneTimeKeyPub, noiseMsg, err := parseSessionMessage(senderIdentityKeyB64, msg)
	if err != nil {
		return nil, err
	}
	if senderIdentity != s.senderIdentity || oneTimeKeyPub != s.oneTimeKey.Public {
		return nil, ErrSessionMismatch
	}
	return s.open(noiseMsg)
}

// open runs the responder side of the one-way handshake and returns the
// message payload. The handshake authenticates the initiator's static key;
// a mismatch with the claimed sender identity is treated as a MAC failure.
func (s *InboundSession) open(noiseMsg []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: sessionCipherSuite(),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeX,
		Initiator:   false,
		Prologue:    sessionPrologueBytes(s.senderIdentity, s.oneTimeKey.Public),
		StaticKeypair: noise.DHKey{
			Private: s.oneTimeKey.Private[:],
			Public:  s.oneTimeKey.Public[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	plaintext, _, _, err := hs.ReadMessage(nil, noiseMsg)
	if err != nil {
		return nil, ErrBadMAC
	}

	if !bytes.Equal(hs.PeerStatic(), s.senderIdentity[:]) {
		return nil, ErrBadMAC
	}

	return plaintext, nil
}

func parseSessionMessage(senderIdentityKeyB64 string, msg *Message) (sender, oneTime [32]byte, noiseMsg []byte, err error) {
	if msg == nil || msg.Type != MessageTypePreKey {
		err = ErrBadMessageFormat
		return
	}
	sender, err = decodeKey32(senderIdentityKeyB64)
	if err != nil {
		err = ErrBadMessageFormat
		return
	}

	body, decErr := DecodeBase64(msg.Body)
	if decErr != nil || len(body) < 34 || body[0] != 1 {
		err = ErrBadMessageFormat
		return
	}
	copy(oneTime[:], body[1:33])
	noiseMsg = body[33:]
	return
}

type outboundSessionPickle struct {
	Identity     *KeyPair  `json:"identity"`
	PeerIdentity [32]byte  `json:"peer_identity"`
	OneTimeKey   [32]byte  `json:"one_time_key"`
	Created      time.Time `json:"created"`
}

// Pickle serializes the session, private material included.
func (s *OutboundSession) Pickle() ([]byte, error) {
	return json.Marshal(outboundSessionPickle{
		Identity:     s.identity,
		PeerIdentity: s.peerIdentity,
		OneTimeKey:   s.oneTimeKey,
		Created:      s.created,
	})
}

// UnpickleOutboundSession restores a session serialized by Pickle.
func UnpickleOutboundSession(data []byte) (*OutboundSession, error) {
	var p outboundSessionPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse session pickle: %w", err)
	}
	if p.Identity == nil {
		return nil, fmt.Errorf("session pickle missing identity key")
	}
	return &OutboundSession{
		identity:     p.Identity,
		peerIdentity: p.PeerIdentity,
		oneTimeKey:   p.OneTimeKey,
		id:           sessionID(p.Identity.Public, p.PeerIdentity, p.OneTimeKey),
		created:      p.Created,
	}, nil
}

type inboundSessionPickle struct {
	SenderIdentity [32]byte  `json:"sender_identity"`
	OneTimeKey     *KeyPair  `json:"one_time_key"`
	ReceiverPublic [32]byte  `json:"receiver_public"`
	Created        time.Time `json:"created"`
}

// Pickle serializes the session, private material included.
func (s *InboundSession) Pickle() ([]byte, error) {
	return json.Marshal(inboundSessionPickle{
		SenderIdentity: s.senderIdentity,
		OneTimeKey:     s.oneTimeKey,
		ReceiverPublic: s.receiver,
		Created:        s.created,
	})
}

// UnpickleInboundSession restores a session serialized by Pickle.
func UnpickleInboundSession(data []byte) (*InboundSession, error) {
	var p inboundSessionPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse session pickle: %w", err)
	}
	if p.OneTimeKey == nil {
		return nil, fmt.Errorf("session pickle missing one-time key")
	}
	return &InboundSession{
		senderIdentity: p.SenderIdentity,
		receiver:       p.ReceiverPublic,
		oneTimeKey:     p.OneTimeKey,
		id:             sessionID(p.SenderIdentity, p.ReceiverPublic, p.OneTimeKey.Public),
		created:        p.Created,
	}, nil
}
