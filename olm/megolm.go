package olm

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	megolmRatchetLabel = "mxcrypto/megolm/ratchet"
	megolmMessageInfo  = "mxcrypto/megolm/message"
)

var (
	// ErrUnknownMessageIndex is returned when a message predates the first
	// known index of an inbound group session.
	ErrUnknownMessageIndex = errors.New("message index below first known index")
)

// advanceRatchet computes the chain value for the next message index.
func advanceRatchet(r [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(megolmRatchetLabel))
	h.Write(r[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ratchetAt walks the chain from (fromIndex, r) to index. index must be
// greater than or equal to fromIndex.
func ratchetAt(r [32]byte, fromIndex, index uint32) [32]byte {
	for i := fromIndex; i < index; i++ {
		r = advanceRatchet(r)
	}
	return r
}

// messageKeys derives the secretbox key and nonce for one chain value.
func messageKeys(r [32]byte, index uint32) (key [32]byte, nonce [24]byte, err error) {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)

	kdf := hkdf.New(sha256.New, r[:], indexBytes[:], []byte(megolmMessageInfo))
	material := make([]byte, 56)
	if _, err = io.ReadFull(kdf, material); err != nil {
		return key, nonce, fmt.Errorf("failed to derive message keys: %w", err)
	}
	copy(key[:], material[:32])
	copy(nonce[:], material[32:])
	return key, nonce, nil
}

// groupMessage is the serialized form of one group-encrypted payload. The
// whole structure is unpadded base64 encoded into the event's ciphertext
// field.
type groupMessage struct {
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

func groupSigningBytes(sessionID string, index uint32, ciphertext []byte) []byte {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)
	out := make([]byte, 0, len(sessionID)+4+len(ciphertext))
	out = append(out, sessionID...)
	out = append(out, indexBytes[:]...)
	out = append(out, ciphertext...)
	return out
}

// OutboundGroupSession is the sending half of a room ratchet. The session ID
// is the unpadded base64 of the per-session ed25519 public key, so receivers
// can verify message signatures from the ID alone.
type OutboundGroupSession struct {
	signing *SigningKeyPair
	ratchet [32]byte
	index   uint32
	created time.Time
}

// NewOutboundGroupSession creates a group session with a fresh ratchet and a
// fresh signing key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	signing, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session signing key: %w", err)
	}

	var ratchet [32]byte
	if err := fillRandom(ratchet[:]); err != nil {
		return nil, fmt.Errorf("failed to seed ratchet: %w", err)
	}

	return &OutboundGroupSession{
		signing: signing,
		ratchet: ratchet,
		created: time.Now(),
	}, nil
}

// ID returns the session identifier.
func (s *OutboundGroupSession) ID() string {
	return EncodeBase64(s.signing.Public)
}

// MessageIndex returns the index the next Encrypt call will use.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.index
}

// CreationTime returns when the session was created, for rotation policy.
func (s *OutboundGroupSession) CreationTime() time.Time {
	return s.created
}

// Encrypt seals plaintext at the current index, signs it with the session
// key, and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	key, nonce, err := messageKeys(s.ratchet, s.index)
	if err != nil {
		return "", err
	}

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &key)
	sig := ed25519.Sign(s.signing.Private, groupSigningBytes(s.ID(), s.index, ciphertext))

	raw, err := json.Marshal(groupMessage{
		Index:      s.index,
		Ciphertext: ciphertext,
		Signature:  sig,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize group message: %w", err)
	}

	s.ratchet = advanceRatchet(s.ratchet)
	s.index++

	return EncodeBase64(raw), nil
}

// SessionKey exports the ratchet at the current index for sharing with a
// recipient. A recipient importing this export can decrypt from the current
// index forward and nothing earlier.
func (s *OutboundGroupSession) SessionKey() string {
	export := sessionKeyExport{
		Index:   s.index,
		Ratchet: s.ratchet[:],
		Public:  []byte(s.signing.Public),
	}
	raw, _ := json.Marshal(export)
	return EncodeBase64(raw)
}

type sessionKeyExport struct {
	Index   uint32 `json:"index"`
	Ratchet []byte `json:"ratchet"`
	Public  []byte `json:"public"`
}

type outboundGroupPickle struct {
	Signing *SigningKeyPair `json:"signing"`
	Ratchet [32]byte        `json:"ratchet"`
	Index   uint32          `json:"index"`
	Created time.Time       `json:"created"`
}

// Pickle serializes the session, private material included.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(outboundGroupPickle{
		Signing: s.signing,
		Ratchet: s.ratchet,
		Index:   s.index,
		Created: s.created,
	})
}

// UnpickleOutboundGroupSession restores a session serialized by Pickle.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	var p outboundGroupPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse group session pickle: %w", err)
	}
	if p.Signing == nil {
		return nil, fmt.Errorf("group session pickle missing signing key")
	}
	return &OutboundGroupSession{
		signing: p.Signing,
		ratchet: p.Ratchet,
		index:   p.Index,
		created: p.Created,
	}, nil
}

// InboundGroupSession is the receiving half of a room ratchet, imported from
// a shared session key or a forwarded key.
type InboundGroupSession struct {
	id              string
	signingPublic   ed25519.PublicKey
	firstKnownIndex uint32
	ratchet         [32]byte
}

// NewInboundGroupSession imports a session key produced by
// [OutboundGroupSession.SessionKey] or [InboundGroupSession.Export]. The
// session ID must match the signing key embedded in the export.
func NewInboundGroupSession(sessionID, sessionKey string) (*InboundGroupSession, error) {
	raw, err := DecodeBase64(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid session key encoding: %w", err)
	}

	var export sessionKeyExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	if len(export.Public) != ed25519.PublicKeySize || len(export.Ratchet) != 32 {
		return nil, fmt.Errorf("invalid session key material")
	}
	if EncodeBase64(export.Public) != sessionID {
		return nil, fmt.Errorf("session key does not match session ID %s", truncate(sessionID))
	}

	s := &InboundGroupSession{
		id:              sessionID,
		signingPublic:   ed25519.PublicKey(export.Public),
		firstKnownIndex: export.Index,
	}
	copy(s.ratchet[:], export.Ratchet)
	return s, nil
}

// ID returns the session identifier.
func (s *InboundGroupSession) ID() string {
	return s.id
}

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstKnownIndex
}

// Decrypt opens one group message and returns the plaintext and its message
// index.
func (s *InboundGroupSession) Decrypt(ciphertextB64 string) ([]byte, uint32, error) {
	raw, err := DecodeBase64(ciphertextB64)
	if err != nil {
		return nil, 0, ErrBadMessageFormat
	}

	var msg groupMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, 0, ErrBadMessageFormat
	}

	if msg.Index < s.firstKnownIndex {
		return nil, msg.Index, ErrUnknownMessageIndex
	}

	if !ed25519.Verify(s.signingPublic, groupSigningBytes(s.id, msg.Index, msg.Ciphertext), msg.Signature) {
		return nil, msg.Index, ErrBadSignature
	}

	r := ratchetAt(s.ratchet, s.firstKnownIndex, msg.Index)
	key, nonce, err := messageKeys(r, msg.Index)
	if err != nil {
		return nil, msg.Index, err
	}

	plaintext, ok := secretbox.Open(nil, msg.Ciphertext, &nonce, &key)
	if !ok {
		return nil, msg.Index, ErrBadMAC
	}
	return plaintext, msg.Index, nil
}

// Export produces a session key at the given index, for forwarding the
// session to another device. Indexes below the first known index are clamped
// up to it.
func (s *InboundGroupSession) Export(index uint32) string {
	if index < s.firstKnownIndex {
		index = s.firstKnownIndex
	}
	export := sessionKeyExport{
		Index:   index,
		Ratchet: nil,
		Public:  []byte(s.signingPublic),
	}
	r := ratchetAt(s.ratchet, s.firstKnownIndex, index)
	export.Ratchet = r[:]
	raw, _ := json.Marshal(export)
	return EncodeBase64(raw)
}

type inboundGroupPickle struct {
	ID              string   `json:"id"`
	SigningPublic   []byte   `json:"signing_public"`
	FirstKnownIndex uint32   `json:"first_known_index"`
	Ratchet         [32]byte `json:"ratchet"`
}

// Pickle serializes the session.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(inboundGroupPickle{
		ID:              s.id,
		SigningPublic:   []byte(s.signingPublic),
		FirstKnownIndex: s.firstKnownIndex,
		Ratchet:         s.ratchet,
	})
}

// UnpickleInboundGroupSession restores a session serialized by Pickle.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	var p inboundGroupPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse group session pickle: %w", err)
	}
	if len(p.SigningPublic) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("group session pickle missing signing key")
	}
	return &InboundGroupSession{
		id:              p.ID,
		signingPublic:   ed25519.PublicKey(p.SigningPublic),
		firstKnownIndex: p.FirstKnownIndex,
		ratchet:         p.Ratchet,
	}, nil
}

func truncate(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
