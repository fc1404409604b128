package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a curve25519 key pair used for device identity and
// one-time keys.
type KeyPair struct {
	Public  [32]byte `json:"public"`
	Private [32]byte `json:"private"`
}

// GenerateKeyPair creates a new random curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromPrivateKey rebuilds a key pair from an existing private key.
func FromPrivateKey(privateKey [32]byte) (*KeyPair, error) {
	if isZeroKey(privateKey) {
		return nil, errors.New("invalid private key: all zeros")
	}

	publicKey, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	pair := &KeyPair{Private: privateKey}
	copy(pair.Public[:], publicKey)
	return pair, nil
}

// SigningKeyPair represents an ed25519 key pair used for device fingerprints
// and payload signatures.
type SigningKeyPair struct {
	Public  ed25519.PublicKey  `json:"public"`
	Private ed25519.PrivateKey `json:"private"`
}

// GenerateSigningKeyPair creates a new random ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the private key and returns the unpadded base64
// encoded signature.
func (kp *SigningKeyPair) Sign(message []byte) string {
	return EncodeBase64(ed25519.Sign(kp.Private, message))
}

// ErrBadSignature is returned when an ed25519 signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// VerifySignature checks an unpadded base64 ed25519 signature made by the
// unpadded base64 public key over message.
func VerifySignature(publicKeyB64 string, message []byte, signatureB64 string) error {
	pub, err := DecodeBase64(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key: %w", err)
	}

	sig, err := DecodeBase64(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrBadSignature
	}
	return nil
}

// EncodeBase64 encodes data as unpadded standard base64, the encoding Matrix
// uses for all key material.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes unpadded standard base64, tolerating padded input.
func DecodeBase64(s string) ([]byte, error) {
	if decoded, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// decodeKey32 decodes an unpadded base64 string into a 32-byte key.
func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := DecodeBase64(s)
	if err != nil {
		return key, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("invalid key length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func fillRandom(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// WipeKeyPair overwrites the private half of a key pair in memory.
func WipeKeyPair(kp *KeyPair) {
	if kp == nil {
		return
	}
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}
