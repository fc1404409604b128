package olm

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxOneTimeKeys is the number of one-time key pairs an account
	// holds before the oldest keys, published or not, are discarded.
	DefaultMaxOneTimeKeys = 100
)

// oneTimeKey is a single claimable key in the account pool.
type oneTimeKey struct {
	ID        string   `json:"id"`
	Pair      *KeyPair `json:"pair"`
	Published bool     `json:"published"`
}

// Account holds a device's long-lived identity keys and its pool of one-time
// keys. The identity pair never changes for the lifetime of the account; the
// one-time key pool is bounded and rotates as keys are claimed by peers. The
// pool is internally locked: keys are generated and consumed from different
// goroutines.
type Account struct {
	identity *KeyPair
	signing  *SigningKeyPair

	mu          sync.Mutex
	oneTimeKeys []*oneTimeKey
	maxKeys     int
}

// NewAccount creates an account with fresh identity and signing keys and an
// empty one-time key pool.
func NewAccount() (*Account, error) {
	identity, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	signing, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &Account{
		identity: identity,
		signing:  signing,
		maxKeys:  DefaultMaxOneTimeKeys,
	}, nil
}

// IdentityKey returns the unpadded base64 curve25519 identity key.
func (a *Account) IdentityKey() string {
	return EncodeBase64(a.identity.Public[:])
}

// FingerprintKey returns the unpadded base64 ed25519 fingerprint key.
func (a *Account) FingerprintKey() string {
	return EncodeBase64(a.signing.Public)
}

// IdentityKeyPair exposes the curve25519 identity pair for session creation.
func (a *Account) IdentityKeyPair() *KeyPair {
	return a.identity
}

// Sign signs message with the account's ed25519 key and returns the unpadded
// base64 signature.
func (a *Account) Sign(message []byte) string {
	return a.signing.Sign(message)
}

// MaxOneTimeKeys reports how many one-time key pairs the account can hold.
func (a *Account) MaxOneTimeKeys() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxKeys
}

// SetMaxOneTimeKeys overrides the pool bound. Values below one are ignored.
func (a *Account) SetMaxOneTimeKeys(max int) {
	if max < 1 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxKeys = max
}

// GenerateOneTimeKeys adds count fresh one-time keys to the pool. If the pool
// would exceed its bound the oldest keys are discarded; the matching public
// keys on the server are equally stale, so nothing claimable is lost.
func (a *Account) GenerateOneTimeKeys(count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < count; i++ {
		pair, err := GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate one-time key: %w", err)
		}

		idBytes := make([]byte, 4)
		if _, err := rand.Read(idBytes); err != nil {
			return fmt.Errorf("failed to generate key ID: %w", err)
		}
		id := fmt.Sprintf("AA%08X", binary.BigEndian.Uint32(idBytes))

		a.oneTimeKeys = append(a.oneTimeKeys, &oneTimeKey{ID: id, Pair: pair})
	}

	if excess := len(a.oneTimeKeys) - a.maxKeys; excess > 0 {
		for _, otk := range a.oneTimeKeys[:excess] {
			WipeKeyPair(otk.Pair)
		}
		a.oneTimeKeys = a.oneTimeKeys[excess:]
		logrus.WithFields(logrus.Fields{
			"discarded": excess,
			"pool":      len(a.oneTimeKeys),
		}).Debug("Discarded oldest one-time keys to respect pool bound")
	}

	return nil
}

// UnpublishedOneTimeKeys returns key ID to unpadded base64 public key for
// every key not yet marked as published.
func (a *Account) UnpublishedOneTimeKeys() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make(map[string]string)
	for _, otk := range a.oneTimeKeys {
		if !otk.Published {
			keys[otk.ID] = EncodeBase64(otk.Pair.Public[:])
		}
	}
	return keys
}

// MarkKeysAsPublished flags every pooled key as uploaded to the server.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, otk := range a.oneTimeKeys {
		otk.Published = true
	}
}

// oneTimeKeyPair finds the pooled key pair matching a public key a peer used
// to open a session with us. Returns nil when the key is no longer held.
func (a *Account) oneTimeKeyPair(public [32]byte) *KeyPair {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, otk := range a.oneTimeKeys {
		if otk.Pair.Public == public {
			return otk.Pair
		}
	}
	return nil
}

// removeOneTimeKey drops a claimed key from the pool once a session has
// consumed it.
func (a *Account) removeOneTimeKey(public [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, otk := range a.oneTimeKeys {
		if otk.Pair.Public == public {
			a.oneTimeKeys = append(a.oneTimeKeys[:i], a.oneTimeKeys[i+1:]...)
			return
		}
	}
}

// accountPickle is the serialized form of an account.
type accountPickle struct {
	Identity    *KeyPair        `json:"identity"`
	Signing     *SigningKeyPair `json:"signing"`
	OneTimeKeys []*oneTimeKey   `json:"one_time_keys"`
	MaxKeys     int             `json:"max_keys"`
}

// Pickle serializes the account, private material included. Callers are
// responsible for encrypting the result at rest.
func (a *Account) Pickle() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(accountPickle{
		Identity:    a.identity,
		Signing:     a.signing,
		OneTimeKeys: a.oneTimeKeys,
		MaxKeys:     a.maxKeys,
	})
}

// UnpickleAccount restores an account serialized by Pickle.
func UnpickleAccount(data []byte) (*Account, error) {
	var p accountPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse account pickle: %w", err)
	}
	if p.Identity == nil || p.Signing == nil {
		return nil, fmt.Errorf("account pickle missing key material")
	}

	maxKeys := p.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxOneTimeKeys
	}

	return &Account{
		identity:    p.Identity,
		signing:     p.Signing,
		oneTimeKeys: p.OneTimeKeys,
		maxKeys:     maxKeys,
	}, nil
}
