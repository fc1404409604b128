// Package algorithm implements the per-room encryption and decryption
// strategies behind the crypto coordinator. Algorithms form a closed set
// registered at init time; the coordinator instantiates them per room through
// the registry and drives them on its owning workers.
package algorithm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/homeserver"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// Host is the command handle algorithms use to reach coordinator-owned
// facilities. It is implemented by the coordinator; algorithms hold this
// handle instead of an owning back-reference.
type Host interface {
	// UserID returns the local user.
	UserID() string
	// DeviceID returns the local device.
	DeviceID() string
	// IdentityKey returns the local curve25519 key, unpadded base64.
	IdentityKey() string
	// FingerprintKey returns the local ed25519 key, unpadded base64.
	FingerprintKey() string

	// Store exposes the persistent key store.
	Store() store.CryptoStore
	// Account exposes the local primitive account. Callers run on the owning
	// worker and must call PersistAccount after mutating it.
	Account() *olm.Account
	// PersistAccount writes the account back to the store.
	PersistAccount() error
	// ReplayCache exposes the per-timeline replay cache.
	ReplayCache() *olm.ReplayCache

	// DownloadKeys returns the known devices of the given users, refreshing
	// stale lists first. With forceDownload, lists are refreshed
	// unconditionally.
	DownloadKeys(ctx context.Context, userIDs []string, forceDownload bool) (map[string]map[string]*device.Identity, error)

	// EnsureOlmSessions establishes one-to-one sessions where possible and
	// returns user -> device -> session ID for the devices that have one.
	EnsureOlmSessions(ctx context.Context, devices map[string][]*device.Identity) (map[string]map[string]string, error)

	// EncryptOlm seals a payload for one target device over its established
	// session. Returns nil with no error when the device has no session.
	EncryptOlm(payloadType string, content json.RawMessage, target *device.Identity) (*event.EncryptedContent, error)

	// SendToDevice delivers device-addressed events.
	SendToDevice(ctx context.Context, eventType string, messages homeserver.ToDeviceMessages) error

	// BlacklistUnverifiedDevices reports the effective policy for a room.
	BlacklistUnverifiedDevices(roomID string) bool

	// RequestRoomKey queues an outgoing key request for an undecryptable
	// session.
	RequestRoomKey(body event.RoomKeyRequestBody, recipients []event.RequestTarget)

	// CancelRoomKeyRequest cancels any outstanding request for the body.
	CancelRoomKeyRequest(body event.RoomKeyRequestBody)

	// OnSessionImported is invoked after a decryptor installs a session, so
	// queued undecryptable events can be retried.
	OnSessionImported(roomID, senderKey, sessionID string)
}

// Encryptor encrypts room events under one algorithm for one room.
type Encryptor interface {
	// EncryptEventContent encrypts content of the given type for the listed
	// users, establishing and sharing outbound sessions as required.
	EncryptEventContent(ctx context.Context, content json.RawMessage, eventType string, userIDs []string) (*event.EncryptedContent, error)

	// DiscardSession abandons the active outbound session so the next
	// encryption starts a fresh one.
	DiscardSession()
}

// Decryptor decrypts room events under one algorithm for one room and serves
// key requests for the sessions it holds.
type Decryptor interface {
	// DecryptEvent decrypts a single event within a timeline.
	DecryptEvent(evt *event.Event, timelineID string) (*event.DecryptionResult, error)

	// OnRoomKeyEvent consumes a decrypted m.room_key or m.forwarded_room_key
	// payload. senderKey is the curve25519 key the carrying Olm message was
	// authenticated against; senderEd25519 is the key it claimed.
	OnRoomKeyEvent(eventType string, content json.RawMessage, senderKey, senderEd25519 string)

	// HasKeysForKeyRequest reports whether the decryptor can serve a key
	// request.
	HasKeysForKeyRequest(body event.RoomKeyRequestBody) bool

	// ShareKeysWithDevice sends the requested keys to the requesting device.
	ShareKeysWithDevice(ctx context.Context, req *event.IncomingRoomKeyRequest) error

	// OnNewSession is invoked when a session becomes available through
	// import, so queued undecryptable events can be retried by the host.
	OnNewSession(senderKey, sessionID string)
}

// EncryptorFactory builds an Encryptor for one room.
type EncryptorFactory func(roomID string, host Host) Encryptor

// DecryptorFactory builds a Decryptor for one room. The room ID is "" for
// to-device traffic.
type DecryptorFactory func(roomID string, host Host) Decryptor

type registration struct {
	newEncryptor EncryptorFactory
	newDecryptor DecryptorFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register adds an algorithm to the closed set. Either factory may be nil
// for algorithms that only support one direction.
func Register(algorithm string, enc EncryptorFactory, dec DecryptorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[algorithm] = registration{newEncryptor: enc, newDecryptor: dec}
}

// NewEncryptor instantiates the registered encryptor for an algorithm, or
// nil when the algorithm is unknown or decrypt-only.
func NewEncryptor(algorithm, roomID string, host Host) Encryptor {
	registryMu.RLock()
	reg, ok := registry[algorithm]
	registryMu.RUnlock()
	if !ok || reg.newEncryptor == nil {
		return nil
	}
	return reg.newEncryptor(roomID, host)
}

// NewDecryptor instantiates the registered decryptor for an algorithm, or
// nil when the algorithm is unknown or encrypt-only.
func NewDecryptor(algorithm, roomID string, host Host) Decryptor {
	registryMu.RLock()
	reg, ok := registry[algorithm]
	registryMu.RUnlock()
	if !ok || reg.newDecryptor == nil {
		return nil
	}
	return reg.newDecryptor(roomID, host)
}

// Supported reports whether an algorithm has any registered implementation.
func Supported(algorithm string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[algorithm]
	return ok
}
