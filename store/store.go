// Package store defines the persistent key store contract the crypto
// coordinator runs against, together with an in-memory implementation.
// A bbolt-backed implementation lives in the boltstore subpackage.
package store

import (
	"time"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
)

// Device-list tracking states persisted per user.
const (
	// TrackingNotTracked means the user's device list is not followed.
	TrackingNotTracked = 0
	// TrackingPendingDownload means the list is followed but stale.
	TrackingPendingDownload = 1
	// TrackingDownloadInProgress means a refresh has been issued.
	TrackingDownloadInProgress = 2
	// TrackingUpToDate means the list is fresh.
	TrackingUpToDate = 3
)

// OlmSessionRecord is a pickled one-to-one session bound to a peer identity
// key.
type OlmSessionRecord struct {
	SessionID       string    `json:"session_id"`
	PeerIdentityKey string    `json:"peer_identity_key"`
	Outbound        bool      `json:"outbound"`
	Pickle          []byte    `json:"pickle"`
	LastUsed        time.Time `json:"last_used"`
}

// InboundGroupSessionRecord is a pickled inbound group session plus the
// trust metadata that travels with it.
type InboundGroupSessionRecord struct {
	RoomID                  string   `json:"room_id"`
	SenderKey               string   `json:"sender_key"`
	SessionID               string   `json:"session_id"`
	Pickle                  []byte   `json:"pickle"`
	ForwardingChain         []string `json:"forwarding_chain"`
	SenderClaimedEd25519Key string   `json:"sender_claimed_ed25519_key"`
	Trusted                 bool     `json:"trusted"`
	BackedUp                bool     `json:"backed_up"`
}

// CryptoStore persists everything the coordinator must not lose across a
// restart. Implementations must support concurrent use; lookups for absent
// records return (nil, nil) or the type's zero value with a nil error.
type CryptoStore interface {
	// DeviceID returns the stored local device ID, or "".
	DeviceID() (string, error)
	SaveDeviceID(deviceID string) error

	// Account returns the pickled local account, or nil.
	Account() ([]byte, error)
	SaveAccount(pickle []byte) error

	// Devices returns the known devices of a user, or nil when the user is
	// not tracked.
	Devices(userID string) (map[string]*device.Identity, error)
	SaveDevices(userID string, devices map[string]*device.Identity) error
	Device(userID, deviceID string) (*device.Identity, error)
	SaveDevice(userID string, dev *device.Identity) error
	// DeviceByIdentityKey resolves a device from its curve25519 key.
	DeviceByIdentityKey(identityKey string) (*device.Identity, error)

	DeviceTrackingStatus() (map[string]int, error)
	SaveDeviceTrackingStatus(status map[string]int) error
	DeviceSyncToken() (string, error)
	SaveDeviceSyncToken(token string) error

	// RoomAlgorithm returns the write-once encryption algorithm of a room,
	// or "".
	RoomAlgorithm(roomID string) (string, error)
	SaveRoomAlgorithm(roomID, algorithm string) error

	SaveOlmSession(rec *OlmSessionRecord) error
	OlmSessions(peerIdentityKey string) ([]*OlmSessionRecord, error)
	// OutboundOlmSession returns the active outbound session for a peer key,
	// or nil.
	OutboundOlmSession(peerIdentityKey string) (*OlmSessionRecord, error)

	SaveInboundGroupSession(rec *InboundGroupSessionRecord) error
	InboundGroupSession(senderKey, sessionID string) (*InboundGroupSessionRecord, error)
	InboundGroupSessions() ([]*InboundGroupSessionRecord, error)

	SaveIncomingKeyRequest(req *event.IncomingRoomKeyRequest) error
	DeleteIncomingKeyRequest(userID, deviceID, requestID string) error
	IncomingKeyRequests() ([]*event.IncomingRoomKeyRequest, error)

	SaveOutgoingKeyRequest(req *event.OutgoingRoomKeyRequest) error
	DeleteOutgoingKeyRequest(requestID string) error
	// OutgoingKeyRequestByFingerprint resolves a request by its body
	// fingerprint, or nil.
	OutgoingKeyRequestByFingerprint(fingerprint string) (*event.OutgoingRoomKeyRequest, error)
	OutgoingKeyRequestByID(requestID string) (*event.OutgoingRoomKeyRequest, error)
	OutgoingKeyRequestsInStates(states []event.OutgoingKeyRequestState) ([]*event.OutgoingRoomKeyRequest, error)

	GlobalBlacklistUnverifiedDevices() (bool, error)
	SetGlobalBlacklistUnverifiedDevices(blacklist bool) error
	RoomsBlacklistUnverifiedDevices() ([]string, error)
	SetRoomBlacklistUnverifiedDevices(roomID string, blacklist bool) error

	Close() error
}
