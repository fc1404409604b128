// Package event defines the Matrix event types and content payloads the
// crypto coordinator produces and consumes.
package event

import (
	"encoding/json"
)

// Encryption algorithm identifiers.
const (
	AlgorithmOlmV1    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"
)

// Event types handled by the coordinator.
const (
	TypeEncrypted        = "m.room.encrypted"
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeRoomEncryption   = "m.room.encryption"
	TypeRoomMember       = "m.room.member"
)

// Membership values from m.room.member state events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
)

// Event is a room timeline event.
type Event struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content"`
}

// ToDeviceEvent is a device-addressed event delivered through sync.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender,omitempty"`
	Content json.RawMessage `json:"content"`
}

// EncryptedContent is the content of an m.room.encrypted event. For Megolm
// the ciphertext is a base64 string; for Olm it is a map of recipient
// curve25519 key to message.
type EncryptedContent struct {
	Algorithm  string          `json:"algorithm"`
	SenderKey  string          `json:"sender_key"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	SessionID  string          `json:"session_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
}

// MegolmCiphertext decodes the ciphertext field as a Megolm string.
func (c *EncryptedContent) MegolmCiphertext() (string, error) {
	var s string
	err := json.Unmarshal(c.Ciphertext, &s)
	return s, err
}

// OlmCiphertext decodes the ciphertext field as an Olm per-device map.
func (c *EncryptedContent) OlmCiphertext() (map[string]OlmMessage, error) {
	var m map[string]OlmMessage
	err := json.Unmarshal(c.Ciphertext, &m)
	return m, err
}

// OlmMessage is one entry of an Olm ciphertext map.
type OlmMessage struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmPayload is the plaintext carried inside an Olm message. The recipient
// fields bind each ciphertext to the intended device and prevent replaying
// one Olm message into another recipient's session.
type OlmPayload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        string            `json:"sender"`
	SenderDevice  string            `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

// MegolmPayload is the plaintext carried inside a Megolm message.
type MegolmPayload struct {
	RoomID  string          `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// RoomKeyContent is the content of an m.room_key to-device event.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	ChainIndex uint32 `json:"chain_index"`
}

// ForwardedRoomKeyContent is the content of an m.forwarded_room_key
// to-device event.
type ForwardedRoomKeyContent struct {
	Algorithm                    string   `json:"algorithm"`
	RoomID                       string   `json:"room_id"`
	SenderKey                    string   `json:"sender_key"`
	SessionID                    string   `json:"session_id"`
	SessionKey                   string   `json:"session_key"`
	SenderClaimedEd25519Key      string   `json:"sender_claimed_ed25519_key,omitempty"`
	ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
}

// Room key request actions.
const (
	ActionShareRequest      = "request"
	ActionShareCancellation = "request_cancellation"
)

// RoomKeyRequestContent is the content of an m.room_key_request to-device
// event.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID string              `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}

// RoomKeyRequestBody identifies the session a key request asks for.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// Fingerprint returns a stable identity for the body, used to deduplicate
// outgoing requests.
func (b RoomKeyRequestBody) Fingerprint() string {
	return b.Algorithm + "|" + b.RoomID + "|" + b.SenderKey + "|" + b.SessionID
}

// RoomEncryptionContent is the content of an m.room.encryption state event.
type RoomEncryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int64  `json:"rotation_period_msgs,omitempty"`
}

// MemberContent is the content of an m.room.member state event.
type MemberContent struct {
	Membership string `json:"membership"`
}

// DecryptionResult is the outcome of successfully decrypting an event.
type DecryptionResult struct {
	// ClearEvent is the decrypted {type, content} object.
	ClearEvent json.RawMessage
	// SenderCurve25519Key is the claimed curve25519 key of the sending device.
	SenderCurve25519Key string
	// ClaimedEd25519Key is the ed25519 key the sender claimed, authenticated
	// only as far as the encryption channel authenticates it.
	ClaimedEd25519Key string
	// ForwardingCurve25519KeyChain lists the devices a forwarded key passed
	// through; empty for directly shared keys.
	ForwardingCurve25519KeyChain []string
}

// ClearType returns the type field of the clear event.
func (r *DecryptionResult) ClearType() string {
	var partial struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(r.ClearEvent, &partial)
	return partial.Type
}

// ClearContent returns the content field of the clear event.
func (r *DecryptionResult) ClearContent() json.RawMessage {
	var partial struct {
		Content json.RawMessage `json:"content"`
	}
	_ = json.Unmarshal(r.ClearEvent, &partial)
	return partial.Content
}

// MegolmSessionData is one entry of a room-keys export file.
type MegolmSessionData struct {
	Algorithm                    string   `json:"algorithm"`
	RoomID                       string   `json:"room_id"`
	SenderKey                    string   `json:"sender_key"`
	SessionID                    string   `json:"session_id"`
	SessionKey                   string   `json:"session_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys,omitempty"`
	ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
}
