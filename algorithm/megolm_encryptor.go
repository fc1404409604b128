package algorithm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// Default outbound session rotation policy, overridable per room through the
// room's encryption state event.
const (
	DefaultRotationPeriodMsgs = 100
	DefaultRotationPeriod     = 7 * 24 * time.Hour
)

// MegolmEncryptor encrypts events for one room under a shared outbound group
// session, sharing the session key over Olm with every eligible device. All
// methods run on the coordinator's encrypt worker; the struct needs no lock.
type MegolmEncryptor struct {
	roomID string
	host   Host

	session      *olm.OutboundGroupSession
	shareOnly    bool
	sharedWith   map[sharedTarget]bool
	messageCount uint32

	rotationPeriodMsgs uint32
	rotationPeriod     time.Duration
}

// sharedTarget records one device a session key was delivered to. The
// identity key is part of the key so a re-installed device with a fresh
// curve25519 key gets the session again.
type sharedTarget struct {
	userID      string
	deviceID    string
	identityKey string
}

// NewMegolmEncryptor builds the Megolm encryptor for one room.
func NewMegolmEncryptor(roomID string, host Host) Encryptor {
	return &MegolmEncryptor{
		roomID:             roomID,
		host:               host,
		sharedWith:         make(map[sharedTarget]bool),
		rotationPeriodMsgs: DefaultRotationPeriodMsgs,
		rotationPeriod:     DefaultRotationPeriod,
	}
}

func init() {
	Register(event.AlgorithmMegolmV1,
		NewMegolmEncryptor,
		NewMegolmDecryptor,
	)
}

// SetRotationPolicy overrides the session rotation bounds. Zero values keep
// the current setting.
func (e *MegolmEncryptor) SetRotationPolicy(periodMs, periodMsgs int64) {
	if periodMs > 0 {
		e.rotationPeriod = time.Duration(periodMs) * time.Millisecond
	}
	if periodMsgs > 0 {
		e.rotationPeriodMsgs = uint32(periodMsgs)
	}
}

// DiscardSession abandons the outbound session. The next encryption starts a
// fresh one and re-shares it.
func (e *MegolmEncryptor) DiscardSession() {
	if e.session != nil {
		logrus.WithFields(logrus.Fields{
			"room_id":    e.roomID,
			"session_id": e.session.ID(),
		}).Debug("Discarding outbound group session")
	}
	e.session = nil
	e.sharedWith = make(map[sharedTarget]bool)
	e.messageCount = 0
}

// EncryptEventContent encrypts content for the room, ensuring the outbound
// session exists, is fresh enough, and has been shared with every eligible
// device of the listed users.
func (e *MegolmEncryptor) EncryptEventContent(ctx context.Context, content json.RawMessage, eventType string, userIDs []string) (*event.EncryptedContent, error) {
	devices, err := e.host.DownloadKeys(ctx, userIDs, false)
	if err != nil {
		return nil, &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to download device keys", Err: err}
	}

	if e.needsRotation() {
		e.DiscardSession()
	}
	if e.session == nil {
		if err := e.newSession(); err != nil {
			return nil, &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to create outbound group session", Err: err}
		}
	}

	if err := e.shareSession(ctx, devices); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&event.MegolmPayload{
		RoomID:  e.roomID,
		Type:    eventType,
		Content: content,
	})
	if err != nil {
		return nil, &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to encode payload", Err: err}
	}

	ciphertext, err := e.session.Encrypt(payload)
	if err != nil {
		return nil, &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to encrypt payload", Err: err}
	}
	e.messageCount++

	rawCiphertext, err := json.Marshal(ciphertext)
	if err != nil {
		return nil, &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to encode ciphertext", Err: err}
	}

	return &event.EncryptedContent{
		Algorithm:  event.AlgorithmMegolmV1,
		SenderKey:  e.host.IdentityKey(),
		Ciphertext: rawCiphertext,
		SessionID:  e.session.ID(),
		DeviceID:   e.host.DeviceID(),
	}, nil
}

func (e *MegolmEncryptor) needsRotation() bool {
	if e.session == nil {
		return false
	}
	if e.messageCount >= e.rotationPeriodMsgs {
		return true
	}
	return time.Since(e.session.CreationTime()) >= e.rotationPeriod
}

// newSession creates a fresh outbound session and stores an inbound copy so
// the local device can decrypt its own messages.
func (e *MegolmEncryptor) newSession() error {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return err
	}

	inbound, err := olm.NewInboundGroupSession(session.ID(), session.SessionKey())
	if err != nil {
		return fmt.Errorf("failed to mirror outbound session: %w", err)
	}
	pickle, err := inbound.Pickle()
	if err != nil {
		return fmt.Errorf("failed to pickle inbound mirror: %w", err)
	}
	err = e.host.Store().SaveInboundGroupSession(&store.InboundGroupSessionRecord{
		RoomID:                  e.roomID,
		SenderKey:               e.host.IdentityKey(),
		SessionID:               session.ID(),
		Pickle:                  pickle,
		SenderClaimedEd25519Key: e.host.FingerprintKey(),
		Trusted:                 true,
	})
	if err != nil {
		return fmt.Errorf("failed to store inbound mirror: %w", err)
	}

	e.session = session
	e.sharedWith = make(map[sharedTarget]bool)
	e.messageCount = 0

	logrus.WithFields(logrus.Fields{
		"room_id":    e.roomID,
		"session_id": session.ID(),
	}).Info("Created outbound group session")
	return nil
}

// shareSession delivers the current session key to every eligible device that
// has not received it yet.
func (e *MegolmEncryptor) shareSession(ctx context.Context, devices map[string]map[string]*device.Identity) error {
	blacklistUnverified := e.host.BlacklistUnverifiedDevices(e.roomID)
	ownIdentityKey := e.host.IdentityKey()

	pending := make(map[string][]*device.Identity)
	for userID, userDevices := range devices {
		for _, dev := range userDevices {
			if dev.IdentityKey() == ownIdentityKey {
				continue
			}
			if dev.Verification == device.Blocked {
				continue
			}
			if blacklistUnverified && dev.Verification != device.Verified {
				logrus.WithFields(logrus.Fields{
					"room_id":   e.roomID,
					"user_id":   userID,
					"device_id": dev.DeviceID,
				}).Debug("Withholding session key from unverified device")
				continue
			}
			if !dev.SupportsAlgorithm(event.AlgorithmOlmV1) {
				continue
			}
			target := sharedTarget{userID: userID, deviceID: dev.DeviceID, identityKey: dev.IdentityKey()}
			if e.sharedWith[target] {
				continue
			}
			pending[userID] = append(pending[userID], dev)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sessions, err := e.host.EnsureOlmSessions(ctx, pending)
	if err != nil {
		return &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to establish sessions", Err: err}
	}

	roomKey, err := json.Marshal(&event.RoomKeyContent{
		Algorithm:  event.AlgorithmMegolmV1,
		RoomID:     e.roomID,
		SessionID:  e.session.ID(),
		SessionKey: e.session.SessionKey(),
		ChainIndex: e.session.MessageIndex(),
	})
	if err != nil {
		return &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to encode room key", Err: err}
	}

	messages := make(map[string]map[string]json.RawMessage)
	var delivered []sharedTarget
	shared := 0
	for userID, userDevices := range pending {
		for _, dev := range userDevices {
			if sessions[userID][dev.DeviceID] == "" {
				continue
			}
			encrypted, err := e.host.EncryptOlm(event.TypeRoomKey, roomKey, dev)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"user_id":   userID,
					"device_id": dev.DeviceID,
				}).Warn("Failed to encrypt room key for device")
				continue
			}
			if encrypted == nil {
				continue
			}
			raw, err := json.Marshal(encrypted)
			if err != nil {
				return &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to encode room key message", Err: err}
			}
			if messages[userID] == nil {
				messages[userID] = make(map[string]json.RawMessage)
			}
			messages[userID][dev.DeviceID] = raw
			delivered = append(delivered, sharedTarget{userID: userID, deviceID: dev.DeviceID, identityKey: dev.IdentityKey()})
			shared++
		}
	}

	if len(messages) > 0 {
		if err := e.host.SendToDevice(ctx, event.TypeEncrypted, messages); err != nil {
			return &EncryptionError{Code: CodeUnableToEncrypt, Reason: "failed to send room key", Err: err}
		}
	}
	for _, target := range delivered {
		e.sharedWith[target] = true
	}

	logrus.WithFields(logrus.Fields{
		"room_id":    e.roomID,
		"session_id": e.session.ID(),
		"devices":    shared,
	}).Debug("Shared outbound group session")
	return nil
}

var _ Encryptor = (*MegolmEncryptor)(nil)
