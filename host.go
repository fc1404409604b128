package mxcrypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/algorithm"
	"github.com/opd-ai/mxcrypto/canonicaljson"
	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/homeserver"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// coordinatorHost is the command handle handed to algorithm implementations.
// Algorithms hold this instead of an owning back-reference to the
// coordinator.
type coordinatorHost struct {
	c *Coordinator
}

func (c *Coordinator) host() algorithm.Host {
	return coordinatorHost{c: c}
}

func (h coordinatorHost) UserID() string                { return h.c.userID }
func (h coordinatorHost) DeviceID() string              { return h.c.deviceID }
func (h coordinatorHost) IdentityKey() string           { return h.c.account.IdentityKey() }
func (h coordinatorHost) FingerprintKey() string        { return h.c.account.FingerprintKey() }
func (h coordinatorHost) Store() store.CryptoStore      { return h.c.store }
func (h coordinatorHost) Account() *olm.Account         { return h.c.account }
func (h coordinatorHost) PersistAccount() error         { return h.c.persistAccount() }
func (h coordinatorHost) ReplayCache() *olm.ReplayCache { return h.c.replay }

func (h coordinatorHost) DownloadKeys(ctx context.Context, userIDs []string, forceDownload bool) (map[string]map[string]*device.Identity, error) {
	return h.c.tracker.Download(ctx, userIDs, forceDownload)
}

func (h coordinatorHost) EnsureOlmSessions(ctx context.Context, devices map[string][]*device.Identity) (map[string]map[string]string, error) {
	return h.c.ensureOlmSessions(ctx, devices)
}

func (h coordinatorHost) EncryptOlm(payloadType string, content json.RawMessage, target *device.Identity) (*event.EncryptedContent, error) {
	return h.c.encryptOlm(payloadType, content, target)
}

func (h coordinatorHost) SendToDevice(ctx context.Context, eventType string, messages homeserver.ToDeviceMessages) error {
	return h.c.client.SendToDevice(ctx, eventType, messages)
}

func (h coordinatorHost) BlacklistUnverifiedDevices(roomID string) bool {
	return h.c.blacklistUnverifiedDevices(roomID)
}

func (h coordinatorHost) RequestRoomKey(body event.RoomKeyRequestBody, recipients []event.RequestTarget) {
	if err := h.c.requests.QueueRequest(body, recipients); err != nil {
		h.c.log.WithError(err).Warn("Failed to queue room key request")
	}
}

func (h coordinatorHost) CancelRoomKeyRequest(body event.RoomKeyRequestBody) {
	if err := h.c.requests.CancelRequest(body); err != nil {
		h.c.log.WithError(err).Warn("Failed to cancel room key request")
	}
}

func (h coordinatorHost) OnSessionImported(roomID, senderKey, sessionID string) {
	h.c.notifySessionImported(roomID, senderKey, sessionID)
}

var _ algorithm.Host = coordinatorHost{}

// SetSessionImportedListener registers the hook fired whenever a new inbound
// group session becomes available, so the host can retry events that failed
// with an unknown session. The hook runs on the callback worker.
func (c *Coordinator) SetSessionImportedListener(fn func(roomID, senderKey, sessionID string)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.sessionImported = fn
}

func (c *Coordinator) notifySessionImported(roomID, senderKey, sessionID string) {
	c.listenerMu.Lock()
	fn := c.sessionImported
	c.listenerMu.Unlock()
	if fn == nil {
		return
	}
	c.callbackWorker.Do(func() { fn(roomID, senderKey, sessionID) })
}

// ensureOlmSessions establishes a one-to-one session with every listed
// device that lacks one, claiming one-time keys in a single batch. The
// result maps user to device to session ID; devices without a session are
// absent. A bad one-time key signature skips that device only.
func (c *Coordinator) ensureOlmSessions(ctx context.Context, devices map[string][]*device.Identity) (map[string]map[string]string, error) {
	result := make(map[string]map[string]string)
	record := func(userID, deviceID, sessionID string) {
		if result[userID] == nil {
			result[userID] = make(map[string]string)
		}
		result[userID][deviceID] = sessionID
	}

	claim := &homeserver.ClaimRequest{OneTimeKeys: make(map[string]map[string]string)}
	missing := make(map[string]map[string]*device.Identity)
	ownIdentityKey := c.account.IdentityKey()

	for userID, userDevices := range devices {
		for _, dev := range userDevices {
			identityKey := dev.IdentityKey()
			if identityKey == "" || identityKey == ownIdentityKey {
				continue
			}
			if dev.Verification == device.Blocked {
				continue
			}
			existing, err := c.store.OutboundOlmSession(identityKey)
			if err != nil {
				return nil, fmt.Errorf("failed to look up session: %w", err)
			}
			if existing != nil {
				record(userID, dev.DeviceID, existing.SessionID)
				continue
			}
			if claim.OneTimeKeys[userID] == nil {
				claim.OneTimeKeys[userID] = make(map[string]string)
				missing[userID] = make(map[string]*device.Identity)
			}
			claim.OneTimeKeys[userID][dev.DeviceID] = "signed_curve25519"
			missing[userID][dev.DeviceID] = dev
		}
	}
	if len(claim.OneTimeKeys) == 0 {
		return result, nil
	}

	resp, err := c.client.ClaimOneTimeKeys(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time keys: %w", err)
	}

	for userID, perDevice := range resp.OneTimeKeys {
		for deviceID, keys := range perDevice {
			dev := missing[userID][deviceID]
			if dev == nil {
				continue
			}
			sessionID, err := c.createOutboundSession(dev, keys)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"user_id":   userID,
					"device_id": deviceID,
				}).Warn("Skipping device with unusable one-time key")
				continue
			}
			record(userID, deviceID, sessionID)
		}
	}
	return result, nil
}

// createOutboundSession verifies a claimed one-time key's signature and
// builds the session against it.
func (c *Coordinator) createOutboundSession(dev *device.Identity, keys map[string]homeserver.SignedOneTimeKey) (string, error) {
	for keyID, key := range keys {
		if err := verifyOneTimeKey(dev, &key); err != nil {
			return "", fmt.Errorf("bad signature on %s: %w", keyID, err)
		}
		session, err := olm.NewOutboundSession(c.account.IdentityKeyPair(), dev.IdentityKey(), key.Key)
		if err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}
		pickle, err := session.Pickle()
		if err != nil {
			return "", fmt.Errorf("failed to pickle session: %w", err)
		}
		err = c.store.SaveOlmSession(&store.OlmSessionRecord{
			SessionID:       session.ID(),
			PeerIdentityKey: dev.IdentityKey(),
			Outbound:        true,
			Pickle:          pickle,
			LastUsed:        time.Now(),
		})
		if err != nil {
			return "", fmt.Errorf("failed to save session: %w", err)
		}
		return session.ID(), nil
	}
	return "", fmt.Errorf("claim response carried no key")
}

// verifyOneTimeKey checks the device's ed25519 signature over the key's
// signable form.
func verifyOneTimeKey(dev *device.Identity, key *homeserver.SignedOneTimeKey) error {
	sig := key.Signatures[dev.UserID]["ed25519:"+dev.DeviceID]
	if sig == "" {
		return fmt.Errorf("missing signature")
	}
	signable, err := canonicaljson.SignableFrom(struct {
		Key string `json:"key"`
	}{Key: key.Key})
	if err != nil {
		return fmt.Errorf("failed to canonicalize key: %w", err)
	}
	return olm.VerifySignature(dev.FingerprintKey(), signable, sig)
}

// encryptOlm seals a payload for one device over its established session.
// The payload is wrapped with sender and recipient bindings before
// encryption so a ciphertext cannot be replayed to another device. Returns
// nil without error when the device has no session.
func (c *Coordinator) encryptOlm(payloadType string, content json.RawMessage, target *device.Identity) (*event.EncryptedContent, error) {
	identityKey := target.IdentityKey()
	record, err := c.store.OutboundOlmSession(identityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	session, err := olm.UnpickleOutboundSession(record.Pickle)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle session: %w", err)
	}

	payload, err := canonicaljson.Marshal(&event.OlmPayload{
		Type:         payloadType,
		Content:      content,
		Sender:       c.userID,
		SenderDevice: c.deviceID,
		Keys: map[string]string{
			"ed25519": c.account.FingerprintKey(),
		},
		Recipient: target.UserID,
		RecipientKeys: map[string]string{
			"ed25519": target.FingerprintKey(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	msg, err := session.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	record.LastUsed = time.Now()
	if err := c.store.SaveOlmSession(record); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	ciphertext, err := json.Marshal(map[string]event.OlmMessage{
		identityKey: {Type: msg.Type, Body: msg.Body},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ciphertext: %w", err)
	}

	return &event.EncryptedContent{
		Algorithm:  event.AlgorithmOlmV1,
		SenderKey:  c.account.IdentityKey(),
		Ciphertext: ciphertext,
	}, nil
}

// blacklistUnverifiedDevices reports the effective policy for a room: the
// global switch or the room's own membership in the blacklist set.
func (c *Coordinator) blacklistUnverifiedDevices(roomID string) bool {
	global, err := c.store.GlobalBlacklistUnverifiedDevices()
	if err != nil {
		c.log.WithError(err).Warn("Failed to load global blacklist policy")
		return false
	}
	if global {
		return true
	}
	rooms, err := c.store.RoomsBlacklistUnverifiedDevices()
	if err != nil {
		c.log.WithError(err).Warn("Failed to load room blacklist policy")
		return false
	}
	for _, id := range rooms {
		if id == roomID {
			return true
		}
	}
	return false
}
