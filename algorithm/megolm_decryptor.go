package algorithm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// MegolmDecryptor decrypts Megolm-encrypted room events and consumes the
// room-key traffic that makes them decryptable. All methods run on the
// coordinator's decrypt worker.
type MegolmDecryptor struct {
	roomID string
	host   Host

	// sessions caches unpickled inbound sessions by senderKey|sessionID.
	sessions map[string]*olm.InboundGroupSession
}

// NewMegolmDecryptor builds the Megolm decryptor for one room.
func NewMegolmDecryptor(roomID string, host Host) Decryptor {
	return &MegolmDecryptor{
		roomID:   roomID,
		host:     host,
		sessions: make(map[string]*olm.InboundGroupSession),
	}
}

func sessionCacheKey(senderKey, sessionID string) string {
	return senderKey + "|" + sessionID
}

// DecryptEvent decrypts one m.room.encrypted event within a timeline.
func (d *MegolmDecryptor) DecryptEvent(evt *event.Event, timelineID string) (*event.DecryptionResult, error) {
	var content event.EncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "malformed encrypted content")
	}
	if content.SenderKey == "" || content.SessionID == "" {
		return nil, decryptionError(CodeBadEncryptedMessage, "missing sender_key or session_id")
	}
	ciphertext, err := content.MegolmCiphertext()
	if err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "malformed ciphertext")
	}

	session, record, err := d.session(content.SenderKey, content.SessionID)
	if err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to load session")
	}
	if session == nil {
		d.requestKey(content.SenderKey, content.SessionID, evt.Sender, content.DeviceID)
		return nil, decryptionError(CodeUnknownInboundSession,
			"no session for sender key %s id %s", content.SenderKey, content.SessionID)
	}

	plaintext, index, err := session.Decrypt(ciphertext)
	switch {
	case errors.Is(err, olm.ErrUnknownMessageIndex):
		return nil, wrapDecryptionError(CodeUnknownMessageIndex, err,
			"session starts at index %d", session.FirstKnownIndex())
	case err != nil:
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "decryption failed")
	}

	if err := d.host.ReplayCache().Check(timelineID, content.SenderKey, content.SessionID, index, evt.EventID, evt.OriginServerTS); err != nil {
		return nil, wrapDecryptionError(CodeReplay, err,
			"index %d already seen in timeline", index)
	}

	var payload event.MegolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "malformed payload")
	}
	if payload.RoomID != evt.RoomID {
		return nil, decryptionError(CodeBadEncryptedMessage,
			"payload addressed to room %s, event in room %s", payload.RoomID, evt.RoomID)
	}

	return &event.DecryptionResult{
		ClearEvent:                   plaintext,
		SenderCurve25519Key:          content.SenderKey,
		ClaimedEd25519Key:            record.SenderClaimedEd25519Key,
		ForwardingCurve25519KeyChain: record.ForwardingChain,
	}, nil
}

// session returns the inbound session for a (sender key, session ID) pair,
// unpickling from the store on first use. Both returns are nil when the
// session is unknown.
func (d *MegolmDecryptor) session(senderKey, sessionID string) (*olm.InboundGroupSession, *store.InboundGroupSessionRecord, error) {
	record, err := d.host.Store().InboundGroupSession(senderKey, sessionID)
	if err != nil || record == nil {
		return nil, nil, err
	}
	key := sessionCacheKey(senderKey, sessionID)
	if session, ok := d.sessions[key]; ok {
		return session, record, nil
	}
	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpickle group session: %w", err)
	}
	d.sessions[key] = session
	return session, record, nil
}

// requestKey queues an outgoing key request addressed to the sending user's
// devices and our own.
func (d *MegolmDecryptor) requestKey(senderKey, sessionID, sender, senderDevice string) {
	body := event.RoomKeyRequestBody{
		Algorithm: event.AlgorithmMegolmV1,
		RoomID:    d.roomID,
		SenderKey: senderKey,
		SessionID: sessionID,
	}
	recipients := []event.RequestTarget{
		{UserID: d.host.UserID(), DeviceID: "*"},
	}
	if sender != "" && sender != d.host.UserID() {
		target := event.RequestTarget{UserID: sender, DeviceID: "*"}
		if senderDevice != "" {
			target.DeviceID = senderDevice
		}
		recipients = append(recipients, target)
	}
	d.host.RequestRoomKey(body, recipients)
}

// OnRoomKeyEvent imports a session key received over a decrypted Olm channel.
// senderKey is the curve25519 key the channel authenticated; senderEd25519 is
// the ed25519 key the sender claimed inside it.
func (d *MegolmDecryptor) OnRoomKeyEvent(eventType string, content json.RawMessage, senderKey, senderEd25519 string) {
	switch eventType {
	case event.TypeRoomKey:
		var key event.RoomKeyContent
		if err := json.Unmarshal(content, &key); err != nil {
			logrus.WithError(err).Warn("Discarding malformed room key")
			return
		}
		if key.Algorithm != event.AlgorithmMegolmV1 {
			return
		}
		d.importSession(&store.InboundGroupSessionRecord{
			RoomID:                  key.RoomID,
			SenderKey:               senderKey,
			SessionID:               key.SessionID,
			SenderClaimedEd25519Key: senderEd25519,
			Trusted:                 true,
		}, key.SessionKey)

	case event.TypeForwardedRoomKey:
		var key event.ForwardedRoomKeyContent
		if err := json.Unmarshal(content, &key); err != nil {
			logrus.WithError(err).Warn("Discarding malformed forwarded room key")
			return
		}
		if key.Algorithm != event.AlgorithmMegolmV1 {
			return
		}
		// The forwarder joins the chain; the claimed sender comes from the
		// forwarded metadata, not the carrying channel.
		chain := append(append([]string(nil), key.ForwardingCurve25519KeyChain...), senderKey)
		d.importSession(&store.InboundGroupSessionRecord{
			RoomID:                  key.RoomID,
			SenderKey:               key.SenderKey,
			SessionID:               key.SessionID,
			SenderClaimedEd25519Key: key.SenderClaimedEd25519Key,
			ForwardingChain:         chain,
			Trusted:                 false,
		}, key.SessionKey)
	}
}

// ImportSessionData installs one entry of a room-keys export file. Imported
// keys carry forwarded provenance and are never trusted for serving key
// requests. Returns true when the entry was installed or improved a held
// session.
func (d *MegolmDecryptor) ImportSessionData(data *event.MegolmSessionData, backedUp bool) bool {
	if data.Algorithm != event.AlgorithmMegolmV1 || data.RoomID != d.roomID {
		return false
	}
	return d.importSession(&store.InboundGroupSessionRecord{
		RoomID:                  data.RoomID,
		SenderKey:               data.SenderKey,
		SessionID:               data.SessionID,
		SenderClaimedEd25519Key: data.SenderClaimedKeys["ed25519"],
		ForwardingChain:         append([]string(nil), data.ForwardingCurve25519KeyChain...),
		Trusted:                 false,
		BackedUp:                backedUp,
	}, data.SessionKey)
}

// importSession installs a session key unless a session starting at the same
// or an earlier chain index is already held.
func (d *MegolmDecryptor) importSession(record *store.InboundGroupSessionRecord, sessionKey string) bool {
	log := logrus.WithFields(logrus.Fields{
		"room_id":    record.RoomID,
		"sender_key": record.SenderKey,
		"session_id": record.SessionID,
	})

	session, err := olm.NewInboundGroupSession(record.SessionID, sessionKey)
	if err != nil {
		log.WithError(err).Warn("Discarding unusable session key")
		return false
	}

	existing, _, err := d.session(record.SenderKey, record.SessionID)
	if err != nil {
		log.WithError(err).Warn("Failed to check existing session")
		return false
	}
	if existing != nil && existing.FirstKnownIndex() <= session.FirstKnownIndex() {
		log.Debug("Keeping existing session with earlier first known index")
		return false
	}

	record.Pickle, err = session.Pickle()
	if err != nil {
		log.WithError(err).Warn("Failed to pickle session")
		return false
	}
	if err := d.host.Store().SaveInboundGroupSession(record); err != nil {
		log.WithError(err).Warn("Failed to store session")
		return false
	}
	d.sessions[sessionCacheKey(record.SenderKey, record.SessionID)] = session

	log.WithField("first_known_index", session.FirstKnownIndex()).Info("Imported inbound group session")

	d.host.CancelRoomKeyRequest(event.RoomKeyRequestBody{
		Algorithm: event.AlgorithmMegolmV1,
		RoomID:    record.RoomID,
		SenderKey: record.SenderKey,
		SessionID: record.SessionID,
	})
	d.OnNewSession(record.SenderKey, record.SessionID)
	return true
}

// OnNewSession notifies the host that a session became available.
func (d *MegolmDecryptor) OnNewSession(senderKey, sessionID string) {
	d.host.OnSessionImported(d.roomID, senderKey, sessionID)
}

// HasKeysForKeyRequest reports whether the requested session is held with a
// directly shared, trusted key.
func (d *MegolmDecryptor) HasKeysForKeyRequest(body event.RoomKeyRequestBody) bool {
	record, err := d.host.Store().InboundGroupSession(body.SenderKey, body.SessionID)
	if err != nil || record == nil {
		return false
	}
	return record.RoomID == body.RoomID && record.Trusted
}

// ShareKeysWithDevice answers an incoming key request by forwarding the
// session key over Olm.
func (d *MegolmDecryptor) ShareKeysWithDevice(ctx context.Context, req *event.IncomingRoomKeyRequest) error {
	record, err := d.host.Store().InboundGroupSession(req.Body.SenderKey, req.Body.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if record == nil {
		return fmt.Errorf("no session for sender key %s id %s", req.Body.SenderKey, req.Body.SessionID)
	}
	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		return fmt.Errorf("failed to unpickle session: %w", err)
	}

	target, err := d.host.Store().Device(req.UserID, req.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load requesting device: %w", err)
	}
	if target == nil {
		return fmt.Errorf("unknown requesting device %s/%s", req.UserID, req.DeviceID)
	}

	sessions, err := d.host.EnsureOlmSessions(ctx, map[string][]*device.Identity{req.UserID: {target}})
	if err != nil {
		return fmt.Errorf("failed to establish session: %w", err)
	}
	if sessions[req.UserID][req.DeviceID] == "" {
		return fmt.Errorf("no olm session for device %s/%s", req.UserID, req.DeviceID)
	}

	forwarded, err := json.Marshal(&event.ForwardedRoomKeyContent{
		Algorithm:                    event.AlgorithmMegolmV1,
		RoomID:                       record.RoomID,
		SenderKey:                    record.SenderKey,
		SessionID:                    record.SessionID,
		SessionKey:                   session.Export(session.FirstKnownIndex()),
		SenderClaimedEd25519Key:      record.SenderClaimedEd25519Key,
		ForwardingCurve25519KeyChain: append([]string(nil), record.ForwardingChain...),
	})
	if err != nil {
		return fmt.Errorf("failed to encode forwarded key: %w", err)
	}

	encrypted, err := d.host.EncryptOlm(event.TypeForwardedRoomKey, forwarded, target)
	if err != nil {
		return fmt.Errorf("failed to encrypt forwarded key: %w", err)
	}
	if encrypted == nil {
		return fmt.Errorf("no olm session for device %s/%s", req.UserID, req.DeviceID)
	}
	raw, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to encode forwarded key message: %w", err)
	}

	err = d.host.SendToDevice(ctx, event.TypeEncrypted, map[string]map[string]json.RawMessage{
		req.UserID: {req.DeviceID: raw},
	})
	if err != nil {
		return fmt.Errorf("failed to send forwarded key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":    record.RoomID,
		"session_id": record.SessionID,
		"user_id":    req.UserID,
		"device_id":  req.DeviceID,
	}).Info("Forwarded room key to requesting device")
	return nil
}

var _ Decryptor = (*MegolmDecryptor)(nil)
