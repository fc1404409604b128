package algorithm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// OlmDecryptor decrypts one-to-one Olm messages addressed to the local
// device. It is instantiated with an empty room ID for to-device traffic and
// runs on the coordinator's decrypt worker.
type OlmDecryptor struct {
	host Host

	// sessions caches unpickled inbound sessions by session ID.
	sessions map[string]*olm.InboundSession
}

// NewOlmDecryptor builds the Olm decryptor.
func NewOlmDecryptor(_ string, host Host) Decryptor {
	return &OlmDecryptor{
		host:     host,
		sessions: make(map[string]*olm.InboundSession),
	}
}

func init() {
	Register(event.AlgorithmOlmV1, nil, NewOlmDecryptor)
}

// DecryptEvent decrypts an Olm message and validates the payload bindings
// that tie it to this device and the claimed sender.
func (d *OlmDecryptor) DecryptEvent(evt *event.Event, _ string) (*event.DecryptionResult, error) {
	var content event.EncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "malformed encrypted content")
	}
	if content.SenderKey == "" {
		return nil, decryptionError(CodeBadEncryptedMessage, "missing sender_key")
	}
	ciphertext, err := content.OlmCiphertext()
	if err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "malformed ciphertext")
	}
	msg, ok := ciphertext[d.host.IdentityKey()]
	if !ok {
		return nil, decryptionError(CodeBadEncryptedMessage, "message not addressed to this device")
	}
	if msg.Type != olm.MessageTypePreKey {
		return nil, decryptionError(CodeBadEncryptedMessage, "unsupported message type %d", msg.Type)
	}

	plaintext, err := d.decryptMessage(content.SenderKey, &olm.Message{Type: msg.Type, Body: msg.Body})
	if err != nil {
		return nil, err
	}

	var payload event.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "malformed payload")
	}
	if payload.Recipient != d.host.UserID() {
		return nil, decryptionError(CodeBadEncryptedMessage,
			"payload addressed to %s", payload.Recipient)
	}
	if payload.RecipientKeys["ed25519"] != d.host.FingerprintKey() {
		return nil, decryptionError(CodeBadEncryptedMessage, "payload bound to another device")
	}
	if evt.Sender != "" && payload.Sender != evt.Sender {
		return nil, decryptionError(CodeBadEncryptedMessage,
			"payload claims sender %s, event from %s", payload.Sender, evt.Sender)
	}

	clear, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: payload.Type, Content: payload.Content})
	if err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to encode clear event")
	}

	return &event.DecryptionResult{
		ClearEvent:          clear,
		SenderCurve25519Key: content.SenderKey,
		ClaimedEd25519Key:   payload.Keys["ed25519"],
	}, nil
}

// decryptMessage tries every stored session for the sender key before
// creating a fresh inbound session from the message's one-time key.
func (d *OlmDecryptor) decryptMessage(senderKey string, msg *olm.Message) ([]byte, error) {
	records, err := d.host.Store().OlmSessions(senderKey)
	if err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to load sessions")
	}
	for _, record := range records {
		if record.Outbound {
			continue
		}
		session, err := d.session(record)
		if err != nil {
			logrus.WithError(err).WithField("session_id", record.SessionID).
				Warn("Skipping unusable stored session")
			continue
		}
		if !session.MatchesMessage(senderKey, msg) {
			continue
		}
		plaintext, err := session.Decrypt(senderKey, msg)
		if err != nil {
			return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "decryption failed")
		}
		if err := d.persistSession(session, senderKey); err != nil {
			return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to persist session")
		}
		return plaintext, nil
	}
	return d.createInboundSession(senderKey, msg)
}

// createInboundSession consumes the one-time key the message was built
// against and installs the resulting session.
func (d *OlmDecryptor) createInboundSession(senderKey string, msg *olm.Message) ([]byte, error) {
	session, plaintext, err := d.host.Account().NewInboundSession(senderKey, msg)
	if err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to create inbound session")
	}
	if err := d.host.PersistAccount(); err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to persist account")
	}
	if err := d.persistSession(session, senderKey); err != nil {
		return nil, wrapDecryptionError(CodeBadEncryptedMessage, err, "failed to persist session")
	}

	logrus.WithFields(logrus.Fields{
		"sender_key": senderKey,
		"session_id": session.ID(),
	}).Debug("Created inbound one-to-one session")
	return plaintext, nil
}

func (d *OlmDecryptor) persistSession(session *olm.InboundSession, senderKey string) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("failed to pickle session: %w", err)
	}
	err = d.host.Store().SaveOlmSession(&store.OlmSessionRecord{
		SessionID:       session.ID(),
		PeerIdentityKey: senderKey,
		Outbound:        false,
		Pickle:          pickle,
		LastUsed:        time.Now(),
	})
	if err != nil {
		return err
	}
	d.sessions[session.ID()] = session
	return nil
}

func (d *OlmDecryptor) session(record *store.OlmSessionRecord) (*olm.InboundSession, error) {
	if session, ok := d.sessions[record.SessionID]; ok {
		return session, nil
	}
	session, err := olm.UnpickleInboundSession(record.Pickle)
	if err != nil {
		return nil, err
	}
	d.sessions[record.SessionID] = session
	return session, nil
}

// OnRoomKeyEvent is a no-op; room keys belong to the group algorithm.
func (d *OlmDecryptor) OnRoomKeyEvent(string, json.RawMessage, string, string) {}

// HasKeysForKeyRequest reports false; one-to-one sessions are never
// forwarded.
func (d *OlmDecryptor) HasKeysForKeyRequest(event.RoomKeyRequestBody) bool {
	return false
}

// ShareKeysWithDevice rejects all requests.
func (d *OlmDecryptor) ShareKeysWithDevice(_ context.Context, req *event.IncomingRoomKeyRequest) error {
	return fmt.Errorf("one-to-one sessions cannot be shared (request %s)", req.RequestID)
}

// OnNewSession is a no-op.
func (d *OlmDecryptor) OnNewSession(string, string) {}

var _ Decryptor = (*OlmDecryptor)(nil)
