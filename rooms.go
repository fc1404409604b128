package mxcrypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opd-ai/mxcrypto/algorithm"
	"github.com/opd-ai/mxcrypto/event"
)

// SetEncryptionInRoom enables encryption in a room and starts tracking the
// listed members' device lists. A room's algorithm is write-once: a second
// call with a different algorithm fails. With inhibitDeviceQuery, member
// lists are marked stale but not downloaded until the next refresh.
func (c *Coordinator) SetEncryptionInRoom(ctx context.Context, roomID, algorithmName string, memberIDs []string, inhibitDeviceQuery bool) error {
	if !algorithm.Supported(algorithmName) {
		return fmt.Errorf("unsupported algorithm %s", algorithmName)
	}
	return c.encryptWorker.DoWaitErr(func() error {
		existing, err := c.store.RoomAlgorithm(roomID)
		if err != nil {
			return fmt.Errorf("failed to load room algorithm: %w", err)
		}
		if existing != "" && existing != algorithmName {
			return fmt.Errorf("room %s already uses %s", roomID, existing)
		}
		if existing == "" {
			if err := c.store.SaveRoomAlgorithm(roomID, algorithmName); err != nil {
				return fmt.Errorf("failed to save room algorithm: %w", err)
			}
		}
		for _, userID := range memberIDs {
			if err := c.tracker.StartTracking(userID); err != nil {
				return err
			}
		}
		if inhibitDeviceQuery {
			return nil
		}
		return c.tracker.RefreshStale(ctx)
	})
}

// HandleRoomEncryptionEvent consumes an m.room.encryption state event: the
// algorithm is recorded write-once and the rotation overrides are kept for
// the room's encryptor.
func (c *Coordinator) HandleRoomEncryptionEvent(roomID string, content json.RawMessage) {
	var parsed event.RoomEncryptionContent
	if err := json.Unmarshal(content, &parsed); err != nil {
		c.log.WithError(err).WithField("room_id", roomID).
			Warn("Discarding malformed encryption event")
		return
	}
	if !algorithm.Supported(parsed.Algorithm) {
		c.log.WithFields(map[string]interface{}{
			"room_id":   roomID,
			"algorithm": parsed.Algorithm,
		}).Warn("Ignoring encryption event with unsupported algorithm")
		return
	}
	c.encryptWorker.Do(func() {
		existing, err := c.store.RoomAlgorithm(roomID)
		if err != nil {
			c.log.WithError(err).Warn("Failed to load room algorithm")
			return
		}
		if existing == "" {
			if err := c.store.SaveRoomAlgorithm(roomID, parsed.Algorithm); err != nil {
				c.log.WithError(err).Warn("Failed to save room algorithm")
				return
			}
		} else if existing != parsed.Algorithm {
			c.log.WithFields(map[string]interface{}{
				"room_id": roomID,
				"was":     existing,
				"now":     parsed.Algorithm,
			}).Warn("Ignoring encryption event changing the room algorithm")
			return
		}
		c.roomConfigs[roomID] = parsed

		c.encMu.Lock()
		encryptor, ok := c.encryptors[roomID]
		c.encMu.Unlock()
		if ok {
			c.applyRotationPolicy(roomID, encryptor)
		}
	})
}

// HandleMemberEvent folds an m.room.member state event into device-list
// tracking: joining members are tracked, invited members only when the
// coordinator encrypts to invited members.
func (c *Coordinator) HandleMemberEvent(evt *event.Event) {
	if evt.Type != event.TypeRoomMember || evt.StateKey == nil {
		return
	}
	var content event.MemberContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return
	}
	track := content.Membership == event.MembershipJoin ||
		(content.Membership == event.MembershipInvite && c.options.EncryptToInvitedMembers)
	if !track {
		return
	}
	userID := *evt.StateKey
	c.encryptWorker.Do(func() {
		algorithmName, err := c.store.RoomAlgorithm(evt.RoomID)
		if err != nil || algorithmName == "" {
			return
		}
		if err := c.tracker.StartTracking(userID); err != nil {
			c.log.WithError(err).WithField("user_id", userID).
				Warn("Failed to track member")
		}
	})
}

// EncryptEvent encrypts content of the given type for the room, sharing the
// outbound session with the listed users' devices first. An idle coordinator
// is started; the call waits for startup. Runs on the encrypt worker.
func (c *Coordinator) EncryptEvent(ctx context.Context, roomID, eventType string, content json.RawMessage, userIDs []string) (*event.EncryptedContent, error) {
	type outcome struct {
		encrypted *event.EncryptedContent
		err       error
	}
	result := make(chan outcome, 1)

	ok := c.encryptWorker.Do(func() {
		if c.state == StateStarted {
			encrypted, err := c.encryptOnWorker(ctx, roomID, eventType, content, userIDs)
			result <- outcome{encrypted, err}
			return
		}
		c.startOnWorker(false, func(err error) {
			if err != nil {
				result <- outcome{nil, err}
				return
			}
			ok := c.encryptWorker.Do(func() {
				encrypted, err := c.encryptOnWorker(ctx, roomID, eventType, content, userIDs)
				result <- outcome{encrypted, err}
			})
			if !ok {
				result <- outcome{nil, ErrClosed}
			}
		})
	})
	if !ok {
		return nil, ErrClosed
	}

	select {
	case o := <-result:
		return o.encrypted, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) encryptOnWorker(ctx context.Context, roomID, eventType string, content json.RawMessage, userIDs []string) (*event.EncryptedContent, error) {
	encryptor, err := c.encryptorFor(roomID)
	if err != nil {
		return nil, err
	}
	return encryptor.EncryptEventContent(ctx, content, eventType, userIDs)
}

// DecryptEvent decrypts one m.room.encrypted room event. The timeline ID
// scopes replay detection; passing a fresh ID after a timeline reset clears
// the replay history for that view. Runs on the decrypt worker.
func (c *Coordinator) DecryptEvent(evt *event.Event, timelineID string) (*event.DecryptionResult, error) {
	var result *event.DecryptionResult
	var decryptErr error
	err := c.decryptWorker.DoWait(func() {
		result, decryptErr = c.decryptOnWorker(evt, timelineID)
	})
	if err != nil {
		return nil, err
	}
	return result, decryptErr
}

func (c *Coordinator) decryptOnWorker(evt *event.Event, timelineID string) (*event.DecryptionResult, error) {
	var content event.EncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return nil, &algorithm.DecryptionError{
			Code:   algorithm.CodeBadEncryptedMessage,
			Reason: "malformed encrypted content",
			Err:    err,
		}
	}
	decryptor := c.decryptorFor(evt.RoomID, content.Algorithm)
	if decryptor == nil {
		return nil, &algorithm.DecryptionError{
			Code:   algorithm.CodeBadEncryptedMessage,
			Reason: fmt.Sprintf("unsupported algorithm %s", content.Algorithm),
		}
	}
	return decryptor.DecryptEvent(evt, timelineID)
}

// ReRequestRoomKeyForEvent cancels any outstanding request for the event's
// session and issues a fresh one, addressed to all of the local user's
// devices and to the sending device.
func (c *Coordinator) ReRequestRoomKeyForEvent(evt *event.Event) error {
	var content event.EncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("failed to parse encrypted content: %w", err)
	}
	if content.SenderKey == "" || content.SessionID == "" {
		return fmt.Errorf("event carries no session identity")
	}
	body := event.RoomKeyRequestBody{
		Algorithm: content.Algorithm,
		RoomID:    evt.RoomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}
	recipients := []event.RequestTarget{{UserID: c.userID, DeviceID: "*"}}
	if evt.Sender != "" && evt.Sender != c.userID {
		recipients = append(recipients, event.RequestTarget{UserID: evt.Sender, DeviceID: content.DeviceID})
	}
	return c.requests.CancelAndResend(body, recipients)
}

// ResetReplayAttackCheckInTimeline forgets the replay history of one
// timeline, used when the host rebuilds a timeline view from scratch.
func (c *Coordinator) ResetReplayAttackCheckInTimeline(timelineID string) {
	c.replay.Reset(timelineID)
}

// DiscardOutboundSession abandons the room's active outbound session so the
// next encryption starts and shares a fresh one.
func (c *Coordinator) DiscardOutboundSession(roomID string) error {
	return c.encryptWorker.DoWaitErr(func() error {
		c.encMu.Lock()
		encryptor, ok := c.encryptors[roomID]
		c.encMu.Unlock()
		if !ok {
			return nil
		}
		encryptor.DiscardSession()
		return nil
	})
}

// IsRoomEncrypted reports whether the room has an encryption algorithm
// configured.
func (c *Coordinator) IsRoomEncrypted(roomID string) (bool, error) {
	algorithmName, err := c.store.RoomAlgorithm(roomID)
	if err != nil {
		return false, err
	}
	return algorithmName != "", nil
}
