package mxcrypto

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
)

// KeyRequestListener is notified when a key request from an unverified
// device of the local user awaits a share-or-ignore decision, and when a
// pending request is withdrawn by the requester. Listeners run on the
// callback worker.
type KeyRequestListener interface {
	// OnRoomKeyRequest is invoked for a request awaiting a decision.
	OnRoomKeyRequest(req *event.IncomingRoomKeyRequest)
	// OnRoomKeyRequestCancellation is invoked when a pending request is
	// withdrawn.
	OnRoomKeyRequestCancellation(req *event.IncomingRoomKeyRequest)
}

// AddKeyRequestListener registers a listener and returns a handle for
// removal.
func (c *Coordinator) AddKeyRequestListener(listener KeyRequestListener) int {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners[id] = listener
	return id
}

// RemoveKeyRequestListener drops a previously registered listener.
func (c *Coordinator) RemoveKeyRequestListener(id int) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	delete(c.listeners, id)
}

func (c *Coordinator) notifyKeyRequest(req *event.IncomingRoomKeyRequest, cancellation bool) {
	c.listenerMu.Lock()
	listeners := make([]KeyRequestListener, 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.listenerMu.Unlock()
	if len(listeners) == 0 {
		return
	}
	c.callbackWorker.Do(func() {
		for _, listener := range listeners {
			if cancellation {
				listener.OnRoomKeyRequestCancellation(req)
			} else {
				listener.OnRoomKeyRequest(req)
			}
		}
	})
}

// queueKeyRequest parses an m.room_key_request event onto the share or
// cancellation queue. Runs on the encrypt worker; the queues drain after
// the next non-catch-up sync.
func (c *Coordinator) queueKeyRequest(evt *event.ToDeviceEvent) {
	var content event.RoomKeyRequestContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		c.log.WithError(err).Warn("Discarding malformed key request")
		return
	}
	req := &event.IncomingRoomKeyRequest{
		RequestID: content.RequestID,
		UserID:    evt.Sender,
		DeviceID:  content.RequestingDeviceID,
	}
	switch content.Action {
	case event.ActionShareRequest:
		if content.Body == nil {
			c.log.Warn("Discarding key request without body")
			return
		}
		req.Body = *content.Body
		c.pendingRequests = append(c.pendingRequests, req)
	case event.ActionShareCancellation:
		c.pendingCancellations = append(c.pendingCancellations, req)
	}
}

// drainIncomingKeyRequests processes both queues. Runs on the encrypt
// worker.
func (c *Coordinator) drainIncomingKeyRequests(ctx context.Context) {
	requests := c.pendingRequests
	cancellations := c.pendingCancellations
	c.pendingRequests = nil
	c.pendingCancellations = nil

	for _, req := range requests {
		c.handleKeyRequest(ctx, req)
	}
	for _, req := range cancellations {
		c.handleKeyRequestCancellation(req)
	}
}

func (c *Coordinator) handleKeyRequest(ctx context.Context, req *event.IncomingRoomKeyRequest) {
	log := c.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"user_id":    req.UserID,
		"req_device": req.DeviceID,
	})

	if req.UserID != c.userID {
		log.Debug("Ignoring cross-user key request")
		return
	}
	if req.DeviceID == c.deviceID {
		c.deleteIncomingRequest(req)
		return
	}

	decryptor := c.decryptorFor(req.Body.RoomID, req.Body.Algorithm)
	if decryptor == nil {
		log.Debug("Dropping key request for unsupported algorithm")
		return
	}
	if !decryptor.HasKeysForKeyRequest(req.Body) {
		c.deleteIncomingRequest(req)
		return
	}

	requester, err := c.store.Device(req.UserID, req.DeviceID)
	if err != nil {
		log.WithError(err).Warn("Failed to load requesting device")
		return
	}
	if requester == nil {
		log.Debug("Dropping key request from unknown device")
		return
	}

	switch requester.Verification {
	case device.Verified:
		if err := decryptor.ShareKeysWithDevice(ctx, req); err != nil {
			log.WithError(err).Warn("Failed to share keys with verified device")
			return
		}
		c.deleteIncomingRequest(req)
	case device.Blocked:
		c.deleteIncomingRequest(req)
	default:
		req.State = event.IncomingPending
		if err := c.store.SaveIncomingKeyRequest(req); err != nil {
			log.WithError(err).Warn("Failed to persist key request")
			return
		}
		c.notifyKeyRequest(req, false)
	}
}

func (c *Coordinator) handleKeyRequestCancellation(cancel *event.IncomingRoomKeyRequest) {
	pending, err := c.store.IncomingKeyRequests()
	if err != nil {
		c.log.WithError(err).Warn("Failed to load pending key requests")
		return
	}
	for _, req := range pending {
		if req.UserID == cancel.UserID && req.DeviceID == cancel.DeviceID && req.RequestID == cancel.RequestID {
			c.deleteIncomingRequest(req)
			c.notifyKeyRequest(req, true)
			return
		}
	}
}

func (c *Coordinator) deleteIncomingRequest(req *event.IncomingRoomKeyRequest) {
	if err := c.store.DeleteIncomingKeyRequest(req.UserID, req.DeviceID, req.RequestID); err != nil {
		c.log.WithError(err).Warn("Failed to delete key request")
	}
}

// PendingKeyRequests returns the persisted requests awaiting a decision.
func (c *Coordinator) PendingKeyRequests() ([]*event.IncomingRoomKeyRequest, error) {
	return c.store.IncomingKeyRequests()
}

// ShareKeyRequest grants a pending request: the keys are forwarded to the
// requesting device and the request is deleted.
func (c *Coordinator) ShareKeyRequest(ctx context.Context, req *event.IncomingRoomKeyRequest) error {
	return c.encryptWorker.DoWaitErr(func() error {
		decryptor := c.decryptorFor(req.Body.RoomID, req.Body.Algorithm)
		if decryptor == nil {
			c.deleteIncomingRequest(req)
			return nil
		}
		if err := decryptor.ShareKeysWithDevice(ctx, req); err != nil {
			return err
		}
		c.deleteIncomingRequest(req)
		return nil
	})
}

// IgnoreKeyRequest declines a pending request and deletes it.
func (c *Coordinator) IgnoreKeyRequest(req *event.IncomingRoomKeyRequest) error {
	return c.encryptWorker.DoWaitErr(func() error {
		c.deleteIncomingRequest(req)
		return nil
	})
}
