// Package outgoing manages the lifecycle of outgoing room-key requests:
// queueing, delivery, cancellation, and cancel-with-resend, with retry on
// transport failure. Requests are persisted so an interrupted lifecycle
// resumes after a restart.
package outgoing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/homeserver"
	"github.com/opd-ai/mxcrypto/store"
)

// SendRetryInterval is how long the manager waits before retrying requests
// that failed to transmit.
const SendRetryInterval = 30 * time.Second

// Manager drives persisted outgoing room-key requests to their terminal
// state. Queue and cancel operations may be called from any goroutine.
type Manager struct {
	store    store.CryptoStore
	client   homeserver.Client
	deviceID string
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewManager builds a manager sending as the given device.
func NewManager(cryptoStore store.CryptoStore, client homeserver.Client, deviceID string) *Manager {
	return &Manager{
		store:    cryptoStore,
		client:   client,
		deviceID: deviceID,
		log:      logrus.WithField("component", "outgoing"),
	}
}

// Start launches the delivery loop. Requests persisted before the restart
// are picked up immediately.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("outgoing request manager already running")
	}
	m.running = true
	m.wake = make(chan struct{}, 1)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.wake, m.stop, m.done)
	m.wakeLocked()
	return nil
}

// Stop terminates the delivery loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}

func (m *Manager) wakeLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wake nudges the delivery loop to process pending requests now.
func (m *Manager) Wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.wakeLocked()
	}
}

// QueueRequest records a room-key request for delivery. A request for the
// same body is idempotent: an already-pending request is left alone, and a
// request being cancelled is flagged to resend after the cancellation.
func (m *Manager) QueueRequest(body event.RoomKeyRequestBody, recipients []event.RequestTarget) error {
	existing, err := m.store.OutgoingKeyRequestByFingerprint(body.Fingerprint())
	if err != nil {
		return fmt.Errorf("failed to look up request: %w", err)
	}
	if existing != nil {
		switch existing.State {
		case event.OutgoingCancellationPending:
			existing.State = event.OutgoingCancellationPendingAndWillResend
			if err := m.store.SaveOutgoingKeyRequest(existing); err != nil {
				return fmt.Errorf("failed to save request: %w", err)
			}
			m.Wake()
		}
		return nil
	}

	req := &event.OutgoingRoomKeyRequest{
		RequestID:  uuid.NewString(),
		Body:       body,
		Recipients: recipients,
		State:      event.OutgoingUnsent,
	}
	if err := m.store.SaveOutgoingKeyRequest(req); err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"session_id": body.SessionID,
	}).Debug("Queued room key request")
	m.Wake()
	return nil
}

// CancelRequest withdraws any outstanding request for the body. Unsent
// requests are dropped locally; transmitted requests get a cancellation
// event.
func (m *Manager) CancelRequest(body event.RoomKeyRequestBody) error {
	req, err := m.store.OutgoingKeyRequestByFingerprint(body.Fingerprint())
	if err != nil {
		return fmt.Errorf("failed to look up request: %w", err)
	}
	if req == nil {
		return nil
	}
	switch req.State {
	case event.OutgoingUnsent:
		return m.store.DeleteOutgoingKeyRequest(req.RequestID)
	case event.OutgoingSent, event.OutgoingCancellationPendingAndWillResend:
		req.State = event.OutgoingCancellationPending
		if err := m.store.SaveOutgoingKeyRequest(req); err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		m.Wake()
	}
	return nil
}

// CancelAndResend withdraws any outstanding request for the body and issues
// a fresh one under a new request ID once the cancellation is out.
func (m *Manager) CancelAndResend(body event.RoomKeyRequestBody, recipients []event.RequestTarget) error {
	req, err := m.store.OutgoingKeyRequestByFingerprint(body.Fingerprint())
	if err != nil {
		return fmt.Errorf("failed to look up request: %w", err)
	}
	if req == nil {
		return m.QueueRequest(body, recipients)
	}
	switch req.State {
	case event.OutgoingUnsent:
		// Not transmitted yet; the pending send already covers it.
		return nil
	default:
		req.State = event.OutgoingCancellationPendingAndWillResend
		req.Recipients = recipients
		if err := m.store.SaveOutgoingKeyRequest(req); err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		m.Wake()
	}
	return nil
}

func (m *Manager) run(wake, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(SendRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-wake:
		case <-ticker.C:
		}
		m.processPending(stop)
	}
}

func (m *Manager) processPending(stop chan struct{}) {
	pending, err := m.store.OutgoingKeyRequestsInStates([]event.OutgoingKeyRequestState{
		event.OutgoingUnsent,
		event.OutgoingCancellationPending,
		event.OutgoingCancellationPendingAndWillResend,
	})
	if err != nil {
		m.log.WithError(err).Warn("Failed to load pending requests")
		return
	}
	ctx := context.Background()
	for _, req := range pending {
		select {
		case <-stop:
			return
		default:
		}
		if err := m.process(ctx, req); err != nil {
			m.log.WithError(err).WithField("request_id", req.RequestID).
				Warn("Failed to process request, will retry")
		}
	}
}

func (m *Manager) process(ctx context.Context, req *event.OutgoingRoomKeyRequest) error {
	switch req.State {
	case event.OutgoingUnsent:
		if err := m.sendRequest(ctx, req); err != nil {
			return err
		}
		req.State = event.OutgoingSent
		return m.store.SaveOutgoingKeyRequest(req)

	case event.OutgoingCancellationPending:
		if err := m.sendCancellation(ctx, req.RequestID, req.Recipients); err != nil {
			return err
		}
		return m.store.DeleteOutgoingKeyRequest(req.RequestID)

	case event.OutgoingCancellationPendingAndWillResend:
		if err := m.sendCancellation(ctx, req.RequestID, req.Recipients); err != nil {
			return err
		}
		req.CancellationID = req.RequestID
		req.RequestID = uuid.NewString()
		req.State = event.OutgoingUnsent
		if err := m.store.DeleteOutgoingKeyRequest(req.CancellationID); err != nil {
			return err
		}
		if err := m.store.SaveOutgoingKeyRequest(req); err != nil {
			return err
		}
		m.Wake()
		return nil
	}
	return nil
}

func (m *Manager) sendRequest(ctx context.Context, req *event.OutgoingRoomKeyRequest) error {
	body := req.Body
	content := &event.RoomKeyRequestContent{
		Action:             event.ActionShareRequest,
		Body:               &body,
		RequestingDeviceID: m.deviceID,
		RequestID:          req.RequestID,
	}
	if err := m.send(ctx, content, req.Recipients); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"session_id": req.Body.SessionID,
	}).Debug("Sent room key request")
	return nil
}

func (m *Manager) sendCancellation(ctx context.Context, requestID string, recipients []event.RequestTarget) error {
	content := &event.RoomKeyRequestContent{
		Action:             event.ActionShareCancellation,
		RequestingDeviceID: m.deviceID,
		RequestID:          requestID,
	}
	if err := m.send(ctx, content, recipients); err != nil {
		return err
	}
	m.log.WithField("request_id", requestID).Debug("Sent room key request cancellation")
	return nil
}

func (m *Manager) send(ctx context.Context, content *event.RoomKeyRequestContent, recipients []event.RequestTarget) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	messages := make(homeserver.ToDeviceMessages)
	for _, target := range recipients {
		if messages[target.UserID] == nil {
			messages[target.UserID] = make(map[string]json.RawMessage)
		}
		messages[target.UserID][target.DeviceID] = raw
	}
	if err := m.client.SendToDevice(ctx, event.TypeRoomKeyRequest, messages); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}
