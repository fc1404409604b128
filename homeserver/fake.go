package homeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
)

// Fake is an in-memory homeserver used by tests and local wiring. It stores
// uploaded keys, serves claims and queries from them, and queues to-device
// messages per recipient device.
//
// Each connected device gets its own [Client] via ForDevice, the way a real
// deployment gives each session its own authenticated transport.
type Fake struct {
	mu       sync.Mutex
	devices  map[string]map[string]device.SignedKeys
	oneTime  map[string][]claimableKey
	inboxes  map[string][]event.ToDeviceEvent
	failures map[string]error

	UploadCalls int
	ClaimCalls  int
	QueryCalls  int
	SendCalls   int
}

type claimableKey struct {
	id  string
	key SignedOneTimeKey
}

// NewFake creates an empty fake homeserver.
func NewFake() *Fake {
	return &Fake{
		devices:  make(map[string]map[string]device.SignedKeys),
		oneTime:  make(map[string][]claimableKey),
		inboxes:  make(map[string][]event.ToDeviceEvent),
		failures: make(map[string]error),
	}
}

// FailNext makes the next call of the named method ("upload", "claim",
// "query", "send") return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

func (f *Fake) takeFailure(method string) error {
	if err, ok := f.failures[method]; ok {
		delete(f.failures, method)
		return err
	}
	return nil
}

// ForDevice returns a Client bound to one device's identity.
func (f *Fake) ForDevice(userID, deviceID string) Client {
	return &fakeSession{fake: f, userID: userID, deviceID: deviceID}
}

// TakeToDevice drains and returns the queued to-device events for a device.
func (f *Fake) TakeToDevice(userID, deviceID string) []event.ToDeviceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "|" + deviceID
	events := f.inboxes[key]
	delete(f.inboxes, key)
	return events
}

// OneTimeKeyCount reports how many unclaimed keys a device has on the server.
func (f *Fake) OneTimeKeyCount(userID, deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.oneTime[userID+"|"+deviceID])
}

type fakeSession struct {
	fake     *Fake
	userID   string
	deviceID string
}

func (s *fakeSession) UploadKeys(_ context.Context, req *UploadKeysRequest) (*UploadKeysResponse, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UploadCalls++
	if err := f.takeFailure("upload"); err != nil {
		return nil, err
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = s.deviceID
	}
	if req.DeviceKeys != nil {
		if f.devices[s.userID] == nil {
			f.devices[s.userID] = make(map[string]device.SignedKeys)
		}
		f.devices[s.userID][deviceID] = *req.DeviceKeys
	}

	poolKey := s.userID + "|" + deviceID
	for id, key := range req.OneTimeKeys {
		f.oneTime[poolKey] = append(f.oneTime[poolKey], claimableKey{id: id, key: key})
	}

	return &UploadKeysResponse{
		OneTimeKeyCounts: map[string]int{
			"signed_curve25519": len(f.oneTime[poolKey]),
		},
	}, nil
}

func (s *fakeSession) ClaimOneTimeKeys(_ context.Context, req *ClaimRequest) (*ClaimResponse, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClaimCalls++
	if err := f.takeFailure("claim"); err != nil {
		return nil, err
	}

	resp := &ClaimResponse{OneTimeKeys: make(map[string]map[string]map[string]SignedOneTimeKey)}
	for userID, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			poolKey := userID + "|" + deviceID
			pool := f.oneTime[poolKey]
			if len(pool) == 0 {
				continue
			}
			claimed := pool[0]
			f.oneTime[poolKey] = pool[1:]

			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[string]map[string]SignedOneTimeKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[string]SignedOneTimeKey{
				claimed.id: claimed.key,
			}
		}
	}
	return resp, nil
}

func (s *fakeSession) QueryKeys(_ context.Context, req *QueryRequest) (*QueryResponse, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls++
	if err := f.takeFailure("query"); err != nil {
		return nil, err
	}

	resp := &QueryResponse{DeviceKeys: make(map[string]map[string]device.SignedKeys)}
	for userID := range req.DeviceKeys {
		if devices, ok := f.devices[userID]; ok {
			copied := make(map[string]device.SignedKeys, len(devices))
			for id, keys := range devices {
				copied[id] = keys
			}
			resp.DeviceKeys[userID] = copied
		}
	}
	return resp, nil
}

func (s *fakeSession) SendToDevice(_ context.Context, eventType string, messages ToDeviceMessages) error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendCalls++
	if err := f.takeFailure("send"); err != nil {
		return err
	}

	for userID, perDevice := range messages {
		for deviceID, content := range perDevice {
			targets := []string{deviceID}
			if deviceID == "*" {
				targets = targets[:0]
				for id := range f.devices[userID] {
					targets = append(targets, id)
				}
			}
			for _, target := range targets {
				key := userID + "|" + target
				f.inboxes[key] = append(f.inboxes[key], event.ToDeviceEvent{
					Type:    eventType,
					Sender:  s.userID,
					Content: append(json.RawMessage(nil), content...),
				})
			}
		}
	}
	return nil
}

var _ Client = (*fakeSession)(nil)

// String implements fmt.Stringer for log output.
func (s *fakeSession) String() string {
	return fmt.Sprintf("fake-homeserver[%s/%s]", s.userID, s.deviceID)
}
