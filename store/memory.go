package store

import (
	"sync"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
)

// MemoryStore is a CryptoStore kept entirely in memory. It is the store of
// choice for tests and for hosts that manage persistence themselves by
// snapshotting.
type MemoryStore struct {
	mu sync.RWMutex

	deviceID       string
	account        []byte
	devices        map[string]map[string]*device.Identity
	trackingStatus map[string]int
	syncToken      string
	roomAlgorithms map[string]string

	olmSessions   map[string][]*OlmSessionRecord
	groupSessions map[string]*InboundGroupSessionRecord

	incomingRequests map[string]*event.IncomingRoomKeyRequest
	outgoingRequests map[string]*event.OutgoingRoomKeyRequest

	globalBlacklist bool
	roomBlacklist   map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:          make(map[string]map[string]*device.Identity),
		trackingStatus:   make(map[string]int),
		roomAlgorithms:   make(map[string]string),
		olmSessions:      make(map[string][]*OlmSessionRecord),
		groupSessions:    make(map[string]*InboundGroupSessionRecord),
		incomingRequests: make(map[string]*event.IncomingRoomKeyRequest),
		outgoingRequests: make(map[string]*event.OutgoingRoomKeyRequest),
		roomBlacklist:    make(map[string]bool),
	}
}

func (s *MemoryStore) DeviceID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID, nil
}

func (s *MemoryStore) SaveDeviceID(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = deviceID
	return nil
}

func (s *MemoryStore) Account() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil, nil
	}
	return append([]byte(nil), s.account...), nil
}

func (s *MemoryStore) SaveAccount(pickle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = append([]byte(nil), pickle...)
	return nil
}

func (s *MemoryStore) Devices(userID string) (map[string]*device.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices, ok := s.devices[userID]
	if !ok {
		return nil, nil
	}
	copied := make(map[string]*device.Identity, len(devices))
	for id, dev := range devices {
		clone := *dev
		copied[id] = &clone
	}
	return copied, nil
}

func (s *MemoryStore) SaveDevices(userID string, devices map[string]*device.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]*device.Identity, len(devices))
	for id, dev := range devices {
		clone := *dev
		copied[id] = &clone
	}
	s.devices[userID] = copied
	return nil
}

func (s *MemoryStore) Device(userID, deviceID string) (*device.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dev, ok := s.devices[userID][deviceID]; ok {
		clone := *dev
		return &clone, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveDevice(userID string, dev *device.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[userID] == nil {
		s.devices[userID] = make(map[string]*device.Identity)
	}
	clone := *dev
	s.devices[userID][dev.DeviceID] = &clone
	return nil
}

func (s *MemoryStore) DeviceByIdentityKey(identityKey string) (*device.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, devices := range s.devices {
		for _, dev := range devices {
			if dev.IdentityKey() == identityKey {
				clone := *dev
				return &clone, nil
			}
		}
	}
	return nil, nil
}

func (s *MemoryStore) DeviceTrackingStatus() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]int, len(s.trackingStatus))
	for user, status := range s.trackingStatus {
		copied[user] = status
	}
	return copied, nil
}

func (s *MemoryStore) SaveDeviceTrackingStatus(status map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]int, len(status))
	for user, st := range status {
		copied[user] = st
	}
	s.trackingStatus = copied
	return nil
}

func (s *MemoryStore) DeviceSyncToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncToken, nil
}

func (s *MemoryStore) SaveDeviceSyncToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncToken = token
	return nil
}

func (s *MemoryStore) RoomAlgorithm(roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomAlgorithms[roomID], nil
}

func (s *MemoryStore) SaveRoomAlgorithm(roomID, algorithm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomAlgorithms[roomID] = algorithm
	return nil
}

func (s *MemoryStore) SaveOlmSession(rec *OlmSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	sessions := s.olmSessions[rec.PeerIdentityKey]
	for i, existing := range sessions {
		if existing.SessionID == rec.SessionID {
			sessions[i] = &clone
			return nil
		}
	}
	s.olmSessions[rec.PeerIdentityKey] = append(sessions, &clone)
	return nil
}

func (s *MemoryStore) OlmSessions(peerIdentityKey string) ([]*OlmSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := s.olmSessions[peerIdentityKey]
	copied := make([]*OlmSessionRecord, len(sessions))
	for i, rec := range sessions {
		clone := *rec
		copied[i] = &clone
	}
	return copied, nil
}

func (s *MemoryStore) OutboundOlmSession(peerIdentityKey string) (*OlmSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *OlmSessionRecord
	for _, rec := range s.olmSessions[peerIdentityKey] {
		if !rec.Outbound {
			continue
		}
		if latest == nil || rec.LastUsed.After(latest.LastUsed) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func groupSessionKey(senderKey, sessionID string) string {
	return senderKey + "|" + sessionID
}

func (s *MemoryStore) SaveInboundGroupSession(rec *InboundGroupSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.groupSessions[groupSessionKey(rec.SenderKey, rec.SessionID)] = &clone
	return nil
}

func (s *MemoryStore) InboundGroupSession(senderKey, sessionID string) (*InboundGroupSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.groupSessions[groupSessionKey(senderKey, sessionID)]; ok {
		clone := *rec
		return &clone, nil
	}
	return nil, nil
}

func (s *MemoryStore) InboundGroupSessions() ([]*InboundGroupSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InboundGroupSessionRecord, 0, len(s.groupSessions))
	for _, rec := range s.groupSessions {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

func incomingRequestKey(userID, deviceID, requestID string) string {
	return userID + "|" + deviceID + "|" + requestID
}

func (s *MemoryStore) SaveIncomingKeyRequest(req *event.IncomingRoomKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.incomingRequests[incomingRequestKey(req.UserID, req.DeviceID, req.RequestID)] = &clone
	return nil
}

func (s *MemoryStore) DeleteIncomingKeyRequest(userID, deviceID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incomingRequests, incomingRequestKey(userID, deviceID, requestID))
	return nil
}

func (s *MemoryStore) IncomingKeyRequests() ([]*event.IncomingRoomKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*event.IncomingRoomKeyRequest, 0, len(s.incomingRequests))
	for _, req := range s.incomingRequests {
		clone := *req
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) SaveOutgoingKeyRequest(req *event.OutgoingRoomKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.outgoingRequests[req.RequestID] = &clone
	return nil
}

func (s *MemoryStore) DeleteOutgoingKeyRequest(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outgoingRequests, requestID)
	return nil
}

func (s *MemoryStore) OutgoingKeyRequestByFingerprint(fingerprint string) (*event.OutgoingRoomKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.outgoingRequests {
		if req.Body.Fingerprint() == fingerprint {
			clone := *req
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) OutgoingKeyRequestByID(requestID string) (*event.OutgoingRoomKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req, ok := s.outgoingRequests[requestID]; ok {
		clone := *req
		return &clone, nil
	}
	return nil, nil
}

func (s *MemoryStore) OutgoingKeyRequestsInStates(states []event.OutgoingKeyRequestState) ([]*event.OutgoingRoomKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.OutgoingRoomKeyRequest
	for _, req := range s.outgoingRequests {
		for _, state := range states {
			if req.State == state {
				clone := *req
				out = append(out, &clone)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) GlobalBlacklistUnverifiedDevices() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalBlacklist, nil
}

func (s *MemoryStore) SetGlobalBlacklistUnverifiedDevices(blacklist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalBlacklist = blacklist
	return nil
}

func (s *MemoryStore) RoomsBlacklistUnverifiedDevices() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rooms []string
	for roomID, blacklisted := range s.roomBlacklist {
		if blacklisted {
			rooms = append(rooms, roomID)
		}
	}
	return rooms, nil
}

func (s *MemoryStore) SetRoomBlacklistUnverifiedDevices(roomID string, blacklist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blacklist {
		s.roomBlacklist[roomID] = true
	} else {
		delete(s.roomBlacklist, roomID)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ CryptoStore = (*MemoryStore)(nil)
