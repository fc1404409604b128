// Package boltstore persists the crypto store in a single bbolt database
// file. Records are CBOR encoded; one bucket per record family. The store is
// safe for concurrent use through bbolt's own transaction model.
package boltstore

import (
	"bytes"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/store"
)

var (
	bucketConfig           = []byte("config")
	bucketDevices          = []byte("devices")
	bucketTracking         = []byte("tracking")
	bucketRoomAlgorithms   = []byte("room_algorithms")
	bucketOlmSessions      = []byte("olm_sessions")
	bucketGroupSessions    = []byte("group_sessions")
	bucketIncomingRequests = []byte("incoming_requests")
	bucketOutgoingRequests = []byte("outgoing_requests")
	bucketRoomBlacklist    = []byte("room_blacklist")

	keyDeviceID        = []byte("device_id")
	keyAccount         = []byte("account")
	keySyncToken       = []byte("sync_token")
	keyGlobalBlacklist = []byte("global_blacklist")
)

var allBuckets = [][]byte{
	bucketConfig,
	bucketDevices,
	bucketTracking,
	bucketRoomAlgorithms,
	bucketOlmSessions,
	bucketGroupSessions,
	bucketIncomingRequests,
	bucketOutgoingRequests,
	bucketRoomBlacklist,
}

// Store is a CryptoStore backed by one bbolt file.
type Store struct {
	db  *bolt.DB
	log *logrus.Entry
}

// Open creates or opens the database file with owner-only permissions and
// ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:  db,
		log: logrus.WithField("component", "boltstore"),
	}, nil
}

// MustOpen opens the database or exits the process, for command-line use.
func MustOpen(path string) *Store {
	s, err := Open(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("Cannot open key store")
		os.Exit(1)
	}
	return s
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getRaw(bucket, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucket).Get(key); raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	return value, err
}

func (s *Store) putRaw(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

func (s *Store) get(bucket, key []byte, out interface{}) (bool, error) {
	raw, err := s.getRaw(bucket, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode record: %w", err)
	}
	return true, nil
}

func (s *Store) put(bucket, key []byte, value interface{}) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.putRaw(bucket, key, raw)
}

func (s *Store) DeviceID() (string, error) {
	raw, err := s.getRaw(bucketConfig, keyDeviceID)
	return string(raw), err
}

func (s *Store) SaveDeviceID(deviceID string) error {
	return s.putRaw(bucketConfig, keyDeviceID, []byte(deviceID))
}

func (s *Store) Account() ([]byte, error) {
	return s.getRaw(bucketConfig, keyAccount)
}

func (s *Store) SaveAccount(pickle []byte) error {
	return s.putRaw(bucketConfig, keyAccount, pickle)
}

func deviceKey(userID, deviceID string) []byte {
	return []byte(userID + "\x00" + deviceID)
}

func userPrefix(userID string) []byte {
	return []byte(userID + "\x00")
}

func (s *Store) Devices(userID string) (map[string]*device.Identity, error) {
	var devices map[string]*device.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDevices).Cursor()
		prefix := userPrefix(userID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dev device.Identity
			if err := cbor.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("failed to decode device: %w", err)
			}
			if devices == nil {
				devices = make(map[string]*device.Identity)
			}
			devices[dev.DeviceID] = &dev
		}
		return nil
	})
	return devices, err
}

func (s *Store) SaveDevices(userID string, devices map[string]*device.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDevices)
		c := bucket.Cursor()
		prefix := userPrefix(userID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for deviceID, dev := range devices {
			raw, err := cbor.Marshal(dev)
			if err != nil {
				return fmt.Errorf("failed to encode device: %w", err)
			}
			if err := bucket.Put(deviceKey(userID, deviceID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Device(userID, deviceID string) (*device.Identity, error) {
	var dev device.Identity
	found, err := s.get(bucketDevices, deviceKey(userID, deviceID), &dev)
	if err != nil || !found {
		return nil, err
	}
	return &dev, nil
}

func (s *Store) SaveDevice(userID string, dev *device.Identity) error {
	return s.put(bucketDevices, deviceKey(userID, dev.DeviceID), dev)
}

func (s *Store) DeviceByIdentityKey(identityKey string) (*device.Identity, error) {
	var match *device.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			if match != nil {
				return nil
			}
			var dev device.Identity
			if err := cbor.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("failed to decode device: %w", err)
			}
			if dev.IdentityKey() == identityKey {
				match = &dev
			}
			return nil
		})
	})
	return match, err
}

func (s *Store) DeviceTrackingStatus() (map[string]int, error) {
	status := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracking).ForEach(func(k, v []byte) error {
			var st int
			if err := cbor.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("failed to decode tracking status: %w", err)
			}
			status[string(k)] = st
			return nil
		})
	})
	return status, err
}

func (s *Store) SaveDeviceTrackingStatus(status map[string]int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketTracking); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(bucketTracking)
		if err != nil {
			return err
		}
		for userID, st := range status {
			raw, err := cbor.Marshal(st)
			if err != nil {
				return fmt.Errorf("failed to encode tracking status: %w", err)
			}
			if err := bucket.Put([]byte(userID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeviceSyncToken() (string, error) {
	raw, err := s.getRaw(bucketConfig, keySyncToken)
	return string(raw), err
}

func (s *Store) SaveDeviceSyncToken(token string) error {
	return s.putRaw(bucketConfig, keySyncToken, []byte(token))
}

func (s *Store) RoomAlgorithm(roomID string) (string, error) {
	raw, err := s.getRaw(bucketRoomAlgorithms, []byte(roomID))
	return string(raw), err
}

func (s *Store) SaveRoomAlgorithm(roomID, algorithm string) error {
	return s.putRaw(bucketRoomAlgorithms, []byte(roomID), []byte(algorithm))
}

func olmSessionKey(peerIdentityKey, sessionID string) []byte {
	return []byte(peerIdentityKey + "\x00" + sessionID)
}

func (s *Store) SaveOlmSession(rec *store.OlmSessionRecord) error {
	return s.put(bucketOlmSessions, olmSessionKey(rec.PeerIdentityKey, rec.SessionID), rec)
}

func (s *Store) OlmSessions(peerIdentityKey string) ([]*store.OlmSessionRecord, error) {
	var sessions []*store.OlmSessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOlmSessions).Cursor()
		prefix := []byte(peerIdentityKey + "\x00")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec store.OlmSessionRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode session: %w", err)
			}
			sessions = append(sessions, &rec)
		}
		return nil
	})
	return sessions, err
}

func (s *Store) OutboundOlmSession(peerIdentityKey string) (*store.OlmSessionRecord, error) {
	sessions, err := s.OlmSessions(peerIdentityKey)
	if err != nil {
		return nil, err
	}
	var latest *store.OlmSessionRecord
	for _, rec := range sessions {
		if !rec.Outbound {
			continue
		}
		if latest == nil || rec.LastUsed.After(latest.LastUsed) {
			latest = rec
		}
	}
	return latest, nil
}

func groupSessionKey(senderKey, sessionID string) []byte {
	return []byte(senderKey + "\x00" + sessionID)
}

func (s *Store) SaveInboundGroupSession(rec *store.InboundGroupSessionRecord) error {
	return s.put(bucketGroupSessions, groupSessionKey(rec.SenderKey, rec.SessionID), rec)
}

func (s *Store) InboundGroupSession(senderKey, sessionID string) (*store.InboundGroupSessionRecord, error) {
	var rec store.InboundGroupSessionRecord
	found, err := s.get(bucketGroupSessions, groupSessionKey(senderKey, sessionID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) InboundGroupSessions() ([]*store.InboundGroupSessionRecord, error) {
	var records []*store.InboundGroupSessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroupSessions).ForEach(func(_, v []byte) error {
			var rec store.InboundGroupSessionRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode session: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func incomingRequestKey(userID, deviceID, requestID string) []byte {
	return []byte(userID + "\x00" + deviceID + "\x00" + requestID)
}

func (s *Store) SaveIncomingKeyRequest(req *event.IncomingRoomKeyRequest) error {
	return s.put(bucketIncomingRequests, incomingRequestKey(req.UserID, req.DeviceID, req.RequestID), req)
}

func (s *Store) DeleteIncomingKeyRequest(userID, deviceID, requestID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIncomingRequests).Delete(incomingRequestKey(userID, deviceID, requestID))
	})
}

func (s *Store) IncomingKeyRequests() ([]*event.IncomingRoomKeyRequest, error) {
	var requests []*event.IncomingRoomKeyRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIncomingRequests).ForEach(func(_, v []byte) error {
			var req event.IncomingRoomKeyRequest
			if err := cbor.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("failed to decode request: %w", err)
			}
			requests = append(requests, &req)
			return nil
		})
	})
	return requests, err
}

func (s *Store) SaveOutgoingKeyRequest(req *event.OutgoingRoomKeyRequest) error {
	return s.put(bucketOutgoingRequests, []byte(req.RequestID), req)
}

func (s *Store) DeleteOutgoingKeyRequest(requestID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutgoingRequests).Delete([]byte(requestID))
	})
}

func (s *Store) forEachOutgoingRequest(fn func(req *event.OutgoingRoomKeyRequest) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutgoingRequests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var req event.OutgoingRoomKeyRequest
			if err := cbor.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("failed to decode request: %w", err)
			}
			if !fn(&req) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) OutgoingKeyRequestByFingerprint(fingerprint string) (*event.OutgoingRoomKeyRequest, error) {
	var match *event.OutgoingRoomKeyRequest
	err := s.forEachOutgoingRequest(func(req *event.OutgoingRoomKeyRequest) bool {
		if req.Body.Fingerprint() == fingerprint {
			match = req
			return false
		}
		return true
	})
	return match, err
}

func (s *Store) OutgoingKeyRequestByID(requestID string) (*event.OutgoingRoomKeyRequest, error) {
	var req event.OutgoingRoomKeyRequest
	found, err := s.get(bucketOutgoingRequests, []byte(requestID), &req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

func (s *Store) OutgoingKeyRequestsInStates(states []event.OutgoingKeyRequestState) ([]*event.OutgoingRoomKeyRequest, error) {
	var requests []*event.OutgoingRoomKeyRequest
	err := s.forEachOutgoingRequest(func(req *event.OutgoingRoomKeyRequest) bool {
		for _, state := range states {
			if req.State == state {
				clone := *req
				requests = append(requests, &clone)
				break
			}
		}
		return true
	})
	return requests, err
}

func (s *Store) GlobalBlacklistUnverifiedDevices() (bool, error) {
	raw, err := s.getRaw(bucketConfig, keyGlobalBlacklist)
	if err != nil {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

func (s *Store) SetGlobalBlacklistUnverifiedDevices(blacklist bool) error {
	value := []byte{0}
	if blacklist {
		value[0] = 1
	}
	return s.putRaw(bucketConfig, keyGlobalBlacklist, value)
}

func (s *Store) RoomsBlacklistUnverifiedDevices() ([]string, error) {
	var rooms []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoomBlacklist).ForEach(func(k, _ []byte) error {
			rooms = append(rooms, string(k))
			return nil
		})
	})
	return rooms, err
}

func (s *Store) SetRoomBlacklistUnverifiedDevices(roomID string, blacklist bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRoomBlacklist)
		if blacklist {
			return bucket.Put([]byte(roomID), []byte{1})
		}
		return bucket.Delete([]byte(roomID))
	})
}

var _ store.CryptoStore = (*Store)(nil)
