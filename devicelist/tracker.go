// Package devicelist tracks which users' device lists are known to be fresh
// and refreshes stale lists in batches through the homeserver. Tracking state
// and the query sync token survive restarts through the key store.
package devicelist

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/canonicaljson"
	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/homeserver"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// Tracker follows per-user device-list freshness. All methods run on the
// coordinator's encrypt worker; the struct needs no lock.
type Tracker struct {
	store  store.CryptoStore
	client homeserver.Client
	log    *logrus.Entry
}

// NewTracker builds a tracker over the given store and homeserver client.
func NewTracker(cryptoStore store.CryptoStore, client homeserver.Client) *Tracker {
	return &Tracker{
		store:  cryptoStore,
		client: client,
		log:    logrus.WithField("component", "devicelist"),
	}
}

// StartTracking marks a user's device list as followed. An untracked user
// starts stale so the next refresh downloads the list.
func (t *Tracker) StartTracking(userID string) error {
	status, err := t.store.DeviceTrackingStatus()
	if err != nil {
		return fmt.Errorf("failed to load tracking status: %w", err)
	}
	if status[userID] != store.TrackingNotTracked {
		return nil
	}
	status[userID] = store.TrackingPendingDownload
	t.log.WithField("user_id", userID).Debug("Tracking device list")
	return t.store.SaveDeviceTrackingStatus(status)
}

// MarkOutdated flags the listed users' device lists as stale. Untracked users
// are ignored.
func (t *Tracker) MarkOutdated(userIDs []string) error {
	status, err := t.store.DeviceTrackingStatus()
	if err != nil {
		return fmt.Errorf("failed to load tracking status: %w", err)
	}
	changed := false
	for _, userID := range userIDs {
		if status[userID] == store.TrackingNotTracked {
			continue
		}
		status[userID] = store.TrackingPendingDownload
		changed = true
	}
	if !changed {
		return nil
	}
	return t.store.SaveDeviceTrackingStatus(status)
}

// StopTracking drops a user from the tracked set, typically because the last
// shared encrypted room was left.
func (t *Tracker) StopTracking(userID string) error {
	status, err := t.store.DeviceTrackingStatus()
	if err != nil {
		return fmt.Errorf("failed to load tracking status: %w", err)
	}
	if _, ok := status[userID]; !ok {
		return nil
	}
	delete(status, userID)
	return t.store.SaveDeviceTrackingStatus(status)
}

// InvalidateAll marks every tracked list stale, used after an initial sync
// when accumulated changes are unknown.
func (t *Tracker) InvalidateAll() error {
	status, err := t.store.DeviceTrackingStatus()
	if err != nil {
		return fmt.Errorf("failed to load tracking status: %w", err)
	}
	for userID := range status {
		status[userID] = store.TrackingPendingDownload
	}
	return t.store.SaveDeviceTrackingStatus(status)
}

// ApplySyncChanges folds a sync response's device-list deltas into the
// tracking state: changed users become stale, left users stop being tracked.
func (t *Tracker) ApplySyncChanges(changed, left []string) error {
	if err := t.MarkOutdated(changed); err != nil {
		return err
	}
	for _, userID := range left {
		if err := t.StopTracking(userID); err != nil {
			return err
		}
	}
	return nil
}

// StaleUsers returns the tracked users whose lists need a download.
func (t *Tracker) StaleUsers() ([]string, error) {
	status, err := t.store.DeviceTrackingStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking status: %w", err)
	}
	var stale []string
	for userID, st := range status {
		if st == store.TrackingPendingDownload || st == store.TrackingDownloadInProgress {
			stale = append(stale, userID)
		}
	}
	return stale, nil
}

// RefreshStale downloads every stale tracked list in one batch.
func (t *Tracker) RefreshStale(ctx context.Context) error {
	stale, err := t.StaleUsers()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	_, err = t.Download(ctx, stale, true)
	return err
}

// Download returns the known devices of the listed users, refreshing lists
// that are stale or unknown first. With force, every listed user is
// refreshed.
func (t *Tracker) Download(ctx context.Context, userIDs []string, force bool) (map[string]map[string]*device.Identity, error) {
	status, err := t.store.DeviceTrackingStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking status: %w", err)
	}

	var refresh []string
	for _, userID := range userIDs {
		if force || status[userID] != store.TrackingUpToDate {
			refresh = append(refresh, userID)
		}
	}

	if len(refresh) > 0 {
		if err := t.download(ctx, refresh, status); err != nil {
			return nil, err
		}
	}

	result := make(map[string]map[string]*device.Identity, len(userIDs))
	for _, userID := range userIDs {
		devices, err := t.store.Devices(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load devices of %s: %w", userID, err)
		}
		result[userID] = devices
	}
	return result, nil
}

func (t *Tracker) download(ctx context.Context, userIDs []string, status map[string]int) error {
	for _, userID := range userIDs {
		status[userID] = store.TrackingDownloadInProgress
	}
	if err := t.store.SaveDeviceTrackingStatus(status); err != nil {
		return fmt.Errorf("failed to save tracking status: %w", err)
	}

	req := &homeserver.QueryRequest{DeviceKeys: make(map[string][]string, len(userIDs))}
	for _, userID := range userIDs {
		req.DeviceKeys[userID] = []string{}
	}
	if token, err := t.store.DeviceSyncToken(); err == nil && token != "" {
		req.Token = token
	}

	resp, err := t.client.QueryKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to query device keys: %w", err)
	}

	for _, userID := range userIDs {
		devices := t.validateUserDevices(userID, resp.DeviceKeys[userID])
		if err := t.store.SaveDevices(userID, devices); err != nil {
			return fmt.Errorf("failed to save devices of %s: %w", userID, err)
		}
		status[userID] = store.TrackingUpToDate
	}
	if err := t.store.SaveDeviceTrackingStatus(status); err != nil {
		return fmt.Errorf("failed to save tracking status: %w", err)
	}

	t.log.WithField("users", len(userIDs)).Debug("Refreshed device lists")
	return nil
}

// validateUserDevices filters a query response down to devices with sound
// self-signatures and stable identity keys, carrying local verification
// state forward.
func (t *Tracker) validateUserDevices(userID string, wire map[string]device.SignedKeys) map[string]*device.Identity {
	devices := make(map[string]*device.Identity, len(wire))
	for deviceID, keys := range wire {
		log := t.log.WithFields(logrus.Fields{
			"user_id":   userID,
			"device_id": deviceID,
		})
		if keys.UserID != userID || keys.DeviceID != deviceID {
			log.Warn("Discarding device keys claiming another identity")
			continue
		}
		identity := keys.ToIdentity()
		if identity.IdentityKey() == "" || identity.FingerprintKey() == "" {
			log.Warn("Discarding device keys missing identity or fingerprint")
			continue
		}
		if !identity.SupportsAlgorithm(event.AlgorithmOlmV1) && !identity.SupportsAlgorithm(event.AlgorithmMegolmV1) {
			log.Debug("Discarding device without supported algorithms")
			continue
		}
		if err := verifySelfSignature(&keys); err != nil {
			log.WithError(err).Warn("Discarding device keys with bad signature")
			continue
		}

		existing, err := t.store.Device(userID, deviceID)
		if err != nil {
			log.WithError(err).Warn("Failed to load existing device")
			continue
		}
		if existing != nil {
			if existing.IdentityKey() != identity.IdentityKey() ||
				existing.FingerprintKey() != identity.FingerprintKey() {
				log.Warn("Discarding device keys that changed identity keys")
				continue
			}
			identity.Verification = existing.Verification
		}
		devices[deviceID] = identity
	}
	return devices
}

// verifySelfSignature checks the device's ed25519 signature over its own
// signable key object.
func verifySelfSignature(keys *device.SignedKeys) error {
	sig := keys.Signatures[keys.UserID]["ed25519:"+keys.DeviceID]
	if sig == "" {
		return fmt.Errorf("missing self-signature")
	}
	fingerprint := keys.Keys["ed25519:"+keys.DeviceID]
	signable, err := canonicaljson.SignableFrom(keys)
	if err != nil {
		return fmt.Errorf("failed to canonicalize keys: %w", err)
	}
	return olm.VerifySignature(fingerprint, signable, sig)
}
