package mxcrypto

import (
	"context"
	"fmt"

	"github.com/opd-ai/mxcrypto/algorithm"
	"github.com/opd-ai/mxcrypto/device"
)

// SetDeviceVerification records the local trust decision for a device.
// Blocking a device discards every active outbound session so key material
// stops flowing to it from the next encryption on.
func (c *Coordinator) SetDeviceVerification(userID, deviceID string, state device.VerificationState) error {
	return c.encryptWorker.DoWaitErr(func() error {
		dev, err := c.store.Device(userID, deviceID)
		if err != nil {
			return fmt.Errorf("failed to load device: %w", err)
		}
		if dev == nil {
			return fmt.Errorf("unknown device %s of %s", deviceID, userID)
		}
		if dev.Verification == state {
			return nil
		}
		dev.Verification = state
		if err := c.store.SaveDevice(userID, dev); err != nil {
			return fmt.Errorf("failed to save device: %w", err)
		}
		c.log.WithFields(map[string]interface{}{
			"user_id":   userID,
			"device_id": deviceID,
			"state":     state.String(),
		}).Info("Device verification changed")

		if state == device.Blocked {
			c.encMu.Lock()
			encryptors := make([]algorithm.Encryptor, 0, len(c.encryptors))
			for _, encryptor := range c.encryptors {
				encryptors = append(encryptors, encryptor)
			}
			c.encMu.Unlock()
			for _, encryptor := range encryptors {
				encryptor.DiscardSession()
			}
		}
		return nil
	})
}

// SetDevicesKnown acknowledges the listed devices of a user: devices still in
// the unknown state move to unverified. Devices with a decision keep it.
func (c *Coordinator) SetDevicesKnown(userID string, deviceIDs []string) error {
	return c.encryptWorker.DoWaitErr(func() error {
		for _, deviceID := range deviceIDs {
			dev, err := c.store.Device(userID, deviceID)
			if err != nil {
				return fmt.Errorf("failed to load device: %w", err)
			}
			if dev == nil || dev.Verification != device.Unknown {
				continue
			}
			dev.Verification = device.Unverified
			if err := c.store.SaveDevice(userID, dev); err != nil {
				return fmt.Errorf("failed to save device: %w", err)
			}
		}
		return nil
	})
}

// CheckUnknownDevices downloads the listed users' device lists and fails with
// an UnknownDevicesError when any device still awaits acknowledgement. Hosts
// call this before sending to warn the user about new devices.
func (c *Coordinator) CheckUnknownDevices(ctx context.Context, userIDs []string) error {
	return c.encryptWorker.DoWaitErr(func() error {
		devices, err := c.tracker.Download(ctx, userIDs, true)
		if err != nil {
			return err
		}
		unknown := make(map[string][]string)
		for userID, userDevices := range devices {
			for deviceID, dev := range userDevices {
				if dev.Verification == device.Unknown {
					unknown[userID] = append(unknown[userID], deviceID)
				}
			}
		}
		if len(unknown) > 0 {
			return &algorithm.UnknownDevicesError{Devices: unknown}
		}
		return nil
	})
}

// GetDeviceInfo returns the stored identity of one device, or nil.
func (c *Coordinator) GetDeviceInfo(userID, deviceID string) (*device.Identity, error) {
	return c.store.Device(userID, deviceID)
}

// GetUserDevices returns the stored devices of a user, refreshing the list
// first when it is stale.
func (c *Coordinator) GetUserDevices(ctx context.Context, userID string) (map[string]*device.Identity, error) {
	var devices map[string]*device.Identity
	err := c.encryptWorker.DoWaitErr(func() error {
		result, err := c.tracker.Download(ctx, []string{userID}, false)
		if err != nil {
			return err
		}
		devices = result[userID]
		return nil
	})
	return devices, err
}

// DeviceByIdentityKey resolves a device from its curve25519 key.
func (c *Coordinator) DeviceByIdentityKey(identityKey string) (*device.Identity, error) {
	return c.store.DeviceByIdentityKey(identityKey)
}

// SetGlobalBlacklistUnverifiedDevices switches the global policy of refusing
// key material to unverified devices.
func (c *Coordinator) SetGlobalBlacklistUnverifiedDevices(blacklist bool) error {
	return c.store.SetGlobalBlacklistUnverifiedDevices(blacklist)
}

// GlobalBlacklistUnverifiedDevices reports the global policy.
func (c *Coordinator) GlobalBlacklistUnverifiedDevices() (bool, error) {
	return c.store.GlobalBlacklistUnverifiedDevices()
}

// SetRoomBlacklistUnverifiedDevices switches the per-room policy of refusing
// key material to unverified devices.
func (c *Coordinator) SetRoomBlacklistUnverifiedDevices(roomID string, blacklist bool) error {
	return c.store.SetRoomBlacklistUnverifiedDevices(roomID, blacklist)
}
