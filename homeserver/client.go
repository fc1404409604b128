// Package homeserver defines the narrow REST surface the crypto coordinator
// needs from a Matrix homeserver. The coordinator depends only on the
// [Client] interface; the host SDK supplies the real transport. An in-memory
// implementation suitable for tests and local wiring lives in fake.go.
package homeserver

import (
	"context"
	"encoding/json"

	"github.com/opd-ai/mxcrypto/device"
)

// SignedOneTimeKey is one uploaded or claimed signed_curve25519 key.
type SignedOneTimeKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// UploadKeysRequest uploads device keys and/or one-time keys.
type UploadKeysRequest struct {
	DeviceKeys  *device.SignedKeys          `json:"device_keys,omitempty"`
	OneTimeKeys map[string]SignedOneTimeKey `json:"one_time_keys,omitempty"`
	DeviceID    string                      `json:"-"`
}

// UploadKeysResponse reports the server-side one-time key counts per
// algorithm.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// ClaimRequest asks the server for one one-time key per listed device.
// Shape: user_id -> device_id -> algorithm.
type ClaimRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
}

// ClaimResponse returns claimed keys keyed by user, device, and
// "<algorithm>:<key_id>".
type ClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]SignedOneTimeKey `json:"one_time_keys"`
}

// QueryRequest asks for the device lists of the given users. An empty device
// list requests all devices of the user.
type QueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Token      string              `json:"token,omitempty"`
}

// QueryResponse returns device keys keyed by user and device.
type QueryResponse struct {
	DeviceKeys map[string]map[string]device.SignedKeys `json:"device_keys"`
}

// ToDeviceMessages maps user_id -> device_id -> event content. A device_id
// of "*" addresses all devices of the user.
type ToDeviceMessages map[string]map[string]json.RawMessage

// Client is the homeserver surface the coordinator drives. Implementations
// must be safe for concurrent use; every method blocks until the server
// responds.
type Client interface {
	// UploadKeys publishes device keys and/or one-time keys for deviceID.
	UploadKeys(ctx context.Context, req *UploadKeysRequest) (*UploadKeysResponse, error)

	// ClaimOneTimeKeys claims one key per listed device.
	ClaimOneTimeKeys(ctx context.Context, req *ClaimRequest) (*ClaimResponse, error)

	// QueryKeys downloads device lists for the listed users.
	QueryKeys(ctx context.Context, req *QueryRequest) (*QueryResponse, error)

	// SendToDevice delivers unicast device events of the given type.
	SendToDevice(ctx context.Context, eventType string, messages ToDeviceMessages) error
}
