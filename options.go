package mxcrypto

import (
	"errors"
	"time"
)

// Default timing policy for the coordinator.
const (
	// OneTimeKeyGenerationMaxNumber bounds how many one-time keys are
	// generated per batch during replenishment.
	OneTimeKeyGenerationMaxNumber = 5
	// OneTimeKeyUploadPeriod is the minimum interval between replenishment
	// runs.
	OneTimeKeyUploadPeriod = 60 * time.Second
	// StartupRetryInterval is the delay before a failed startup step is
	// retried.
	StartupRetryInterval = time.Second
)

// Options configures a new Coordinator.
type Options struct {
	// UserID is the local Matrix user. Required.
	UserID string

	// DeviceID is the local device. When empty, a previously stored device
	// ID is reused, or a fresh UUID is generated and persisted.
	DeviceID string

	// Client is the homeserver transport. Required.
	Client Client

	// Store persists all crypto state. Defaults to an in-memory store.
	Store Store

	// MaxOneTimeKeys overrides the account's one-time key pool bound. Zero
	// keeps the default.
	MaxOneTimeKeys int

	// EncryptToInvitedMembers makes HandleMemberEvent track the device lists
	// of invited (not yet joined) members. It does not pick recipients:
	// EncryptEvent encrypts for the user IDs its caller passes, and the
	// room's join rules are not consulted.
	EncryptToInvitedMembers bool

	// ConnectivityCheck, when set, gates startup: while it returns false,
	// startup waits and retries instead of issuing network calls.
	ConnectivityCheck func() bool
}

// NewOptions returns an Options with defaults filled in.
func NewOptions(userID string, client Client) *Options {
	return &Options{
		UserID: userID,
		Client: client,
	}
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("options are required")
	}
	if o.UserID == "" {
		return errors.New("user ID is required")
	}
	if o.Client == nil {
		return errors.New("homeserver client is required")
	}
	return nil
}
