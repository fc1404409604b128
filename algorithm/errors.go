package algorithm

import "fmt"

// Decryption error codes surfaced to the host application. The code is
// stable; the reason is free-form diagnostic text.
const (
	// CodeUnknownInboundSession means no inbound group session is known for
	// the (sender key, session ID) pair. A key request has been queued.
	CodeUnknownInboundSession = "UNKNOWN_INBOUND_SESSION"
	// CodeUnknownMessageIndex means the session is known but starts after the
	// message's chain index.
	CodeUnknownMessageIndex = "UNKNOWN_MESSAGE_INDEX"
	// CodeBadEncryptedMessage means the ciphertext is malformed or fails
	// authentication.
	CodeBadEncryptedMessage = "BAD_ENCRYPTED_MESSAGE"
	// CodeReplay means the same session index was seen twice in one timeline
	// under different event identities.
	CodeReplay = "REPLAY"
	// CodeUnableToEncrypt means encryption could not proceed.
	CodeUnableToEncrypt = "UNABLE_TO_ENCRYPT"
	// CodeUnknownDevices means the target rooms contain devices the user has
	// not acknowledged yet.
	CodeUnknownDevices = "UNKNOWN_DEVICES"
)

// DecryptionError carries a stable error code alongside the human-readable
// reason. Hosts dispatch on Code.
type DecryptionError struct {
	Code   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecryptionError) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func decryptionError(code, format string, args ...interface{}) *DecryptionError {
	return &DecryptionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func wrapDecryptionError(code string, err error, format string, args ...interface{}) *DecryptionError {
	return &DecryptionError{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// EncryptionError reports a failed room event encryption.
type EncryptionError struct {
	Code   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *EncryptionError) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// UnknownDevicesError lists the unacknowledged devices that block an
// encryption, keyed user -> device ID.
type UnknownDevicesError struct {
	Devices map[string][]string
}

// Error implements the error interface.
func (e *UnknownDevicesError) Error() string {
	devices := 0
	for _, devs := range e.Devices {
		devices += len(devs)
	}
	return fmt.Sprintf("%s: %d unknown devices across %d users", CodeUnknownDevices, devices, len(e.Devices))
}
