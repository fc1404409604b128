package algorithm

import (
	"errors"
	"strings"
	"testing"

	"github.com/opd-ai/mxcrypto/event"
)

// TestRegistryBuiltins verifies both built-in algorithms are registered with
// the directions they support.
func TestRegistryBuiltins(t *testing.T) {
	if !Supported(event.AlgorithmMegolmV1) {
		t.Fatal("megolm not registered")
	}
	if !Supported(event.AlgorithmOlmV1) {
		t.Fatal("olm not registered")
	}
	if Supported("m.bogus.v9") {
		t.Fatal("unknown algorithm reported as supported")
	}

	if enc := NewEncryptor(event.AlgorithmMegolmV1, "!room:example.org", nil); enc == nil {
		t.Error("no megolm encryptor")
	}
	if dec := NewDecryptor(event.AlgorithmMegolmV1, "!room:example.org", nil); dec == nil {
		t.Error("no megolm decryptor")
	}

	// Olm is decrypt-only for room traffic.
	if enc := NewEncryptor(event.AlgorithmOlmV1, "!room:example.org", nil); enc != nil {
		t.Error("olm registered an encryptor")
	}
	if dec := NewDecryptor(event.AlgorithmOlmV1, "", nil); dec == nil {
		t.Error("no olm decryptor")
	}

	if NewEncryptor("m.bogus.v9", "!room:example.org", nil) != nil {
		t.Error("unknown algorithm produced an encryptor")
	}
	if NewDecryptor("m.bogus.v9", "!room:example.org", nil) != nil {
		t.Error("unknown algorithm produced a decryptor")
	}
}

// TestDecryptionError verifies code-only and code-plus-reason formatting and
// unwrapping.
func TestDecryptionError(t *testing.T) {
	bare := &DecryptionError{Code: CodeReplay}
	if bare.Error() != CodeReplay {
		t.Errorf("Error() = %q, want %q", bare.Error(), CodeReplay)
	}

	cause := errors.New("underlying")
	full := &DecryptionError{Code: CodeBadEncryptedMessage, Reason: "garbled", Err: cause}
	if !strings.Contains(full.Error(), CodeBadEncryptedMessage) || !strings.Contains(full.Error(), "garbled") {
		t.Errorf("Error() = %q", full.Error())
	}
	if !errors.Is(full, cause) {
		t.Error("DecryptionError does not unwrap to its cause")
	}
}

// TestEncryptionError verifies formatting and unwrapping.
func TestEncryptionError(t *testing.T) {
	cause := errors.New("no session")
	err := &EncryptionError{Code: CodeUnableToEncrypt, Reason: "no devices", Err: cause}
	if !strings.Contains(err.Error(), CodeUnableToEncrypt) {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("EncryptionError does not unwrap to its cause")
	}
}

// TestUnknownDevicesError verifies the device count in the message.
func TestUnknownDevicesError(t *testing.T) {
	err := &UnknownDevicesError{Devices: map[string][]string{
		"@bob:example.org":   {"DEV1", "DEV2"},
		"@carol:example.org": {"DEV3"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, CodeUnknownDevices) {
		t.Errorf("Error() = %q missing code", msg)
	}
	if !strings.Contains(msg, "3 unknown devices") || !strings.Contains(msg, "2 users") {
		t.Errorf("Error() = %q", msg)
	}
}
