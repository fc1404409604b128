package olm

import (
	"bytes"
	"errors"
	"testing"
)

// Iteration counts in tests stay low to keep PBKDF2 fast.
const testIterations = 64

// TestExportRoundTrip verifies a sealed export opens with the right password.
func TestExportRoundTrip(t *testing.T) {
	payload := []byte(`[{"session_id":"abc"}]`)
	blob, err := EncryptExport(payload, "correct horse", testIterations)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := DecryptExport(blob, "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, payload) {
		t.Fatalf("payload changed across round trip: %q", opened)
	}
}

// TestExportWrongPassword verifies the wrong password fails cleanly.
func TestExportWrongPassword(t *testing.T) {
	blob, err := EncryptExport([]byte("secret"), "right", testIterations)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptExport(blob, "wrong"); !errors.Is(err, ErrBadExportBlob) {
		t.Fatalf("err = %v, want ErrBadExportBlob", err)
	}
}

// TestExportZeroIterations verifies iterations of zero produce an unencrypted
// but still framed blob.
func TestExportZeroIterations(t *testing.T) {
	payload := []byte("plain payload")
	blob, err := EncryptExport(payload, "ignored", 0)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := DecryptExport(blob, "any password at all")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, payload) {
		t.Fatalf("payload changed: %q", opened)
	}
}

// TestDecryptExportMalformed verifies truncated and corrupted blobs are
// rejected rather than crashing.
func TestDecryptExportMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("XX"),
		[]byte("not an export at all"),
		append([]byte("MXEX"), 1, 0, 0),
	}
	for _, blob := range cases {
		if _, err := DecryptExport(blob, "pw"); !errors.Is(err, ErrBadExportBlob) {
			t.Errorf("err = %v for %q, want ErrBadExportBlob", err, blob)
		}
	}

	good, err := EncryptExport([]byte("payload"), "pw", testIterations)
	if err != nil {
		t.Fatal(err)
	}
	good[len(good)-1] ^= 0x01
	if _, err := DecryptExport(good, "pw"); !errors.Is(err, ErrBadExportBlob) {
		t.Fatalf("err = %v for corrupted ciphertext, want ErrBadExportBlob", err)
	}
}

// TestDecryptExportUnsupportedVersion verifies unknown format versions are
// reported distinctly from corruption.
func TestDecryptExportUnsupportedVersion(t *testing.T) {
	blob, err := EncryptExport([]byte("payload"), "pw", 0)
	if err != nil {
		t.Fatal(err)
	}
	blob[4] = 99
	if _, err := DecryptExport(blob, "pw"); err == nil || errors.Is(err, ErrBadExportBlob) {
		t.Fatalf("err = %v, want a version error", err)
	}
}
