package olm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// TestGroupSessionRoundTrip verifies messages encrypted by an outbound group
// session decrypt through an inbound session built from its session key.
func TestGroupSessionRoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if inbound.ID() != outbound.ID() {
		t.Fatalf("session IDs differ: %s vs %s", inbound.ID(), outbound.ID())
	}

	for i := 0; i < 5; i++ {
		plaintext := []byte(fmt.Sprintf("message %d", i))
		ciphertext, err := outbound.Encrypt(plaintext)
		if err != nil {
			t.Fatal(err)
		}
		decrypted, index, err := inbound.Decrypt(ciphertext)
		if err != nil {
			t.Fatal(err)
		}
		if index != uint32(i) {
			t.Errorf("message index = %d, want %d", index, i)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("decrypted %q, want %q", decrypted, plaintext)
		}
	}
	if outbound.MessageIndex() != 5 {
		t.Errorf("message index = %d after 5 messages, want 5", outbound.MessageIndex())
	}
}

// TestGroupSessionOutOfOrderDecrypt verifies an inbound session decrypts
// messages in any order at or above its first known index.
func TestGroupSessionOutOfOrderDecrypt(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	ciphertexts := make([]string, 4)
	for i := range ciphertexts {
		ciphertexts[i], err = outbound.Encrypt([]byte(fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, i := range []int{3, 0, 2, 1} {
		plaintext, index, err := inbound.Decrypt(ciphertexts[i])
		if err != nil {
			t.Fatal(err)
		}
		if index != uint32(i) {
			t.Errorf("index = %d, want %d", index, i)
		}
		if want := fmt.Sprintf("message %d", i); string(plaintext) != want {
			t.Errorf("decrypted %q, want %q", plaintext, want)
		}
	}
}

// TestGroupSessionKeyMidStream verifies a session key exported after some
// messages only decrypts from that point forward.
func TestGroupSessionKeyMidStream(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}

	early, err := outbound.Encrypt([]byte("before share"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = outbound.Encrypt([]byte("also before"))
	if err != nil {
		t.Fatal(err)
	}

	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if inbound.FirstKnownIndex() != 2 {
		t.Fatalf("first known index = %d, want 2", inbound.FirstKnownIndex())
	}

	if _, _, err := inbound.Decrypt(early); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("err = %v for early message, want ErrUnknownMessageIndex", err)
	}

	late, err := outbound.Encrypt([]byte("after share"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, index, err := inbound.Decrypt(late)
	if err != nil {
		t.Fatal(err)
	}
	if index != 2 {
		t.Errorf("index = %d, want 2", index)
	}
	if string(plaintext) != "after share" {
		t.Errorf("decrypted %q, want %q", plaintext, "after share")
	}
}

// TestInboundGroupSessionExport verifies a forwarded export decrypts from the
// export index onward and clamps requests below the first known index.
func TestInboundGroupSessionExport(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	ciphertexts := make([]string, 4)
	for i := range ciphertexts {
		ciphertexts[i], err = outbound.Encrypt([]byte(fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatal(err)
		}
	}

	forwarded, err := NewInboundGroupSession(inbound.ID(), inbound.Export(2))
	if err != nil {
		t.Fatal(err)
	}
	if forwarded.FirstKnownIndex() != 2 {
		t.Fatalf("forwarded first known index = %d, want 2", forwarded.FirstKnownIndex())
	}
	if _, _, err := forwarded.Decrypt(ciphertexts[1]); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("err = %v for pre-export message, want ErrUnknownMessageIndex", err)
	}
	plaintext, _, err := forwarded.Decrypt(ciphertexts[3])
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "message 3" {
		t.Errorf("decrypted %q, want %q", plaintext, "message 3")
	}

	// Exports below the first known index clamp up instead of fabricating
	// earlier ratchet states.
	clamped, err := NewInboundGroupSession(forwarded.ID(), forwarded.Export(0))
	if err != nil {
		t.Fatal(err)
	}
	if clamped.FirstKnownIndex() != 2 {
		t.Fatalf("clamped first known index = %d, want 2", clamped.FirstKnownIndex())
	}
}

// TestInboundGroupSessionRejectsWrongID verifies the session key must match
// the claimed session ID.
func TestInboundGroupSessionRejectsWrongID(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewInboundGroupSession(other.ID(), outbound.SessionKey()); err == nil {
		t.Fatal("session key accepted under wrong session ID")
	}
}

// TestGroupMessageTamperDetection verifies signature and MAC tampering are
// both caught.
func TestGroupMessageTamperDetection(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	ciphertext, err := outbound.Encrypt([]byte("authentic"))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := DecodeBase64(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	tampered := make([]byte, len(raw))
	copy(tampered, raw)
	tampered[len(tampered)/2] ^= 0x01
	if _, _, err := inbound.Decrypt(EncodeBase64(tampered)); err == nil {
		t.Fatal("tampered message decrypted")
	}

	if _, _, err := inbound.Decrypt("!!! not base64 !!!"); !errors.Is(err, ErrBadMessageFormat) {
		t.Fatalf("err = %v for garbage input, want ErrBadMessageFormat", err)
	}
}

// TestOutboundGroupSessionPickleRoundTrip verifies a pickled outbound session
// resumes at the same index with the same key.
func TestOutboundGroupSessionPickleRoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := outbound.Encrypt([]byte("before pickle")); err != nil {
		t.Fatal(err)
	}

	pickle, err := outbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnpickleOutboundGroupSession(pickle)
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID() != outbound.ID() {
		t.Fatal("session ID changed across pickle")
	}
	if restored.MessageIndex() != 1 {
		t.Fatalf("message index = %d after restore, want 1", restored.MessageIndex())
	}

	ciphertext, err := restored.Encrypt([]byte("after pickle"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, index, err := inbound.Decrypt(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if index != 1 {
		t.Errorf("index = %d, want 1", index)
	}
	if string(plaintext) != "after pickle" {
		t.Errorf("decrypted %q, want %q", plaintext, "after pickle")
	}
}

// TestInboundGroupSessionPickleRoundTrip verifies a pickled inbound session
// still decrypts and keeps its first known index.
func TestInboundGroupSessionPickleRoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := outbound.Encrypt([]byte("skipped")); err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.ID(), outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	pickle, err := inbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnpickleInboundGroupSession(pickle)
	if err != nil {
		t.Fatal(err)
	}
	if restored.FirstKnownIndex() != 1 {
		t.Fatalf("first known index = %d after restore, want 1", restored.FirstKnownIndex())
	}

	ciphertext, err := outbound.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, _, err := restored.Decrypt(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("decrypted %q, want %q", plaintext, "hello")
	}
}

// BenchmarkGroupEncrypt measures group message encryption throughput.
func BenchmarkGroupEncrypt(b *testing.B) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		b.Fatal(err)
	}
	plaintext := bytes.Repeat([]byte("x"), 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := outbound.Encrypt(plaintext); err != nil {
			b.Fatal(err)
		}
	}
}
