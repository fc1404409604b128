package olm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultExportIterations is the PBKDF2 iteration count used when the
	// caller does not supply one.
	DefaultExportIterations = 100000

	exportVersion  = 1
	exportSaltSize = 32
)

var exportMagic = []byte("MXEX")

// ErrBadExportBlob is returned when an export blob is malformed or was
// encrypted with a different password.
var ErrBadExportBlob = errors.New("invalid or undecryptable export blob")

// EncryptExport seals a room-key export payload with a password. An
// iteration count of zero produces an unencrypted blob, still framed so
// DecryptExport can recognize it.
//
// Layout: magic | version | iterations(u32) | salt | nonce | AES-GCM ciphertext,
// with salt and nonce absent when iterations is zero.
func EncryptExport(payload []byte, password string, iterations int) ([]byte, error) {
	out := make([]byte, 0, len(payload)+64)
	out = append(out, exportMagic...)
	out = append(out, exportVersion)

	var iterBytes [4]byte
	binary.BigEndian.PutUint32(iterBytes[:], uint32(iterations))
	out = append(out, iterBytes[:]...)

	if iterations == 0 {
		return append(out, payload...), nil
	}

	salt := make([]byte, exportSaltSize)
	if err := fillRandom(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := exportCipher(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if err := fillRandom(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, payload, nil), nil
}

// DecryptExport opens a blob produced by EncryptExport.
func DecryptExport(blob []byte, password string) ([]byte, error) {
	if len(blob) < len(exportMagic)+5 || string(blob[:len(exportMagic)]) != string(exportMagic) {
		return nil, ErrBadExportBlob
	}
	if blob[len(exportMagic)] != exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", blob[len(exportMagic)])
	}

	body := blob[len(exportMagic)+1:]
	iterations := int(binary.BigEndian.Uint32(body[:4]))
	body = body[4:]

	if iterations == 0 {
		return body, nil
	}

	if len(body) < exportSaltSize {
		return nil, ErrBadExportBlob
	}
	salt := body[:exportSaltSize]
	body = body[exportSaltSize:]

	gcm, err := exportCipher(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	if len(body) < gcm.NonceSize() {
		return nil, ErrBadExportBlob
	}

	payload, err := gcm.Open(nil, body[:gcm.NonceSize()], body[gcm.NonceSize():], nil)
	if err != nil {
		return nil, ErrBadExportBlob
	}
	return payload, nil
}

func exportCipher(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize export cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize export cipher: %w", err)
	}
	return gcm, nil
}
