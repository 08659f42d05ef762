package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	minMasterKeyLen = 32
	saltLen         = 16
	keyLen          = 32
	tagLen          = 16
	iterations      = 100000
	delimiter       = ":"
)

// ErrIntegrity is returned for any decryption failure: wrong key, tampered
// ciphertext, or a malformed blob. Callers must treat it as "re-authenticate",
// never as recoverable data.
var ErrIntegrity = errors.New("vault: integrity check failed")

type Vault struct {
	masterKey []byte
}

func New(masterKey string) (*Vault, error) {
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("vault: master key must be at least %d characters", minMasterKeyLen)
	}
	return &Vault{masterKey: []byte(masterKey)}, nil
}

// Encrypt serializes payload and seals it with AES-256-GCM under a key derived
// from the master key and a random salt. The result is
// base64(salt):base64(nonce):base64(tag):base64(ciphertext).
func (v *Vault) Encrypt(payload map[string]string, salt ...[]byte) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("vault: marshal payload: %w", err)
	}

	var s []byte
	if len(salt) > 0 && len(salt[0]) > 0 {
		s = salt[0]
	} else {
		s = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, s); err != nil {
			return "", fmt.Errorf("vault: generate salt: %w", err)
		}
	}

	gcm, err := v.aead(s)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	enc := base64.StdEncoding.EncodeToString
	return strings.Join([]string{enc(s), enc(nonce), enc(tag), enc(ct)}, delimiter), nil
}

// Decrypt reverses Encrypt. The authentication tag is verified before any
// plaintext is returned; every failure mode maps to ErrIntegrity.
func (v *Vault) Decrypt(blob string) (map[string]string, error) {
	parts := strings.Split(blob, delimiter)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: malformed blob", ErrIntegrity)
	}

	raw := make([][]byte, 4)
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: bad encoding", ErrIntegrity)
		}
		raw[i] = b
	}
	s, nonce, tag, ct := raw[0], raw[1], raw[2], raw[3]

	gcm, err := v.aead(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrIntegrity)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrIntegrity)
	}

	var payload map[string]string
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrIntegrity)
	}
	return payload, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.masterKey, salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return gcm, nil
}
