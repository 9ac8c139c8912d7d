// Package vault encrypts provider credentials before they are persisted.
//
// Ciphertext is versioned and names the key that sealed it:
//
//	v1:<keyID>:<base64url(nonce || sealed)>
//
// v1 is XChaCha20-Poly1305 with a 32-byte subkey derived per key id by
// HKDF-SHA256. The key id is bound as additional data, so a ciphertext cannot
// be relabelled to another key. Retired keys stay in the keyring for
// decryption until every row has been rewrapped under the active key.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	version      = "v1"
	MinKeyLength = 32
	// DevPlaceholder is the key shipped in example configuration. It is
	// refused when running in production.
	DevPlaceholder = "dev-vault-key-change-me-not-for-production"
)

var (
	ErrEncryptionNotConfigured = errors.New("credential encryption not configured")
	ErrUnknownKey              = errors.New("ciphertext sealed with unknown key")
	ErrMalformedCiphertext     = errors.New("malformed ciphertext")
	ErrDecrypt                 = errors.New("credential decryption failed")
)

type Config struct {
	ActiveKeyID string
	// Keys maps key id to secret. Every key can decrypt; only the active
	// key encrypts.
	Keys       map[string]string
	Production bool
}

type Vault struct {
	activeID string
	keys     map[string][]byte
}

func New(cfg Config) (*Vault, error) {
	if cfg.ActiveKeyID == "" || len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("%w: no active key", ErrEncryptionNotConfigured)
	}
	if _, ok := cfg.Keys[cfg.ActiveKeyID]; !ok {
		return nil, fmt.Errorf("%w: active key %q missing from keyring", ErrEncryptionNotConfigured, cfg.ActiveKeyID)
	}
	v := &Vault{activeID: cfg.ActiveKeyID, keys: make(map[string][]byte, len(cfg.Keys))}
	for id, secret := range cfg.Keys {
		if id == "" || strings.Contains(id, ":") {
			return nil, fmt.Errorf("%w: invalid key id %q", ErrEncryptionNotConfigured, id)
		}
		if len(secret) < MinKeyLength {
			return nil, fmt.Errorf("%w: key %q shorter than %d bytes", ErrEncryptionNotConfigured, id, MinKeyLength)
		}
		if cfg.Production && secret == DevPlaceholder {
			return nil, fmt.Errorf("%w: key %q is the development placeholder", ErrEncryptionNotConfigured, id)
		}
		subkey, err := deriveKey(id, secret)
		if err != nil {
			return nil, err
		}
		v.keys[id] = subkey
	}
	return v, nil
}

func (v *Vault) ActiveKeyID() string {
	return v.activeID
}

// KeyIDs lists every key the vault can decrypt with.
func (v *Vault) KeyIDs() []string {
	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil {
		return "", ErrEncryptionNotConfigured
	}
	aead, err := chacha20poly1305.NewX(v.keys[v.activeID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(v.activeID))
	return version + ":" + v.activeID + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if v == nil {
		return "", ErrEncryptionNotConfigured
	}
	keyID, payload, err := split(ciphertext)
	if err != nil {
		return "", err
	}
	key, ok := v.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrMalformedCiphertext)
	}
	nonce, sealed := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Rewrap re-seals ciphertext under the active key. It reports false when the
// ciphertext already uses the active key and was returned unchanged.
func (v *Vault) Rewrap(ciphertext string) (string, bool, error) {
	if v == nil {
		return "", false, ErrEncryptionNotConfigured
	}
	keyID, err := KeyID(ciphertext)
	if err != nil {
		return "", false, err
	}
	if keyID == v.activeID {
		return ciphertext, false, nil
	}
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", false, err
	}
	rewrapped, err := v.Encrypt(plaintext)
	if err != nil {
		return "", false, err
	}
	return rewrapped, true, nil
}

// KeyID returns the key id a ciphertext was sealed with without decrypting it.
func KeyID(ciphertext string) (string, error) {
	keyID, _, err := split(ciphertext)
	return keyID, err
}

func split(ciphertext string) (string, []byte, error) {
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[1] == "" {
		return "", nil, ErrMalformedCiphertext
	}
	if parts[0] != version {
		return "", nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedCiphertext, parts[0])
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return parts[1], payload, nil
}

func deriveKey(id, secret string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte("banklink/vault/"+version+"/"+id))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key %q: %w", id, err)
	}
	return key, nil
}
