package vault

import (
	"errors"
	"strings"
	"testing"
)

const (
	testKeyA = "0123456789abcdef0123456789abcdef"
	testKeyB = "fedcba9876543210fedcba9876543210"
)

func newTestVault(t *testing.T, active string) *Vault {
	t.Helper()
	v, err := New(Config{ActiveKeyID: active, Keys: map[string]string{"k1": testKeyA, "k2": testKeyB}})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return v
}

func TestNewFailsClosed(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no keys", Config{}},
		{"active missing", Config{ActiveKeyID: "k9", Keys: map[string]string{"k1": testKeyA}}},
		{"short key", Config{ActiveKeyID: "k1", Keys: map[string]string{"k1": "too-short"}}},
		{"bad id", Config{ActiveKeyID: "k:1", Keys: map[string]string{"k:1": testKeyA}}},
		{"placeholder in production", Config{ActiveKeyID: "dev", Keys: map[string]string{"dev": DevPlaceholder}, Production: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, ErrEncryptionNotConfigured) {
				t.Fatalf("expected ErrEncryptionNotConfigured, got %v", err)
			}
		})
	}
}

func TestPlaceholderAllowedOutsideProduction(t *testing.T) {
	if _, err := New(Config{ActiveKeyID: "dev", Keys: map[string]string{"dev": DevPlaceholder}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNilVaultFailsClosed(t *testing.T) {
	var v *Vault
	if _, err := v.Encrypt("token"); !errors.Is(err, ErrEncryptionNotConfigured) {
		t.Fatalf("expected ErrEncryptionNotConfigured, got %v", err)
	}
	if _, err := v.Decrypt("v1:k1:abc"); !errors.Is(err, ErrEncryptionNotConfigured) {
		t.Fatalf("expected ErrEncryptionNotConfigured, got %v", err)
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v := newTestVault(t, "k1")
	ciphertext, err := v.Encrypt("sbx.alice.secret")
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "v1:k1:") {
		t.Fatalf("unexpected ciphertext format: %s", ciphertext)
	}
	if strings.Contains(ciphertext, "alice") {
		t.Fatal("ciphertext leaks plaintext")
	}
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if plaintext != "sbx.alice.secret" {
		t.Fatalf("Decrypt() = %q", plaintext)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t, "k1")
	c1, _ := v.Encrypt("same")
	c2, _ := v.Encrypt("same")
	if c1 == c2 {
		t.Fatal("identical ciphertexts for same plaintext")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	v := newTestVault(t, "k1")
	ciphertext, _ := v.Encrypt("secret data")

	i := len("v1:k1:") + 10
	replacement := byte('A')
	if ciphertext[i] == 'A' {
		replacement = 'B'
	}
	tampered := ciphertext[:i] + string(replacement) + ciphertext[i+1:]
	if _, err := v.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}

	relabelled := strings.Replace(ciphertext, "v1:k1:", "v1:k2:", 1)
	if _, err := v.Decrypt(relabelled); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for relabelled key id, got %v", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	v := newTestVault(t, "k1")
	for _, input := range []string{"", "plaintext", "v2:k1:AAAA", "v1::AAAA", "v1:k1:not base64!!", "v1:k1:YQ"} {
		if _, err := v.Decrypt(input); !errors.Is(err, ErrMalformedCiphertext) {
			t.Fatalf("Decrypt(%q): expected ErrMalformedCiphertext, got %v", input, err)
		}
	}
	if _, err := v.Decrypt("v1:k7:AAAA"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestDecryptWithDifferentSecretFails(t *testing.T) {
	v1 := newTestVault(t, "k1")
	other, _ := New(Config{ActiveKeyID: "k1", Keys: map[string]string{"k1": testKeyB}})
	ciphertext, _ := v1.Encrypt("token")
	if _, err := other.Decrypt(ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestRewrapMovesToActiveKey(t *testing.T) {
	old := newTestVault(t, "k1")
	ciphertext, _ := old.Encrypt("refresh-token")

	rotated := newTestVault(t, "k2")
	rewrapped, changed, err := rotated.Rewrap(ciphertext)
	if err != nil {
		t.Fatalf("Rewrap() failed: %v", err)
	}
	if !changed {
		t.Fatal("expected rewrap to change ciphertext")
	}
	if id, _ := KeyID(rewrapped); id != "k2" {
		t.Fatalf("expected k2, got %s", id)
	}
	plaintext, err := rotated.Decrypt(rewrapped)
	if err != nil || plaintext != "refresh-token" {
		t.Fatalf("unexpected rewrap result %q (%v)", plaintext, err)
	}

	again, changed, err := rotated.Rewrap(rewrapped)
	if err != nil || changed || again != rewrapped {
		t.Fatalf("expected no-op rewrap, got changed=%v err=%v", changed, err)
	}
}

func TestKeyIDs(t *testing.T) {
	v := newTestVault(t, "k2")
	ids := v.KeyIDs()
	if len(ids) != 2 || ids[0] != "k1" || ids[1] != "k2" || v.ActiveKeyID() != "k2" {
		t.Fatalf("unexpected keyring: %v active=%s", ids, v.ActiveKeyID())
	}
}
