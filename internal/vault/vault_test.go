package vault

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// testParams trades the production Argon2id cost for test speed; the KDF
// algorithm and wiring are identical, only the work factor differs.
func testParams() types.Argon2Params {
	return types.Argon2Params{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1, KeyLengthBytes: 32}
}

func TestCreateOpenEncryptDecryptRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v, err := Create(path, "correct horse battery staple", testParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.EncryptSecret("llm-api-key", []byte("sk-test-12345")); err != nil {
		t.Fatalf("encrypt_secret: %v", err)
	}

	reopened, err := Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pt, err := reopened.DecryptSecret("llm-api-key")
	if err != nil {
		t.Fatalf("decrypt_secret: %v", err)
	}
	if string(pt) != "sk-test-12345" {
		t.Fatalf("expected round-tripped plaintext, got %q", pt)
	}
}

func TestOpenWithWrongPasswordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	if _, err := Create(path, "correct-password", testParams()); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := Open(path, "wrong-password")
	if err == nil {
		t.Fatalf("expected wrong password to fail")
	}
	if !errors.Is(err, orcherr.ErrAuthenticationFailure) {
		t.Fatalf("expected ErrAuthenticationFailure, got %v", err)
	}
}

func TestTamperedSecretCiphertextFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v, err := Create(path, "pw", testParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.EncryptSecret("k", []byte("value")); err != nil {
		t.Fatalf("encrypt_secret: %v", err)
	}

	s := v.secrets["k"]
	s.Ciphertext[0] ^= 0xFF
	v.secrets["k"] = s

	if _, err := v.DecryptSecret("k"); err == nil {
		t.Fatalf("expected tampered ciphertext to fail authentication")
	} else if !errors.Is(err, orcherr.ErrAuthenticationFailure) {
		t.Fatalf("expected ErrAuthenticationFailure, got %v", err)
	}
}

func TestRotateDEKPreservesSecretsUnderNewPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v, err := Create(path, "old-password", testParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.EncryptSecret("k", []byte("value")); err != nil {
		t.Fatalf("encrypt_secret: %v", err)
	}
	if err := v.RotateDEK("new-password"); err != nil {
		t.Fatalf("rotate_dek: %v", err)
	}

	if _, err := Open(path, "old-password"); err == nil {
		t.Fatalf("expected the old password to no longer open the vault")
	}

	reopened, err := Open(path, "new-password")
	if err != nil {
		t.Fatalf("expected the new password to open the vault: %v", err)
	}
	pt, err := reopened.DecryptSecret("k")
	if err != nil {
		t.Fatalf("decrypt_secret after rotation: %v", err)
	}
	if string(pt) != "value" {
		t.Fatalf("expected secret to survive DEK rewrapping unchanged, got %q", pt)
	}
}

func TestCreateRefusesToOverwriteExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	if _, err := Create(path, "pw", testParams()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := Create(path, "pw", testParams()); err == nil {
		t.Fatalf("expected second create at the same path to fail")
	}
}
