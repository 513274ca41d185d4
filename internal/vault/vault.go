// Package vault implements the credential vault: an Argon2id-derived key
// encrypting a random data-encryption key (the envelope pattern), with every
// secret sealed independently under that DEK via AES-256-GCM. Opaque key
// handles never leave this package — callers get decrypted plaintext or
// nothing, never raw DEK/KEK bytes, the same boundary discipline
// internal/auth draws around its signing key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

const dekSizeBytes = 32

// onDiskVault is the JSON-serializable shape of a vault file. Secrets are
// stored by name, each independently sealed under the (in-memory-only) DEK.
type onDiskVault struct {
	Header  vaultHeaderJSON       `json:"header"`
	Secrets map[string]secretJSON `json:"secrets"`
}

type vaultHeaderJSON struct {
	Version       int    `json:"version"`
	Salt          string `json:"salt"`
	MemoryKiB     uint32 `json:"memory_kib"`
	Iterations    uint32 `json:"iterations"`
	Parallelism   uint8  `json:"parallelism"`
	KeyLenBytes   uint32 `json:"key_length_bytes"`
	DEKCiphertext string `json:"dek_ciphertext"`
	DEKNonce      string `json:"dek_nonce"`
}

type secretJSON struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Vault holds the password-derived KEK and the decrypted DEK in memory, and
// every secret's independent ciphertext. One Vault per process is the
// expected usage; callers serialize access at whatever admin surface wraps
// it (the same pattern as the single-writer semantics the webhook Manager
// and retry Driver already assume for their own mutable state).
type Vault struct {
	path    string
	salt    [16]byte
	params  types.Argon2Params
	kek     []byte
	dek     []byte
	secrets map[string]types.EncryptedSecret
}

func deriveKEK(password string, salt [16]byte, params types.Argon2Params) []byte {
	return argon2.IDKey([]byte(password), salt[:], params.Iterations, params.MemoryKiB, params.Parallelism, params.KeyLengthBytes)
}

func sealAESGCM(key, plaintext []byte) (ciphertext []byte, nonce [12]byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nonce, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nonce, err
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, err
	}
	ct := gcm.Seal(nil, nonce[:], plaintext, nil)
	return ct, nonce, nil
}

func openAESGCM(key, ciphertext []byte, nonce [12]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, orcherr.Auth("decryption failed: wrong password or tampered ciphertext")
	}
	return pt, nil
}

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBytes(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func decodeFixed16(s string) ([16]byte, error) {
	var out [16]byte
	b, err := decodeBytes(s)
	if err != nil || len(b) != 16 {
		return out, orcherr.Auth("expected 16 bytes")
	}
	copy(out[:], b)
	return out, nil
}

func decodeFixed12(s string) ([12]byte, error) {
	var out [12]byte
	b, err := decodeBytes(s)
	if err != nil || len(b) != 12 {
		return out, orcherr.Auth("expected 12 bytes")
	}
	copy(out[:], b)
	return out, nil
}

// Create initializes a brand-new vault at path: a random salt, a fresh
// random DEK wrapped under the password-derived KEK, and an empty secret
// store. It fails if a file already exists at path.
func Create(path, password string, params types.Argon2Params) (*Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, orcherr.State("vault file already exists at " + path)
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	dek := make([]byte, dekSizeBytes)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	kek := deriveKEK(password, salt, params)

	v := &Vault{path: path, salt: salt, params: params, kek: kek, dek: dek, secrets: map[string]types.EncryptedSecret{}}
	if err := v.persist(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open reads the vault file at path and decrypts its DEK using password.
// A wrong password or a tampered file produces ErrAuthenticationFailure.
func Open(path, password string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var onDisk onDiskVault
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, orcherr.Auth("vault file is not valid JSON")
	}

	salt, err := decodeFixed16(onDisk.Header.Salt)
	if err != nil {
		return nil, orcherr.Auth("corrupt salt")
	}
	params := types.Argon2Params{
		MemoryKiB: onDisk.Header.MemoryKiB, Iterations: onDisk.Header.Iterations,
		Parallelism: onDisk.Header.Parallelism, KeyLengthBytes: onDisk.Header.KeyLenBytes,
	}
	kek := deriveKEK(password, salt, params)

	dekCiphertext, err := decodeBytes(onDisk.Header.DEKCiphertext)
	if err != nil {
		return nil, orcherr.Auth("corrupt dek ciphertext")
	}
	dekNonce, err := decodeFixed12(onDisk.Header.DEKNonce)
	if err != nil {
		return nil, orcherr.Auth("corrupt dek nonce")
	}
	dek, err := openAESGCM(kek, dekCiphertext, dekNonce)
	if err != nil {
		return nil, err
	}

	v := &Vault{path: path, salt: salt, params: params, kek: kek, dek: dek, secrets: map[string]types.EncryptedSecret{}}
	for name, s := range onDisk.Secrets {
		ct, err := decodeBytes(s.Ciphertext)
		if err != nil {
			return nil, orcherr.Auth("corrupt secret ciphertext: " + name)
		}
		nonce, err := decodeFixed12(s.Nonce)
		if err != nil {
			return nil, orcherr.Auth("corrupt secret nonce: " + name)
		}
		v.secrets[name] = types.EncryptedSecret{Ciphertext: ct, Nonce: nonce}
	}
	return v, nil
}

// EncryptSecret seals plaintext under the vault's DEK with a fresh nonce and
// persists the update. Re-registering an existing name overwrites it.
func (v *Vault) EncryptSecret(name string, plaintext []byte) error {
	ct, nonce, err := sealAESGCM(v.dek, plaintext)
	if err != nil {
		return err
	}
	v.secrets[name] = types.EncryptedSecret{Ciphertext: ct, Nonce: nonce}
	return v.persist()
}

// DecryptSecret returns the plaintext for name, or ErrAuthenticationFailure
// if the ciphertext or tag has been tampered with.
func (v *Vault) DecryptSecret(name string) ([]byte, error) {
	s, ok := v.secrets[name]
	if !ok {
		return nil, orcherr.State("no secret registered under that name")
	}
	return openAESGCM(v.dek, s.Ciphertext, s.Nonce)
}

// DeleteSecret removes name from the vault and persists the change.
func (v *Vault) DeleteSecret(name string) error {
	delete(v.secrets, name)
	return v.persist()
}

// ListSecretNames returns every registered secret's name, without exposing
// any ciphertext or key material.
func (v *Vault) ListSecretNames() []string {
	names := make([]string, 0, len(v.secrets))
	for n := range v.secrets {
		names = append(names, n)
	}
	return names
}

// RotateDEK re-derives the KEK from newPassword under a fresh random salt
// and rewraps the existing DEK. Per-secret ciphertexts are untouched: since
// every secret is sealed directly under the DEK rather than the KEK,
// changing the password-derived wrapping key never requires touching
// secret ciphertext, only the envelope around the DEK itself.
func (v *Vault) RotateDEK(newPassword string) error {
	var newSalt [16]byte
	if _, err := rand.Read(newSalt[:]); err != nil {
		return err
	}
	v.salt = newSalt
	v.kek = deriveKEK(newPassword, newSalt, v.params)
	return v.persist()
}

func (v *Vault) persist() error {
	dekCT, dekNonce, err := sealAESGCM(v.kek, v.dek)
	if err != nil {
		return err
	}

	onDisk := onDiskVault{
		Header: vaultHeaderJSON{
			Version: 1, Salt: encodeBytes(v.salt[:]),
			MemoryKiB: v.params.MemoryKiB, Iterations: v.params.Iterations,
			Parallelism: v.params.Parallelism, KeyLenBytes: v.params.KeyLengthBytes,
			DEKCiphertext: encodeBytes(dekCT), DEKNonce: encodeBytes(dekNonce[:]),
		},
		Secrets: map[string]secretJSON{},
	}
	for name, s := range v.secrets {
		onDisk.Secrets[name] = secretJSON{Ciphertext: encodeBytes(s.Ciphertext), Nonce: encodeBytes(s.Nonce[:])}
	}

	raw, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(v.path, raw, 0o600)
}
