package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

const (
	sealVersion  byte = 1
	kdfRounds         = 100_000
	minSaltBytes      = 16
)

// Backend persists sealed values and the per-database key-derivation salt.
// Satisfied by *store.LibSQLStore, which keeps the salt in vault_meta.
type Backend interface {
	SecretStore
	VaultSalt(ctx context.Context) ([]byte, error)
}

// SealedVault keeps secrets sealed with AES-256-GCM under a key derived
// from the operator passphrase (FLOWRUN_VAULT_KEY) and the database salt.
//
// A sealed value is version byte | nonce | ciphertext. The secret name is
// bound as additional data, so a value copied under another name does not
// open.
type SealedVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// Open derives the vault key for the database behind b. The salt is created
// on first use, so the same passphrase opens the same database forever and
// a different database never shares a key.
func Open(ctx context.Context, b Backend, passphrase string) (*SealedVault, error) {
	if passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "vault passphrase is empty")
	}
	salt, err := b.VaultSalt(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "load vault salt: %v", err).WithCause(err)
	}
	if len(salt) < minSaltBytes {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "vault salt is %d bytes, need at least %d", len(salt), minSaltBytes)
	}
	key, err := pbkdf2.Key(sha256.New, passphrase, salt, kdfRounds, 32)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "derive vault key: %v", err)
	}
	return newSealedVault(b, key)
}

func newSealedVault(s SecretStore, key []byte) (*SealedVault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SealedVault{store: s, aead: aead}, nil
}

func (v *SealedVault) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, []byte(name)), nil
}

func (v *SealedVault) unseal(name string, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is empty", name)
	}
	if sealed[0] != sealVersion {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q has unsupported seal version %d", name, sealed[0])
	}
	body := sealed[1:]
	n := v.aead.NonceSize()
	if len(body) < n+v.aead.Overhead() {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is truncated", name)
	}
	plaintext, err := v.aead.Open(nil, body[:n], body[n:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"secret %q does not open: wrong FLOWRUN_VAULT_KEY or tampered value", name).WithCause(err)
	}
	return plaintext, nil
}

// Store seals value under name, replacing any previous value. Names must be
// referenceable as {{secrets.NAME}} from agent config.
func (v *SealedVault) Store(ctx context.Context, name string, value []byte) error {
	if err := ValidateKey(name); err != nil {
		return err
	}
	if HasRefs(value) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"secret %q contains a {{secrets.*}} reference; references are expanded once and never nested", name)
	}
	sealed, err := v.seal(name, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, name, sealed)
}

// Resolve loads and unseals name. It is the Resolver ExpandConfig uses.
func (v *SealedVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.unseal(name, sealed)
}

func (v *SealedVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

func (v *SealedVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*SealedVault)(nil)
