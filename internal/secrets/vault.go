package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/flowrun/pkg/schema"
)

// Vault stores named secrets encrypted at rest. Plaintext only exists in memory.
type Vault interface {
	Resolver
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Resolver returns the plaintext of a secret.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// SecretStore persists encrypted values. Satisfied by *store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ValidateKey rejects names that could not be referenced from agent config.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid secret key %q: use letters, digits, '_', '.' or '-' and start with a letter or '_'", key)
	}
	return nil
}
