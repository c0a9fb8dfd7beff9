// Package secrets stores tenant-scoped secret material encrypted at rest.
// The admin API uses it for inbound webhook signing keys; values are
// decrypted in memory only.
package secrets

import "context"

// Vault resolves and manages named secrets. Keys are composed by the
// caller, conventionally "<tenant>/<name>".
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// SecretStore persists ciphertext blobs. Values arriving here are already
// encrypted by the vault.
type SecretStore interface {
	PutSecret(ctx context.Context, key string, ciphertext []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}
