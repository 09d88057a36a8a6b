package ports

import "context"

// CredentialStore persists the serialized session under one fixed key.
// Read returns (nil, nil) when nothing is stored.
type CredentialStore interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, value []byte) error
	Clear(ctx context.Context) error
}
