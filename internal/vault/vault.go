package vault

import (
	"context"
	"errors"
)

// The three keys that make up the persisted session mirror. They are written
// together on sign-in and removed together on sign-out or hard clear; no other
// component writes them.
const (
	KeyUserData     = "user_data"
	KeyAuthToken    = "auth_token"
	KeyRefreshToken = "refresh_token"
)

// ErrNotFound indicates the key has no stored value.
var ErrNotFound = errors.New("vault: key not found")

// Store is string-keyed, string-valued credential storage. Values are opaque;
// user_data holds JSON, the token keys hold raw token strings.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}
