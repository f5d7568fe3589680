// Package kvstore is the local key/value persistence layer for the dabba
// client: credential material and the last-known profile live here under
// fixed keys.
package kvstore

import "context"

// Fixed keys used by the session guard and profile cache.
const (
	KeyAccessToken    = "access_token"
	KeyRefreshToken   = "refresh_token"
	KeyTokenExpiresAt = "token_expires_at"
	KeyUserProfile    = "user_profile"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
