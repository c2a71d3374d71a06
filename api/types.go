package api

import (
	"context"
)

// Authenticator resolves the caller behind an Authorization header value.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper remembers idempotency keys of mutating requests.
type Deduper interface {
	// Claim reserves the key and returns true if nobody held it.
	Claim(ctx context.Context, userID, key string) (bool, error)
	// Release gives a key back, used when the request did not commit.
	Release(ctx context.Context, userID, key string) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
