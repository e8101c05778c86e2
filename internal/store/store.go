package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// TokenKey is the fixed key the session token is persisted under.
const TokenKey = "user-token"

// Store defines the client-side persistence interface. The session token is
// the only state the dashboard keeps across restarts.
type Store interface {
	// GetToken returns ErrNotFound if no session token is persisted.
	GetToken() (string, error)
	SaveToken(token string) error
	// DeleteToken is a no-op if no token is persisted.
	DeleteToken() error

	// Close the store
	Close() error
}
