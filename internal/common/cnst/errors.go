package cnst

import "errors"

var (
	// ErrUserExists is returned when a username is already taken
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")
	// ErrUnsupportedStore is returned by factories for unknown backend types
	ErrUnsupportedStore = errors.New("unsupported store type")
)
