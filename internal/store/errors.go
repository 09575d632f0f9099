// Package store provides PostgreSQL persistence for tokengate sessions.
package store

import "errors"

// Store errors.
var (
	ErrEmptyProfile = errors.New("profile name is empty")
)
