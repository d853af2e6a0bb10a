package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates a malformed or conflicting write.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrSignupClosed indicates the one-shot signup gate has already been
	// claimed; the account slot is taken for good.
	ErrSignupClosed = errors.New("repository: signup closed")
)
