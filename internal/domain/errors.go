package domain

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent operation holds the resource.
	ErrConflict = errors.New("conflict")
	// ErrInvalidArgument indicates malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyExists indicates a unique key is already taken.
	ErrAlreadyExists = errors.New("already exists")
)
