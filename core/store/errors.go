package store

import "errors"

var (
	// ErrNotFound is returned when no document matches the given filter.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when inserting a document whose id already exists.
	ErrDuplicate = errors.New("store: duplicate id")
)
