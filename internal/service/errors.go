package service

import "errors"

var (
	// ErrInvalidInput means neither email nor phone number was supplied.
	ErrInvalidInput = errors.New("either email or phoneNumber must be provided")
	// ErrStoreFailure wraps any query or write error from the record store.
	// Nothing from the failed call is committed.
	ErrStoreFailure = errors.New("store failure")
	// ErrInconsistentCluster reports stored links that break the one-primary,
	// one-hop cluster shape.
	ErrInconsistentCluster = errors.New("inconsistent cluster")
)
