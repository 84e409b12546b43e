package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrLockHeld       = errors.New("lock already held")
	ErrDecode         = errors.New("malformed pool snapshot")
	ErrBootstrap      = errors.New("pool bootstrap failed")
	ErrComputeFailure = errors.New("route computation failed")

	// Errors surfaced by the public route query.
	ErrInvalidTokenPair = errors.New("invalid token pair")
	ErrNoRouteFound     = errors.New("no route found")
)
