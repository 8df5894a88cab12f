package proto

import "errors"

// Error kinds surfaced to the client.
var (
	// ErrNone is never returned; it names the zero/success kind for
	// symmetry with the other sentinels.
	ErrNone      = errors.New("success")
	ErrNoHandler = errors.New("received an unrecognized message kind")
	ErrOverflow  = errors.New("internal counter or id space overflow")
	ErrDied      = errors.New("peer disconnected or wait was interrupted")
	ErrNotFound  = errors.New("key not found")
	ErrIO        = errors.New("unexpected reply state")
)
