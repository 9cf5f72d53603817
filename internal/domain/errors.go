package domain

import "errors"

// Errors recovered at the handler boundary and turned into replies.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrMalformedInput    = errors.New("malformed input")
	ErrOracleUnavailable = errors.New("membership oracle unavailable")
	ErrSpawnFailure      = errors.New("process spawn failure")
	ErrAlreadyDecided    = errors.New("submission already decided")
)
