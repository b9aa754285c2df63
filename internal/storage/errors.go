package storage

import "errors"

var (
	// ErrNotInteger is returned by INCR when the current value cannot be
	// parsed as a signed 64-bit integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrStreamIDZero is returned by XADD when the resolved ID is 0-0,
	// which is never a valid stored ID.
	ErrStreamIDZero = errors.New("ID must be greater than 0-0")

	// ErrStreamIDTooSmall is returned by XADD when the given ID is not
	// strictly greater than the stream's current top ID.
	ErrStreamIDTooSmall = errors.New("ID is equal or smaller than the target stream top item")

	// ErrWrongType is returned when a command for one keyspace (string
	// or stream) targets a key already owned by the other, preserving
	// the one-keyspace-per-key invariant.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)
