package crdt

import "errors"

var (
	// ErrMalformed is returned for batches or logs that fail validation.
	ErrMalformed = errors.New("crdt: malformed operation")

	ErrInvalidPath      = errors.New("crdt: invalid path")
	ErrNotFound         = errors.New("crdt: path not found")
	ErrNotMap           = errors.New("crdt: parent is not a map")
	ErrNotList          = errors.New("crdt: target is not a list")
	ErrIndexOutOfRange  = errors.New("crdt: list index out of range")
	ErrUnsupportedValue = errors.New("crdt: unsupported value type")
)
