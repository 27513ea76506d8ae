package store

import "errors"

// Replica store errors.
var (
	ErrNotFound   = errors.New("replica data not found")
	ErrShortWrite = errors.New("short write")
	ErrIO         = errors.New("replica i/o error")
)
