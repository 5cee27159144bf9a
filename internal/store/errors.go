package store

import "errors"

var (
	ErrClosed       = errors.New("store is closed")
	ErrWriteTimeout = errors.New("write operation timeout")
	ErrNotFound     = errors.New("record not found")
)
