package delivery

import "errors"

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrWriteTimeout      = errors.New("write timeout")
	ErrUnknownConnection = errors.New("unknown connection")
)
