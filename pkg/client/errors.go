package client

import "errors"

var (
	ErrAlreadyConnected = errors.New("client already connected or connecting")
	ErrMissingURL       = errors.New("client requires a server url")
)
