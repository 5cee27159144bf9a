package protocol

import "errors"

var (
	ErrMissingID      = errors.New("envelope missing id")
	ErrInvalidType    = errors.New("invalid message type")
	ErrMissingChannel = errors.New("envelope missing channel")
	ErrMissingAction  = errors.New("message missing action")
	ErrUnknownAction  = errors.New("unknown action")
	ErrUnknownShape   = errors.New("payload matches no known message shape")
	ErrNotAdaptable   = errors.New("message type has no legacy action form")
	ErrBadPayload     = errors.New("malformed message payload")
)
