package directory

import "errors"

var (
	ErrNotFound      = errors.New("connection not found")
	ErrMissingConnID = errors.New("record missing connection id")
	ErrMissingUserID = errors.New("record missing user id")
)
