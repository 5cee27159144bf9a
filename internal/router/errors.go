package router

import "errors"

var (
	ErrUnidentified        = errors.New("connection has no resolvable identity")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrMissingTarget       = errors.New("notification missing target user")
	ErrMissingGame         = errors.New("game update missing game id")
	ErrMissingConversation = errors.New("typing message missing conversation id")
)

// Error codes carried in error envelopes pushed back to the offending
// connection.
const (
	codeUnauthorized  = "unauthorized"
	codeBadRequest    = "bad_request"
	codeUnknownAction = "unknown_action"
	codeRateLimited   = "rate_limited"
	codePersistence   = "persistence_failed"
)
