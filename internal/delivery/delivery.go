// Package delivery owns the push-delivery primitive: one attempt to
// send bytes to one connection, with an explicit result variant so
// callers branch on outcome instead of transport error strings.
package delivery

import (
	"context"
	"errors"
)

// Status classifies one delivery attempt.
type Status int

const (
	// StatusDelivered means the payload was handed to the transport.
	StatusDelivered Status = iota
	// StatusGone means the remote endpoint no longer exists; the
	// caller should reap the connection's directory record.
	StatusGone
	// StatusTransient means the attempt failed but the connection may
	// still be alive (write timeout, backpressure).
	StatusTransient
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Status Status
	Err    error
}

func Delivered() Result          { return Result{Status: StatusDelivered} }
func Gone(err error) Result      { return Result{Status: StatusGone, Err: err} }
func Transient(err error) Result { return Result{Status: StatusTransient, Err: err} }

// Sender attempts one push delivery to a connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) Result
}

// LocalSender delivers to websocket connections owned by this process.
type LocalSender struct {
	registry *Registry
}

// NewLocalSender builds a sender over the process-local registry.
func NewLocalSender(registry *Registry) *LocalSender {
	return &LocalSender{registry: registry}
}

// Send writes the payload to the identified connection. A connection
// absent from the registry, or one whose socket has closed, reports
// Gone; a write timeout reports Transient.
func (s *LocalSender) Send(ctx context.Context, connectionID string, payload []byte) Result {
	conn, ok := s.registry.Get(connectionID)
	if !ok {
		return Gone(ErrUnknownConnection)
	}

	err := conn.Write(payload)
	switch {
	case err == nil:
		return Delivered()
	case errors.Is(err, ErrConnectionClosed):
		return Gone(err)
	default:
		return Transient(err)
	}
}
