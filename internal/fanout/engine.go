// Package fanout resolves target connection sets and delivers one
// message to each, reaping stale directory records as it goes.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"gamerelay/internal/delivery"
	"gamerelay/internal/directory"
	"gamerelay/pkg/protocol"
)

const defaultWorkers = 8

// Engine fans one envelope out to many connections. Deliveries are
// independent: a Gone result deletes that connection's directory
// record and the rest of the fan-out continues; transient failures are
// collected and returned after every target has been attempted. No
// ordering is guaranteed across target connections.
type Engine struct {
	directory directory.Store
	sender    delivery.Sender
	workers   int
	log       zerolog.Logger
}

// NewEngine builds a fan-out engine with the default delivery
// concurrency bound.
func NewEngine(dir directory.Store, sender delivery.Sender, log zerolog.Logger) *Engine {
	return &Engine{
		directory: dir,
		sender:    sender,
		workers:   defaultWorkers,
		log:       log.With().Str("component", "fanout").Logger(),
	}
}

// ToUser delivers the envelope to every live connection of one user.
// An offline user (zero matches) is not an error: the message is
// simply not delivered; there is no queueing or retry.
func (e *Engine) ToUser(ctx context.Context, userID string, env *protocol.Envelope) (int, error) {
	recs, err := e.directory.ByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("resolve connections for user %s: %w", userID, err)
	}
	return e.deliver(ctx, recs, "", env)
}

// ToChannel delivers the envelope to every connection subscribed to
// the channel, excluding excludeConnID (the sender) when non-empty.
// Channel membership is resolved from the directory's channel index,
// the same set the subscribe action writes.
func (e *Engine) ToChannel(ctx context.Context, channel, excludeConnID string, env *protocol.Envelope) (int, error) {
	recs, err := e.directory.ByChannel(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("resolve connections for channel %s: %w", channel, err)
	}
	return e.deliver(ctx, recs, excludeConnID, env)
}

// deliver pushes the encoded envelope to each resolved connection with
// bounded concurrency. Returns the number of successful deliveries and
// the joined transient errors, if any.
func (e *Engine) deliver(ctx context.Context, recs []*directory.Record, excludeConnID string, env *protocol.Envelope) (int, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		errs      []error
	)
	sem := make(chan struct{}, e.workers)

	for _, rec := range recs {
		if rec.ConnectionID == excludeConnID {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(rec *directory.Record) {
			defer wg.Done()
			defer func() { <-sem }()

			res := e.sender.Send(ctx, rec.ConnectionID, payload)
			switch res.Status {
			case delivery.StatusDelivered:
				mu.Lock()
				delivered++
				mu.Unlock()

			case delivery.StatusGone:
				// Stale record: the endpoint is gone, self-heal the
				// directory and keep going.
				e.log.Debug().
					Str("connection_id", rec.ConnectionID).
					Str("user_id", rec.UserID).
					Msg("reaping stale connection")
				if err := e.directory.Delete(ctx, rec.ConnectionID); err != nil {
					e.log.Warn().Err(err).
						Str("connection_id", rec.ConnectionID).
						Msg("failed to reap stale connection")
				}

			case delivery.StatusTransient:
				mu.Lock()
				errs = append(errs, fmt.Errorf("deliver to %s: %w", rec.ConnectionID, res.Err))
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()

	if len(errs) > 0 {
		return delivered, errors.Join(errs...)
	}
	return delivered, nil
}
