// Package delivery dispatches rendered views to a remote chat surface under a
// strict per-message edit-rate ceiling, retrying transient failures and
// evicting what cannot be delivered. Delivery never feeds back into game
// state: a failed edit leaves the remote view stale until the next render.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-game-host/internal/model"
)

// Sender is the outbound chat-surface capability the queue depends on.
// Implementations map platform errors to ErrNoOp and RateLimitedError; every
// other failure is treated as transient.
type Sender interface {
	// Send posts a new message and returns its handle.
	Send(ctx context.Context, ch model.ChannelRef, view model.View) (model.MessageRef, error)

	// Edit replaces the content of an existing message.
	Edit(ctx context.Context, ref model.MessageRef, view model.View) error
}

// ErrNoOp means the remote content is already identical. The queue treats it
// as success.
var ErrNoOp = errors.New("remote content not modified")

// RateLimitedError is an explicit upstream rate-limit signal carrying the
// platform's retry-after hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by upstream, retry after %s", e.RetryAfter)
}
