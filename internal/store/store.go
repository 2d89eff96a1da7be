// Package store defines the durable session state contract and its backends.
//
// Every write carries a TTL no shorter than the session idle timeout so
// abandoned sessions self-clean. A failed deserialization surfaces ErrCorrupt,
// never ErrNotFound: silently recreating a corrupted session would orphan the
// player indices that still point at it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-game-host/internal/model"
)

var (
	// ErrNotFound means no live session exists under the requested key.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt means a session row exists but could not be decoded.
	ErrCorrupt = errors.New("session state corrupt")
)

// Store is the durable key/value + secondary-index contract.
type Store interface {
	// Save atomically persists the session under its id with the given TTL.
	// A partial write is never observable by a subsequent Load.
	Save(ctx context.Context, s *model.Session, ttl time.Duration) error

	// Load returns the session or ErrNotFound / ErrCorrupt.
	Load(ctx context.Context, sessionID string) (*model.Session, error)

	// Delete removes the session row. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// IndexPlayerSession records that a player occupies a session, used to
	// route free-text interactions that carry no session id.
	IndexPlayerSession(ctx context.Context, playerID, sessionID string, ttl time.Duration) error

	// ListPlayerSessions returns the session ids the player currently occupies.
	ListPlayerSessions(ctx context.Context, playerID string) ([]string, error)

	// RemovePlayerSession drops one player→session index entry.
	RemovePlayerSession(ctx context.Context, playerID, sessionID string) error

	// BindChannel records the single live session for a channel.
	BindChannel(ctx context.Context, ch model.ChannelRef, sessionID string, ttl time.Duration) error

	// ChannelSession returns the live session id bound to a channel, or
	// ErrNotFound.
	ChannelSession(ctx context.Context, ch model.ChannelRef) (string, error)

	// UnbindChannel clears the channel binding.
	UnbindChannel(ctx context.Context, ch model.ChannelRef) error
}

// encodeSession serializes a session for storage.
func encodeSession(s *model.Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return raw, nil
}

// decodeSession deserializes a stored session, mapping failures to ErrCorrupt.
func decodeSession(raw []byte) (*model.Session, error) {
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrCorrupt)
	}
	return &s, nil
}
