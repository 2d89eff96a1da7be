package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-game-host/internal/model"
)

// Key layout:
//
//	session:<id>          session JSON, SET with EX
//	player:<id>:sessions  set of session ids, EXPIRE refreshed on every index
//	channel:<key>         live session id for the channel, SET with EX
const (
	redisSessionPrefix = "session:"
	redisPlayerPrefix  = "player:"
	redisPlayerSuffix  = ":sessions"
	redisChannelPrefix = "channel:"
)

// Redis is a Store backed by a Redis instance. TTLs map directly onto key
// expiry, so abandoned sessions disappear without a sweeper.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed store around an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, s *model.Session, ttl time.Duration) error {
	raw, err := encodeSession(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisSessionPrefix+s.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	raw, err := r.client.Get(ctx, redisSessionPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return decodeSession(raw)
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, redisSessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func playerKey(playerID string) string {
	return redisPlayerPrefix + playerID + redisPlayerSuffix
}

// IndexPlayerSession implements Store.
func (r *Redis) IndexPlayerSession(ctx context.Context, playerID, sessionID string, ttl time.Duration) error {
	key := playerKey(playerID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, sessionID)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index player %s: %w", playerID, err)
	}
	return nil
}

// ListPlayerSessions implements Store.
func (r *Redis) ListPlayerSessions(ctx context.Context, playerID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, playerKey(playerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for player %s: %w", playerID, err)
	}
	return ids, nil
}

// RemovePlayerSession implements Store.
func (r *Redis) RemovePlayerSession(ctx context.Context, playerID, sessionID string) error {
	if err := r.client.SRem(ctx, playerKey(playerID), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to unindex player %s: %w", playerID, err)
	}
	return nil
}

// BindChannel implements Store.
func (r *Redis) BindChannel(ctx context.Context, ch model.ChannelRef, sessionID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisChannelPrefix+ch.Key(), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to bind channel %s: %w", ch.Key(), err)
	}
	return nil
}

// ChannelSession implements Store.
func (r *Redis) ChannelSession(ctx context.Context, ch model.ChannelRef) (string, error) {
	id, err := r.client.Get(ctx, redisChannelPrefix+ch.Key()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve channel %s: %w", ch.Key(), err)
	}
	return id, nil
}

// UnbindChannel implements Store.
func (r *Redis) UnbindChannel(ctx context.Context, ch model.ChannelRef) error {
	if err := r.client.Del(ctx, redisChannelPrefix+ch.Key()).Err(); err != nil {
		return fmt.Errorf("failed to unbind channel %s: %w", ch.Key(), err)
	}
	return nil
}
