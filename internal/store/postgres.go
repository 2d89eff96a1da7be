package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"chat-game-host/internal/model"
)

// Postgres is a Store backed by PostgreSQL. Sessions live in a jsonb row with
// an expires_at column; reads filter lapsed rows so an expired session is
// indistinguishable from a deleted one, and ReapExpired removes them for real.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store around an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the session tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS game_sessions (
			session_id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_game_sessions_expires ON game_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS player_sessions (
			player_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (player_id, session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_player_sessions_expires ON player_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS channel_sessions (
			channel_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to run session store migrations: %w", err)
	}
	log.Info().Msg("Session store migrations completed")
	return nil
}

// Save implements Store.
func (p *Postgres) Save(ctx context.Context, s *model.Session, ttl time.Duration) error {
	raw, err := encodeSession(s)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO game_sessions (session_id, data, expires_at, updated_at)
		VALUES ($1, $2, NOW() + $3, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, s.ID, raw, ttl); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// Load implements Store.
func (p *Postgres) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	const query = `
		SELECT data FROM game_sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`

	var raw []byte
	err := p.pool.QueryRow(ctx, query, sessionID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return decodeSession(raw)
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM game_sessions WHERE session_id = $1`
	if _, err := p.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// IndexPlayerSession implements Store.
func (p *Postgres) IndexPlayerSession(ctx context.Context, playerID, sessionID string, ttl time.Duration) error {
	const query = `
		INSERT INTO player_sessions (player_id, session_id, expires_at)
		VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (player_id, session_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
	`
	if _, err := p.pool.Exec(ctx, query, playerID, sessionID, ttl); err != nil {
		return fmt.Errorf("failed to index player %s: %w", playerID, err)
	}
	return nil
}

// ListPlayerSessions implements Store.
func (p *Postgres) ListPlayerSessions(ctx context.Context, playerID string) ([]string, error) {
	const query = `
		SELECT session_id FROM player_sessions
		WHERE player_id = $1 AND expires_at > NOW()
	`

	rows, err := p.pool.Query(ctx, query, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for player %s: %w", playerID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating player sessions: %w", err)
	}
	return ids, nil
}

// RemovePlayerSession implements Store.
func (p *Postgres) RemovePlayerSession(ctx context.Context, playerID, sessionID string) error {
	const query = `DELETE FROM player_sessions WHERE player_id = $1 AND session_id = $2`
	if _, err := p.pool.Exec(ctx, query, playerID, sessionID); err != nil {
		return fmt.Errorf("failed to unindex player %s: %w", playerID, err)
	}
	return nil
}

// BindChannel implements Store.
func (p *Postgres) BindChannel(ctx context.Context, ch model.ChannelRef, sessionID string, ttl time.Duration) error {
	const query = `
		INSERT INTO channel_sessions (channel_key, session_id, expires_at)
		VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (channel_key)
		DO UPDATE SET session_id = EXCLUDED.session_id, expires_at = EXCLUDED.expires_at
	`
	if _, err := p.pool.Exec(ctx, query, ch.Key(), sessionID, ttl); err != nil {
		return fmt.Errorf("failed to bind channel %s: %w", ch.Key(), err)
	}
	return nil
}

// ChannelSession implements Store.
func (p *Postgres) ChannelSession(ctx context.Context, ch model.ChannelRef) (string, error) {
	const query = `
		SELECT session_id FROM channel_sessions
		WHERE channel_key = $1 AND expires_at > NOW()
	`

	var id string
	err := p.pool.QueryRow(ctx, query, ch.Key()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve channel %s: %w", ch.Key(), err)
	}
	return id, nil
}

// UnbindChannel implements Store.
func (p *Postgres) UnbindChannel(ctx context.Context, ch model.ChannelRef) error {
	const query = `DELETE FROM channel_sessions WHERE channel_key = $1`
	if _, err := p.pool.Exec(ctx, query, ch.Key()); err != nil {
		return fmt.Errorf("failed to unbind channel %s: %w", ch.Key(), err)
	}
	return nil
}

// ReapExpired deletes rows whose TTL lapsed. Reads already filter these; the
// reaper just keeps the tables from growing.
func (p *Postgres) ReapExpired(ctx context.Context) error {
	for _, query := range []string{
		`DELETE FROM game_sessions WHERE expires_at <= NOW()`,
		`DELETE FROM player_sessions WHERE expires_at <= NOW()`,
		`DELETE FROM channel_sessions WHERE expires_at <= NOW()`,
	} {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to reap expired rows: %w", err)
		}
	}
	return nil
}
