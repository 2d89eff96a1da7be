// Tests use testcontainers-go to spin up a PostgreSQL container.
package store

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"chat-game-host/internal/model"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a migrated store.
// Skips the test if Docker is not available.
func setupTestDB(t *testing.T) (*Postgres, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	pg := NewPostgres(pool)
	require.NoError(t, pg.Migrate(ctx))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return pg, cleanup
}

func TestPostgres_SaveLoadRoundTrip(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	want := testSession("s1")
	require.NoError(t, pg.Save(ctx, want, time.Minute))

	got, err := pg.Load(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.GameID, got.GameID)
	assert.Equal(t, want.Channel, got.Channel)
	assert.Equal(t, want.Players, got.Players)
	assert.Equal(t, want.Phase, got.Phase)
	assert.JSONEq(t, string(want.GameData), string(got.GameData))
}

func TestPostgres_SaveIsUpsert(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	s := testSession("s1")
	require.NoError(t, pg.Save(ctx, s, time.Minute))

	s.Phase = model.PhaseEnded
	require.NoError(t, pg.Save(ctx, s, time.Minute))

	got, err := pg.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseEnded, got.Phase)
}

func TestPostgres_LoadMissing(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := pg.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ExpiredRowInvisible(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// A negative TTL writes an already-expired row.
	require.NoError(t, pg.Save(ctx, testSession("s1"), -time.Minute))

	_, err := pg.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// ReapExpired removes it physically without disturbing live rows.
	require.NoError(t, pg.Save(ctx, testSession("s2"), time.Minute))
	require.NoError(t, pg.ReapExpired(ctx))

	_, err = pg.Load(ctx, "s2")
	assert.NoError(t, err)
}

func TestPostgres_CorruptRow(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// Bypass Save to plant a decodable-but-invalid payload. JSONB rejects
	// malformed JSON outright, so an empty object is the corruption shape
	// this backend can actually produce.
	_, err := pg.pool.Exec(ctx, `
		INSERT INTO game_sessions (session_id, data, expires_at)
		VALUES ($1, $2, NOW() + INTERVAL '1 minute')
	`, "bad", []byte(`{}`))
	require.NoError(t, err)

	_, err = pg.Load(ctx, "bad")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPostgres_Delete(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, pg.Save(ctx, testSession("s1"), time.Minute))
	require.NoError(t, pg.Delete(ctx, "s1"))

	_, err := pg.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, pg.Delete(ctx, "s1"))
}

func TestPostgres_PlayerIndex(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, pg.IndexPlayerSession(ctx, "alice", "s1", time.Minute))
	require.NoError(t, pg.IndexPlayerSession(ctx, "alice", "s2", time.Minute))
	require.NoError(t, pg.IndexPlayerSession(ctx, "alice", "s2", time.Minute)) // idempotent

	ids, err := pg.ListPlayerSessions(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	require.NoError(t, pg.RemovePlayerSession(ctx, "alice", "s1"))
	ids, err = pg.ListPlayerSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)

	// Expired index entries are invisible.
	require.NoError(t, pg.IndexPlayerSession(ctx, "bob", "s3", -time.Minute))
	ids, err = pg.ListPlayerSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPostgres_ChannelBinding(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ch := model.ChannelRef{Platform: "telegram", ChannelID: "-100123"}

	_, err := pg.ChannelSession(ctx, ch)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, pg.BindChannel(ctx, ch, "s1", time.Minute))

	id, err := pg.ChannelSession(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	// Rebinding replaces the session.
	require.NoError(t, pg.BindChannel(ctx, ch, "s2", time.Minute))
	id, err = pg.ChannelSession(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, "s2", id)

	require.NoError(t, pg.UnbindChannel(ctx, ch))
	_, err = pg.ChannelSession(ctx, ch)
	assert.ErrorIs(t, err, ErrNotFound)
}
