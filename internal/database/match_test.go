// internal/database/match_test.go
package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arcade/internal/cache"
	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to DATABASE_URL or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("x"))
	assert.Equal(t, "x", *nullable("x"))
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "::not a url::")
	assert.Error(t, err)
}

func TestRecordResultAndActions(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	matchID := uuid.NewString()

	now := time.Now()
	require.NoError(t, InsertActions(ctx, pool, []cache.MatchActionRecord{
		{LobbyID: "db-test", ActionIndex: 1, ActionType: "participant_join", ActorID: "a", Timestamp: now.UnixMilli()},
		{LobbyID: "db-test", MatchID: matchID, ActionIndex: 2, ActionType: "match_start", Timestamp: now.UnixMilli()},
	}))

	status, err := MatchStatus(ctx, pool, matchID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", status)

	rec := NewMatchRecorder(pool)
	require.NoError(t, rec.RecordResult(ctx, lobby.Result{
		LobbyID:   "db-test",
		MatchID:   matchID,
		WinnerID:  "a",
		Reason:    lobby.EndLastAlive,
		StartedAt: now,
		EndedAt:   now.Add(time.Second),
		Participants: []lobby.Participant{
			{ID: "a", DisplayName: "A", Alive: true, Flaps: 3},
			{ID: "bot-1", DisplayName: "Bot 1", IsBot: true},
		},
	}))

	status, err = MatchStatus(ctx, pool, matchID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)

	// a completed match is never abandoned
	abandoned, err := MarkAbandoned(ctx, pool, matchID)
	require.NoError(t, err)
	assert.False(t, abandoned)
}

func TestMarkAbandoned(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	matchID := uuid.NewString()

	require.NoError(t, InsertActions(ctx, pool, []cache.MatchActionRecord{
		{LobbyID: "db-stale", MatchID: matchID, ActionIndex: 1, ActionType: "match_start", Timestamp: time.Now().UnixMilli()},
	}))
	abandoned, err := MarkAbandoned(ctx, pool, matchID)
	require.NoError(t, err)
	assert.True(t, abandoned)

	status, err := MatchStatus(ctx, pool, matchID)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", status)
}

func TestMatchEndActionCompletesMatch(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	matchID := uuid.NewString()
	now := time.Now()

	require.NoError(t, InsertActions(ctx, pool, []cache.MatchActionRecord{
		{LobbyID: "db-end", MatchID: matchID, ActionIndex: 1, ActionType: "match_start", Timestamp: now.UnixMilli()},
		{LobbyID: "db-end", MatchID: matchID, ActionIndex: 2, ActionType: MatchEndAction, Timestamp: now.UnixMilli()},
	}))
	status, err := MatchStatus(ctx, pool, matchID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)

	// a late record does not reopen it
	require.NoError(t, InsertActions(ctx, pool, []cache.MatchActionRecord{
		{LobbyID: "db-end", MatchID: matchID, ActionIndex: 3, ActionType: "participant_dead", Timestamp: now.UnixMilli()},
	}))
	abandoned, err := MarkAbandoned(ctx, pool, matchID)
	require.NoError(t, err)
	assert.False(t, abandoned)
}
