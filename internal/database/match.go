// internal/database/match.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arcade/internal/cache"
	"github.com/jason-s-yu/arcade/internal/lobby"
)

// MatchRecorder persists completed matches.
type MatchRecorder struct {
	pool *pgxpool.Pool
}

func NewMatchRecorder(pool *pgxpool.Pool) *MatchRecorder {
	return &MatchRecorder{pool: pool}
}

// RecordResult upserts the match row as completed together with its roster.
func (r *MatchRecorder) RecordResult(ctx context.Context, res lobby.Result) error {
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		upsertMatch := `
			INSERT INTO matches (id, lobby_id, status, winner_id, winner_is_bot, ended_reason, started_at, ended_at)
			VALUES ($1, $2, 'completed', $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				status = 'completed',
				winner_id = EXCLUDED.winner_id,
				winner_is_bot = EXCLUDED.winner_is_bot,
				ended_reason = EXCLUDED.ended_reason,
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at
		`
		if _, e := tx.Exec(ctx, upsertMatch,
			res.MatchID, res.LobbyID, nullable(res.WinnerID), res.WinnerIsBot,
			string(res.Reason), res.StartedAt, res.EndedAt,
		); e != nil {
			return e
		}

		for _, p := range res.Participants {
			q := `
				INSERT INTO match_participants (match_id, participant_id, display_name, is_bot, alive, flaps)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (match_id, participant_id)
				DO UPDATE SET alive = $5, flaps = $6
			`
			if _, e := tx.Exec(ctx, q, res.MatchID, p.ID, p.DisplayName, p.IsBot, p.Alive, p.Flaps); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx upsert match %s: %w", res.MatchID, err)
	}
	return nil
}

// MatchEndAction is the action type logged when a match ends.
const MatchEndAction = "match_end"

// InsertActions writes a batch of action records in one transaction. Records
// that carry a match id also mark that match in progress unless it already
// finished, and a match_end record completes it.
func InsertActions(ctx context.Context, pool *pgxpool.Pool, recs []cache.MatchActionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			if rec.MatchID != "" {
				batch.Queue(`
					INSERT INTO matches (id, lobby_id, status, started_at)
					VALUES ($1, $2, 'in_progress', NOW())
					ON CONFLICT (id) DO NOTHING
				`, rec.MatchID, rec.LobbyID)
			}
			payload, err := json.Marshal(rec.ActionPayload)
			if err != nil {
				return fmt.Errorf("marshal payload of action %d: %w", rec.ActionIndex, err)
			}
			batch.Queue(`
				INSERT INTO match_actions (lobby_id, match_id, action_index, actor_id, action_type, action_payload, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, rec.LobbyID, nullable(rec.MatchID), rec.ActionIndex, nullable(rec.ActorID), rec.ActionType, payload,
				time.UnixMilli(rec.Timestamp))
			if rec.MatchID != "" && rec.ActionType == MatchEndAction {
				batch.Queue(`
					UPDATE matches
					SET status = 'completed', ended_at = COALESCE(ended_at, $2)
					WHERE id = $1 AND status = 'in_progress'
				`, rec.MatchID, time.UnixMilli(rec.Timestamp))
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// MarkAbandoned flags a match that never reported an end.
func MarkAbandoned(ctx context.Context, pool *pgxpool.Pool, matchID string) (bool, error) {
	var affected int64
	err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE matches
			SET status = 'abandoned', ended_at = NOW()
			WHERE id = $1 AND status = 'in_progress'
		`
		tag, e := tx.Exec(ctx, q, matchID)
		affected = tag.RowsAffected()
		return e
	})
	if err != nil {
		return false, fmt.Errorf("mark match %s abandoned: %w", matchID, err)
	}
	return affected > 0, nil
}

// MatchStatus returns the stored status of a match.
func MatchStatus(ctx context.Context, pool *pgxpool.Pool, matchID string) (string, error) {
	var status string
	err := pool.QueryRow(ctx, `SELECT status FROM matches WHERE id = $1`, matchID).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
