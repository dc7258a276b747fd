// internal/historian/historian.go
//
// Package historian drains the match action queue written by the lobby server
// and persists it to Postgres in batches. Matches that stop producing actions
// without a recorded end are marked abandoned.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arcade/internal/cache"
	"github.com/jason-s-yu/arcade/internal/database"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Store persists what the historian reads.
type Store interface {
	InsertActions(ctx context.Context, recs []cache.MatchActionRecord) error
	MarkAbandoned(ctx context.Context, matchID string) (bool, error)
}

// PoolStore is the Postgres Store.
type PoolStore struct {
	Pool *pgxpool.Pool
}

func (s PoolStore) InsertActions(ctx context.Context, recs []cache.MatchActionRecord) error {
	return database.InsertActions(ctx, s.Pool, recs)
}

func (s PoolStore) MarkAbandoned(ctx context.Context, matchID string) (bool, error) {
	return database.MarkAbandoned(ctx, s.Pool, matchID)
}

// Options tunes the service. Zero values take defaults.
type Options struct {
	Queue         string
	BatchSize     int
	FlushInterval time.Duration
	Inactivity    time.Duration // time without actions until a match is abandoned
	SweepInterval time.Duration
	PopTimeout    time.Duration
	Logger        *logrus.Logger
}

// Service batches queued action records into the Store.
type Service struct {
	rdb   redis.Cmdable
	store Store
	opts  Options
	log   *logrus.Entry

	lastActivity sync.Map // match id -> time.Time
	ended        sync.Map // match id -> time.Time of its match_end

	batchMu sync.Mutex
	batch   []cache.MatchActionRecord
}

// New returns a Service reading from rdb.
func New(rdb redis.Cmdable, store Store, opts Options) *Service {
	if opts.Queue == "" {
		opts.Queue = cache.DefaultQueueName
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		rdb:   rdb,
		store: store,
		opts:  opts,
		log:   opts.Logger.WithField("component", "historian"),
		batch: make([]cache.MatchActionRecord, 0, opts.BatchSize),
	}
}

// Run blocks until ctx is done, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	s.log.WithField("queue", s.opts.Queue).Info("historian started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	g.Go(func() error { return s.inactivityLoop(gctx) })
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Flush(flushCtx)
	s.log.Info("historian stopped")
	return err
}

func (s *Service) readLoop(ctx context.Context) error {
	for {
		res, err := s.rdb.BLPop(ctx, s.opts.PopTimeout, s.opts.Queue).Result()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.log.WithError(err).Error("BLPop failed")
				time.Sleep(time.Second)
			}
			continue
		}
		// res[0] is the queue name, res[1] the payload
		if len(res) < 2 {
			continue
		}
		s.Ingest(ctx, []byte(res[1]))
	}
}

// Ingest decodes one queued payload and adds it to the batch, flushing when
// the batch is full. Malformed payloads are logged and dropped.
func (s *Service) Ingest(ctx context.Context, payload []byte) {
	var rec cache.MatchActionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.log.WithError(err).Warn("invalid action record")
		return
	}

	if rec.MatchID != "" {
		now := time.Now()
		switch {
		case rec.ActionType == database.MatchEndAction:
			s.lastActivity.Delete(rec.MatchID)
			s.ended.Store(rec.MatchID, now)
		case s.isEnded(rec.MatchID):
			// late record of a finished match
		default:
			s.lastActivity.Store(rec.MatchID, now)
		}
	}

	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.opts.BatchSize
	s.batchMu.Unlock()

	if full {
		s.Flush(ctx)
	}
}

func (s *Service) isEnded(matchID string) bool {
	_, ok := s.ended.Load(matchID)
	return ok
}

// Flush writes the pending batch in one transaction. A failed batch is
// logged and dropped.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := make([]cache.MatchActionRecord, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.store.InsertActions(ctx, pending); err != nil {
		s.log.WithError(err).WithField("actions", len(pending)).Error("failed to flush actions")
		return
	}
	s.log.WithField("actions", len(pending)).Debug("flushed actions")
}

// Pending is the number of buffered records.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

func (s *Service) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

func (s *Service) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep marks every match idle for longer than the inactivity threshold as
// abandoned and stops tracking it. Ended matches are forgotten after the same
// threshold.
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	s.ended.Range(func(key, val interface{}) bool {
		if at, ok := val.(time.Time); !ok || now.Sub(at) > s.opts.Inactivity {
			s.ended.Delete(key)
		}
		return true
	})
	s.lastActivity.Range(func(key, val interface{}) bool {
		matchID, ok1 := key.(string)
		last, ok2 := val.(time.Time)
		if !ok1 || !ok2 || now.Sub(last) <= s.opts.Inactivity {
			return true
		}
		s.lastActivity.Delete(matchID)

		// pending actions may create the match row
		s.Flush(ctx)
		marked, err := s.store.MarkAbandoned(ctx, matchID)
		if err != nil {
			s.log.WithError(err).WithField("match", matchID).Error("failed to mark match abandoned")
			return true
		}
		if marked {
			s.log.WithField("match", matchID).Info("marked match abandoned after inactivity")
		}
		return true
	})
}
