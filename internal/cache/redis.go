// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list (queue) name for match action logs.
const DefaultQueueName = "arcade_actions"

const publishTimeout = 2 * time.Second

// MatchActionRecord holds the minimal info needed by the historian.
type MatchActionRecord struct {
	LobbyID       string                 `json:"lobby_id"`
	MatchID       string                 `json:"match_id,omitempty"`
	ActionIndex   int                    `json:"action_index"`
	ActorID       string                 `json:"actor_id,omitempty"`
	ActionType    string                 `json:"action_type"`
	ActionPayload map[string]interface{} `json:"action_payload"`
	Timestamp     int64                  `json:"timestamp"`
}

// ConnectRedis opens a client for addr/db and checks it with a PING.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// DefaultPublishBuffer is the number of records an ActionPublisher holds
// before dropping.
const DefaultPublishBuffer = 1024

// ActionPublisher pushes lobby action records onto a Redis list for the
// historian to drain. A single worker publishes them in the order they were
// logged.
type ActionPublisher struct {
	rdb   redis.Cmdable
	queue string
	log   *logrus.Entry

	mu     sync.RWMutex
	closed bool
	ch     chan MatchActionRecord
	done   chan struct{}
}

// NewActionPublisher publishes to queue (DefaultQueueName if empty) and starts
// its worker. Call Close to drain it.
func NewActionPublisher(rdb redis.Cmdable, queue string, logger *logrus.Logger) *ActionPublisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &ActionPublisher{
		rdb:   rdb,
		queue: queue,
		log:   logger.WithField("component", "action_feed"),
		ch:    make(chan MatchActionRecord, DefaultPublishBuffer),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// LogAction queues rec without blocking; it is called under the lobby lock.
// A full buffer drops the record.
func (p *ActionPublisher) LogAction(rec lobby.ActionRecord) {
	record := FromAction(rec)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- record:
	default:
		p.log.WithFields(logrus.Fields{
			"lobby":  record.LobbyID,
			"action": record.ActionType,
			"index":  record.ActionIndex,
		}).Warn("action feed buffer full, dropping record")
	}
}

// Close stops accepting records and waits until the queued ones are published.
func (p *ActionPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *ActionPublisher) run() {
	defer close(p.done)
	for record := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.Publish(ctx, record)
		cancel()
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"lobby":  record.LobbyID,
				"action": record.ActionType,
			}).Warn("failed to publish match action")
		}
	}
}

// Publish serializes record to JSON and pushes it to the queue.
func (p *ActionPublisher) Publish(ctx context.Context, record MatchActionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal MatchActionRecord: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}

// FromAction converts a lobby action into its wire record.
func FromAction(rec lobby.ActionRecord) MatchActionRecord {
	return MatchActionRecord{
		LobbyID:       rec.LobbyID,
		MatchID:       rec.MatchID,
		ActionIndex:   rec.ActionIndex,
		ActorID:       rec.ActorID,
		ActionType:    rec.ActionType,
		ActionPayload: rec.Payload,
		Timestamp:     rec.Timestamp.UnixMilli(),
	}
}
