// internal/lobby/registry.go
package lobby

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	MinCapacity     = 2
	MaxCapacity     = 8
	DefaultCapacity = 4

	defaultSideEffectTimeout = time.Minute
)

var lobbyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Options configures a Registry. Zero values fall back to defaults except
// MatchTimeout (0 disables the timeout) and GracePeriod (0 makes an ended
// lobby removable right away).
type Options struct {
	DefaultCapacity   int
	MatchTimeout      time.Duration
	GracePeriod       time.Duration
	StartCountdown    time.Duration
	BotFill           BotFillPolicy
	BotLifetime       BotLifetime
	Score             ScoreFunc
	Broadcaster       Broadcaster
	Notifier          PayoutNotifier
	Recorders         []ResultRecorder
	Actions           ActionLogger
	Logger            *logrus.Logger
	SideEffectTimeout time.Duration
}

// Registry owns every live lobby. Lock order is Registry.mu then Lobby.mu.
type Registry struct {
	opts        Options
	broadcaster Broadcaster
	log         *logrus.Entry

	mu       sync.Mutex
	lobbies  map[string]*Lobby
	removals map[string]*time.Timer
	closed   bool

	wg sync.WaitGroup
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultCapacity == 0 {
		opts.DefaultCapacity = DefaultCapacity
	}
	if opts.Score == nil {
		opts.Score = MostFlaps
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = noopBroadcaster{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = defaultSideEffectTimeout
	}
	if opts.BotFill.Mode == "" {
		opts.BotFill.Mode = BotFillImmediate
	}
	return &Registry{
		opts:        opts,
		broadcaster: opts.Broadcaster,
		log:         opts.Logger.WithField("component", "lobby"),
		lobbies:     make(map[string]*Lobby),
		removals:    make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the lobby for lobbyID, creating it in waiting state if
// absent. capacity is only used on creation; 0 selects the default.
func (r *Registry) GetOrCreate(lobbyID string, capacity int) (*Lobby, error) {
	if !lobbyIDPattern.MatchString(lobbyID) {
		return nil, ErrInvalidLobbyID
	}
	if capacity == 0 {
		capacity = r.opts.DefaultCapacity
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, ErrInvalidCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lobbies[lobbyID]; ok && !l.isDiscarded() {
		return l, nil
	}
	l := newLobby(r, lobbyID, capacity)
	r.lobbies[lobbyID] = l
	l.log.WithField("capacity", capacity).Info("lobby created")
	return l, nil
}

// Join seats p in lobbyID (creating the lobby if needed) and attaches sub to
// its event stream. sub may be nil for participants without a connection.
func (r *Registry) Join(lobbyID string, capacity int, p *Participant, sub Subscriber) (*Lobby, error) {
	if p == nil || p.ID == "" {
		return nil, ErrInvalidParticipant
	}
	for {
		l, err := r.GetOrCreate(lobbyID, capacity)
		if err != nil {
			return nil, err
		}
		err = l.join(p, sub)
		if err == errDiscarded {
			continue
		}
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Get returns the lobby for lobbyID.
func (r *Registry) Get(lobbyID string) (*Lobby, error) {
	r.mu.Lock()
	l, ok := r.lobbies[lobbyID]
	r.mu.Unlock()
	if !ok || l.isDiscarded() {
		return nil, ErrLobbyNotFound
	}
	return l, nil
}

// List snapshots every lobby, ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	lobbies := make([]*Lobby, 0, len(r.lobbies))
	for _, l := range r.lobbies {
		lobbies = append(lobbies, l)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(lobbies))
	for _, l := range lobbies {
		if l.isDiscarded() {
			continue
		}
		snaps = append(snaps, l.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// Start is the external start signal for lobbyID.
func (r *Registry) Start(lobbyID string) error {
	l, err := r.Get(lobbyID)
	if err != nil {
		return err
	}
	return l.Start()
}

// FillWithBots backfills lobbyID with bots up to capacity.
func (r *Registry) FillWithBots(lobbyID string) (int, error) {
	l, err := r.Get(lobbyID)
	if err != nil {
		return 0, err
	}
	return l.FillWithBots()
}

// ReportDeaths applies a batch of deaths to lobbyID.
func (r *Registry) ReportDeaths(lobbyID string, participantIDs ...string) error {
	l, err := r.Get(lobbyID)
	if err != nil {
		return err
	}
	l.ReportDeaths(participantIDs...)
	return nil
}

// Remove drops an ended lobby whose grace period has elapsed.
func (r *Registry) Remove(lobbyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lobbies[lobbyID]
	if !ok {
		return ErrLobbyNotFound
	}
	if !l.expired(r.opts.GracePeriod) {
		return ErrLobbyNotExpired
	}
	delete(r.lobbies, lobbyID)
	if t, ok := r.removals[lobbyID]; ok {
		t.Stop()
		delete(r.removals, lobbyID)
	}
	r.broadcaster.Close(lobbyID)
	l.log.Info("lobby removed")
	return nil
}

// Len returns the number of lobbies currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lobbies)
}

// discard removes a waiting lobby that lost its last real participant.
func (r *Registry) discard(l *Lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lobbies[l.ID] != l {
		return
	}
	delete(r.lobbies, l.ID)
	r.broadcaster.Close(l.ID)
	l.log.Info("empty lobby removed")
}

// afterEnd runs the side effects of a match end outside any lobby lock. Once
// the registry is shut down, ends are no longer paid out or recorded.
func (r *Registry) afterEnd(res Result) {
	log := r.log.WithFields(logrus.Fields{"lobby": res.LobbyID, "match": res.MatchID})

	var effects []func(ctx context.Context)
	if res.HasWinner() && !res.WinnerIsBot && r.opts.Notifier != nil {
		effects = append(effects, func(ctx context.Context) {
			if err := r.opts.Notifier.NotifyMatchComplete(ctx, res); err != nil {
				log.WithError(err).WithField("winner", res.WinnerID).Error("payout notification failed")
				return
			}
			log.WithField("winner", res.WinnerID).Info("payout notified")
		})
	}
	for _, rec := range r.opts.Recorders {
		rec := rec
		effects = append(effects, func(ctx context.Context) {
			if err := rec.RecordResult(ctx, res); err != nil {
				log.WithError(err).Warn("failed to record match result")
			}
		})
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.WithField("winner", res.WinnerID).Warn("match ended during shutdown, side effects skipped")
		return
	}
	// Add under r.mu so it is ordered before Shutdown's Wait.
	r.wg.Add(len(effects))
	lobbyID := res.LobbyID
	r.removals[lobbyID] = time.AfterFunc(r.opts.GracePeriod, func() {
		if err := r.Remove(lobbyID); err != nil && err != ErrLobbyNotFound {
			log.WithError(err).Debug("grace removal skipped")
		}
	})
	r.mu.Unlock()

	for _, fn := range effects {
		go r.runEffect(fn)
	}
}

// runEffect runs fn with the side effect timeout. The caller has already
// counted it in r.wg.
func (r *Registry) runEffect(fn func(ctx context.Context)) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SideEffectTimeout)
	defer cancel()
	fn(ctx)
}

// Shutdown stops every lobby timer and waits for in-flight end side effects
// (payout, recorders) until ctx is done. Matches that end afterwards, such as
// disconnect forfeits while sockets are closed, get no side effects.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for id, t := range r.removals {
		t.Stop()
		delete(r.removals, id)
	}
	lobbies := make([]*Lobby, 0, len(r.lobbies))
	for _, l := range r.lobbies {
		lobbies = append(lobbies, l)
	}
	r.mu.Unlock()

	for _, l := range lobbies {
		l.mu.Lock()
		l.stopTimersLocked()
		l.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
