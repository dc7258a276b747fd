// internal/lobby/lobby.go
package lobby

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a lobby.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
)

// Lobby is a bounded group of participants awaiting or running one match.
// Every mutation and the events it produces happen inside one critical section
// on mu, which is what keeps per-lobby event order and at-most-once endings.
type Lobby struct {
	ID        string
	Capacity  int
	CreatedAt time.Time

	reg *Registry
	log *logrus.Entry

	mu           sync.Mutex
	status       Status
	matchID      string
	participants map[string]*Participant
	order        []string          // participant ids in join order
	attached     map[string]string // subscriberID -> participantID
	aliveCount   int
	winnerID     string
	endReason    EndReason
	startedAt    time.Time
	endedAt      time.Time
	discarded    bool
	seq          int
	actionIndex  int

	fillTimer      *time.Timer
	countdownTimer *time.Timer
	matchTimer     *time.Timer
	botTimers      []*time.Timer
}

// Snapshot is a point-in-time copy of a lobby, safe to serialize.
type Snapshot struct {
	ID           string        `json:"id"`
	Capacity     int           `json:"capacity"`
	Status       Status        `json:"status"`
	MatchID      string        `json:"matchId,omitempty"`
	Participants []Participant `json:"participants"`
	AliveCount   *int          `json:"aliveCount,omitempty"`
	WinnerID     string        `json:"winnerId,omitempty"`
	EndReason    EndReason     `json:"endReason,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
}

func newLobby(reg *Registry, id string, capacity int) *Lobby {
	return &Lobby{
		ID:           id,
		Capacity:     capacity,
		CreatedAt:    time.Now(),
		reg:          reg,
		log:          reg.log.WithField("lobby", id),
		status:       StatusWaiting,
		participants: make(map[string]*Participant),
		attached:     make(map[string]string),
	}
}

// Status returns the current lifecycle state.
func (l *Lobby) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// AliveCount returns the number of live participants. It is only tracked once
// the match is active; before that it reports 0.
func (l *Lobby) AliveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aliveCount
}

// Snapshot copies the lobby state.
func (l *Lobby) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{
		ID:           l.ID,
		Capacity:     l.Capacity,
		Status:       l.status,
		MatchID:      l.matchID,
		Participants: l.rosterLocked(),
		WinnerID:     l.winnerID,
		EndReason:    l.endReason,
		CreatedAt:    l.CreatedAt,
	}
	if l.status == StatusActive || l.status == StatusEnded {
		alive := l.aliveCount
		snap.AliveCount = &alive
	}
	if l.status == StatusEnded {
		ended := l.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// join seats p and attaches sub (if any) before the resulting events go out,
// so the joining connection observes its own lobby_update and match_start.
func (l *Lobby) join(p *Participant, sub Subscriber) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.discarded {
		return errDiscarded
	}
	if l.status != StatusWaiting {
		l.log.WithFields(logrus.Fields{"participant": p.ID, "status": l.status}).Info("join rejected, lobby closed")
		return ErrLobbyClosed
	}

	if existing, ok := l.participants[p.ID]; ok {
		// same player from another connection or a reconnect before start
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		l.attachLocked(sub, existing.ID)
		l.broadcastLocked(EventLobbyUpdate, true, map[string]interface{}{"rejoined": existing.ID})
		return nil
	}

	if len(l.participants) >= l.Capacity {
		return ErrLobbyFull
	}

	l.seatLocked(p)
	l.attachLocked(sub, p.ID)
	l.logActionLocked(p.ID, "participant_join", map[string]interface{}{
		"display_name": p.DisplayName,
		"is_bot":       p.IsBot,
	})
	l.broadcastLocked(EventLobbyUpdate, true, map[string]interface{}{"joined": p.ID})

	if !p.IsBot {
		l.scheduleBotFillLocked()
	}
	l.maybeStartLocked()
	return nil
}

func (l *Lobby) seatLocked(p *Participant) {
	p.LobbyID = l.ID
	p.JoinedAt = time.Now()
	p.Alive = false
	l.participants[p.ID] = p
	l.order = append(l.order, p.ID)
}

func (l *Lobby) attachLocked(sub Subscriber, participantID string) {
	if sub == nil {
		return
	}
	l.attached[sub.SubscriberID()] = participantID
	l.reg.broadcaster.Subscribe(l.ID, sub)
}

func (l *Lobby) hasAttachmentLocked(participantID string) bool {
	for _, pid := range l.attached {
		if pid == participantID {
			return true
		}
	}
	return false
}

// FillWithBots seats bots up to capacity while the lobby is waiting and
// returns how many were added. Reaching capacity starts the match.
func (l *Lobby) FillWithBots() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.discarded {
		return 0, ErrLobbyNotFound
	}
	if l.status != StatusWaiting {
		return 0, ErrLobbyClosed
	}
	return l.fillLocked(), nil
}

func (l *Lobby) fillLocked() int {
	if l.status != StatusWaiting {
		return 0
	}
	bots := 0
	for _, p := range l.participants {
		if p.IsBot {
			bots++
		}
	}
	added := 0
	for len(l.participants) < l.Capacity {
		bots++
		l.seatLocked(newBot(bots))
		added++
	}
	if added > 0 {
		l.stopFillTimerLocked()
		l.log.WithField("bots", added).Info("backfilled lobby with bots")
		l.logActionLocked("", "bots_filled", map[string]interface{}{"count": added})
		l.broadcastLocked(EventLobbyUpdate, true, map[string]interface{}{"bots_added": added})
	}
	l.maybeStartLocked()
	return added
}

func (l *Lobby) scheduleBotFillLocked() {
	policy := l.reg.opts.BotFill
	switch policy.Mode {
	case BotFillImmediate:
		l.fillLocked()
	case BotFillDelayed:
		if l.fillTimer != nil {
			return
		}
		var timer *time.Timer
		timer = time.AfterFunc(policy.Delay, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.fillTimer != timer {
				return
			}
			l.fillTimer = nil
			if l.discarded || l.status != StatusWaiting || !l.hasRealParticipantLocked() {
				return
			}
			l.fillLocked()
		})
		l.fillTimer = timer
	}
}

func (l *Lobby) hasRealParticipantLocked() bool {
	for _, p := range l.participants {
		if !p.IsBot {
			return true
		}
	}
	return false
}

// Leave applies the disconnect rule for participantID and detaches
// subscriberID. If the same player is still attached through another
// subscriber, only the subscriber is detached.
func (l *Lobby) Leave(participantID, subscriberID string) {
	l.mu.Lock()
	if subscriberID != "" {
		if _, ok := l.attached[subscriberID]; ok {
			delete(l.attached, subscriberID)
			l.reg.broadcaster.Unsubscribe(l.ID, subscriberID)
		}
		if l.hasAttachmentLocked(participantID) {
			l.mu.Unlock()
			return
		}
	}

	var res *Result
	empty := false
	switch l.status {
	case StatusWaiting, StatusStarting:
		empty = l.removeParticipantLocked(participantID)
	case StatusActive:
		res = l.markDeadLocked([]string{participantID}, CauseDisconnect)
	case StatusEnded:
		l.log.WithField("participant", participantID).Debug("leave after match end ignored")
	}
	l.mu.Unlock()

	if empty {
		l.reg.discard(l)
	}
	if res != nil {
		l.reg.afterEnd(*res)
	}
}

// removeParticipantLocked drops a participant before the match is live and
// reports whether the lobby has no real participants left.
func (l *Lobby) removeParticipantLocked(participantID string) bool {
	p, ok := l.participants[participantID]
	if !ok {
		return false
	}
	delete(l.participants, participantID)
	for i, id := range l.order {
		if id == participantID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.log.WithField("participant", participantID).Info("participant left before match start")
	l.logActionLocked(participantID, "participant_leave", nil)

	if l.status == StatusStarting {
		l.cancelCountdownLocked()
	}
	l.broadcastLocked(EventLobbyUpdate, true, map[string]interface{}{"left": p.ID})

	if l.hasRealParticipantLocked() {
		return false
	}
	l.discarded = true
	l.stopTimersLocked()
	return true
}

// rosterLocked copies participants in join order.
func (l *Lobby) rosterLocked() []Participant {
	roster := make([]Participant, 0, len(l.order))
	for _, id := range l.order {
		roster = append(roster, *l.participants[id])
	}
	return roster
}

func (l *Lobby) aliveLocked() []Participant {
	alive := make([]Participant, 0, l.aliveCount)
	for _, id := range l.order {
		if p := l.participants[id]; p.Alive {
			alive = append(alive, *p)
		}
	}
	return alive
}

func (l *Lobby) broadcastLocked(typ EventType, withRoster bool, payload map[string]interface{}) {
	l.seq++
	ev := Event{
		Type:    typ,
		LobbyID: l.ID,
		Seq:     l.seq,
		Status:  l.status,
		Payload: payload,
	}
	if withRoster {
		ev.Roster = l.rosterLocked()
	}
	l.reg.broadcaster.Broadcast(l.ID, ev)
}

func (l *Lobby) logActionLocked(actorID, actionType string, payload map[string]interface{}) {
	if l.reg.opts.Actions == nil {
		return
	}
	l.actionIndex++
	if payload == nil {
		payload = make(map[string]interface{})
	}
	l.reg.opts.Actions.LogAction(ActionRecord{
		LobbyID:     l.ID,
		MatchID:     l.matchID,
		ActionIndex: l.actionIndex,
		ActorID:     actorID,
		ActionType:  actionType,
		Payload:     payload,
		Timestamp:   time.Now(),
	})
}

func (l *Lobby) isDiscarded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discarded
}

func (l *Lobby) stopFillTimerLocked() {
	if l.fillTimer != nil {
		l.fillTimer.Stop()
		l.fillTimer = nil
	}
}

// stopTimersLocked stops every pending timer of the lobby.
func (l *Lobby) stopTimersLocked() {
	l.stopFillTimerLocked()
	if l.countdownTimer != nil {
		l.countdownTimer.Stop()
		l.countdownTimer = nil
	}
	if l.matchTimer != nil {
		l.matchTimer.Stop()
		l.matchTimer = nil
	}
	for _, t := range l.botTimers {
		t.Stop()
	}
	l.botTimers = nil
}
