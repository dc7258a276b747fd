// internal/lobby/lifecycle.go
package lobby

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maybeStartLocked begins the start sequence once the lobby is full.
func (l *Lobby) maybeStartLocked() {
	if l.status != StatusWaiting || l.discarded {
		return
	}
	if len(l.participants) < l.Capacity {
		return
	}
	l.beginStartLocked()
}

func (l *Lobby) beginStartLocked() {
	l.stopFillTimerLocked()

	countdown := l.reg.opts.StartCountdown
	if countdown <= 0 {
		l.activateLocked()
		return
	}

	l.status = StatusStarting
	l.log.WithField("countdown", countdown).Info("match countdown started")
	l.logActionLocked("", "match_starting", map[string]interface{}{"seconds": countdown.Seconds()})
	l.broadcastLocked(EventMatchStarting, true, map[string]interface{}{"seconds": countdown.Seconds()})

	var timer *time.Timer
	timer = time.AfterFunc(countdown, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.countdownTimer != timer || l.status != StatusStarting {
			return
		}
		l.countdownTimer = nil
		l.activateLocked()
	})
	l.countdownTimer = timer
}

func (l *Lobby) cancelCountdownLocked() {
	if l.countdownTimer != nil {
		l.countdownTimer.Stop()
		l.countdownTimer = nil
	}
	l.status = StatusWaiting
	l.log.Info("match countdown cancelled")
	l.logActionLocked("", "match_start_cancelled", nil)
	l.broadcastLocked(EventMatchStartCancelled, false, nil)
}

// Start forces the match to begin with the participants currently seated.
// It is a no-op while a countdown is already running.
func (l *Lobby) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.discarded {
		return ErrLobbyNotFound
	}
	switch l.status {
	case StatusStarting:
		return nil
	case StatusActive, StatusEnded:
		return ErrLobbyClosed
	}
	if len(l.participants) < 2 {
		return ErrNotEnoughParticipants
	}
	l.beginStartLocked()
	return nil
}

func (l *Lobby) activateLocked() {
	l.matchID = uuid.NewString()
	l.startedAt = time.Now()
	l.status = StatusActive
	l.aliveCount = 0
	for _, id := range l.order {
		p := l.participants[id]
		p.Alive = true
		p.LastSeen = l.startedAt
		l.aliveCount++
	}

	l.log.WithFields(logrus.Fields{
		"match":        l.matchID,
		"participants": l.aliveCount,
	}).Info("match started")
	l.logActionLocked("", "match_start", map[string]interface{}{"participants": l.aliveCount})
	l.broadcastLocked(EventMatchStart, true, map[string]interface{}{"match_id": l.matchID})

	matchID := l.matchID
	if timeout := l.reg.opts.MatchTimeout; timeout > 0 {
		l.matchTimer = time.AfterFunc(timeout, func() { l.expire(matchID) })
	}
	l.scheduleBotDeathsLocked(matchID)
}

func (l *Lobby) scheduleBotDeathsLocked(matchID string) {
	lifetime := l.reg.opts.BotLifetime
	if !lifetime.Enabled() {
		return
	}
	for _, id := range l.order {
		if !l.participants[id].IsBot {
			continue
		}
		botID := id
		l.botTimers = append(l.botTimers, time.AfterFunc(lifetime.draw(), func() {
			l.reportDeaths(matchID, []string{botID}, CauseDeath)
		}))
	}
}

// ReportDeaths applies a batch of deaths atomically: every death is applied
// before the win condition is evaluated, so simultaneous last deaths end the
// match with no winner. Unknown or already dead ids are absorbed.
func (l *Lobby) ReportDeaths(participantIDs ...string) {
	l.reportDeaths("", participantIDs, CauseDeath)
}

func (l *Lobby) reportDeaths(matchID string, ids []string, cause DeathCause) {
	l.mu.Lock()
	if matchID != "" && matchID != l.matchID {
		l.mu.Unlock()
		return
	}
	res := l.markDeadLocked(ids, cause)
	l.mu.Unlock()

	if res != nil {
		l.reg.afterEnd(*res)
	}
}

// Flap records a liveness heartbeat. Only live participants of an active match
// are counted.
func (l *Lobby) Flap(participantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusActive {
		return
	}
	p, ok := l.participants[participantID]
	if !ok || !p.Alive {
		return
	}
	p.Flaps++
	p.LastSeen = time.Now()
}

// HandleLiveness dispatches a client liveness report.
func (l *Lobby) HandleLiveness(participantID, kind string) error {
	switch kind {
	case "flap":
		l.Flap(participantID)
	case string(CauseDeath):
		l.ReportDeaths(participantID)
	default:
		return ErrUnknownLiveness
	}
	return nil
}

// markDeadLocked applies deaths then evaluates the win condition once. It
// returns the match result if this call ended the match.
func (l *Lobby) markDeadLocked(ids []string, cause DeathCause) *Result {
	if l.status != StatusActive {
		l.log.WithFields(logrus.Fields{"participants": ids, "status": l.status}).Debug("death outside active match ignored")
		return nil
	}

	applied := 0
	for _, id := range ids {
		p, ok := l.participants[id]
		if !ok {
			l.log.WithField("participant", id).Debug("death for unknown participant ignored")
			continue
		}
		if !p.Alive {
			l.log.WithField("participant", id).Debug("duplicate death ignored")
			continue
		}
		p.Alive = false
		p.LastSeen = time.Now()
		l.aliveCount--
		applied++

		l.logActionLocked(id, "participant_dead", map[string]interface{}{"cause": string(cause)})
		l.broadcastLocked(EventPlayerUpdate, false, map[string]interface{}{
			"participant_id": id,
			"alive":          false,
			"cause":          string(cause),
			"alive_count":    l.aliveCount,
		})
	}
	if applied == 0 {
		return nil
	}
	return l.evaluateLocked()
}

func (l *Lobby) evaluateLocked() *Result {
	if l.aliveCount > 1 {
		return nil
	}
	return l.endLocked(EndLastAlive)
}

func (l *Lobby) expire(matchID string) {
	l.mu.Lock()
	if l.matchID != matchID || l.status != StatusActive {
		l.mu.Unlock()
		return
	}
	l.matchTimer = nil
	l.log.WithField("alive", l.aliveCount).Info("match timed out")
	res := l.endLocked(EndTimeout)
	l.mu.Unlock()

	if res != nil {
		l.reg.afterEnd(*res)
	}
}

// endLocked is the only transition into ended. The status check makes it
// at-most-once; callers run the returned result's side effects after unlocking.
func (l *Lobby) endLocked(reason EndReason) *Result {
	if l.status != StatusActive {
		return nil
	}

	alive := l.aliveLocked()
	winner := ""
	switch {
	case len(alive) == 1:
		winner = alive[0].ID
	case len(alive) > 1:
		picked := ""
		if score := l.reg.opts.Score; score != nil {
			picked = score(alive)
		}
		for _, p := range alive {
			if p.ID == picked {
				winner = picked
				break
			}
		}
	}

	l.status = StatusEnded
	l.endedAt = time.Now()
	l.winnerID = winner
	l.endReason = reason
	l.stopTimersLocked()

	winnerIsBot := false
	var winnerField interface{}
	if winner != "" {
		winnerIsBot = l.participants[winner].IsBot
		winnerField = winner
	}

	l.log.WithFields(logrus.Fields{
		"match":  l.matchID,
		"winner": winner,
		"bot":    winnerIsBot,
		"reason": reason,
	}).Info("match ended")
	l.logActionLocked(winner, "match_end", map[string]interface{}{
		"winner_id":     winnerField,
		"winner_is_bot": winnerIsBot,
		"reason":        string(reason),
	})
	l.broadcastLocked(EventMatchEnd, true, map[string]interface{}{
		"match_id":      l.matchID,
		"winner_id":     winnerField,
		"winner_is_bot": winnerIsBot,
		"reason":        string(reason),
	})

	return &Result{
		LobbyID:      l.ID,
		MatchID:      l.matchID,
		WinnerID:     winner,
		WinnerIsBot:  winnerIsBot,
		Reason:       reason,
		StartedAt:    l.startedAt,
		EndedAt:      l.endedAt,
		Participants: l.rosterLocked(),
	}
}

// expired reports whether the lobby ended at least grace ago.
func (l *Lobby) expired(grace time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == StatusEnded && time.Since(l.endedAt) >= grace
}
