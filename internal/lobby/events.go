// internal/lobby/events.go
package lobby

import (
	"context"
	"time"
)

// EventType names a lobby-scoped event pushed to every attached connection.
type EventType string

const (
	EventLobbyUpdate         EventType = "lobby_update"          // roster changed while waiting
	EventMatchStarting       EventType = "match_starting"        // countdown before the match goes live
	EventMatchStartCancelled EventType = "match_start_cancelled" // countdown aborted, back to waiting
	EventMatchStart          EventType = "match_start"           // match is active, full roster attached
	EventPlayerUpdate        EventType = "player_update"         // a participant's liveness changed
	EventMatchEnd            EventType = "match_end"             // match finished, winner or null
)

// Event is the envelope delivered to clients. Seq increases by one per event
// within a lobby so clients can detect gaps.
type Event struct {
	Type    EventType              `json:"type"`
	LobbyID string                 `json:"lobby_id"`
	Seq     int                    `json:"seq"`
	Status  Status                 `json:"status"`
	Roster  []Participant          `json:"roster,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Subscriber receives the events of the lobbies it is attached to.
// Send must not block; it reports whether the event was queued.
type Subscriber interface {
	SubscriberID() string
	Send(ev Event) bool
}

// Broadcaster fans lobby events out to subscribers. Broadcast is always called
// with the lobby lock held, so events for one lobby arrive in production order.
type Broadcaster interface {
	Subscribe(lobbyID string, s Subscriber)
	Unsubscribe(lobbyID, subscriberID string)
	Broadcast(lobbyID string, ev Event)
	Close(lobbyID string)
}

// EndReason records why a match ended.
type EndReason string

const (
	EndLastAlive EndReason = "last_alive"
	EndTimeout   EndReason = "timeout"
)

// DeathCause distinguishes a reported death from a forfeit by leaving.
// The state machine treats them identically.
type DeathCause string

const (
	CauseDeath      DeathCause = "death"
	CauseDisconnect DeathCause = "disconnect"
)

// Result describes a completed match. WinnerID is empty when nobody won.
type Result struct {
	LobbyID      string        `json:"lobbyId"`
	MatchID      string        `json:"matchId"`
	WinnerID     string        `json:"winnerId,omitempty"`
	WinnerIsBot  bool          `json:"winnerIsBot"`
	Reason       EndReason     `json:"reason"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt"`
	Participants []Participant `json:"participants"`
}

// HasWinner reports whether the match produced a live winner.
func (r Result) HasWinner() bool {
	return r.WinnerID != ""
}

// PayoutNotifier is the external settlement collaborator. It is invoked at most
// once per match, only for a real winner, and never while a lobby lock is held.
type PayoutNotifier interface {
	NotifyMatchComplete(ctx context.Context, res Result) error
}

// ResultRecorder persists completed matches. Failures never affect match state.
type ResultRecorder interface {
	RecordResult(ctx context.Context, res Result) error
}

// ActionRecord is one entry of a lobby's action log.
type ActionRecord struct {
	LobbyID     string
	MatchID     string
	ActionIndex int
	ActorID     string
	ActionType  string
	Payload     map[string]interface{}
	Timestamp   time.Time
}

// ActionLogger receives every lifecycle action. LogAction is called with the
// lobby lock held and must return quickly.
type ActionLogger interface {
	LogAction(rec ActionRecord)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Subscribe(string, Subscriber) {}
func (noopBroadcaster) Unsubscribe(string, string)   {}
func (noopBroadcaster) Broadcast(string, Event)      {}
func (noopBroadcaster) Close(string)                 {}
