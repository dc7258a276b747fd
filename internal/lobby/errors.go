// internal/lobby/errors.go
package lobby

import "errors"

var (
	ErrLobbyNotFound         = errors.New("lobby not found")
	ErrLobbyFull             = errors.New("lobby is full")
	ErrLobbyClosed           = errors.New("lobby is closed")
	ErrInvalidLobbyID        = errors.New("invalid lobby id")
	ErrInvalidCapacity       = errors.New("invalid lobby capacity")
	ErrInvalidParticipant    = errors.New("invalid participant")
	ErrNotEnoughParticipants = errors.New("not enough participants to start")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrUnknownLiveness       = errors.New("unknown liveness kind")
	ErrLobbyNotExpired       = errors.New("lobby has not finished its grace period")

	// errDiscarded marks a waiting lobby that emptied out and is being dropped
	// from the registry; a join that races with it retries on a fresh lobby.
	errDiscarded = errors.New("lobby discarded")
)

// Reason codes sent to a client whose join was rejected.
const (
	ReasonLobbyFull      = "lobby_full"
	ReasonLobbyClosed    = "lobby_closed"
	ReasonInvalidRequest = "invalid_request"
)

// RejectReason maps a join error to the reason code surfaced on the wire.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrLobbyFull):
		return ReasonLobbyFull
	case errors.Is(err, ErrLobbyClosed):
		return ReasonLobbyClosed
	default:
		return ReasonInvalidRequest
	}
}
