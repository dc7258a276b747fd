// internal/lobby/participant.go
package lobby

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Participant is a real player or a synthetic bot occupying one seat in a lobby.
// Alive is only meaningful once the owning lobby is active.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	IsBot       bool      `json:"isBot"`
	Alive       bool      `json:"alive"`
	Flaps       int       `json:"flaps"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	LobbyID     string    `json:"lobbyId"`
}

// NewPlayer builds a real participant for the given player id.
func NewPlayer(id, displayName string) *Participant {
	return &Participant{
		ID:          id,
		DisplayName: displayName,
	}
}

// newBot builds the n-th synthetic participant of a lobby.
func newBot(n int) *Participant {
	return &Participant{
		ID:          "bot-" + uuid.NewString(),
		DisplayName: fmt.Sprintf("Bot %d", n),
		IsBot:       true,
	}
}
