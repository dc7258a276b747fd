// internal/lobby/policy.go
package lobby

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// BotFillMode controls when empty seats are backfilled with bots.
type BotFillMode string

const (
	BotFillImmediate BotFillMode = "immediate" // fill on the first real join
	BotFillDelayed   BotFillMode = "delayed"   // fill once BotFillPolicy.Delay passes without the lobby filling up
	BotFillOff       BotFillMode = "off"       // only real players or an external start
)

// ParseBotFillMode parses a BOT_FILL value.
func ParseBotFillMode(s string) (BotFillMode, error) {
	switch m := BotFillMode(strings.ToLower(strings.TrimSpace(s))); m {
	case BotFillImmediate, BotFillDelayed, BotFillOff:
		return m, nil
	case "":
		return BotFillImmediate, nil
	default:
		return "", fmt.Errorf("unknown bot fill mode %q", s)
	}
}

// BotFillPolicy is the bot backfill knob.
type BotFillPolicy struct {
	Mode  BotFillMode
	Delay time.Duration
}

// BotLifetime bounds how long a simulated bot survives after match start.
// A zero Max disables simulated bot deaths.
type BotLifetime struct {
	Min time.Duration
	Max time.Duration
}

func (b BotLifetime) Enabled() bool {
	return b.Max > 0
}

func (b BotLifetime) draw() time.Duration {
	if b.Max <= b.Min {
		return b.Max
	}
	return b.Min + time.Duration(rand.Int63n(int64(b.Max-b.Min)+1))
}

// ScoreFunc picks a winner among the participants still alive when a match is
// forced to end by its timeout. alive is in join order and has at least two
// entries. Returning an id not in alive (or "") ends the match with no winner.
type ScoreFunc func(alive []Participant) string

// MostFlaps picks the participant with the most flaps; ties go to whoever
// joined first.
func MostFlaps(alive []Participant) string {
	best := -1
	winner := ""
	for _, p := range alive {
		if p.Flaps > best {
			best = p.Flaps
			winner = p.ID
		}
	}
	return winner
}
