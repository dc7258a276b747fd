// internal/handlers/connection.go
package handlers

import (
	"context"
	"sync/atomic"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
)

// wsConnection is one websocket client. It is the lobby.Subscriber attached
// to every lobby the client joins. lobbies and current are only touched by the
// connection's read loop.
type wsConnection struct {
	ID       string
	PlayerID string
	Name     string
	OutChan  chan interface{}

	cancel  context.CancelFunc
	drop    func() // closes the socket with SlowConsumerError
	dropped atomic.Bool
	log     *logrus.Entry

	lobbies map[*lobby.Lobby]struct{}
	current *lobby.Lobby
}

func (c *wsConnection) SubscriberID() string {
	return c.ID
}

// Send implements lobby.Subscriber.
func (c *wsConnection) Send(ev lobby.Event) bool {
	return c.Write(ev)
}

// Write pushes a message onto OutChan without blocking. A full queue marks the
// connection as a slow consumer and tears it down.
func (c *wsConnection) Write(msg interface{}) bool {
	select {
	case c.OutChan <- msg:
		return true
	default:
		if c.dropped.CompareAndSwap(false, true) {
			c.log.Warn("outbound queue full, dropping connection")
			c.drop()
		}
		return false
	}
}

// WriteError sends an error object.
func (c *wsConnection) WriteError(reason, msg string) {
	c.Write(map[string]interface{}{
		"type":    "error",
		"reason":  reason,
		"message": msg,
	})
}

func (c *wsConnection) attach(l *lobby.Lobby) {
	c.lobbies[l] = struct{}{}
	c.current = l
}

// leave applies the disconnect rule to l and forgets it.
func (c *wsConnection) leave(l *lobby.Lobby) {
	l.Leave(c.PlayerID, c.ID)
	delete(c.lobbies, l)
	if c.current == l {
		c.current = nil
	}
}

// leaveAll runs when the socket goes away.
func (c *wsConnection) leaveAll() {
	for l := range c.lobbies {
		c.leave(l)
	}
}
