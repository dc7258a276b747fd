// internal/handlers/gateway_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/arcade/internal/auth"
	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/jason-s-yu/arcade/internal/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// clientMessage is every message a client may send; Type selects the fields used.
type clientMessage struct {
	Type        string `json:"type"`
	LobbyID     string `json:"lobby_id"`
	DisplayName string `json:"display_name"`
	Capacity    int    `json:"capacity"`
	Kind        string `json:"kind"`
}

// GatewayWSHandler upgrades a client and runs its session until it goes away.
func GatewayWSHandler(ls *LobbyServer) http.HandlerFunc {
	logger := ls.Logger
	return func(w http.ResponseWriter, r *http.Request) {
		identity, valid := ls.identify(r)
		if !valid {
			setGuestCookie(w, identity)
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: ls.OriginPatterns,
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the arcade subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		queue := ls.OutboundQueue
		if queue <= 0 {
			queue = 64
		}
		conn := &wsConnection{
			ID:       uuid.NewString(),
			PlayerID: identity.Subject,
			Name:     identity.Name,
			OutChan:  make(chan interface{}, queue),
			cancel:   cancel,
			log:      logger.WithFields(logrus.Fields{"player": identity.Subject}),
			lobbies:  make(map[*lobby.Lobby]struct{}),
		}
		// Write may run under a lobby lock, so the close handshake happens elsewhere.
		conn.drop = func() { go c.Close(SlowConsumerError, "outbound queue overflow") }
		ls.track(c)
		defer ls.untrack(c)
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path, conn.PlayerID)

		conn.Write(map[string]interface{}{
			"type":      "connected",
			"player_id": conn.PlayerID,
			"guest":     !valid,
		})

		go writePump(ctx, c, conn)
		err = readPump(ctx, c, ls, conn)

		// disconnect rule for every lobby this connection joined
		conn.leaveAll()
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, conn.PlayerID, err)

		if !conn.dropped.Load() {
			c.Close(websocket.StatusNormalClosure, "")
		}
	}
}

// setGuestCookie mints a token for a guest when this process can sign, so a
// reconnecting browser keeps its identity.
func setGuestCookie(w http.ResponseWriter, identity auth.Identity) {
	token, err := auth.CreateJWT(identity.Subject, nil)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
}

// readPump reads client messages until the socket closes or ctx is cancelled.
// It returns nil on a normal close.
func readPump(ctx context.Context, c *websocket.Conn, ls *LobbyServer, conn *wsConnection) error {
	limiter := rate.NewLimiter(ls.RateLimit, ls.RateBurst)
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if !limiter.Allow() {
			conn.WriteError("rate_limited", "too many messages")
			continue
		}
		if typ != websocket.MessageText {
			conn.WriteError(lobby.ReasonInvalidRequest, "text frames only")
			continue
		}

		var packet clientMessage
		if err := json.Unmarshal(msg, &packet); err != nil {
			conn.WriteError(lobby.ReasonInvalidRequest, "invalid JSON format")
			continue
		}
		handleClientMessage(ls, conn, packet)
	}
}

// handleClientMessage interprets the "type" field of a client message.
func handleClientMessage(ls *LobbyServer, conn *wsConnection, packet clientMessage) {
	switch packet.Type {
	case "join_lobby":
		handleJoin(ls, conn, packet)

	case "liveness":
		if conn.current == nil {
			conn.log.WithField("kind", packet.Kind).Debug("liveness outside a lobby ignored")
			return
		}
		if err := conn.current.HandleLiveness(conn.PlayerID, packet.Kind); err != nil {
			conn.WriteError(lobby.ReasonInvalidRequest, err.Error())
		}

	case "leave_lobby":
		l := conn.current
		if l == nil {
			conn.WriteError(lobby.ReasonInvalidRequest, "not in a lobby")
			return
		}
		conn.leave(l)
		conn.Write(map[string]interface{}{"type": "left_lobby", "lobby_id": l.ID})

	case "ping":
		conn.Write(map[string]interface{}{"type": "pong"})

	default:
		conn.log.WithField("type", packet.Type).Debug("unknown message type")
		conn.WriteError(lobby.ReasonInvalidRequest, "unknown message type: "+packet.Type)
	}
}

func handleJoin(ls *LobbyServer, conn *wsConnection, packet clientMessage) {
	name := packet.DisplayName
	if name == "" {
		name = conn.Name
	}
	if name == "" {
		name = conn.PlayerID
	}

	capacity := packet.Capacity
	if capacity != 0 {
		capacity = clampCapacity(capacity)
	}

	// a connection holds one seat at a time
	if prev := conn.current; prev != nil && prev.ID != packet.LobbyID {
		conn.leave(prev)
		conn.Write(map[string]interface{}{"type": "left_lobby", "lobby_id": prev.ID})
	}

	l, err := ls.Registry.Join(packet.LobbyID, capacity, lobby.NewPlayer(conn.PlayerID, name), conn)
	if err != nil {
		conn.log.WithError(err).WithField("lobby", packet.LobbyID).Info("join rejected")
		conn.Write(map[string]interface{}{
			"type":     "join_rejected",
			"lobby_id": packet.LobbyID,
			"reason":   lobby.RejectReason(err),
		})
		return
	}
	conn.attach(l)
}

func clampCapacity(n int) int {
	if n < lobby.MinCapacity {
		return lobby.MinCapacity
	}
	if n > lobby.MaxCapacity {
		return lobby.MaxCapacity
	}
	return n
}

// writePump drains OutChan to the socket and pings periodically.
func writePump(ctx context.Context, c *websocket.Conn, conn *wsConnection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.log.WithError(err).Debug("ping failed")
				conn.cancel()
				return
			}
		case msg := <-conn.OutChan:
			data, err := json.Marshal(msg)
			if err != nil {
				conn.log.WithError(err).Warn("failed to marshal outgoing message")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.log.WithError(err).Debug("write failed")
				conn.cancel()
				return
			}
		}
	}
}
