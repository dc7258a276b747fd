// internal/handlers/server.go
package handlers

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/arcade/internal/auth"
	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "arcade"

// LobbyServer holds what the gateway and the lobby endpoints share.
type LobbyServer struct {
	Registry       *lobby.Registry
	Logger         *logrus.Logger
	RateLimit      rate.Limit // inbound messages per second per connection
	RateBurst      int
	OutboundQueue  int // per-connection outbound buffer
	OriginPatterns []string

	// Authenticate verifies a bearer token. Defaults to auth.AuthenticateJWT.
	Authenticate func(token string) (auth.Identity, error)

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewLobbyServer returns a server with the default limits.
func NewLobbyServer(reg *lobby.Registry, logger *logrus.Logger) *LobbyServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LobbyServer{
		Registry:       reg,
		Logger:         logger,
		RateLimit:      30,
		RateBurst:      60,
		OutboundQueue:  64,
		OriginPatterns: []string{"*"},
		Authenticate:   auth.AuthenticateJWT,
		conns:          make(map[*websocket.Conn]struct{}),
	}
}

func (ls *LobbyServer) track(c *websocket.Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.conns == nil {
		ls.conns = make(map[*websocket.Conn]struct{})
	}
	ls.conns[c] = struct{}{}
}

func (ls *LobbyServer) untrack(c *websocket.Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.conns, c)
}

// CloseAll closes every open websocket with ServerShutdownError. http.Server
// Shutdown does not touch hijacked connections, so this runs alongside it.
func (ls *LobbyServer) CloseAll() {
	ls.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(ls.conns))
	for c := range ls.conns {
		conns = append(conns, c)
	}
	ls.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.Close(ServerShutdownError, "server shutting down")
		}(c)
	}
	wg.Wait()
	ls.Logger.WithField("connections", len(conns)).Info("closed websocket connections")
}

// Routes registers every endpoint on mux.
func (ls *LobbyServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", GatewayWSHandler(ls))
	mux.HandleFunc("GET /lobbies", ListLobbiesHandler(ls))
	mux.HandleFunc("GET /lobbies/{id}", GetLobbyHandler(ls))
	mux.HandleFunc("POST /lobbies/{id}/start", StartLobbyHandler(ls))
	mux.HandleFunc("POST /lobbies/{id}/fill", FillLobbyHandler(ls))
	mux.HandleFunc("POST /lobbies/{id}/deaths", ReportDeathsHandler(ls))
	mux.HandleFunc("GET /healthz", HealthHandler)
}

// identify resolves the player behind r. A missing or invalid token yields a
// fresh guest identity; ok reports whether the token was valid.
func (ls *LobbyServer) identify(r *http.Request) (id auth.Identity, ok bool) {
	if tok := requestToken(r); tok != "" && ls.Authenticate != nil {
		ident, err := ls.Authenticate(tok)
		if err == nil {
			return ident, true
		}
		ls.Logger.WithError(err).WithField("remote", r.RemoteAddr).Info("invalid token, connecting as guest")
	}
	return auth.Identity{Subject: "guest-" + uuid.NewString()}, false
}

// admin returns the caller's identity if it carries the admin role, writing
// the error response otherwise.
func (ls *LobbyServer) admin(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	tok := requestToken(r)
	if tok == "" || ls.Authenticate == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return auth.Identity{}, false
	}
	id, err := ls.Authenticate(tok)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return auth.Identity{}, false
	}
	if !id.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return auth.Identity{}, false
	}
	return id, true
}
