// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
)

// ListLobbiesHandler returns a snapshot of every lobby.
func ListLobbiesHandler(ls *LobbyServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ls.Registry.List())
	}
}

// GetLobbyHandler returns one lobby. Ended lobbies stay visible during their
// grace period.
func GetLobbyHandler(ls *LobbyServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := ls.Registry.Get(r.PathValue("id"))
		if err != nil {
			writeLobbyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, l.Snapshot())
	}
}

// StartLobbyHandler is the external start signal. Admin only.
func StartLobbyHandler(ls *LobbyServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin, ok := ls.admin(w, r)
		if !ok {
			return
		}
		id := r.PathValue("id")
		if err := ls.Registry.Start(id); err != nil {
			writeLobbyError(w, err)
			return
		}
		ls.Logger.WithFields(logrus.Fields{"lobby": id, "admin": admin.Subject}).Info("lobby started by operator")
		w.WriteHeader(http.StatusAccepted)
	}
}

// FillLobbyHandler backfills a waiting lobby with bots. Admin only.
func FillLobbyHandler(ls *LobbyServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin, ok := ls.admin(w, r)
		if !ok {
			return
		}
		id := r.PathValue("id")
		added, err := ls.Registry.FillWithBots(id)
		if err != nil {
			writeLobbyError(w, err)
			return
		}
		ls.Logger.WithFields(logrus.Fields{"lobby": id, "admin": admin.Subject, "bots": added}).Info("lobby filled by operator")
		writeJSON(w, http.StatusOK, map[string]int{"added": added})
	}
}

type deathsRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
}

// ReportDeathsHandler applies a batch of deaths reported by the authoritative
// game simulation. Admin only.
func ReportDeathsHandler(ls *LobbyServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ls.admin(w, r); !ok {
			return
		}
		var req deathsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ParticipantIDs) == 0 {
			writeError(w, http.StatusBadRequest, lobby.ReasonInvalidRequest, "participant_ids required")
			return
		}
		if err := ls.Registry.ReportDeaths(r.PathValue("id"), req.ParticipantIDs...); err != nil {
			writeLobbyError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// HealthHandler reports liveness of the process.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeLobbyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lobby.ErrLobbyNotFound):
		writeError(w, http.StatusNotFound, "lobby_not_found", err.Error())
	case errors.Is(err, lobby.ErrLobbyClosed):
		writeError(w, http.StatusConflict, lobby.ReasonLobbyClosed, err.Error())
	case errors.Is(err, lobby.ErrNotEnoughParticipants):
		writeError(w, http.StatusConflict, "not_enough_participants", err.Error())
	default:
		writeError(w, http.StatusBadRequest, lobby.ReasonInvalidRequest, err.Error())
	}
}
