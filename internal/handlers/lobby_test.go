// internal/handlers/lobby_test.go
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jason-s-yu/arcade/internal/auth"
	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, env *testEnv, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Cookie", "auth_token="+token)
	}
	w := httptest.NewRecorder()
	env.srv.Config.Handler.ServeHTTP(w, req)
	return w
}

func TestListAndGetLobbies(t *testing.T) {
	env := setupServer(t, lobby.Options{})
	_, err := env.reg.Join("lobby-a", 3, lobby.NewPlayer("a", "A"), nil)
	require.NoError(t, err)

	w := doRequest(t, env, http.MethodGet, "/lobbies", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []lobby.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "lobby-a", snaps[0].ID)
	assert.Equal(t, lobby.StatusWaiting, snaps[0].Status)

	w = doRequest(t, env, http.MethodGet, "/lobbies/lobby-a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap lobby.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.Capacity)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "A", snap.Participants[0].DisplayName)

	w = doRequest(t, env, http.MethodGet, "/lobbies/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartLobbyRequiresAdmin(t *testing.T) {
	env := setupServer(t, lobby.Options{})
	_, err := env.reg.Join("ops", 4, lobby.NewPlayer("a", ""), nil)
	require.NoError(t, err)
	_, err = env.reg.Join("ops", 4, lobby.NewPlayer("b", ""), nil)
	require.NoError(t, err)

	w := doRequest(t, env, http.MethodPost, "/lobbies/ops/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, env, http.MethodPost, "/lobbies/ops/start", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	player := playerToken(t, "a", nil)
	w = doRequest(t, env, http.MethodPost, "/lobbies/ops/start", player, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := playerToken(t, "root", map[string]interface{}{"role": auth.RoleAdmin})
	w = doRequest(t, env, http.MethodPost, "/lobbies/ops/start", admin, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	l, err := env.reg.Get("ops")
	require.NoError(t, err)
	assert.Equal(t, lobby.StatusActive, l.Status())

	w = doRequest(t, env, http.MethodPost, "/lobbies/ops/start", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, env, http.MethodPost, "/lobbies/missing/start", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartLobbyNeedsTwoParticipants(t *testing.T) {
	env := setupServer(t, lobby.Options{})
	_, err := env.reg.Join("lonely", 4, lobby.NewPlayer("a", ""), nil)
	require.NoError(t, err)

	admin := playerToken(t, "root", map[string]interface{}{"role": auth.RoleAdmin})
	w := doRequest(t, env, http.MethodPost, "/lobbies/lonely/start", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not_enough_participants")
}

func TestFillLobby(t *testing.T) {
	env := setupServer(t, lobby.Options{})
	_, err := env.reg.Join("fill-me", 3, lobby.NewPlayer("a", ""), nil)
	require.NoError(t, err)

	admin := playerToken(t, "root", map[string]interface{}{"role": auth.RoleAdmin})
	w := doRequest(t, env, http.MethodPost, "/lobbies/fill-me/fill", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"added":2}`, w.Body.String())

	w = doRequest(t, env, http.MethodPost, "/lobbies/fill-me/fill", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReportDeathsBatch(t *testing.T) {
	env := setupServer(t, lobby.Options{})
	for _, id := range []string{"a", "b", "c"} {
		_, err := env.reg.Join("batch", 3, lobby.NewPlayer(id, ""), nil)
		require.NoError(t, err)
	}
	admin := playerToken(t, "root", map[string]interface{}{"role": auth.RoleAdmin})

	w := doRequest(t, env, http.MethodPost, "/lobbies/batch/deaths", admin, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, env, http.MethodPost, "/lobbies/batch/deaths", admin, map[string]interface{}{
		"participant_ids": []string{"a"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	// simultaneous last deaths: nobody wins
	w = doRequest(t, env, http.MethodPost, "/lobbies/batch/deaths", admin, map[string]interface{}{
		"participant_ids": []string{"b", "c"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	l, err := env.reg.Get("batch")
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, lobby.StatusEnded, snap.Status)
	assert.Empty(t, snap.WinnerID)
	assert.Equal(t, 0, env.notifier.count())
}

func TestHealth(t *testing.T) {
	env := setupServer(t, lobby.Options{})
	w := doRequest(t, env, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
