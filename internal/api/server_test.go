package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrelay/internal/queue"
	"medrelay/internal/registry"
	"medrelay/internal/relay"
	"medrelay/internal/testutil"
	"medrelay/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *queue.Store) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	store, err := queue.OpenInMemory(queue.DefaultCapacity, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	engine := relay.NewEngine(reg, store, zerolog.Nop())
	return NewServer(reg, engine, zerolog.Nop()), reg, store
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Attach(testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen"))

	rec := doRequest(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])

	stats, ok := body["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), stats["active_sessions"])
}

func TestListSessions(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Attach(testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen"))
	reg.Attach(testutil.NewMockConn("s1", "pat-1", types.RolePatient, "Ana"))
	reg.Attach(testutil.NewMockConn("s2", "prov-2", types.RoleProvider, "Dr. Wu"))

	rec := doRequest(s, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := struct {
		Sessions []sessionSummary `json:"sessions"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Sessions, 2)
}

func TestListParticipants(t *testing.T) {
	s, reg, _ := newTestServer(t)
	prov := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	pat := testutil.NewMockConn("s1", "pat-1", types.RolePatient, "Ana")
	reg.Attach(prov)
	reg.Attach(pat)
	reg.Detach("s1", "pat-1", pat.ConnectionID())

	rec := doRequest(s, http.MethodGet, "/api/sessions/s1/participants", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := struct {
		SessionID    string                  `json:"session_id"`
		Participants []types.ParticipantInfo `json:"participants"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "s1", body.SessionID)
	require.Len(t, body.Participants, 2)
	assert.True(t, body.Participants[0].Online)
	assert.False(t, body.Participants[1].Online)
}

func TestListParticipantsUnknownSession(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/sessions/nope/participants", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseSession(t *testing.T) {
	s, reg, store := newTestServer(t)
	prov := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	pat := testutil.NewMockConn("s1", "pat-1", types.RolePatient, "Ana")
	reg.Attach(prov)
	reg.Attach(pat)
	require.NoError(t, store.Enqueue("s1", "pat-1", types.NewEvent(types.EventMessage, nil)))

	rec := doRequest(s, http.MethodDelete, "/api/sessions/s1", `{"reason":"visit complete"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["connections_closed"])
	assert.Equal(t, "visit complete", body["reason"])

	assert.True(t, prov.Closed())
	assert.Equal(t, types.CloseSessionEnded, prov.CloseCode())
	assert.Empty(t, reg.Sessions())
	assert.Zero(t, store.Pending("s1", "pat-1"))
}

func TestCloseSessionDefaultReason(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Attach(testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen"))

	rec := doRequest(s, http.MethodDelete, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "closed by administrator", body["reason"])
}

func TestCloseUnknownSession(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodDelete, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(s, http.MethodPost, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(s, http.MethodPost, "/health", "").Code)
}

func TestCORSHeaders(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodOptions, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
