package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/launch"
	"github.com/peterje/ptyd/internal/models"
)

type stubManager struct{ active []string }

func (s stubManager) Create(string, string, launch.Intent) (bool, error) { return true, nil }
func (s stubManager) Write(string, []byte) error                          { return nil }
func (s stubManager) Resize(string, uint16, uint16) error                 { return nil }
func (s stubManager) Close(string) error                                  { return nil }
func (s stubManager) CloseAll() error                                     { return nil }
func (s stubManager) Active() []string                                    { return s.active }

func TestHealth(t *testing.T) {
	clis := []models.CLIStatus{{Name: "claude", Role: "agent", Installed: true, Path: "/bin/claude"}}
	srv := New(clis, stubManager{active: []string{"a", "b"}}, events.NewHub(), "", nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got models.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.HealthResponse{Status: "ok", CLIs: clis, Sessions: 2}, got)
}

func TestSessionsNeverNull(t *testing.T) {
	srv := New(nil, stubManager{}, events.NewHub(), "", nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	hub := events.NewHub()
	ts := httptest.NewServer(New(nil, stubManager{active: []string{"x"}}, hub, "", nil).Handler())
	defer ts.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]string{"id": "1", "type": "list"}))
	var reply map[string]any
	require.NoError(t, c.ReadJSON(&reply))
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, []any{"x"}, reply["sessions"])
}

func TestWebSocketTokenPassedThrough(t *testing.T) {
	ts := httptest.NewServer(New(nil, stubManager{}, events.NewHub(), "s3cret", nil).Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(url+"?token=s3cret", nil)
	require.NoError(t, err)
	c.Close()
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := loggingMiddleware(logger, recoveryMiddleware(logger, panicky))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	require.Equal(t, 1, logs.FilterMessage("Panic in handler").Len())
	req := logs.FilterMessage("Request").All()
	require.Len(t, req, 1)
	assert.Equal(t, int64(500), req[0].ContextMap()["status"])
}
