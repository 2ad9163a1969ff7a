package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/models"
	ptymgr "github.com/peterje/ptyd/internal/pty"
	"github.com/peterje/ptyd/internal/ws"
)

type Server struct {
	mux       *http.ServeMux
	cliStatus []models.CLIStatus
	PtyMgr    ptymgr.SessionManager
	hub       *events.Hub
	token     string
	logger    *zap.Logger
}

// New builds the HTTP bridge. token, when set, guards the WebSocket route.
func New(cliStatus []models.CLIStatus, ptyMgr ptymgr.SessionManager, hub *events.Hub, token string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:       http.NewServeMux(),
		cliStatus: cliStatus,
		PtyMgr:    ptyMgr,
		hub:       hub,
		token:     token,
		logger:    logger.Named("http"),
	}
	s.routes()
	return s
}

// Handler returns the mux wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger, recoveryMiddleware(s.logger, s))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.Handle("GET /ws", ws.NewHandler(s.PtyMgr, s.hub, s.token, s.logger))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:   "ok",
		CLIs:     s.cliStatus,
		Sessions: len(s.PtyMgr.Active()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.PtyMgr.Active()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, models.SessionsResponse{Sessions: ids})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
