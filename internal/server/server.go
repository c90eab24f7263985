// Package server exposes the session coordinator to local UI clients: a
// WebSocket control surface for coordinator operations plus a push feed of
// session snapshots, and a health endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/serenhq/seren-agentd/internal/config"
	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/persistence"
	"github.com/serenhq/seren-agentd/internal/sessions"
)

// Coordinator is the session coordinator surface the server depends on.
// *sessions.Coordinator implements it.
type Coordinator interface {
	SpawnSession(ctx context.Context, opts sessions.SpawnOptions) (string, error)
	TerminateSession(ctx context.Context, sessionID string)
	SetActiveSession(sessionID string)
	ActiveSessionID() string
	Get(sessionID string) (sessions.Session, bool)
	List() []sessions.Session

	SendPrompt(ctx context.Context, sessionID, text string, contextItems []json.RawMessage) (string, error)
	CancelPrompt(ctx context.Context, sessionID string) error
	SetPermissionMode(ctx context.Context, sessionID, mode string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	SetConfigOption(ctx context.Context, sessionID, configID, valueID string) error
	RespondToPermission(ctx context.Context, sessionID, requestID, optionID string) error
	DismissPermission(sessionID, requestID string) error
	RespondToDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error
	UpdateCwd(sessionID, cwd, projectRoot string) error
	AcceptRateLimitFallback(sessionID string) error
	DismissRateLimitPrompt(sessionID string) error

	RefreshRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd string) ([]sessions.RemoteSessionEntry, bool, error)
	LoadMoreRemoteSessions(ctx context.Context, kind hostrpc.AgentKind, cwd string) ([]sessions.RemoteSessionEntry, bool, error)
	ResumeRemoteSession(ctx context.Context, kind hostrpc.AgentKind, cwd, agentSessionID, title string) (string, error)
	ResumeAgentConversation(ctx context.Context, conversationID string) (string, error)
	Conversations(limit int, cwd string) ([]persistence.AgentConversation, error)
	InstallAgentCLI(ctx context.Context, kind hostrpc.AgentKind) (string, error)
}

// Server is the UI-facing HTTP server.
type Server struct {
	config     *config.Config
	httpServer *http.Server

	coordMu sync.RWMutex
	coord   Coordinator

	clientMu sync.Mutex
	clients  map[*client]struct{}
}

// New creates a server. The coordinator is wired afterwards via
// SetCoordinator so the coordinator's push callbacks can reference the
// server.
func New(cfg *config.Config) *Server {
	s := &Server{
		config:  cfg,
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays zero: it would set a deadline on the underlying
	// net.Conn before the handler runs, which kills hijacked WebSocket
	// connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

// SetCoordinator wires the coordinator once it exists. Operations arriving
// before then are rejected.
func (s *Server) SetCoordinator(c Coordinator) {
	s.coordMu.Lock()
	s.coord = c
	s.coordMu.Unlock()
}

func (s *Server) coordinator() Coordinator {
	s.coordMu.RLock()
	defer s.coordMu.RUnlock()
	return s.coord
}

// Start runs the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	slog.Info("Starting UI server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes all UI connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientMu.Lock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
	s.clientMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleUIWS)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessionCount := 0
	if coord := s.coordinator(); coord != nil {
		sessionCount = len(coord.List())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": sessionCount,
		"clients":  s.clientCount(),
	})
}

func (s *Server) clientCount() int {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return len(s.clients)
}

// authenticate checks the static bearer token. UI WebSocket clients cannot
// set headers from the browser API, so a token query parameter is accepted
// as well. An empty configured token disables auth.
func (s *Server) authenticate(r *http.Request) bool {
	if s.config.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token == s.config.AuthToken {
		return true
	}
	return r.URL.Query().Get("token") == s.config.AuthToken
}

// corsMiddleware adds CORS headers for allowed origins.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
