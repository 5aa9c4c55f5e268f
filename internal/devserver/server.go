package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/realtime"
)

// Config holds the dev server's keys.
type Config struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string
}

// Server serves the realtime WebSocket and a small HTTP API for injecting changes.
type Server struct {
	cfg        Config
	hub        *Hub
	router     *chi.Mux
	httpServer *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// New builds a Server with its routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.JWTSecret),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(log.RequestLogger(nil))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/realtime/v1/websocket", s.handleWebSocket)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/stats", s.handleStats)
		r.With(s.requireRole(RoleService)).Post("/changes", s.handleChange)
		r.With(s.requireRole(RoleService)).Get("/logs", s.handleLogs)
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and drops open WebSockets.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("HTTP server: %w", shutdownErr)
		}
	}
	// Hijacked connections are not tracked by http.Server.
	s.hub.CloseConnections()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.hub.Stats())
}

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// handleLogs returns the tail of the process log buffer, oldest first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_lines", "lines must be a positive integer")
			return
		}
		n = min(parsed, maxLogLines)
	}

	lines := log.RecentLines(n)
	if lines == nil {
		lines = []string{}
	}
	json.NewEncoder(w).Encode(map[string]any{"lines": lines})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apikey")
	if apiKey == "" {
		apiKey = r.Header.Get("apikey")
	}
	if s.apiKeyRole(apiKey) == "" {
		log.Debug("realtime: invalid API key", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws)
	log.Debug("realtime: new connection", "conn_id", conn.ID(), "vsn", r.URL.Query().Get("vsn"))

	go conn.Serve()
}

// requireRole rejects requests whose apikey (header or bearer token) does not
// grant role.
func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("apikey")
			if key == "" {
				key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if s.apiKeyRole(key) != role {
				writeError(w, http.StatusUnauthorized, "unauthorized", role+" key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// changeRequest accepts both the eventType/new/old and the type/record/old_record spellings.
type changeRequest struct {
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	EventType string         `json:"eventType"`
	Type      string         `json:"type"`
	New       map[string]any `json:"new"`
	Record    map[string]any `json:"record"`
	Old       map[string]any `json:"old"`
	OldRecord map[string]any `json:"old_record"`
}

func (c changeRequest) event() (realtime.ChangeEvent, error) {
	if c.Table == "" {
		return realtime.ChangeEvent{}, fmt.Errorf("table is required")
	}
	kindStr := c.EventType
	if kindStr == "" {
		kindStr = c.Type
	}
	kind, err := realtime.ParseEventKind(kindStr)
	if err != nil || kind == realtime.All {
		return realtime.ChangeEvent{}, fmt.Errorf("type must be INSERT, UPDATE or DELETE")
	}

	ev := realtime.ChangeEvent{Schema: c.Schema, Table: c.Table, Kind: kind, New: c.New, Old: c.Old}
	if ev.New == nil {
		ev.New = c.Record
	}
	if ev.Old == nil {
		ev.Old = c.OldRecord
	}
	switch kind {
	case realtime.Insert, realtime.Update:
		if ev.New == nil {
			return realtime.ChangeEvent{}, fmt.Errorf("%s requires a new row", kind)
		}
	case realtime.Delete:
		if ev.Old == nil {
			return realtime.ChangeEvent{}, fmt.Errorf("DELETE requires an old row")
		}
	}
	return ev, nil
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ev, err := req.event()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_change", err.Error())
		return
	}

	delivered := s.hub.Broadcast(ev)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"delivered": delivered})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
