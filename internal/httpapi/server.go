// Package httpapi is the in-process HTTP surface: health and status probes,
// the synchronous execute endpoint, egress send, skill and task management,
// static files under .ship/public, and the /ws event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/shipyardhq/sma/internal/agent"
	"github.com/shipyardhq/sma/internal/bus"
	"github.com/shipyardhq/sma/internal/egress"
	"github.com/shipyardhq/sma/internal/lane"
	"github.com/shipyardhq/sma/internal/shell"
	"github.com/shipyardhq/sma/internal/skills"
	"github.com/shipyardhq/sma/internal/task"
	"github.com/shipyardhq/sma/internal/tools"
)

// ExecuteFunc runs one synchronous agent turn for an api:chat:* context and
// returns the assistant's reply.
type ExecuteFunc func(ctx context.Context, contextID, instructions string) (*agent.TurnResult, error)

// Config carries the server's wiring. The runtime owns every dependency;
// the server only routes requests to them.
type Config struct {
	Name         string // reported by /api/status
	Host         string
	Port         int
	Token        string // empty disables bearer auth
	RateLimitRPM int    // <= 0 disables rate limiting on /api/execute

	Execute    ExecuteFunc
	Dispatcher *egress.Dispatcher
	Skills     *skills.Library
	Stores     tools.StoreResolver
	Tasks      *task.Store
	Runner     *task.Runner
	Lanes      *lane.Scheduler
	Shell      *shell.Registry
	Bus        bus.EventPublisher
	PublicDir  string
}

// Server is the runtime's HTTP front door.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Local-first runtime: clients are the CLI and same-host tools.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPM)/60, 5)
	}
	return s
}

// BuildMux creates and caches the route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/execute", s.auth(s.rateLimited(s.handleExecute)))
	mux.HandleFunc("POST /api/chat/send", s.auth(s.handleChatSend))

	mux.HandleFunc("GET /api/skill/list", s.auth(s.handleSkillList))
	mux.HandleFunc("POST /api/skill/load", s.auth(s.handleSkillLoad))
	mux.HandleFunc("POST /api/skill/unload", s.auth(s.handleSkillUnload))

	mux.HandleFunc("GET /api/task", s.auth(s.handleTaskList))
	mux.HandleFunc("POST /api/task", s.auth(s.handleTaskCreate))
	mux.HandleFunc("GET /api/task/{id}", s.auth(s.handleTaskGet))
	mux.HandleFunc("PUT /api/task/{id}", s.auth(s.handleTaskUpdate))
	mux.HandleFunc("DELETE /api/task/{id}", s.auth(s.handleTaskDelete))
	mux.HandleFunc("POST /api/task/{id}/run", s.auth(s.handleTaskRun))

	if s.cfg.PublicDir != "" {
		mux.Handle("GET /ship/public/", http.StripPrefix("/ship/public/", http.FileServer(http.Dir(s.cfg.PublicDir))))
	}
	if s.cfg.Bus != nil {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("httpapi.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && extractBearerToken(r) != s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
