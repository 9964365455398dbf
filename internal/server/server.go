// ABOUTME: HTTP/WebSocket server that coordinates the relay components
// ABOUTME: Manages the registry, relay, orchestrator, and health endpoints lifecycle

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognilab/cogni-relay/internal/auth"
	"github.com/cognilab/cogni-relay/internal/orchestrator"
	"github.com/cognilab/cogni-relay/internal/registry"
	"github.com/cognilab/cogni-relay/internal/relay"
	"github.com/cognilab/cogni-relay/internal/room"
	"github.com/cognilab/cogni-relay/internal/store"
)

const statsInterval = 30 * time.Second

// Deps are the wired components the server serves.
type Deps struct {
	Registry     *registry.Registry
	Rooms        *room.Store
	Relay        *relay.Relay
	Orchestrator *orchestrator.Orchestrator
	Directory    store.Directory

	// Verifier is nil in anonymous mode; join identities are then taken
	// from the join payload unverified.
	Verifier auth.TokenVerifier

	// HistoryCap bounds history replay on join.
	HistoryCap int
}

// Server accepts WebSocket connections and exposes health endpoints.
type Server struct {
	registry     *registry.Registry
	rooms        *room.Store
	relay        *relay.Relay
	orchestrator *orchestrator.Orchestrator
	directory    store.Directory
	verifier     auth.TokenVerifier
	historyCap   int

	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// New creates a server listening on addr once Run is called.
func New(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	historyCap := deps.HistoryCap
	if historyCap <= 0 {
		historyCap = room.DefaultHistoryCap
	}

	s := &Server{
		registry:     deps.Registry,
		rooms:        deps.Rooms,
		relay:        deps.Relay,
		orchestrator: deps.Orchestrator,
		directory:    deps.Directory,
		verifier:     deps.Verifier,
		historyCap:   historyCap,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; identity is
			// established by token, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/rooms", s.handleRooms)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the server and blocks until the context is canceled. Returns
// nil on graceful shutdown, or an error if the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go s.statsLoop(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting connections, waits for in-flight generation jobs,
// and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.relay.Close()
	s.orchestrator.Wait()

	if s.directory != nil {
		if err := s.directory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("directory close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleWS upgrades the connection and runs it until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	c := newConn(ws, s)
	s.logger.Debug("connection opened", "conn", c.id, "remote", r.RemoteAddr)
	c.serve(r.Context())
	s.logger.Debug("connection closed", "conn", c.id)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness with current room/connection counts.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rooms, conns := s.registry.Stats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d rooms, %d connections)", rooms, conns)
}

// roomSummary is one row of the /rooms listing: the directory record plus
// the current live participant count.
type roomSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Members      []string `json:"members"`
	Participants int      `json:"participants"`
}

// handleRooms lists the directory's rooms with their recorded members and
// live participant counts.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		http.Error(w, "no directory configured", http.StatusNotFound)
		return
	}
	rooms, err := s.directory.ListRooms(r.Context())
	if err != nil {
		s.logger.Error("failed to list rooms", "error", err)
		http.Error(w, "failed to list rooms", http.StatusInternalServerError)
		return
	}

	out := make([]roomSummary, 0, len(rooms))
	for _, rm := range rooms {
		summary := roomSummary{
			ID:           rm.ID,
			Name:         rm.Name,
			Members:      []string{},
			Participants: len(s.registry.Participants(rm.ID)),
		}
		members, err := s.directory.ListMembers(r.Context(), rm.ID)
		if err != nil {
			s.logger.Warn("failed to list members", "room", rm.ID, "error", err)
		}
		for _, m := range members {
			summary.Members = append(summary.Members, m.Username)
		}
		out = append(out, summary)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// identify resolves a join payload to a user identity. With a verifier
// configured the token is authoritative; otherwise the payload is trusted.
func (s *Server) identify(p joinRoomPayload) (userID, username string, err error) {
	if s.verifier != nil {
		id, err := s.verifier.Verify(p.Token)
		if err != nil {
			return "", "", fmt.Errorf("authentication failed: %w", err)
		}
		return id.UserID, id.Username, nil
	}
	username = p.Username
	if username == "" {
		username = "anonymous"
	}
	if p.UserID != "" {
		return p.UserID, username, nil
	}
	// Without a client-supplied ID, anonymous identity keys on the display
	// name so a user's tabs share one participant entry.
	return "user:" + username, username, nil
}

// recordMembership persists the room and member rows. Best effort: directory
// failures never block a join.
func (s *Server) recordMembership(ctx context.Context, roomID, userID, username string) {
	if s.directory == nil {
		return
	}
	if err := s.directory.UpsertRoom(ctx, roomID, roomID); err != nil {
		s.logger.Warn("failed to record room", "room", roomID, "error", err)
		return
	}
	if err := s.directory.UpsertMember(ctx, roomID, userID, username); err != nil {
		s.logger.Warn("failed to record member", "room", roomID, "user_id", userID, "error", err)
	}
}

// statsLoop logs room and connection counts periodically.
func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rooms, conns := s.registry.Stats()
			s.logger.Debug("server stats", "rooms", rooms, "connections", conns)
		case <-ctx.Done():
			return
		}
	}
}
