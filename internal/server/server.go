// Package server exposes the bus over HTTP and WebSocket: an envelope ingress
// endpoint, session-based authentication, audit history queries, and listener
// introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/envflow/internal/audit"
	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/runtime/config"
	errspkg "github.com/drblury/envflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/envflow/internal/runtime/logging"
)

// maxBodyBytes bounds a single ingress envelope.
const maxBodyBytes = 1 << 20

// Server is the network front of one bus instance.
type Server struct {
	cfg      *config.Config
	bus      *bus.Bus
	audit    *audit.Stream
	log      loggingpkg.ServiceLogger
	sessions *sessionStore
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New wires a server around a sealed bus. The audit stream may be nil; the
// history endpoints then answer 404.
func New(cfg *config.Config, b *bus.Bus, stream *audit.Stream, log loggingpkg.ServiceLogger) (*Server, error) {
	if b == nil {
		return nil, errspkg.ErrBusRequired
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = loggingpkg.Nop()
	}

	s := &Server{
		cfg:      cfg,
		bus:      b,
		audit:    stream,
		log:      log,
		sessions: newSessionStore(cfg.SessionTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /messages", s.handleMessages)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /listeners", s.handleListeners)
	mux.HandleFunc("GET /kinds", s.handleKinds)
	mux.HandleFunc("GET /threads/{id}", s.handleThread)
	mux.HandleFunc("GET /audit/recent", s.handleRecent)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

// ListenAndServe blocks until the context is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Ingress listening", loggingpkg.LogFields{"addr": s.cfg.BindAddress})
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login body")
		return
	}

	if s.cfg.AdminPassword == "" ||
		!constantTimeEquals(req.Username, s.cfg.AdminUser) ||
		!constantTimeEquals(req.Password, s.cfg.AdminPassword) {
		s.log.Warn("Login rejected", loggingpkg.LogFields{"username": req.Username})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires := s.sessions.create(req.Username)
	s.log.Info("Session created", loggingpkg.LogFields{"identity": req.Username})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		Identity:  req.Username,
		ExpiresAt: expires,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		s.sessions.revoke(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

// receiptWire is the JSON shape of a delivery receipt. Responses are inlined
// as raw envelope documents, not base64.
type receiptWire struct {
	ThreadID  string            `json:"thread_id"`
	Status    string            `json:"status"`
	Responses []json.RawMessage `json:"responses,omitempty"`
}

func wireReceipt(receipt *bus.Receipt) receiptWire {
	out := receiptWire{ThreadID: receipt.ThreadID, Status: receipt.Status}
	for _, resp := range receipt.Responses {
		out.Responses = append(out.Responses, json.RawMessage(resp))
	}
	return out
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	receipt, err := s.bus.Deliver(r.Context(), raw, callerID)
	if err != nil {
		var malformed *errspkg.MalformedInputError
		if errors.As(err, &malformed) {
			writeError(w, http.StatusBadRequest, malformed.Error())
			return
		}
		s.log.Error("Delivery failed", err, loggingpkg.LogFields{"caller": callerID})
		writeError(w, http.StatusInternalServerError, "delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, wireReceipt(receipt))
}

// handleWS runs one envelope conversation over a websocket: every text frame
// received is delivered to the bus, every receipt is written back as one JSON
// frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", err, nil)
		return
	}
	defer conn.Close()

	s.log.Info("WebSocket session opened", loggingpkg.LogFields{"caller": callerID})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("WebSocket closed unexpectedly", loggingpkg.LogFields{"error": err.Error()})
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		receipt, err := s.bus.Deliver(r.Context(), data, callerID)
		if err != nil {
			if writeErr := conn.WriteJSON(map[string]string{"error": err.Error()}); writeErr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(wireReceipt(receipt)); err != nil {
			return
		}
	}
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Listeners())
}

func (s *Server) handleKinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"kinds": s.bus.Kinds()})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit archive not configured")
		return
	}
	entries, err := s.audit.Thread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.log.Error("Thread query failed", err, nil)
		writeError(w, http.StatusInternalServerError, "thread query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": wireEntries(entries)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit archive not configured")
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("Recent query failed", err, nil)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": wireEntries(entries)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auditEntryWire mirrors bus.AuditEntry with the canonical envelope inlined
// as a raw JSON document.
type auditEntryWire struct {
	ID       string          `json:"id"`
	At       time.Time       `json:"at"`
	ThreadID string          `json:"thread_id"`
	From     string          `json:"from"`
	To       string          `json:"to,omitempty"`
	Kind     string          `json:"kind"`
	CallerID string          `json:"caller_id,omitempty"`
	Hop      int             `json:"hop"`
	Envelope json.RawMessage `json:"envelope"`
}

func wireEntries(entries []bus.AuditEntry) []auditEntryWire {
	out := make([]auditEntryWire, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryWire{
			ID:       e.ID,
			At:       e.At,
			ThreadID: e.ThreadID,
			From:     e.From,
			To:       e.To,
			Kind:     e.Kind,
			CallerID: e.CallerID,
			Hop:      e.Hop,
			Envelope: json.RawMessage(e.Canonical),
		})
	}
	return out
}

// authenticate resolves the caller identity for one request. A valid bearer
// token wins; otherwise anonymous ingress decides whether the request may
// proceed without an identity.
func (s *Server) authenticate(r *http.Request) (callerID string, ok bool) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		if identity, found := s.sessions.lookup(token); found {
			return identity, true
		}
		return "", false
	}
	if s.cfg.AnonymousIngress {
		return "", true
	}
	return "", false
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, found := strings.CutPrefix(auth, "Bearer "); found {
		return after
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":"encoding response"}`)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
