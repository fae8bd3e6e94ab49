package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/nexa-labs/assistant-gateway/internal/errors"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
)

// Server exposes the RPC surface over HTTP: POST /rpc carries the same
// envelope the WebSocket transport uses, plus health and metrics endpoints.
type Server struct {
	router *Router
	logger *zap.Logger
	http   *http.Server
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func NewServer(cfg ServerConfig, router *Router, wsHandler http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		router: router,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if wsHandler != nil {
		mux.Handle("/ws", wsHandler)
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{
			Error: &ErrorBody{Code: apperrors.CodeInvalidRequest, Message: "malformed request body"},
		})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, &Response{
			ID:    req.ID,
			Error: &ErrorBody{Code: apperrors.CodeInvalidRequest, Message: "method is required"},
		})
		return
	}

	call := &Call{
		ID:          req.ID,
		Method:      req.Method,
		Params:      req.Params,
		Credentials: credentialsFromRequest(r),
		RemoteIP:    ClientIP(r),
	}

	resp := s.router.Dispatch(r.Context(), call)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// credentialsFromRequest pulls the bearer token from the Authorization
// header. The legacy userId fallback is deliberately not offered over
// plain HTTP; it exists only for the WebSocket handshake.
func credentialsFromRequest(r *http.Request) authn.Credentials {
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	return authn.Credentials{BearerToken: token}
}

// ClientIP extracts the originating address: the first X-Forwarded-For
// hop when present, otherwise the peer address. Both transports use it so
// risk scoring sees the same address either way.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
