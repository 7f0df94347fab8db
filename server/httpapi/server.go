// Package httpapi serves the admin HTTP API: token record management,
// live session listing and auth cache control.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/xoauth2-proxy/consts"
	"github.com/migadu/xoauth2-proxy/db"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/authcache"
	"github.com/migadu/xoauth2-proxy/pkg/health"
	"github.com/migadu/xoauth2-proxy/server"
	"github.com/migadu/xoauth2-proxy/server/smtpproxy"
)

// TokenStore is the token store API used by the handlers.
type TokenStore interface {
	CreateToken(ctx context.Context, n db.NewToken) (*db.Token, error)
	GetToken(ctx context.Context, uid string) (*db.Token, error)
	ListTokens(ctx context.Context) ([]*db.Token, error)
	UpdateToken(ctx context.Context, uid string, u db.TokenUpdate) (*db.Token, error)
	SetPassword(ctx context.Context, uid, password string) error
	DeleteToken(ctx context.Context, uid string) error
	Ping(ctx context.Context) error
}

// SessionSource is a listener whose live sessions can be listed.
type SessionSource interface {
	Name() string
	Mode() smtpproxy.Mode
	Sessions() []smtpproxy.SessionInfo
	ConnectionStats() server.ConnectionStats
}

// AuthCache is the cache control surface.
type AuthCache interface {
	Stats() authcache.Stats
	Purge() int
	Invalidate(email string)
}

// HealthReporter exposes the results of the background health checks.
type HealthReporter interface {
	GetOverallStatus() health.ComponentStatus
	GetAllStatuses() []health.CheckStatus
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLSCertFile  string
	TLSKeyFile   string
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	allowedNets  []*net.IPNet
	tlsCertFile  string
	tlsKeyFile   string

	store   TokenStore
	servers []SessionSource
	cache   AuthCache // nil when the auth cache is disabled
	health  HealthReporter

	handler http.Handler
	server  *http.Server
}

// New creates the API server. cache may be nil.
func New(store TokenStore, servers []SessionSource, cache AuthCache, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if (options.TLSCertFile == "") != (options.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS certificate and key files are required for HTTPS")
	}

	s := &Server{
		addr:        options.Addr,
		apiKey:      options.APIKey,
		tlsCertFile: options.TLSCertFile,
		tlsKeyFile:  options.TLSKeyFile,
		store:       store,
		servers:     servers,
		cache:       cache,
	}
	for _, host := range options.AllowedHosts {
		if strings.Contains(host, "/") {
			_, cidr, err := net.ParseCIDR(host)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", host, err)
			}
			s.allowedNets = append(s.allowedNets, cidr)
			continue
		}
		s.allowedHosts = append(s.allowedHosts, host)
	}
	s.handler = s.setupRoutes()
	return s, nil
}

// SetHealthReporter adds the background check results to /health.
func (s *Server) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error during shutdown", "error", err)
		}
	}()

	var err error
	if s.tlsCertFile != "" {
		logger.Info("HTTP API: Listening", "addr", s.addr, "tls", true)
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		logger.Info("HTTP API: Listening", "addr", s.addr, "tls", false)
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	v1.HandleFunc("/sessions/stats", s.handleSessionStats).Methods("GET")

	v1.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	v1.HandleFunc("/tokens", s.handleCreateToken).Methods("POST")
	v1.HandleFunc("/tokens/{uid}", s.handleGetToken).Methods("GET")
	v1.HandleFunc("/tokens/{uid}", s.handleUpdateToken).Methods("PUT")
	v1.HandleFunc("/tokens/{uid}", s.handleDeleteToken).Methods("DELETE")
	v1.HandleFunc("/tokens/{uid}/password", s.handleSetPassword).Methods("PUT")

	v1.HandleFunc("/auth-cache/stats", s.handleAuthCacheStats).Methods("GET")
	v1.HandleFunc("/auth-cache/purge", s.handleAuthCachePurge).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 && len(s.allowedNets) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.hostAllowed(clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(clientIP string) bool {
	for _, host := range s.allowedHosts {
		if host == clientIP {
			return true
		}
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, cidr := range s.allowedNets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP uses the socket peer only; forwarded headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store errors to HTTP statuses
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrTokenNotFound):
		s.writeError(w, http.StatusNotFound, "Token not found")
	case errors.Is(err, consts.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, consts.ErrDBUniqueViolation):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("HTTP API: Store error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) invalidate(email string) {
	if s.cache != nil {
		s.cache.Invalidate(email)
	}
}

// Request/Response types

type CreateTokenRequest struct {
	Email       string     `json:"email"`
	Username    string     `json:"username,omitempty"`
	Password    string     `json:"password"`
	AppID       string     `json:"app_id,omitempty"`
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type UpdateTokenRequest struct {
	Username    *string    `json:"username,omitempty"`
	AppID       *string    `json:"app_id,omitempty"`
	AccessToken *string    `json:"access_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

type SetPasswordRequest struct {
	Password string `json:"password"`
}

type ListenerStats struct {
	server.ConnectionStats
	Mode     string `json:"mode"`
	Sessions int    `json:"sessions"`
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "listeners": len(s.servers)}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["database"] = "ok"
	}
	if s.health != nil {
		overall := s.health.GetOverallStatus()
		status["overall"] = overall
		status["components"] = s.health.GetAllStatuses()
		if overall == health.StatusUnhealthy {
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []smtpproxy.SessionInfo{}
	for _, srv := range s.servers {
		sessions = append(sessions, srv.Sessions()...)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]ListenerStats, 0, len(s.servers))
	total := 0
	for _, srv := range s.servers {
		n := len(srv.Sessions())
		total += n
		stats = append(stats, ListenerStats{
			ConnectionStats: srv.ConnectionStats(),
			Mode:            string(srv.Mode()),
			Sessions:        n,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"listeners": stats, "total_sessions": total})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if tokens == nil {
		tokens = []*db.Token{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "count": len(tokens)})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" || req.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "Email, password and access_token are required")
		return
	}

	token, err := s.store.CreateToken(r.Context(), db.NewToken{
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		AppID:       req.AppID,
		AccessToken: req.AccessToken,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidate(token.Email)
	logger.Info("HTTP API: Token created", "uid", token.UID, "email", token.Email)
	s.writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.store.GetToken(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	var req UpdateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	token, err := s.store.UpdateToken(r.Context(), mux.Vars(r)["uid"], db.TokenUpdate{
		Username:    req.Username,
		AppID:       req.AppID,
		AccessToken: req.AccessToken,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidate(token.Email)
	logger.Info("HTTP API: Token updated", "uid", token.UID, "email", token.Email)
	s.writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	token, err := s.store.GetToken(r.Context(), uid)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteToken(r.Context(), uid); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidate(token.Email)
	logger.Info("HTTP API: Token deleted", "uid", uid, "email", token.Email)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Token deleted", "uid": uid})
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req SetPasswordRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	uid := mux.Vars(r)["uid"]
	token, err := s.store.GetToken(r.Context(), uid)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.SetPassword(r.Context(), uid, req.Password); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidate(token.Email)
	logger.Info("HTTP API: Password changed", "uid", uid, "email", token.Email)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated", "uid": uid})
}

func (s *Server) handleAuthCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "stats": s.cache.Stats()})
}

func (s *Server) handleAuthCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, "Auth cache is not enabled")
		return
	}
	n := s.cache.Purge()
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "Auth cache purged", "purged": n})
}
