package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	nodepkg "github.com/rmacdonaldsmith/streamcomm/pkg/node"
)

// Server represents the HTTP API server
type Server struct {
	node       nodepkg.Node
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	log        *slog.Logger
}

// Config holds server configuration
type Config struct {
	// Address is the host:port to listen on, ":8080" if empty
	Address   string
	SecretKey string

	// TokenTTL is how long issued tokens are valid. Zero means 24 hours.
	TokenTTL time.Duration

	// NoAuth lets unauthenticated requests reach the message routes.
	// Admin routes still require an admin token.
	NoAuth bool

	Logger *slog.Logger
}

// DefaultAddress is the listen address used when none is configured
const DefaultAddress = ":8080"

// NewServer creates a new HTTP API server
func NewServer(n nodepkg.Node, config Config) *Server {
	secretKey := config.SecretKey
	if secretKey == "" {
		secretKey = "streamcomm-dev-secret-key-change-in-production"
	}
	addr := config.Address
	if addr == "" {
		addr = DefaultAddress
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "httpapi")

	jwtAuth := NewJWTAuth(secretKey)
	if config.TokenTTL > 0 {
		jwtAuth.ttl = config.TokenTTL
	}

	server := &Server{
		node:       n,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(n, jwtAuth),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, log),
		log:        log,
	}

	server.server = &http.Server{
		Addr:              addr,
		Handler:           server.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("HTTP API listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply global middleware
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}

	// Authentication endpoints (no auth required)
	mux.Handle("/api/v1/auth/login", withMiddleware(s.handlers.Login))

	// Message endpoints (auth required)
	mux.Handle("/api/v1/messages", withMiddleware(s.middleware.AuthRequired(s.handleMessages)))

	// Admin endpoints (admin auth required)
	mux.Handle("/api/v1/admin/channels", withMiddleware(s.middleware.AdminRequired(s.handleChannels)))
	mux.Handle("/api/v1/admin/peers", withMiddleware(s.middleware.AdminRequired(s.getOnly(s.handlers.AdminListPeers))))
	mux.Handle("/api/v1/admin/stats", withMiddleware(s.middleware.AdminRequired(s.getOnly(s.handlers.AdminGetStats))))

	// Health endpoint (no auth required)
	mux.Handle("/api/v1/health", withMiddleware(s.getOnly(s.handlers.Health)))

	// Prometheus scrape endpoint, plain text
	mux.Handle("/metrics", s.middleware.Recovery(s.middleware.Logging(
		promhttp.HandlerFor(s.node.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP)))

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// Route handlers that dispatch based on HTTP method

// handleMessages routes message requests based on HTTP method
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlers.SendMessage(w, r)
	case http.MethodGet:
		s.handlers.ReadMessages(w, r)
	default:
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChannels routes channel requests based on HTTP method
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handlers.AdminListChannels(w, r)
	case http.MethodPost:
		s.handlers.AdminConnect(w, r)
	default:
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "streamcomm HTTP API",
		"version":     "1.0.0",
		"description": "Administrative HTTP API for a streamcomm peer node",
		"localId":     s.node.GetLocalID(),
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"messages": map[string]string{
				"send":  "POST /api/v1/messages",
				"inbox": "GET /api/v1/messages?since={seq}&protocol={tag}&limit={limit}",
			},
			"admin": map[string]string{
				"channels": "GET /api/v1/admin/channels",
				"connect":  "POST /api/v1/admin/channels",
				"peers":    "GET /api/v1/admin/peers",
				"stats":    "GET /api/v1/admin/stats",
			},
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	s.writeJSON(w, info, http.StatusOK)
}

// Helper methods

// writeError writes an error response as JSON
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
