package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rmacdonaldsmith/streamcomm/internal/discovery"
	"github.com/rmacdonaldsmith/streamcomm/internal/inbox"
	"github.com/rmacdonaldsmith/streamcomm/internal/node"
	"github.com/rmacdonaldsmith/streamcomm/internal/peerlink"
	nodepkg "github.com/rmacdonaldsmith/streamcomm/pkg/node"
)

const (
	defaultInboxLimit = 100
	maxInboxLimit     = 1000
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	node    nodepkg.Node
	jwtAuth *JWTAuth
}

// NewHandlers creates a new handlers instance
func NewHandlers(n nodepkg.Node, jwtAuth *JWTAuth) *Handlers {
	return &Handlers{
		node:    n,
		jwtAuth: jwtAuth,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validateAuthRequest(&req); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// No credential store: the "admin" client ID gets admin claims
	isAdmin := req.ClientID == "admin"

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin)
	if err != nil {
		h.writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Message endpoints

// SendMessage handles POST /api/v1/messages
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	opts, err := h.validateSendRequest(&req)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.node.Send(r.Context(), req.Peer, req.Protocol, req.Payload, opts); err != nil {
		h.writeError(w, fmt.Sprintf("Failed to send message: %v", err), sendErrorStatus(err))
		return
	}

	h.writeJSON(w, SendResponse{
		ClientID: GetClientID(r),
		Peer:     req.Peer,
		Protocol: req.Protocol,
		Size:     len(req.Payload),
		QueuedAt: time.Now(),
	}, http.StatusAccepted)
}

// sendErrorStatus maps node errors to HTTP status codes
func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, discovery.ErrMalformedIdentity),
		errors.Is(err, peerlink.ErrLocalPeer),
		errors.Is(err, node.ErrMessageTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrNodeNotStarted),
		errors.Is(err, node.ErrNodeClosed),
		errors.Is(err, peerlink.ErrNotRunning),
		errors.Is(err, peerlink.ErrChannelLimit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReadMessages handles GET /api/v1/messages?since={seq}&protocol={tag}&limit={n}
func (h *Handlers) ReadMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := parseIntParam(q.Get("since"), 0)
	if err != nil || since < 0 {
		h.writeError(w, "since must be a non-negative integer", http.StatusBadRequest)
		return
	}
	protocol, err := parseIntParam(q.Get("protocol"), 0)
	if err != nil || protocol < 0 || protocol > int64(^uint32(0)) {
		h.writeError(w, "protocol must be an unsigned 32-bit integer", http.StatusBadRequest)
		return
	}
	limit, err := parseIntParam(q.Get("limit"), defaultInboxLimit)
	if err != nil || limit < 1 || limit > maxInboxLimit {
		h.writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxInboxLimit), http.StatusBadRequest)
		return
	}

	msgs, err := h.node.ReadInbox(r.Context(), since, uint32(protocol), int(limit))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, inbox.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		h.writeError(w, fmt.Sprintf("Failed to read inbox: %v", err), status)
		return
	}
	if msgs == nil {
		msgs = []nodepkg.ReceivedMessage{}
	}

	next := since
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Seq + 1
	}
	h.writeJSON(w, InboxResponse{
		Messages: msgs,
		Count:    len(msgs),
		NextSeq:  next,
	}, http.StatusOK)
}

// Admin endpoints

// AdminListChannels handles GET /api/v1/admin/channels
func (h *Handlers) AdminListChannels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, ChannelsResponse{Channels: h.node.GetChannels(r.Context())}, http.StatusOK)
}

// AdminConnect handles POST /api/v1/admin/channels
func (h *Handlers) AdminConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Peer == "" {
		h.writeError(w, "peer is required", http.StatusBadRequest)
		return
	}

	st, err := h.node.Connect(r.Context(), req.Peer)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to connect: %v", err), sendErrorStatus(err))
		return
	}
	h.writeJSON(w, st, http.StatusOK)
}

// AdminListPeers handles GET /api/v1/admin/peers
func (h *Handlers) AdminListPeers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, PeersResponse{Peers: h.node.GetPeers(r.Context())}, http.StatusOK)
}

// AdminGetStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.node.GetStats(r.Context()), http.StatusOK)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.node.GetHealth(r.Context())
	if err != nil {
		h.writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, health, statusCode)
}

// Helper methods

// writeError writes an error response as JSON
func (h *Handlers) writeError(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// validateJSON validates that the request has valid JSON content-type
func (h *Handlers) validateJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

// validateAuthRequest validates authentication request fields
func (h *Handlers) validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return fmt.Errorf("clientId must be at least 2 characters")
	}
	return nil
}

// validateSendRequest checks the request and converts its delivery options
func (h *Handlers) validateSendRequest(req *SendRequest) (nodepkg.SendOptions, error) {
	var opts nodepkg.SendOptions
	if req.Peer == "" {
		return opts, fmt.Errorf("peer is required")
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("expiresIn must be a positive duration")
		}
		opts.ExpiresIn = d
	}
	if req.RetryInterval != "" {
		d, err := time.ParseDuration(req.RetryInterval)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("retryInterval must be a positive duration")
		}
		opts.RetryInterval = d
	}
	opts.RetryMax = req.RetryMax
	return opts, nil
}

func parseIntParam(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
