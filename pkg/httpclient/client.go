package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// ErrNotAuthenticated is returned by calls that need a token before
// Authenticate has succeeded
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client provides HTTP client for the streamcomm API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new streamcomm HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate authenticates with the server and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	authReq := map[string]string{
		"clientId": c.config.ClientID,
	}

	var authResp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", authReq, &authResp, false)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return nil
}

// Send queues payload for delivery to peer, an identity string or host:port
func (c *Client) Send(ctx context.Context, peer string, protocol uint32, payload []byte, opts SendOptions) (*SendResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	req := SendRequest{
		Peer:     peer,
		Protocol: protocol,
		Payload:  payload,
		RetryMax: opts.RetryMax,
	}
	if opts.ExpiresIn > 0 {
		req.ExpiresIn = opts.ExpiresIn.String()
	}
	if opts.RetryInterval > 0 {
		req.RetryInterval = opts.RetryInterval.String()
	}

	var resp SendResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/messages", req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &resp, nil
}

// ReadInbox returns up to limit received messages with sequence at or above
// since. A zero protocol matches every protocol; a zero limit takes the
// server default.
func (c *Client) ReadInbox(ctx context.Context, since int64, protocol uint32, limit int) (*InboxResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	queryParams := url.Values{}
	queryParams.Set("since", strconv.FormatInt(since, 10))
	if protocol != 0 {
		queryParams.Set("protocol", strconv.FormatUint(uint64(protocol), 10))
	}
	if limit > 0 {
		queryParams.Set("limit", strconv.Itoa(limit))
	}

	var resp InboxResponse
	if err := c.doRequestWithQuery(ctx, http.MethodGet, "/api/v1/messages", queryParams, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the health status of the node
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminListChannels returns the channel status table (admin only)
func (c *Client) AdminListChannels(ctx context.Context) (*ChannelsResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp ChannelsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/channels", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return &resp, nil
}

// AdminConnect opens a channel to peer (admin only)
func (c *Client) AdminConnect(ctx context.Context, peer string) (*peerlink.ChannelStatus, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp peerlink.ChannelStatus
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/channels", ConnectRequest{Peer: peer}, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &resp, nil
}

// AdminListPeers returns the peer status table (admin only)
func (c *Client) AdminListPeers(ctx context.Context) (*PeersResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp PeersResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/peers", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return &resp, nil
}

// AdminGetStats returns transport and inbox statistics (admin only)
func (c *Client) AdminGetStats(ctx context.Context) (*StatsResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp StatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/stats", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// doRequestWithQuery performs an HTTP request with query parameters and
// optional authentication. GET requests are retried on transient failures.
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, queryParams url.Values, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	u := &url.URL{Path: path}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var jsonBody []byte
	if reqBody != nil {
		var err error
		jsonBody, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.config.MaxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * c.config.RetryBackoff):
			}
		}

		var bodyReader io.Reader
		if jsonBody != nil {
			bodyReader = bytes.NewReader(jsonBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if jsonBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if requireAuth && c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		var retry bool
		retry, lastErr = c.do(req, respBody)
		if !retry {
			return lastErr
		}
	}
	return lastErr
}

// do executes req and reports whether a failure is worth retrying
func (c *Client) do(req *http.Request, respBody interface{}) (bool, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return req.Context().Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true, apiErr
		}
		return false, apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return false, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return false, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody, requireAuth)
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}
