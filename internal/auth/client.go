package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deepubuntu/cowcow/internal/metrics"
)

// ErrNotAuthenticated is returned when no valid credentials are stored.
var ErrNotAuthenticated = errors.New("auth: not authenticated")

// SessionLifetime is how long a login is trusted locally.
const SessionLifetime = 24 * time.Hour

// Config contains auth client configuration
type Config struct {
	Endpoint        string
	Timeout         time.Duration
	CredentialsPath string
}

// Client talks to the collection service's auth endpoints and manages the
// local credentials file.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	APIKey      string `json:"api_key"`
}

// NewClient creates an auth client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.CredentialsPath == "" {
		return nil, fmt.Errorf("credentials path cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}, nil
}

// Login exchanges a username and password for credentials and stores them
func (c *Client) Login(ctx context.Context, username, password string) (*Credentials, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.logger.Info("Attempting login", slog.String("username", username))

	body, err := c.do(req, "/auth/token")
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}

	creds := &Credentials{
		AccessToken: resp.AccessToken,
		APIKey:      resp.APIKey,
		Username:    username,
		ExpiresAt:   c.now().Add(SessionLifetime).Unix(),
	}
	if err := creds.Save(c.config.CredentialsPath); err != nil {
		return nil, err
	}

	c.logger.Info("Login successful", slog.String("username", username))
	return creds, nil
}

// Check returns the stored credentials if they are still valid
func (c *Client) Check() (*Credentials, error) {
	creds, err := LoadCredentials(c.config.CredentialsPath)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("%w: no stored credentials", ErrNotAuthenticated)
	}
	if !creds.Valid(c.now()) {
		c.logger.Warn("Stored credentials are expired", slog.String("username", creds.Username))
		return nil, fmt.Errorf("%w: credentials expired", ErrNotAuthenticated)
	}
	return creds, nil
}

// Logout removes the stored credentials
func (c *Client) Logout() error {
	if err := ClearCredentials(c.config.CredentialsPath); err != nil {
		return err
	}
	c.logger.Info("Logged out")
	return nil
}

// Health checks that the collection service is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	if _, err := c.do(req, "/health"); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordHTTPRequest(req.Method, endpoint, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordHTTPRequest(req.Method, endpoint, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
