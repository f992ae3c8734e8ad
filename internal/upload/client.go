package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deepubuntu/cowcow/internal/auth"
	"github.com/deepubuntu/cowcow/internal/metrics"
	"github.com/deepubuntu/cowcow/internal/quality"
)

// ErrUnauthorized is matched by status errors for 401 and 403 responses.
var ErrUnauthorized = errors.New("upload: unauthorized")

const uploadPath = "/recordings/upload"

// Config contains upload client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Submission is one recording to deliver
type Submission struct {
	RecordingID string
	Lang        string
	Metrics     quality.Metrics
	WAVPath     string
}

// Response is the collection service's reply to a successful upload
type Response struct {
	Status        string `json:"status"`
	TokensAwarded int    `json:"tokens_awarded"`
	RecordingID   string `json:"recording_id"`
}

// StatusError is a non-2xx reply from the collection service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// Is matches ErrUnauthorized for authentication failures.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Client submits recordings to the collection service
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a new upload HTTP client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Upload sends one recording. Any failure, including a rejection by the
// server, is returned as an error.
func (c *Client) Upload(ctx context.Context, sub Submission, creds *auth.Credentials) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+uploadPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "cowcow/1.0")
	if creds != nil {
		if creds.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
		if creds.APIKey != "" {
			httpReq.Header.Set("X-API-Key", creds.APIKey)
		}
	}

	c.logger.Debug("Uploading recording",
		slog.String("recording_id", sub.RecordingID),
		slog.Int("bytes", body.Len()))

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordHTTPRequest(http.MethodPost, uploadPath, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordHTTPRequest(http.MethodPost, uploadPath, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var uploadResp Response
	if err := json.Unmarshal(respBody, &uploadResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &uploadResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(sub Submission) (*bytes.Buffer, string, error) {
	metricsJSON, err := json.Marshal(sub.Metrics)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode metrics: %w", err)
	}

	file, err := os.Open(sub.WAVPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := []struct{ key, value string }{
		{"recording_id", sub.RecordingID},
		{"lang", sub.Lang},
		{"qc_metrics", string(metricsJSON)},
		{"file_path", sub.WAVPath},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f.key, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(sub.WAVPath)))
	header.Set("Content-Type", "audio/wav")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
