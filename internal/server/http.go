package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepubuntu/cowcow/internal/audio"
	"github.com/deepubuntu/cowcow/internal/metrics"
	"github.com/deepubuntu/cowcow/internal/quality"
)

const (
	// TokensPerMinute is the reward rate for accepted audio.
	TokensPerMinute = 10
	// MinRecordingLength is the shortest accepted recording.
	MinRecordingLength = time.Second

	maxUploadBytes = 64 << 20
)

// Config contains collection server configuration
type Config struct {
	Address string
	Port    int
	// UploadDir stores received audio; empty discards it.
	UploadDir string
	// Users maps usernames to passwords; empty accepts any non-empty login.
	Users map[string]string
}

// Stats summarizes what the server has accepted
type Stats struct {
	Uploads       int     `json:"uploads"`
	TokensAwarded int     `json:"tokens_awarded"`
	AudioSeconds  float64 `json:"audio_seconds"`
}

type receivedUpload struct {
	lang     string
	username string
	metrics  quality.Metrics
	duration time.Duration
	tokens   int
}

type session struct {
	username string
	apiKey   string
}

// HTTPServer is a development stand-in for the collection service
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time

	mu       sync.RWMutex
	tokens   map[string]session // access token -> session
	apiKeys  map[string]session
	uploads  map[string]receivedUpload
	stats    Stats
	newToken func() string
}

// NewHTTPServer creates a collection server. Request metrics are recorded
// on m and served from g.
func NewHTTPServer(cfg Config, logger *slog.Logger, m *metrics.Metrics, g prometheus.Gatherer) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		gatherer:  g,
		startTime: time.Now(),
		tokens:    make(map[string]session),
		apiKeys:   make(map[string]session),
		uploads:   make(map[string]receivedUpload),
		newToken:  uuid.NewString,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/auth/token", h.withMetrics("/auth/token", h.handleToken))
	mux.HandleFunc("/recordings/upload", h.withMetrics("/recordings/upload", h.handleUpload))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting collection server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping collection server...")

	return h.server.Shutdown(ctx)
}

// Stats returns a snapshot of accepted uploads
func (h *HTTPServer) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

// handleToken issues an access token and API key for a form login
func (h *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	if !h.checkPassword(username, password) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Incorrect username or password", http.StatusUnauthorized)
		return
	}

	token := h.newToken()
	apiKey := "ck_" + strings.ReplaceAll(h.newToken(), "-", "")

	h.mu.Lock()
	s := session{username: username, apiKey: apiKey}
	h.tokens[token] = s
	h.apiKeys[apiKey] = s
	h.mu.Unlock()

	h.logger.Info("Issued access token", slog.String("username", username))

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"api_key":      apiKey,
	})
}

func (h *HTTPServer) checkPassword(username, password string) bool {
	if username == "" || password == "" {
		return false
	}
	if len(h.cfg.Users) == 0 {
		return true
	}
	want, ok := h.cfg.Users[username]
	return ok && want == password
}

// authenticate accepts an X-API-Key header or a bearer token
func (h *HTTPServer) authenticate(r *http.Request) (session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if key := r.Header.Get("X-API-Key"); key != "" {
		if s, ok := h.apiKeys[key]; ok {
			return s, true
		}
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if s, ok := h.tokens[token]; ok {
			return s, true
		}
	}
	return session{}, false
}

func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := h.authenticate(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Could not validate credentials", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	recordingID := r.FormValue("recording_id")
	lang := r.FormValue("lang")
	if recordingID == "" || lang == "" {
		http.Error(w, "recording_id and lang are required", http.StatusBadRequest)
		return
	}

	var qc quality.Metrics
	if err := json.Unmarshal([]byte(r.FormValue("qc_metrics")), &qc); err != nil {
		http.Error(w, "Invalid qc_metrics", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	if err := audio.ValidateWAV(data); err != nil {
		http.Error(w, "Audio file is not a WAV file", http.StatusUnsupportedMediaType)
		return
	}
	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid WAV file: %v", err), http.StatusBadRequest)
		return
	}
	duration := time.Duration(info.Duration * float64(time.Second))
	if duration < MinRecordingLength {
		http.Error(w, "Recording too short", http.StatusBadRequest)
		return
	}

	if h.cfg.UploadDir != "" {
		// Stored copies are rewritten with a canonical 44-byte header.
		canonical, err := audio.EncodeWAV(samples, int(info.SampleRate), int(info.Channels))
		if err == nil {
			err = h.store(recordingID, canonical)
		}
		if err != nil {
			h.logger.Error("Failed to store upload",
				slog.String("recording_id", recordingID),
				slog.String("error", err.Error()))
			http.Error(w, "Failed to store recording", http.StatusInternalServerError)
			return
		}
	}

	tokens := Tokens(duration)

	h.mu.Lock()
	if _, seen := h.uploads[recordingID]; !seen {
		h.stats.Uploads++
		h.stats.TokensAwarded += tokens
		h.stats.AudioSeconds += duration.Seconds()
	}
	h.uploads[recordingID] = receivedUpload{
		lang:     lang,
		username: sess.username,
		metrics:  qc,
		duration: duration,
		tokens:   tokens,
	}
	h.mu.Unlock()

	h.logger.Info("Recording received",
		slog.String("recording_id", recordingID),
		slog.String("lang", lang),
		slog.String("username", sess.username),
		slog.Duration("duration", duration),
		slog.Float64("snr_db", qc.SNRDB),
		slog.Int("tokens_awarded", tokens))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "success",
		"tokens_awarded": tokens,
		"recording_id":   recordingID,
	})
}

func (h *HTTPServer) store(recordingID string, data []byte) error {
	if strings.ContainsAny(recordingID, `/\`) || recordingID == "." || recordingID == ".." {
		return fmt.Errorf("invalid recording id %q", recordingID)
	}
	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(h.cfg.UploadDir, recordingID+".wav"), data, 0o644)
}

// Tokens returns the reward for a recording of length d
func Tokens(d time.Duration) int {
	tokens := int(d.Minutes() * TokensPerMinute)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.Stats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "cowcow mock collector",
		"endpoints": map[string]interface{}{
			"GET /":                   "API documentation",
			"GET /health":             "Service health check",
			"POST /auth/token":        "Form login returning an access token and API key",
			"POST /recordings/upload": "Multipart recording upload",
			"GET /stats":              "Accepted uploads and tokens",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
