package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/metrics"
	"github.com/RedKAa/meetbot/internal/pipeline"
	"github.com/RedKAa/meetbot/internal/session"
)

const (
	serviceName    = "meetbot-ingest"
	serviceVersion = "1.0.0"
)

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	sessionMgr *session.Manager
	runner     *pipeline.Runner
	metrics    *metrics.Metrics

	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, sessionMgr *session.Manager, runner *pipeline.Runner, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:     logger,
		config:     cfg,
		sessionMgr: sessionMgr,
		runner:     runner,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint,
			fmt.Sprintf("%d", ww.statusCode), time.Since(startTime).Seconds())
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
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessionMgr.ActiveCount(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessionMgr.Snapshot()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.sessionMgr.GetSession(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.InfoSnapshot())
}

// handleConfig implements the /config endpoint, omitting credentials
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]interface{}{
		"env": h.config.Env,
		"server": map[string]interface{}{
			"port":      h.config.Server.Port,
			"http_port": h.config.Server.HTTPPort,
		},
		"recording": map[string]interface{}{
			"recordings_root":              h.config.Recording.RecordingsRoot,
			"enable_mixed_audio":           h.config.Recording.EnableMixedAudio,
			"enable_per_participant_audio": h.config.Recording.EnablePerParticipantAudio,
			"inactivity_timeout":           h.config.Recording.InactivityTimeout,
		},
		"pipeline": map[string]interface{}{
			"summarisation_provider": h.config.Pipeline.SummarisationProvider,
			"summarisation_language": h.config.Pipeline.SummarisationLanguage,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// handleTranscriptionStats implements the /stats/transcription endpoint,
// reporting the post-archive pipeline's transcription request counters.
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var stats pipeline.WhisperStats
	if h.runner != nil {
		stats = h.runner.TranscriptionStats()
	}

	response := map[string]interface{}{
		"timestamp":     time.Now().UTC(),
		"transcription": stats,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoot serves a short API index
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	index := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": []string{
			"/health", "/sessions", "/sessions/{id}", "/config", "/stats/transcription", "/metrics",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(index)
}
