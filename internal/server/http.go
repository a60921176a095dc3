package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/22VermeijT/SpeakTogether/internal/caption"
	"github.com/22VermeijT/SpeakTogether/internal/config"
	"github.com/22VermeijT/SpeakTogether/internal/events"
	"github.com/22VermeijT/SpeakTogether/internal/metrics"
	"github.com/22VermeijT/SpeakTogether/internal/overlay"
	"github.com/22VermeijT/SpeakTogether/internal/session"
)

// HTTPServer provides HTTP API endpoints for monitoring and overlay control
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	sessions    *session.Manager
	overlays    *overlay.Manager
	broadcaster *caption.Broadcaster
	bus         *events.Bus
	wsServer    *WSServer
	metrics     *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg *config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, sessions *session.Manager, overlays *overlay.Manager,
	broadcaster *caption.Broadcaster, bus *events.Bus, wsServer *WSServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		sessions:    sessions,
		overlays:    overlays,
		broadcaster: broadcaster,
		bus:         bus,
		wsServer:    wsServer,
		metrics:     m,
		startTime:   time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Overlay window control
	mux.HandleFunc("/overlays", h.withMetrics("/overlays", h.handleOverlays))
	mux.HandleFunc("/overlays/", h.withMetrics("/overlays/{id}", h.handleOverlayDetail))

	// Caption injection endpoint
	mux.HandleFunc("/captions", h.withMetrics("/captions", h.handleCaptions))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
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
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

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

// writeJSON writes a JSON response with the given status code
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	connStats := h.wsServer.GetStatistics()
	overlayStats := h.overlays.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "speak-together",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"websocket": map[string]interface{}{
				"status":               "running",
				"connections_accepted": connStats.ConnectionsAccepted,
				"connections_rejected": connStats.ConnectionsRejected,
				"active_sessions":      connStats.ActiveSessions,
			},
			"overlay": map[string]interface{}{
				"status":         "running",
				"active_windows": overlayStats.ActiveWindows,
			},
			"broadcast": h.broadcaster.GetStats(),
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessions.GetAllSessionInfo()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	h.writeJSON(w, http.StatusOK, response)
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

	sess, exists := h.sessions.GetSession(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, sess.GetSessionInfo())
}

// overlayCreateRequest is the body of POST /overlays. Zero bounds fall back
// to the configured defaults.
type overlayCreateRequest struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// overlayToggleRequest is the body of POST /overlays/{id}/toggle
type overlayToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// handleOverlays implements the /overlays endpoint: GET lists windows, POST
// creates one.
func (h *HTTPServer) handleOverlays(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids := h.overlays.Ids()
		windows := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			windows = append(windows, map[string]interface{}{
				"overlay_id": id.String(),
				"state":      h.overlays.QueryState(id).String(),
				"enabled":    h.overlays.Enabled(id),
			})
		}

		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_overlays": len(windows),
			"overlays":       windows,
		})

	case http.MethodPost:
		// An empty body creates a window with the configured default bounds.
		var req overlayCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		hint := overlay.Bounds{X: req.X, Y: req.Y, Width: req.Width, Height: req.Height}
		if hint.Width == 0 {
			hint.Width = h.config.Overlay.Width
		}
		if hint.Height == 0 {
			hint.Height = h.config.Overlay.Height
		}

		id := h.overlays.Create(hint)

		h.writeJSON(w, http.StatusCreated, map[string]interface{}{
			"overlay_id": id.String(),
			"state":      h.overlays.QueryState(id).String(),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleOverlayDetail implements the /overlays/{id} endpoints:
//
//	GET    /overlays/{id}         window state
//	POST   /overlays/{id}/toggle  show or hide the window
//	DELETE /overlays/{id}         destroy the window
func (h *HTTPServer) handleOverlayDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/overlays/")
	idStr, action, _ := strings.Cut(rest, "/")
	if idStr == "" {
		http.Error(w, "Overlay ID required", http.StatusBadRequest)
		return
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "Invalid overlay ID", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		if _, exists := h.overlays.Get(id); !exists {
			http.Error(w, "Overlay not found", http.StatusNotFound)
			return
		}

		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"overlay_id": id.String(),
			"state":      h.overlays.QueryState(id).String(),
			"enabled":    h.overlays.Enabled(id),
		})

	case r.Method == http.MethodPost && action == "toggle":
		var req overlayToggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		result := h.overlays.Toggle(id, req.Enabled)
		h.metrics.RecordOverlayTransition(result.State)
		if result.Stack != "" {
			h.metrics.RecordOverlayPanic()
		}
		h.bus.Publish(events.TopicOverlayToggled, result)

		status := http.StatusOK
		if !result.Success {
			status = http.StatusConflict
		}
		h.writeJSON(w, status, result)

	case r.Method == http.MethodDelete && action == "":
		result := h.overlays.Destroy(id)
		h.metrics.RecordOverlayTransition(result.State)

		h.writeJSON(w, http.StatusOK, result)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCaptions implements POST /captions: publish a caption state to every
// subscribed overlay window. Missing languages and timestamp are filled with
// the canonical defaults.
func (h *HTTPServer) handleCaptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var state caption.State
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	delivered := h.broadcaster.Publish(state)
	h.metrics.RecordCaptionDelivered(delivered)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"delivered": delivered,
		"caption":   caption.Canonicalize(state, time.Now()),
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":            h.config.Server.Port,
			"bind_address":    h.config.Server.BindAddress,
			"max_sessions":    h.config.Server.MaxSessions,
			"session_timeout": h.config.Server.SessionTimeout,
		},
		"audio": map[string]interface{}{
			"sample_rate":     h.config.Audio.SampleRate,
			"channels":        h.config.Audio.Channels,
			"chunk_size":      h.config.Audio.ChunkSize,
			"buffer_duration": h.config.Audio.BufferDuration,
			"default_source":  h.config.Audio.DefaultSource,
		},
		"segmenter": map[string]interface{}{
			"volume_threshold":  h.config.Segmenter.VolumeThreshold,
			"min_duration":      h.config.Segmenter.MinDuration,
			"target_duration":   h.config.Segmenter.TargetDuration,
			"max_duration":      h.config.Segmenter.MaxDuration,
			"silence_threshold": h.config.Segmenter.SilenceThreshold,
		},
		"throttle": map[string]interface{}{
			"language_ms":      h.config.Throttle.LanguageMS,
			"status_ms":        h.config.Throttle.StatusMS,
			"transcription_ms": h.config.Throttle.TranscriptionMS,
		},
		"recognition": map[string]interface{}{
			"endpoint":       h.config.Recognition.Endpoint,
			"timeout":        h.config.Recognition.Timeout,
			"max_retries":    h.config.Recognition.MaxRetries,
			"max_concurrent": h.config.Recognition.MaxConcurrent,
			"enhance_after":  h.config.Recognition.EnhanceAfter,
			// Note: API key is intentionally omitted for security
		},
		"overlay": map[string]interface{}{
			"enabled": h.config.Overlay.Enabled,
			"width":   h.config.Overlay.Width,
			"height":  h.config.Overlay.Height,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"websocket": h.wsServer.GetStatistics(),
		"sessions": map[string]interface{}{
			"active_count": h.sessions.GetActiveSessionCount(),
		},
		"broadcast": h.broadcaster.GetStats(),
		"overlay":   h.overlays.GetStats(),
		"events":    h.bus.GetStats(),
	}

	h.writeJSON(w, http.StatusOK, stats)
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

	apiDoc := map[string]interface{}{
		"service": "SpeakTogether Caption Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all active sessions",
			"GET /sessions/{session_id}": "Get detailed session information",
			"GET /overlays":              "List overlay windows",
			"POST /overlays":             "Create an overlay window",
			"GET /overlays/{id}":         "Get overlay window state",
			"POST /overlays/{id}/toggle": "Show or hide an overlay window",
			"DELETE /overlays/{id}":      "Destroy an overlay window",
			"POST /captions":             "Publish a caption to all overlay windows",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
