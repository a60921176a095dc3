package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/22VermeijT/SpeakTogether/internal/audio"
	"github.com/22VermeijT/SpeakTogether/internal/caption"
	"github.com/22VermeijT/SpeakTogether/internal/config"
	"github.com/22VermeijT/SpeakTogether/internal/events"
	"github.com/22VermeijT/SpeakTogether/internal/overlay"
	"github.com/22VermeijT/SpeakTogether/internal/protocol"
	"github.com/22VermeijT/SpeakTogether/internal/recognizer"
	"github.com/22VermeijT/SpeakTogether/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires the full serving stack against the stub engine and the
// headless overlay backend.
type harness struct {
	config      *config.Config
	sessions    *session.Manager
	overlays    *overlay.Manager
	broadcaster *caption.Broadcaster
	bus         *events.Bus
	wsServer    *WSServer
	httpServer  *HTTPServer
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, config.Default())
}

func newHarnessWithConfig(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	logger := testLogger()

	overlays := overlay.NewManager(func() overlay.Surface {
		return overlay.NewHeadlessSurface(logger)
	}, logger)
	broadcaster := caption.NewBroadcaster(overlays, logger)
	bus := events.NewBus(logger)

	settings := session.Settings{
		DefaultAudio: protocol.AudioConfig{
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       cfg.Audio.Channels,
			ChunkSize:      cfg.Audio.ChunkSize,
			BufferDuration: cfg.Audio.BufferDuration,
			AudioSource:    cfg.Audio.DefaultSource,
			SourceLanguage: "auto",
			TargetLanguage: "en",
		},
		Segmenter: audio.DefaultSegmenterConfig(),
		Throttle:  caption.DefaultThrottleConfig(),
		Timeout:   cfg.Server.GetSessionTimeoutDuration(),
	}
	deps := session.Deps{
		Engine:      recognizer.NewStubEngine(logger),
		Broadcaster: broadcaster,
		Provider:    &audio.ToneProvider{},
		Bus:         bus,
		Logger:      logger,
	}

	sessions := session.NewManager(settings, deps, cfg.Server.MaxSessions, time.Minute)
	t.Cleanup(sessions.Stop)

	wsServer := NewWSServer(&cfg.Server, logger, sessions)
	httpServer := NewHTTPServer(&cfg.HTTP, logger, cfg, sessions, overlays, broadcaster, bus, wsServer, nil)

	return &harness{
		config:      cfg,
		sessions:    sessions,
		overlays:    overlays,
		broadcaster: broadcaster,
		bus:         bus,
		wsServer:    wsServer,
		httpServer:  httpServer,
	}
}

func (h *harness) api() http.Handler {
	mux := http.NewServeMux()
	h.httpServer.setupRoutes(mux)
	return mux
}

func getJSON(t *testing.T, handler http.Handler, path string) map[string]any {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s returned %d: %s", path, rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s returned invalid JSON: %v", path, err)
	}
	return body
}

func postJSON(t *testing.T, handler http.Handler, path, body string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("POST %s returned invalid JSON: %v", path, err)
		}
	}
	return rec.Code, decoded
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	body := getJSON(t, h.api(), "/health")

	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
	components, ok := body["components"].(map[string]any)
	if !ok {
		t.Fatal("Expected components object in health response")
	}
	for _, name := range []string{"websocket", "overlay", "broadcast"} {
		if _, present := components[name]; !present {
			t.Errorf("Health response missing component %q", name)
		}
	}
}

func TestSessionsEndpoint(t *testing.T) {
	h := newHarness(t)

	body := getJSON(t, h.api(), "/sessions")
	if body["total_sessions"] != float64(0) {
		t.Errorf("Expected 0 sessions, got %v", body["total_sessions"])
	}

	sess, err := h.sessions.CreateSession(&nullSender{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	body = getJSON(t, h.api(), "/sessions")
	if body["total_sessions"] != float64(1) {
		t.Errorf("Expected 1 session, got %v", body["total_sessions"])
	}

	detail := getJSON(t, h.api(), "/sessions/"+sess.ID)
	if detail["session_id"] != sess.ID {
		t.Errorf("Expected session detail for %s, got %v", sess.ID, detail["session_id"])
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/nonexistent", nil)
	rec := httptest.NewRecorder()
	h.api().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestOverlayLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	api := h.api()

	// Create a window with default bounds.
	code, created := postJSON(t, api, "/overlays", "")
	if code != http.StatusCreated {
		t.Fatalf("Expected 201 from POST /overlays, got %d", code)
	}
	id, _ := created["overlay_id"].(string)
	if id == "" {
		t.Fatal("Expected overlay_id in create response")
	}
	if created["state"] != "absent" {
		t.Errorf("New window should be absent, got %v", created["state"])
	}

	// Enable it.
	code, result := postJSON(t, api, "/overlays/"+id+"/toggle", `{"enabled": true}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200 from toggle, got %d", code)
	}
	if result["success"] != true || result["state"] != "visible" {
		t.Errorf("Unexpected toggle result: %v", result)
	}

	// Publish a caption and verify it reaches the window.
	code, published := postJSON(t, api, "/captions", `{"original": "hola", "translation": "hello"}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200 from POST /captions, got %d", code)
	}
	if published["delivered"] != float64(1) {
		t.Errorf("Expected 1 delivery, got %v", published["delivered"])
	}
	capt, ok := published["caption"].(map[string]any)
	if !ok || capt["source_language"] != "auto" || capt["target_language"] != "en" {
		t.Errorf("Expected canonical language defaults, got %v", published["caption"])
	}

	// Hide it and read back the state.
	code, result = postJSON(t, api, "/overlays/"+id+"/toggle", `{"enabled": false}`)
	if code != http.StatusOK || result["state"] != "hidden" {
		t.Errorf("Expected hidden after disable, got %d %v", code, result)
	}

	detail := getJSON(t, api, "/overlays/"+id)
	if detail["state"] != "hidden" || detail["enabled"] != false {
		t.Errorf("Unexpected overlay detail: %v", detail)
	}

	// Destroy it.
	req := httptest.NewRequest(http.MethodDelete, "/overlays/"+id, nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from DELETE, got %d", rec.Code)
	}

	listing := getJSON(t, api, "/overlays")
	if listing["total_overlays"] != float64(0) {
		t.Errorf("Expected empty overlay list after destroy, got %v", listing["total_overlays"])
	}
}

func TestOverlayInvalidID(t *testing.T) {
	h := newHarness(t)

	code, _ := postJSON(t, h.api(), "/overlays/not-a-uuid/toggle", `{"enabled": true}`)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid overlay id, got %d", code)
	}
}

func TestToggleUnknownOverlayReturnsConflict(t *testing.T) {
	h := newHarness(t)

	code, _ := postJSON(t, h.api(), "/overlays/00000000-0000-0000-0000-000000000001/toggle", `{"enabled": true}`)
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for unknown overlay, got %d", code)
	}
}

func TestConfigEndpointOmitsAPIKey(t *testing.T) {
	h := newHarness(t)
	h.config.Recognition.APIKey = "secret"

	body := getJSON(t, h.api(), "/config")
	recognition, ok := body["recognition"].(map[string]any)
	if !ok {
		t.Fatal("Expected recognition section in config response")
	}
	if _, present := recognition["api_key"]; present {
		t.Error("API key must not be exposed over HTTP")
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t)

	body := getJSON(t, h.api(), "/stats")
	for _, key := range []string{"uptime", "websocket", "sessions", "broadcast", "overlay", "events"} {
		if _, present := body[key]; !present {
			t.Errorf("Stats response missing %q", key)
		}
	}
}

func TestWebSocketSessionRoundTrip(t *testing.T) {
	h := newHarness(t)

	ts := httptest.NewServer(http.HandlerFunc(h.wsServer.handleConnection))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return h.sessions.GetActiveSessionCount() == 1 })

	start := map[string]any{
		"type":      "start_capture",
		"timestamp": float64(time.Now().Unix()),
		"audio_config": map[string]any{
			"source_language": "en",
			"target_language": "es",
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("Failed to send start_capture: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var started map[string]any
	for {
		if err := conn.ReadJSON(&started); err != nil {
			t.Fatalf("Failed to read response: %v", err)
		}
		if started["type"] == "audio_session_started" {
			break
		}
	}

	ackCfg, _ := started["audio_config"].(map[string]any)
	if ackCfg["target_language"] != "es" {
		t.Errorf("Expected ack with target language es, got %v", ackCfg["target_language"])
	}

	conn.Close()
	waitFor(t, func() bool { return h.sessions.GetActiveSessionCount() == 0 })
}

func TestWebSocketRejectsOverSessionLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxSessions = 1
	h := newHarnessWithConfig(t, cfg)

	ts := httptest.NewServer(http.HandlerFunc(h.wsServer.handleConnection))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()

	waitFor(t, func() bool { return h.sessions.GetActiveSessionCount() == 1 })

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// The server may reject during the handshake; that also satisfies
		// the limit.
		return
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, readErr := second.ReadMessage()
	if readErr == nil {
		t.Fatal("Expected the second connection to be closed")
	}
	if h.sessions.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", h.sessions.GetActiveSessionCount())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}

// nullSender discards everything the session writes.
type nullSender struct{}

func (nullSender) Send([]byte) error { return nil }

var _ session.Sender = (*nullSender)(nil)
