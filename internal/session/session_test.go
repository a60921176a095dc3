package session

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/22VermeijT/SpeakTogether/internal/audio"
	"github.com/22VermeijT/SpeakTogether/internal/caption"
	"github.com/22VermeijT/SpeakTogether/internal/events"
	"github.com/22VermeijT/SpeakTogether/internal/protocol"
	"github.com/22VermeijT/SpeakTogether/internal/recognizer"
)

// fakeSender records every message delivered to the client.
type fakeSender struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, append([]byte(nil), data...))
	return nil
}

// byType returns the decoded messages of one type, in send order.
func (f *fakeSender) byType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, raw := range f.messages {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("Sent message is not valid JSON: %v", err)
		}
		if decoded["type"] == msgType {
			out = append(out, decoded)
		}
	}
	return out
}

// fakeTarget counts caption deliveries.
type fakeTarget struct {
	mu     sync.Mutex
	states []caption.State
}

func (f *fakeTarget) DeliverCaption(state caption.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

type fakeRegistry struct {
	targets []caption.Target
}

func (f *fakeRegistry) CaptionTargets() []caption.Target { return f.targets }

// countingProvider counts how many times a capture source was opened.
type countingProvider struct {
	inner audio.Provider
	mu    sync.Mutex
	opens int
}

func (c *countingProvider) Open(requested string, cfg audio.CaptureConfig) (*audio.OpenResult, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	return c.inner.Open(requested, cfg)
}

func (c *countingProvider) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func testSettings() Settings {
	return Settings{
		DefaultAudio: protocol.AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			ChunkSize:      1024,
			BufferDuration: 1.0,
			AudioSource:    protocol.SourceMicrophone,
			SourceLanguage: "auto",
			TargetLanguage: "en",
		},
		Segmenter: audio.DefaultSegmenterConfig(),
		Throttle:  caption.DefaultThrottleConfig(),
		Timeout:   5 * time.Minute,
	}
}

func newTestSession(t *testing.T, target caption.Target) (*Session, *fakeSender, *countingProvider) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := &fakeRegistry{}
	if target != nil {
		registry.targets = []caption.Target{target}
	}
	provider := &countingProvider{inner: &audio.ToneProvider{}}

	deps := Deps{
		Engine:      recognizer.NewStubEngine(logger),
		Broadcaster: caption.NewBroadcaster(registry, logger),
		Provider:    provider,
		Bus:         events.NewBus(logger),
		Logger:      logger,
	}

	session, err := NewSession("test-session", &fakeSender{}, testSettings(), deps)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	sender := session.sender.(*fakeSender)
	session.MarkConnected()
	t.Cleanup(session.Close)

	return session, sender, provider
}

func encodeClientMessage(t *testing.T, msgType string, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(msgType, "test-session", time.Now(), payload)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", msgType, err)
	}
	return data
}

func TestConnectionStateProgression(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	if s.State() != StateConnected {
		t.Fatalf("Expected Connected after handshake, got %s", s.State())
	}

	s.HandleMessage(encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{}))
	if s.State() != StateCapturing {
		t.Fatalf("Expected Capturing after start_capture, got %s", s.State())
	}

	s.HandleMessage(encodeClientMessage(t, protocol.TypeStopCapture, nil))
	if s.State() != StateConnected {
		t.Fatalf("Expected Connected after stop_capture, got %s", s.State())
	}

	s.Close()
	if s.State() != StateDisconnected {
		t.Fatalf("Expected Disconnected after close, got %s", s.State())
	}
}

func TestStartCaptureScenario(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	s.HandleMessage(encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{
		AudioConfig: protocol.AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			ChunkSize:      1024,
			BufferDuration: 1.0,
			SourceLanguage: "en",
			TargetLanguage: "es",
		},
	}))

	started := sender.byType(t, protocol.TypeAudioSessionStarted)
	if len(started) != 1 {
		t.Fatalf("Expected one audio_session_started, got %d", len(started))
	}
	ackConfig, ok := started[0]["audio_config"].(map[string]any)
	if !ok {
		t.Fatalf("audio_session_started missing audio_config: %v", started[0])
	}
	if ackConfig["sample_rate"].(float64) != 16000 || ackConfig["target_language"] != "es" {
		t.Errorf("Unexpected acknowledged config: %v", ackConfig)
	}

	status := sender.byType(t, protocol.TypeAudioSourceStatus)
	if len(status) != 1 || status[0]["status"] != protocol.SourceStatusSuccess {
		t.Fatalf("Expected success source status, got %v", status)
	}

	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:      s.ID,
		Text:           "Hello everyone",
		Confidence:     0.92,
		SourceLanguage: "en",
		TargetLanguage: "es",
		Timestamp:      time.Now(),
		IsRealTime:     true,
	})

	state := s.CaptionState()
	if state.Confidence != 92 {
		t.Errorf("Expected confidence 92, got %f", state.Confidence)
	}
	if state.SourceLanguage != "en" || state.TargetLanguage != "es" {
		t.Errorf("Unexpected language pair: %s -> %s", state.SourceLanguage, state.TargetLanguage)
	}

	results := sender.byType(t, protocol.TypeTranscriptionResult)
	if len(results) != 1 {
		t.Fatalf("Expected one transcription_result, got %d", len(results))
	}
	data := results[0]["data"].(map[string]any)
	if data["transcript"] != "Hello everyone" {
		t.Errorf("Unexpected transcript: %v", data)
	}
}

func TestStartCaptureIsIdempotent(t *testing.T) {
	s, sender, provider := newTestSession(t, nil)

	start := encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{
		AudioConfig: protocol.AudioConfig{SourceLanguage: "en", TargetLanguage: "es"},
	})
	s.HandleMessage(start)
	s.HandleMessage(start)

	if s.State() != StateCapturing {
		t.Fatalf("Expected Capturing, got %s", s.State())
	}
	if provider.openCount() != 1 {
		t.Errorf("Repeated start_capture must not reopen the source, got %d opens", provider.openCount())
	}

	started := sender.byType(t, protocol.TypeAudioSessionStarted)
	if len(started) != 2 {
		t.Fatalf("Both starts should be acknowledged, got %d", len(started))
	}
	// The second acknowledgement carries the active config.
	ackConfig := started[1]["audio_config"].(map[string]any)
	if ackConfig["target_language"] != "es" {
		t.Errorf("Second ack should carry the current config: %v", ackConfig)
	}
}

func TestMalformedMessagePreservesState(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	s.HandleMessage([]byte(`{not json`))
	if s.State() != StateConnected {
		t.Fatalf("Malformed message changed state to %s", s.State())
	}

	s.HandleMessage(encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{}))
	s.HandleMessage([]byte(`{"type":"no_such_type","session_id":"x","timestamp":1}`))
	if s.State() != StateCapturing {
		t.Fatalf("Malformed message mid-capture changed state to %s", s.State())
	}

	// The reconciler keeps working for subsequent valid events.
	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:  s.ID,
		Text:       "still alive",
		Confidence: 0.8,
		Timestamp:  time.Now(),
	})
	if s.CaptionState().Original != "still alive" {
		t.Error("Reconciler stopped accepting events after a malformed message")
	}

	errs := sender.byType(t, protocol.TypeError)
	if len(errs) != 2 {
		t.Errorf("Each malformed message should produce an error notice, got %d", len(errs))
	}

	info := s.GetSessionInfo()
	if info.ProtocolErrors != 2 {
		t.Errorf("Expected 2 protocol errors recorded, got %d", info.ProtocolErrors)
	}
}

func TestLanguageUpdateWithoutRestart(t *testing.T) {
	s, sender, provider := newTestSession(t, nil)

	s.HandleMessage(encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{
		AudioConfig: protocol.AudioConfig{SourceLanguage: "en", TargetLanguage: "es"},
	}))

	s.HandleMessage(encodeClientMessage(t, protocol.TypeUpdateLanguageConfig, protocol.LanguageConfigPayload{
		LanguageConfig: protocol.LanguageConfig{SourceLanguage: "de", TargetLanguage: "fr"},
	}))

	if s.State() != StateCapturing {
		t.Fatalf("Language update must not interrupt capture, got %s", s.State())
	}
	if provider.openCount() != 1 {
		t.Errorf("Language update must not reopen the source, got %d opens", provider.openCount())
	}

	updated := sender.byType(t, protocol.TypeLanguageConfigUpdated)
	if len(updated) != 1 {
		t.Fatalf("Expected one language_config_updated, got %d", len(updated))
	}
	cfg := updated[0]["language_config"].(map[string]any)
	if cfg["source_language"] != "de" || cfg["target_language"] != "fr" {
		t.Errorf("Unexpected updated config: %v", cfg)
	}

	info := s.GetSessionInfo()
	if info.SourceLanguage != "de" || info.TargetLanguage != "fr" {
		t.Errorf("Session info not updated: %+v", info)
	}
}

func TestLanguageUpdateValidWhileConnected(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	s.HandleMessage(encodeClientMessage(t, protocol.TypeUpdateLanguageConfig, protocol.LanguageConfigPayload{
		LanguageConfig: protocol.LanguageConfig{TargetLanguage: "ja"},
	}))

	if s.State() != StateConnected {
		t.Fatalf("Unexpected state %s", s.State())
	}
	if len(sender.byType(t, protocol.TypeLanguageConfigUpdated)) != 1 {
		t.Error("Language update while Connected should be acknowledged")
	}
}

func TestStopCaptureReportsSessionEnded(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	s.HandleMessage(encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{}))
	s.HandleMessage(encodeClientMessage(t, protocol.TypeStopCapture, nil))

	ended := sender.byType(t, protocol.TypeAudioSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("Expected one audio_session_ended, got %d", len(ended))
	}
	if _, ok := ended[0]["duration_seconds"].(float64); !ok {
		t.Errorf("audio_session_ended missing duration: %v", ended[0])
	}
	if _, ok := ended[0]["stats"].(map[string]any); !ok {
		t.Errorf("audio_session_ended missing stats: %v", ended[0])
	}
}

func TestAudioChunkToleratedWhileConnected(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	var volumes []caption.VolumeEvent
	s.deps.Bus.Subscribe(events.TopicVolumeLevel, func(payload any) {
		volumes = append(volumes, payload.(caption.VolumeEvent))
	})

	// Stream-only payload before start_capture: volume UI state updates,
	// nothing else happens.
	s.HandleMessage(encodeClientMessage(t, protocol.TypeAudioChunk, protocol.AudioChunkPayload{
		AudioMetrics: protocol.AudioMetrics{
			VolumeDB:      -18.5,
			VolumePercent: 42,
			RMS:           3500,
		},
	}))

	if s.State() != StateConnected {
		t.Fatalf("audio_chunk changed state to %s", s.State())
	}
	if errs := sender.byType(t, protocol.TypeError); len(errs) != 0 {
		t.Fatalf("audio_chunk produced an error notice: %v", errs)
	}
	if s.GetSessionInfo().ProtocolErrors != 0 {
		t.Error("audio_chunk was counted as a protocol error")
	}
	if len(volumes) != 1 || volumes[0].VolumePercent != 42 {
		t.Errorf("Expected one volume event at 42%%, got %v", volumes)
	}
	if s.CaptionState().FromTranscription {
		t.Error("audio_chunk must not imply a transcription")
	}

	// A second chunk inside the volume throttle window is dropped quietly.
	s.HandleMessage(encodeClientMessage(t, protocol.TypeAudioChunk, protocol.AudioChunkPayload{
		AudioMetrics: protocol.AudioMetrics{VolumePercent: 80},
	}))
	if len(volumes) != 1 {
		t.Errorf("Throttled chunk still reached the bus: %d events", len(volumes))
	}
	if s.GetSessionInfo().ProtocolErrors != 0 {
		t.Error("Throttled chunk was counted as a protocol error")
	}
}

func TestSourceStatusPassesThroughStatusGate(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	start := encodeClientMessage(t, protocol.TypeStartCapture, protocol.StartCapturePayload{})
	s.HandleMessage(start)
	s.HandleMessage(encodeClientMessage(t, protocol.TypeStopCapture, nil))
	s.HandleMessage(start)

	if s.State() != StateCapturing {
		t.Fatalf("Expected Capturing after restart, got %s", s.State())
	}

	// Both starts succeed within one status throttle window; only the first
	// notice goes out.
	status := sender.byType(t, protocol.TypeAudioSourceStatus)
	if len(status) != 1 {
		t.Fatalf("Expected one audio_source_status, got %d", len(status))
	}

	stats := s.reconciler.GetStats()
	if stats.StatusAccepted != 1 || stats.StatusDropped != 1 {
		t.Errorf("Expected one accepted and one dropped status, got %+v", stats)
	}
}

func TestLateResultsAfterCloseNotBroadcast(t *testing.T) {
	target := &fakeTarget{}
	s, sender, _ := newTestSession(t, target)

	// Both events land within one throttle window on the real clock; lift
	// the gate so the late result reaches the reconciler.
	s.reconciler.SetThrottle(caption.ThrottleConfig{})

	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:  s.ID,
		Text:       "before close",
		Confidence: 0.9,
		Timestamp:  time.Now(),
	})
	if target.count() != 1 {
		t.Fatalf("Expected 1 delivery before close, got %d", target.count())
	}
	sentBefore := len(sender.byType(t, protocol.TypeTranscriptionResult))

	s.Close()

	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:  s.ID,
		Text:       "after close",
		Confidence: 0.9,
		Timestamp:  time.Now().Add(time.Second),
	})

	// Still reconciled, but no delivery and no client message.
	if s.CaptionState().Original != "after close" {
		t.Error("Late result should still reconcile")
	}
	if target.count() != 1 {
		t.Errorf("Late result was broadcast after teardown: %d deliveries", target.count())
	}
	if got := len(sender.byType(t, protocol.TypeTranscriptionResult)); got != sentBefore {
		t.Errorf("Late result was sent to the client after teardown")
	}
}

func TestEnhancementFlowsToClient(t *testing.T) {
	target := &fakeTarget{}
	s, sender, _ := newTestSession(t, target)

	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:   s.ID,
		Text:        "Hola",
		Translation: "",
		Confidence:  0.7,
		Timestamp:   time.Now(),
	})
	s.OnEnhancement(&caption.EnhancementEvent{
		SessionID:           s.ID,
		RefersTo:            "Hola",
		ImprovedTranslation: "Hello",
		AppliedBy:           "polisher",
		Timestamp:           time.Now().Add(250 * time.Millisecond),
	})

	state := s.CaptionState()
	if state.Original != "Hola" || state.Translation != "Hello" {
		t.Errorf("Enhancement not merged: %+v", state)
	}

	results := sender.byType(t, protocol.TypeTranscriptionResult)
	if len(results) != 2 {
		t.Fatalf("Expected transcription and enhancement messages, got %d", len(results))
	}
	if results[1]["is_enhancement"] != true {
		t.Errorf("Second message should be an enhancement: %v", results[1])
	}
	data := results[1]["data"].(map[string]any)
	translation := data["translation"].(map[string]any)
	if translation["text"] != "Hello" || translation["polisher_applied"] != true {
		t.Errorf("Unexpected enhancement payload: %v", translation)
	}
}

func TestInboundResultWithLegacyAlias(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	// Older services deliver the translated text under "translated".
	raw := []byte(`{
		"type": "transcription_result",
		"session_id": "test-session",
		"timestamp": 1700000000.5,
		"is_enhancement": false,
		"data": {
			"transcript": "Hola",
			"confidence": 0.88,
			"language_detected": "es",
			"translated": {"text": "Hello", "source_language": "es", "target_language": "en"}
		}
	}`)
	s.HandleMessage(raw)

	state := s.CaptionState()
	if state.Original != "Hola" || state.Translation != "Hello" {
		t.Errorf("Alias field not normalized: %+v", state)
	}
	if state.Confidence != 88 {
		t.Errorf("Expected confidence 88, got %f", state.Confidence)
	}

	if s.GetSessionInfo().ProtocolErrors != 0 {
		t.Error("Inbound result was treated as malformed")
	}
}

func TestInboundEnhancementSupersession(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:  s.ID,
		Text:       "Hola",
		Confidence: 0.7,
		Timestamp:  time.Now(),
	})

	// Enhancement for a different utterance is dropped.
	raw := []byte(`{
		"type": "transcription_result",
		"session_id": "test-session",
		"timestamp": 1700000001.0,
		"is_enhancement": true,
		"data": {
			"transcript": "Adios",
			"translation": {"text": "Goodbye"}
		}
	}`)
	s.HandleMessage(raw)

	if s.CaptionState().Translation == "Goodbye" {
		t.Error("Enhancement for a superseded utterance was applied")
	}
}

func TestGetStatusAndDevices(t *testing.T) {
	s, sender, _ := newTestSession(t, nil)

	s.HandleMessage(encodeClientMessage(t, protocol.TypeGetAudioStatus, nil))
	status := sender.byType(t, protocol.TypeAudioStatus)
	if len(status) != 1 {
		t.Fatalf("Expected one audio_status, got %d", len(status))
	}
	if status[0]["state"] != "connected" {
		t.Errorf("Unexpected state in status: %v", status[0])
	}

	s.HandleMessage(encodeClientMessage(t, protocol.TypeGetAudioDevices, nil))
	devices := sender.byType(t, protocol.TypeAudioDevices)
	if len(devices) != 1 {
		t.Fatalf("Expected one audio_devices, got %d", len(devices))
	}
}
